// ABOUTME: HTTP handler serving installer downloads through issued links
// ABOUTME: Unknown, expired, and revoked tokens all look identical from outside

package download

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/helpdeskpro/fleetcore/internal/store"
)

// Handler serves GET /downloads/{token}.
type Handler struct {
	issuer        *Issuer
	sessions      SessionVerifier
	installerPath string
	logger        *slog.Logger
}

// NewHandler creates a download HTTP handler. sessions may be nil when no
// session secret is configured, in which case restricted links reject
// every request.
func NewHandler(issuer *Issuer, sessions SessionVerifier, installerPath string, logger *slog.Logger) *Handler {
	return &Handler{
		issuer:        issuer,
		sessions:      sessions,
		installerPath: installerPath,
		logger:        logger.With("component", "download-http"),
	}
}

// Register mounts the download route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /downloads/{token}", h.handleDownload)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	link, err := h.issuer.Resolve(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		h.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		h.logger.Error("link lookup failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Inactive links are indistinguishable from unknown tokens
	if !IsActive(link, time.Now().UTC()) {
		h.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	if RequireLogin(link) {
		principal, err := h.verifySession(r)
		if err != nil {
			h.sendJSONError(w, http.StatusUnauthorized, "login required")
			return
		}
		h.logger.Info("restricted download", "link", link.ID, "principal", principal)
	}

	w.Header().Set("Content-Disposition", "attachment")
	http.ServeFile(w, r, h.installerPath)
}

// verifySession extracts and verifies the bearer session token.
func (h *Handler) verifySession(r *http.Request) (string, error) {
	if h.sessions == nil {
		return "", ErrInvalidSession
	}
	auth := r.Header.Get("Authorization")
	bearer, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || bearer == "" {
		return "", ErrInvalidSession
	}
	return h.sessions.Verify(bearer)
}

// sendJSONError writes a JSON error response.
func (h *Handler) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
