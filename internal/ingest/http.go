// ABOUTME: HTTP receiver for agent message batches
// ABOUTME: Authenticates via X-API-Key, accepts NDJSON, reports processed/duplicate counts

package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/helpdeskpro/fleetcore/internal/apikey"
	"github.com/helpdeskpro/fleetcore/internal/store"
)

// maxLineBytes bounds a single NDJSON line (1 MiB).
const maxLineBytes = 1 << 20

// Handler serves the ingestion HTTP surface. The same handler backs both
// the embedded mount and the standalone listener.
type Handler struct {
	service  *Service
	verifier apikey.Verifier
	logger   *slog.Logger
}

// NewHandler creates an ingestion HTTP handler.
func NewHandler(service *Service, verifier apikey.Verifier, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		verifier: verifier,
		logger:   logger.With("component", "ingest-http"),
	}
}

// Register mounts the ingestion routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /ingest", h.handleIngest)
	h.RegisterHealth(mux)
}

// RegisterHealth mounts only the health probe, for servers that do not
// accept ingestion themselves.
func (h *Handler) RegisterHealth(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
}

// envelope is one NDJSON line. Both docKey and doc_key spellings are
// accepted; agents in the field send either.
type envelope struct {
	DocKey      string `json:"docKey"`
	DocKeySnake string `json:"doc_key"`
}

func (e *envelope) key() string {
	if e.DocKey != "" {
		return e.DocKey
	}
	return e.DocKeySnake
}

// batchResponse summarizes one POST /ingest request.
type batchResponse struct {
	Success    bool `json:"success"`
	Processed  int  `json:"processed"`
	Duplicates int  `json:"duplicates"`
	Errors     int  `json:"errors"`
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	cred, err := h.verifier.Verify(r.Context(), r.Header.Get("X-API-Key"))
	if err != nil {
		if errors.Is(err, apikey.ErrInvalidKey) {
			h.sendJSONError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		h.logger.Error("verification failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := h.ingestBatch(r.Context(), cred, r)
	h.writeJSON(w, http.StatusOK, resp)
}

// ingestBatch reads NDJSON lines and ingests each one. A malformed line is
// counted and skipped; it never aborts the rest of the batch.
func (h *Handler) ingestBatch(ctx context.Context, cred *store.Credential, r *http.Request) batchResponse {
	var resp batchResponse

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			resp.Errors++
			continue
		}

		payload := make([]byte, len(line))
		copy(payload, line)

		result, err := h.service.Ingest(ctx, cred, env.key(), payload)
		if err != nil {
			h.logger.Error("ingest failed", "error", err, "credential", cred.ID)
			resp.Errors++
			continue
		}
		if result.Stored {
			resp.Processed++
		} else {
			resp.Duplicates++
		}
	}
	if err := scanner.Err(); err != nil {
		h.logger.Warn("batch body truncated", "error", err, "credential", cred.ID)
		resp.Errors++
	}

	resp.Success = resp.Errors == 0
	return resp
}

// healthResponse reports receiver liveness and the last ingestion time.
type healthResponse struct {
	Status      string  `json:"status"`
	LastPostUTC *string `json:"lastPostUtc"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	latest, err := h.service.LatestReceivedAt(r.Context())
	if err != nil {
		h.logger.Error("health query failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := healthResponse{Status: "ok"}
	if latest != nil {
		formatted := latest.UTC().Format(time.RFC3339)
		resp.LastPostUTC = &formatted
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (h *Handler) sendJSONError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
