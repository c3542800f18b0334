// ABOUTME: Session tokens gating restricted download links
// ABOUTME: HS256 JWTs scoped to downloads via a purpose claim

package download

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session token errors
var (
	ErrInvalidSession = errors.New("invalid session")
	ErrExpiredSession = errors.New("session expired")
	ErrMissingClaim   = errors.New("missing required claim")
)

// DefaultSessionTTL bounds download sessions generated without an explicit
// lifetime. Download links can live for months; their sessions must not.
const DefaultSessionTTL = 12 * time.Hour

// sessionPurpose scopes a token to download access. A token minted for some
// other surface must not open restricted links even when it shares the
// signing secret.
const sessionPurpose = "download"

// SessionVerifier defines the interface for session token verification
type SessionVerifier interface {
	Verify(tokenString string) (principalID string, err error)
}

// sessionClaims is the payload of a download session token.
type sessionClaims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// JWTSessionVerifier implements SessionVerifier using HS256 signed JWTs
type JWTSessionVerifier struct {
	secret []byte
}

// NewJWTSessionVerifier creates a new session verifier with the given secret
func NewJWTSessionVerifier(secret []byte) *JWTSessionVerifier {
	return &JWTSessionVerifier{secret: secret}
}

// Verify validates the token and returns the principal it was issued to.
// Tokens without the download purpose claim are rejected regardless of
// signature validity.
func (v *JWTSessionVerifier) Verify(tokenString string) (principalID string, err error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredSession
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	if !token.Valid {
		return "", ErrInvalidSession
	}
	if claims.Purpose != sessionPurpose {
		return "", fmt.Errorf("%w: not a download session", ErrInvalidSession)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return claims.Subject, nil
}

// Generate creates a download session token for the given principal.
// A zero expiresIn falls back to DefaultSessionTTL.
func (v *JWTSessionVerifier) Generate(principalID string, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = DefaultSessionTTL
	}

	now := time.Now()
	claims := sessionClaims{
		Purpose: sessionPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
