// Package apiauth generates the per-process admin-API secret and guards
// mutating HTTP routes with it, per spec §6's "loopback-only listener
// plus a per-process secret required for mutating API calls".
package apiauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
)

// HeaderName carries the per-process token on mutating requests.
const HeaderName = "X-Api-Token"

// tokenBytes is the entropy of the generated token, per spec §5's
// "cryptographically random per-process secret".
const tokenBytes = 32

// Generate returns a fresh cryptographically random token, hex-encoded.
// Called once at boot; the supervisor never regenerates it mid-process.
func Generate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// RequireToken wraps next, rejecting any request whose HeaderName value
// doesn't match token with 401 Unauthorized. Intended for mutating
// routes only — read-only routes (health, snapshot) stay open to any
// loopback caller.
func RequireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(HeaderName)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, "missing or invalid "+HeaderName, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
