package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

const (
	// SessionCookieName carries the opaque IAM session token.
	SessionCookieName = "iam.session_token"

	// TokenCookieName carries a bearer-style token for clients that cannot set headers.
	TokenCookieName = "token"

	// RefreshCookieName carries the legacy refresh token.
	RefreshCookieName = "refreshToken"

	// TokenLength is the length of generated session tokens in bytes
	TokenLength = 32
)

// GenerateSessionToken returns a random session token and its SHA256 hex hash.
// Only the hash is persisted.
func GenerateSessionToken() (string, string, error) {
	tokenBytes := make([]byte, TokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", "", fmt.Errorf("generate random token: %w", err)
	}
	token := hex.EncodeToString(tokenBytes)
	return token, HashToken(token), nil
}

// HashToken hashes a session token for storage and lookup.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// BearerToken extracts the token from an Authorization header.
// The second return value reports whether the header was present at all.
func BearerToken(header http.Header) (string, bool) {
	raw := header.Get("Authorization")
	if raw == "" {
		return "", false
	}
	const prefix = "bearer "
	if len(raw) > len(prefix) && strings.EqualFold(raw[:len(prefix)], prefix) {
		return strings.TrimSpace(raw[len(prefix):]), true
	}
	return "", true
}

// CookieValue returns the named cookie value, or "" when absent.
func CookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
