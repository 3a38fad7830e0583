package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/terraconstructs/authbridge/internal/auth"
	"github.com/terraconstructs/authbridge/internal/tokens"
)

// LegacyAuthenticator verifies a legacy access token.
type LegacyAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Identity, error)
}

// LegacyAuthGuard authenticates legacy access tokens for requests the
// credential resolver left without an identity. Requests already carrying an
// IAM-authenticated identity skip legacy verification entirely.
//
// The token comes from the Authorization header, or from the "token" cookie
// when no header is present. A failed verification leaves the request
// unauthenticated; RequireRoles decides whether that is acceptable.
func LegacyAuthGuard(legacy LegacyAuthenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth.IdentityFromContext(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}

			token := legacyToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if claims, err := tokens.DecodeJWT(token); err != nil || !claims.IsLegacy() {
				next.ServeHTTP(w, r)
				return
			}

			identity, err := legacy.Authenticate(r.Context(), token)
			if err != nil {
				logger.Debug("legacy token rejected",
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.SetIdentity(r.Context(), identity)))
		})
	}
}

func legacyToken(r *http.Request) string {
	if token, present := auth.BearerToken(r.Header); present {
		return token
	}
	return auth.CookieValue(r, auth.TokenCookieName)
}

// RequireRoles rejects requests whose identity holds none of roles: 401 when
// no identity is attached, 403 otherwise. No roles means no check.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(roles) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, _ := auth.IdentityFromContext(r.Context())
			if identity.HasRole(roles...) {
				next.ServeHTTP(w, r)
				return
			}
			if identity == nil || identity.ID == "" {
				unauthenticated(w)
				return
			}
			forbidden(w)
		})
	}
}

func unauthenticated(w http.ResponseWriter) {
	writeJSONError(w, http.StatusUnauthorized, auth.ErrUnauthorized.Error())
}

func forbidden(w http.ResponseWriter) {
	writeJSONError(w, http.StatusForbidden, auth.ErrForbidden.Error())
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
