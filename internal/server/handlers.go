package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/terraconstructs/authbridge/internal/auth"
	"github.com/terraconstructs/authbridge/internal/ratelimit"
	"github.com/terraconstructs/authbridge/internal/repository"
	"github.com/terraconstructs/authbridge/internal/services/accountsync"
	"github.com/terraconstructs/authbridge/internal/services/iam"
	"github.com/terraconstructs/authbridge/internal/tokens"
)

type handlers struct {
	users   repository.UserDirectory
	iam     iam.Service
	sync    *accountsync.Service
	tokens  *tokens.Service
	limiter *ratelimit.Limiter
	logger  *zap.Logger
	secure  bool
}

// IdentityResponse describes the caller.
type IdentityResponse struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
	Roles     []string `json:"roles"`
	Verified  bool     `json:"verified"`
	AuthType  string   `json:"authType"`
	IAMUserID string   `json:"iamUserId,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	DeviceID  string   `json:"deviceId,omitempty"`
}

func identityResponse(identity *auth.Identity) IdentityResponse {
	resp := IdentityResponse{
		ID:        identity.ID,
		Email:     identity.Email,
		FirstName: identity.FirstName,
		LastName:  identity.LastName,
		Roles:     identity.Roles,
		Verified:  identity.Verified,
		AuthType:  "legacy",
		IAMUserID: identity.IAMUserID,
		SessionID: identity.SessionID,
		DeviceID:  identity.DeviceID,
	}
	if identity.IAMAuthenticated {
		resp.AuthType = "iam"
	}
	if resp.Roles == nil {
		resp.Roles = []string{}
	}
	return resp
}

func (h *handlers) whoami(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		h.fail(w, r, auth.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, identityResponse(identity))
}

// RateLimitResetRequest names the client to reset. An empty IP clears every counter.
type RateLimitResetRequest struct {
	IP string `json:"ip"`
}

func (h *handlers) resetRateLimit(w http.ResponseWriter, r *http.Request) {
	var req RateLimitResetRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if h.limiter == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if req.IP == "" {
		h.limiter.Clear()
	} else {
		h.limiter.Reset(req.IP)
	}
	identity, _ := auth.IdentityFromContext(r.Context())
	h.logger.Info("rate limit counters reset",
		zap.String("ip", req.IP),
		zap.String("by", identity.ID),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) setCookie(w http.ResponseWriter, r *http.Request, name, value string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.secure || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *handlers) clearCookie(w http.ResponseWriter, r *http.Request, name string) {
	h.setCookie(w, r, name, "", time.Unix(0, 0))
}
