package server

import (
	"net/http"

	"github.com/terraconstructs/authbridge/internal/auth"
)

// Route is one entry of the route table.
type Route struct {
	Method  string
	Pattern string
	// Roles lists the roles of which the caller must hold at least one.
	// Empty means public.
	Roles []string
	// RateLimited routes are counted per client IP against the shared policy.
	RateLimited bool
	// Legacy routes also accept legacy access tokens.
	Legacy  bool
	Handler http.HandlerFunc
}

// routes returns the route table served by NewRouter.
func routes(h *handlers) []Route {
	return []Route{
		// Legacy subsystem
		{Method: http.MethodPost, Pattern: "/auth/signup", RateLimited: true, Handler: h.legacySignUp},
		{Method: http.MethodPost, Pattern: "/auth/signin", RateLimited: true, Handler: h.legacySignIn},
		{Method: http.MethodPost, Pattern: "/auth/refresh", RateLimited: true, Handler: h.legacyRefresh},
		{Method: http.MethodPost, Pattern: "/auth/logout", Roles: []string{auth.RoleUser}, Legacy: true, Handler: h.legacyLogout},
		{Method: http.MethodGet, Pattern: "/auth/me", Roles: []string{auth.RoleUser}, Legacy: true, Handler: h.whoami},
		{Method: http.MethodPatch, Pattern: "/users/me", Roles: []string{auth.RoleUser}, Legacy: true, Handler: h.updateMe},
		{Method: http.MethodDelete, Pattern: "/users/me", Roles: []string{auth.RoleUser}, Legacy: true, Handler: h.deleteMe},

		// IAM subsystem
		{Method: http.MethodPost, Pattern: "/iam/sign-up/email", RateLimited: true, Handler: h.iamSignUp},
		{Method: http.MethodPost, Pattern: "/iam/sign-in/email", RateLimited: true, Handler: h.iamSignIn},
		{Method: http.MethodPost, Pattern: "/iam/sign-out", Handler: h.iamSignOut},
		{Method: http.MethodGet, Pattern: "/iam/session", Roles: []string{auth.RoleUser}, Handler: h.iamSession},
		{Method: http.MethodPost, Pattern: "/iam/token", Roles: []string{auth.RoleUser}, Handler: h.iamToken},
		{Method: http.MethodPost, Pattern: "/iam/change-email", Roles: []string{auth.RoleUser}, Handler: h.iamChangeEmail},
		{Method: http.MethodPost, Pattern: "/iam/change-password", Roles: []string{auth.RoleUser}, Handler: h.iamChangePassword},
		{Method: http.MethodPost, Pattern: "/iam/two-factor/enable", Roles: []string{auth.RoleUser}, Handler: h.iamEnableTwoFactor},
		{Method: http.MethodPost, Pattern: "/iam/two-factor/verify", Roles: []string{auth.RoleUser}, Handler: h.iamVerifyTwoFactor},
		{Method: http.MethodDelete, Pattern: "/iam/user", Roles: []string{auth.RoleUser}, Handler: h.iamDeleteUser},

		// Common
		{Method: http.MethodGet, Pattern: "/api/whoami", Roles: []string{auth.RoleUser}, Legacy: true, Handler: h.whoami},
		{Method: http.MethodPost, Pattern: "/admin/ratelimit/reset", Roles: []string{"admin"}, Legacy: true, Handler: h.resetRateLimit},
	}
}
