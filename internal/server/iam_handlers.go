package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/terraconstructs/authbridge/internal/auth"
	"github.com/terraconstructs/authbridge/internal/ratelimit"
	"github.com/terraconstructs/authbridge/internal/repository"
	"github.com/terraconstructs/authbridge/internal/services/iam"
)

// IAMSignUpRequest is the body of /iam/sign-up/email.
type IAMSignUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

// IAMSignInRequest is the body of /iam/sign-in/email. Code is the TOTP code
// for identities with two-factor enabled.
type IAMSignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Code     string `json:"code,omitempty"`
}

// IAMSessionResponse is returned by sign-up, sign-in and GET /iam/session.
type IAMSessionResponse struct {
	User     *iam.SessionUser  `json:"user"`
	Session  *iam.Session      `json:"session,omitempty"`
	Identity *IdentityResponse `json:"identity,omitempty"`
	Sessions []iam.Session     `json:"sessions,omitempty"`
}

// TokenResponse is returned by POST /iam/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func sessionMeta(r *http.Request) iam.SessionMeta {
	return iam.SessionMeta{UserAgent: r.UserAgent(), IPAddress: ratelimit.ClientIP(r)}
}

// iamIdentity returns the caller when it was resolved through the IAM subsystem.
func iamIdentity(r *http.Request) (*auth.Identity, error) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.IAMUserID == "" || !identity.IAMAuthenticated {
		return nil, fmt.Errorf("%w: iam session required", auth.ErrUnauthorized)
	}
	return identity, nil
}

func (h *handlers) startSession(w http.ResponseWriter, r *http.Request, status int, result *iam.SignInResult) {
	h.setCookie(w, r, auth.SessionCookieName, result.Token, result.Session.ExpiresAt)
	writeJSON(w, status, IAMSessionResponse{User: result.User, Session: result.Session})
}

func (h *handlers) iamSignUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req IAMSignUpRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	su, _, err := h.sync.SignUpIAM(ctx, req.Email, req.Password, req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.iam.CreateSession(ctx, su.ID, sessionMeta(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.startSession(w, r, http.StatusCreated, result)
}

func (h *handlers) iamSignIn(w http.ResponseWriter, r *http.Request) {
	var req IAMSignInRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.sync.SignInIAM(r.Context(), req.Email, req.Password, req.Code, sessionMeta(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.startSession(w, r, http.StatusOK, result)
}

func (h *handlers) iamSignOut(w http.ResponseWriter, r *http.Request) {
	token := auth.CookieValue(r, auth.SessionCookieName)
	if token == "" {
		h.fail(w, r, fmt.Errorf("%w: no session cookie", auth.ErrUnauthorized))
		return
	}
	if err := h.iam.RevokeSession(r.Context(), token); err != nil {
		h.fail(w, r, err)
		return
	}
	h.clearCookie(w, r, auth.SessionCookieName)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) iamSession(w http.ResponseWriter, r *http.Request) {
	identity, err := iamIdentity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	su, err := h.iam.FindUserByID(r.Context(), identity.IAMUserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sessions, err := h.iam.ListActiveSessions(r.Context(), identity.IAMUserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := identityResponse(identity)
	writeJSON(w, http.StatusOK, IAMSessionResponse{User: su, Identity: &resp, Sessions: sessions})
}

// iamToken exchanges the session cookie for a bearer token bound to the same
// session.
func (h *handlers) iamToken(w http.ResponseWriter, r *http.Request) {
	token := auth.CookieValue(r, auth.SessionCookieName)
	if token == "" {
		h.fail(w, r, fmt.Errorf("%w: bearer tokens are issued from a session cookie", auth.ErrUnauthorized))
		return
	}
	result, err := h.iam.VerifySessionCookie(r.Context(), token)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	bearer, expiresAt, err := h.iam.IssueBearerToken(r.Context(), result)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: bearer, ExpiresAt: expiresAt})
}

// ChangeEmailRequest is the body of /iam/change-email.
type ChangeEmailRequest struct {
	NewEmail string `json:"newEmail"`
}

func (h *handlers) iamChangeEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, err := iamIdentity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req ChangeEmailRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if repository.NormalizeEmail(req.NewEmail) == "" {
		h.fail(w, r, fmt.Errorf("%w: newEmail is required", auth.ErrBadRequest))
		return
	}

	updated, err := h.sync.ChangeIAMEmail(ctx, identity.IAMUserID, req.NewEmail)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IAMSessionResponse{User: updated})
}

// ChangePasswordRequest is the body of /iam/change-password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (h *handlers) iamChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, err := iamIdentity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req ChangePasswordRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.NewPassword == "" {
		h.fail(w, r, fmt.Errorf("%w: newPassword is required", auth.ErrBadRequest))
		return
	}
	if err := h.iam.VerifyCredential(ctx, identity.IAMUserID, req.CurrentPassword); err != nil {
		h.fail(w, r, fmt.Errorf("%w: current password does not match", auth.ErrUnauthorized))
		return
	}

	user, err := h.users.FindByIAMID(ctx, identity.IAMUserID)
	switch {
	case err == nil:
		err = h.sync.SyncPasswordChange(ctx, user, req.NewPassword)
	case isNotFound(err):
		err = h.iam.SetCredentialPassword(ctx, identity.IAMUserID, req.NewPassword)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TwoFactorVerifyRequest is the body of /iam/two-factor/verify.
type TwoFactorVerifyRequest struct {
	Code string `json:"code"`
}

func (h *handlers) iamEnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	identity, err := iamIdentity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	setup, err := h.iam.EnableTwoFactor(r.Context(), identity.IAMUserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

func (h *handlers) iamVerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	identity, err := iamIdentity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req TwoFactorVerifyRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.iam.VerifyTwoFactor(r.Context(), identity.IAMUserID, req.Code); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) iamDeleteUser(w http.ResponseWriter, r *http.Request) {
	identity, err := iamIdentity(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	result := h.sync.DeleteIAMUser(r.Context(), identity.IAMUserID)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	h.clearCookie(w, r, auth.SessionCookieName)
	writeJSON(w, status, cleanupResponse(result))
}
