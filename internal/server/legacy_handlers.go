package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/terraconstructs/authbridge/internal/auth"
	"github.com/terraconstructs/authbridge/internal/db/models"
	"github.com/terraconstructs/authbridge/internal/repository"
	"github.com/terraconstructs/authbridge/internal/services/accountsync"
	"github.com/terraconstructs/authbridge/internal/services/identity"
	"github.com/terraconstructs/authbridge/internal/tokens"
)

// LegacyCredentialsRequest is the body of /auth/signup and /auth/signin.
type LegacyCredentialsRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	FirstName         string `json:"firstName,omitempty"`
	LastName          string `json:"lastName,omitempty"`
	DeviceID          string `json:"deviceId,omitempty"`
	DeviceDescription string `json:"deviceDescription,omitempty"`
}

// RefreshRequest is the body of /auth/refresh. The refresh token may come
// from the refreshToken cookie instead.
type RefreshRequest struct {
	RefreshToken      string `json:"refreshToken"`
	DeviceDescription string `json:"deviceDescription,omitempty"`
}

// LogoutRequest is the body of /auth/logout.
type LogoutRequest struct {
	AllDevices bool `json:"allDevices"`
}

// UserResponse is the public view of a canonical user.
type UserResponse struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
	Roles     []string `json:"roles"`
	Verified  bool     `json:"verified"`
	IAMID     string   `json:"iamId,omitempty"`
}

// LegacyAuthResponse is returned by every legacy token issuance.
type LegacyAuthResponse struct {
	Token        string       `json:"token"`
	RefreshToken string       `json:"refreshToken"`
	DeviceID     string       `json:"deviceId"`
	User         UserResponse `json:"user"`
}

func userResponse(u *models.User) UserResponse {
	roles := []string(u.Roles)
	if roles == nil {
		roles = []string{}
	}
	return UserResponse{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Roles:     roles,
		Verified:  u.Verified,
		IAMID:     u.LinkedIAMID(),
	}
}

// deviceData builds the token payload for a device. The user agent stands in
// for a missing description.
func deviceData(r *http.Request, deviceID, description string) map[string]any {
	data := map[string]any{}
	if deviceID != "" {
		data[tokens.ClaimDeviceID] = deviceID
	}
	if description == "" {
		description = r.UserAgent()
	}
	if description != "" {
		data[tokens.ClaimDeviceDescription] = description
	}
	return data
}

func (h *handlers) issued(w http.ResponseWriter, r *http.Request, status int, pair *tokens.TokenPair, user *models.User) {
	expires := time.Time{}
	if claims, err := tokens.DecodeJWT(pair.RefreshToken); err == nil && claims.ExpiresAt > 0 {
		expires = time.Unix(claims.ExpiresAt, 0)
	}
	h.setCookie(w, r, auth.RefreshCookieName, pair.RefreshToken, expires)
	writeJSON(w, status, LegacyAuthResponse{
		Token:        pair.Token,
		RefreshToken: pair.RefreshToken,
		DeviceID:     pair.DeviceID,
		User:         userResponse(user),
	})
}

func (h *handlers) legacySignUp(w http.ResponseWriter, r *http.Request) {
	var req LegacyCredentialsRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	pair, user, err := h.sync.SignUpLegacy(r.Context(), accountsync.SignUpInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}, deviceData(r, req.DeviceID, req.DeviceDescription))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.issued(w, r, http.StatusCreated, pair, user)
}

func (h *handlers) legacySignIn(w http.ResponseWriter, r *http.Request) {
	var req LegacyCredentialsRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	pair, user, err := h.sync.SignInLegacy(r.Context(), req.Email, req.Password, deviceData(r, req.DeviceID, req.DeviceDescription))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.issued(w, r, http.StatusOK, pair, user)
}

func (h *handlers) legacyRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		req.RefreshToken = auth.CookieValue(r, auth.RefreshCookieName)
	}
	if req.RefreshToken == "" {
		h.fail(w, r, auth.ErrUnauthorized)
		return
	}

	data := map[string]any{}
	if req.DeviceDescription != "" {
		data[tokens.ClaimDeviceDescription] = req.DeviceDescription
	}
	pair, user, err := h.tokens.Refresh(r.Context(), req.RefreshToken, data)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.issued(w, r, http.StatusOK, pair, user)
}

func (h *handlers) legacyLogout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	caller, _ := auth.IdentityFromContext(r.Context())

	token, present := auth.BearerToken(r.Header)
	if !present {
		token = auth.CookieValue(r, auth.TokenCookieName)
	}
	if err := h.tokens.Logout(r.Context(), caller, token, tokens.LogoutOptions{AllDevices: req.AllDevices}); err != nil {
		h.fail(w, r, err)
		return
	}
	h.clearCookie(w, r, auth.RefreshCookieName)
	w.WriteHeader(http.StatusNoContent)
}

// UpdateMeRequest is a partial update of the caller's profile. Email and
// password changes are propagated to the linked IAM identity.
type UpdateMeRequest struct {
	Email     *string `json:"email,omitempty"`
	Password  *string `json:"password,omitempty"`
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
}

// SyncResponse reports the IAM side of an email change.
type SyncResponse struct {
	Success             bool   `json:"success"`
	IAMUserID           string `json:"iamUserId,omitempty"`
	InvalidatedSessions int64  `json:"invalidatedSessions"`
	Error               string `json:"error,omitempty"`
}

// UpdateMeResponse is returned by PATCH /users/me.
type UpdateMeResponse struct {
	User      UserResponse  `json:"user"`
	EmailSync *SyncResponse `json:"emailSync,omitempty"`
}

func (h *handlers) updateMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req UpdateMeRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	caller, _ := auth.IdentityFromContext(ctx)

	user, err := h.users.FindByID(ctx, caller.ID, repository.Options{Force: true})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if req.FirstName != nil || req.LastName != nil {
		patch := repository.UserPatch{}
		if req.FirstName != nil {
			first := strings.TrimSpace(*req.FirstName)
			patch.FirstName = &first
		}
		if req.LastName != nil {
			last := strings.TrimSpace(*req.LastName)
			patch.LastName = &last
		}
		if user, err = h.users.Update(ctx, user.ID, patch, repository.Options{Force: true}); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	if req.Password != nil {
		if err := h.sync.SyncPasswordChange(ctx, user, *req.Password); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	resp := UpdateMeResponse{}
	if req.Email != nil {
		updated, result, err := h.sync.ChangeLegacyEmail(ctx, user, *req.Email)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		user = updated
		resp.EmailSync = &SyncResponse{
			Success:             result.Success,
			IAMUserID:           result.IAMUserID,
			InvalidatedSessions: result.InvalidatedSessions,
			Error:               result.Error,
		}
	}

	resp.User = userResponse(user)
	writeJSON(w, http.StatusOK, resp)
}

// CleanupResponse reports an account deletion.
type CleanupResponse struct {
	Success         bool   `json:"success"`
	UserDeleted     bool   `json:"userDeleted"`
	IAMUserID       string `json:"iamUserId,omitempty"`
	DeletedAccounts int64  `json:"deletedAccounts"`
	DeletedSessions int64  `json:"deletedSessions"`
	Error           string `json:"error,omitempty"`
}

func cleanupResponse(result identity.CleanupResult) CleanupResponse {
	return CleanupResponse{
		Success:         result.Success,
		UserDeleted:     result.UserDeleted,
		IAMUserID:       result.IAMUserID,
		DeletedAccounts: result.DeletedAccounts,
		DeletedSessions: result.DeletedSessions,
		Error:           result.Error,
	}
}

func (h *handlers) deleteMe(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.IdentityFromContext(r.Context())

	if _, err := h.users.FindByID(r.Context(), caller.ID, repository.Options{Force: true}); err != nil {
		if isNotFound(err) && caller.IAMAuthenticated {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no account is linked to this identity, use DELETE /iam/user"})
			return
		}
		h.fail(w, r, err)
		return
	}

	result := h.sync.DeleteAccount(r.Context(), caller.ID)
	status := http.StatusOK
	if !result.UserDeleted {
		status = http.StatusInternalServerError
	}
	h.clearCookie(w, r, auth.RefreshCookieName)
	h.clearCookie(w, r, auth.SessionCookieName)
	writeJSON(w, status, cleanupResponse(result))
}
