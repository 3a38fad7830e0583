package iam

import (
	"context"
	"errors"
	"time"
)

// ErrTwoFactorRequired is returned by SignInEmail when the identity has
// two-factor enabled and no code was supplied.
var ErrTwoFactorRequired = errors.New("two-factor code required")

// SessionUser is the identity record the IAM subsystem hands to the
// coexistence layer.
type SessionUser struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
}

// Session is an active IAM session.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	UserAgent string    `json:"userAgent,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
}

// Result is a verified identity with the session that vouches for it.
type Result struct {
	User    *SessionUser `json:"user"`
	Session *Session     `json:"session"`
}

// SignInResult carries the session cookie token. Only its hash is stored.
type SignInResult struct {
	Result
	Token string `json:"-"`
}

// SessionMeta describes the client that opens a session.
type SessionMeta struct {
	UserAgent string
	IPAddress string
}

// TwoFactorSetup is returned by EnableTwoFactor. The secret becomes active
// after the first successful VerifyTwoFactor.
type TwoFactorSetup struct {
	Secret string `json:"secret"`
	URI    string `json:"totpURI"`
}

// Service provides the IAM subsystem operations.
type Service interface {
	// VerifyBearerToken checks an IAM bearer token and the session it was
	// issued from.
	VerifyBearerToken(ctx context.Context, token string) (*Result, error)

	// VerifySessionCookie resolves an opaque session cookie token.
	VerifySessionCookie(ctx context.Context, token string) (*Result, error)

	// CreateCredentialAccount attaches an already hashed password to an
	// identity. A second credential account for the same identity fails with
	// repository.ErrDuplicate.
	CreateCredentialAccount(ctx context.Context, userID, passwordHash string) error

	// DeleteAccount removes every provider account of an identity.
	DeleteAccount(ctx context.Context, userID string) (int64, error)

	// DeleteSessions hard-deletes every session of an identity.
	DeleteSessions(ctx context.Context, userID string) (int64, error)

	// InvalidateSessions revokes every active session of an identity. Bearer
	// tokens bound to those sessions stop verifying as well.
	InvalidateSessions(ctx context.Context, userID string) (int64, error)

	SignUpEmail(ctx context.Context, email, password, name string) (*SessionUser, error)
	SignInEmail(ctx context.Context, email, password, code string, meta SessionMeta) (*SignInResult, error)
	CreateSession(ctx context.Context, userID string, meta SessionMeta) (*SignInResult, error)
	IssueBearerToken(ctx context.Context, result *Result) (string, time.Time, error)
	RevokeSession(ctx context.Context, sessionToken string) error
	ListActiveSessions(ctx context.Context, userID string) ([]Session, error)
	PurgeExpiredSessions(ctx context.Context) (int64, error)

	FindUserByEmail(ctx context.Context, email string) (*SessionUser, error)
	FindUserByID(ctx context.Context, userID string) (*SessionUser, error)
	UpdateUserEmail(ctx context.Context, userID, newEmail string) (*SessionUser, error)
	DeleteUser(ctx context.Context, userID string) error

	VerifyCredential(ctx context.Context, userID, password string) error
	SetCredentialPassword(ctx context.Context, userID, password string) error

	EnableTwoFactor(ctx context.Context, userID string) (*TwoFactorSetup, error)
	VerifyTwoFactor(ctx context.Context, userID, code string) error
}
