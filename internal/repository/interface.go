package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/terraconstructs/authbridge/internal/db/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a write violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate key")
)

// Options modifies directory reads and writes.
type Options struct {
	// Force bypasses any caching layer.
	Force bool
}

// UserPatch is a partial update of a canonical user. Nil fields are left unchanged.
type UserPatch struct {
	Email         *string
	Password      *string
	FirstName     *string
	LastName      *string
	Roles         *models.StringList
	RefreshTokens *models.DeviceSessions
	TempTokens    *models.TempTokens
	// IAMID pointing at "" clears the link.
	IAMID    *string
	Verified *bool
}

// IsEmpty reports whether the patch changes nothing.
func (p UserPatch) IsEmpty() bool {
	return p.Email == nil && p.Password == nil && p.FirstName == nil && p.LastName == nil &&
		p.Roles == nil && p.RefreshTokens == nil && p.TempTokens == nil && p.IAMID == nil && p.Verified == nil
}

// UserDirectory is the canonical user store.
type UserDirectory interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string, opts Options) (*models.User, error)
	FindByIAMID(ctx context.Context, iamID string) (*models.User, error)
	Update(ctx context.Context, id string, patch UserPatch, opts Options) (*models.User, error)
	Insert(ctx context.Context, user *models.User) (*models.User, error)
	Delete(ctx context.Context, id string) error
}

// IAMRepository persists IAM users, provider accounts and sessions.
type IAMRepository interface {
	CreateUser(ctx context.Context, user *models.IAMUser) error
	GetUserByID(ctx context.Context, id string) (*models.IAMUser, error)
	GetUserByEmail(ctx context.Context, email string) (*models.IAMUser, error)
	UpdateUser(ctx context.Context, user *models.IAMUser) error
	DeleteUser(ctx context.Context, id string) error

	CreateAccount(ctx context.Context, account *models.IAMAccount) error
	GetAccount(ctx context.Context, userID, providerID string) (*models.IAMAccount, error)
	UpdateAccountPassword(ctx context.Context, userID, providerID, passwordHash string) error
	DeleteAccounts(ctx context.Context, userID string) (int64, error)

	CreateSession(ctx context.Context, session *models.IAMSession) error
	GetSession(ctx context.Context, id string) (*models.IAMSession, error)
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.IAMSession, error)
	ListSessions(ctx context.Context, userID string) ([]models.IAMSession, error)
	RevokeSession(ctx context.Context, id string) error
	RevokeSessionsByUserID(ctx context.Context, userID string) (int64, error)
	DeleteSessionsByUserID(ctx context.Context, userID string) (int64, error)
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// NormalizeEmail lowercases and trims an email address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "23505")
}
