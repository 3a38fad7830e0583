package models

import (
	"time"

	"github.com/uptrace/bun"
)

// ProviderCredential is the provider id of email/password IAM accounts.
const ProviderCredential = "credential"

// IAMUser is an identity owned by the IAM subsystem.
type IAMUser struct {
	bun.BaseModel `bun:"table:iam_users,alias:iu"`

	ID               string    `bun:"id,pk,type:uuid" json:"id"`
	Email            string    `bun:"email,notnull,unique" json:"email"`
	Name             string    `bun:"name" json:"name,omitempty"`
	EmailVerified    bool      `bun:"email_verified,notnull,default:false" json:"emailVerified"`
	TwoFactorSecret  *string   `bun:"two_factor_secret" json:"-"`
	TwoFactorEnabled bool      `bun:"two_factor_enabled,notnull,default:false" json:"twoFactorEnabled"`
	CreatedAt        time.Time `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt        time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updatedAt"`
}

// IAMAccount is a provider account of an IAM user. At most one credential
// account exists per user, enforced by the (user_id, provider_id) unique group.
type IAMAccount struct {
	bun.BaseModel `bun:"table:iam_accounts,alias:ia"`

	ID           string    `bun:"id,pk,type:uuid"`
	UserID       string    `bun:"user_id,notnull,type:uuid,unique:iam_accounts_user_provider"`
	ProviderID   string    `bun:"provider_id,notnull,unique:iam_accounts_user_provider"`
	PasswordHash *string   `bun:"password_hash"`
	CreatedAt    time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// IAMSession is an opaque-cookie session. Only the SHA256 hash of the cookie is stored.
type IAMSession struct {
	bun.BaseModel `bun:"table:iam_sessions,alias:ise"`

	ID        string    `bun:"id,pk,type:uuid" json:"id"`
	UserID    string    `bun:"user_id,notnull,type:uuid" json:"userId"`
	TokenHash string    `bun:"token_hash,notnull,unique" json:"-"`
	ExpiresAt time.Time `bun:"expires_at,notnull" json:"expiresAt"`
	Revoked   bool      `bun:"revoked,notnull,default:false" json:"revoked"`
	UserAgent string    `bun:"user_agent" json:"userAgent,omitempty"`
	IPAddress string    `bun:"ip_address" json:"ipAddress,omitempty"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
}

// Active reports whether the session is neither revoked nor expired at now.
func (s *IAMSession) Active(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}
