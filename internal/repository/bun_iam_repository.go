package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/authbridge/internal/db/bunx"
	"github.com/terraconstructs/authbridge/internal/db/models"
)

// BunIAMRepository implements IAMRepository using Bun ORM
type BunIAMRepository struct {
	db *bun.DB
}

// NewBunIAMRepository creates a new Bun-based IAM repository
func NewBunIAMRepository(db *bun.DB) *BunIAMRepository {
	return &BunIAMRepository{db: db}
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func rowsOrNotFound(result sql.Result, what string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// CreateUser inserts a new IAM user
func (r *BunIAMRepository) CreateUser(ctx context.Context, user *models.IAMUser) error {
	now := time.Now().UTC()
	if user.ID == "" {
		user.ID = bunx.NewUUIDv7()
	}
	user.Email = NormalizeEmail(user.Email)
	user.CreatedAt, user.UpdatedAt = now, now

	if _, err := r.db.NewInsert().Model(user).Exec(ctx); err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("create iam user %q: %w", user.Email, ErrDuplicate)
		}
		return fmt.Errorf("create iam user: %w", err)
	}
	return nil
}

// GetUserByID retrieves an IAM user by id
func (r *BunIAMRepository) GetUserByID(ctx context.Context, id string) (*models.IAMUser, error) {
	user := new(models.IAMUser)
	if err := r.db.NewSelect().Model(user).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, notFound(err, "iam user "+id)
	}
	return user, nil
}

// GetUserByEmail retrieves an IAM user by normalized email
func (r *BunIAMRepository) GetUserByEmail(ctx context.Context, email string) (*models.IAMUser, error) {
	user := new(models.IAMUser)
	if err := r.db.NewSelect().Model(user).Where("email = ?", NormalizeEmail(email)).Scan(ctx); err != nil {
		return nil, notFound(err, "iam user with email "+email)
	}
	return user, nil
}

// UpdateUser writes every mutable IAM user column
func (r *BunIAMRepository) UpdateUser(ctx context.Context, user *models.IAMUser) error {
	user.Email = NormalizeEmail(user.Email)
	user.UpdatedAt = time.Now().UTC()
	result, err := r.db.NewUpdate().
		Model(user).
		Column("email", "name", "email_verified", "two_factor_secret", "two_factor_enabled", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("update iam user %s: %w", user.ID, ErrDuplicate)
		}
		return fmt.Errorf("update iam user: %w", err)
	}
	return rowsOrNotFound(result, "iam user "+user.ID)
}

// DeleteUser removes an IAM user; accounts and sessions cascade.
func (r *BunIAMRepository) DeleteUser(ctx context.Context, id string) error {
	result, err := r.db.NewDelete().Model((*models.IAMUser)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete iam user: %w", err)
	}
	return rowsOrNotFound(result, "iam user "+id)
}

// CreateAccount inserts a provider account
func (r *BunIAMRepository) CreateAccount(ctx context.Context, account *models.IAMAccount) error {
	now := time.Now().UTC()
	if account.ID == "" {
		account.ID = bunx.NewUUIDv7()
	}
	account.CreatedAt, account.UpdatedAt = now, now

	if _, err := r.db.NewInsert().Model(account).Exec(ctx); err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("create %s account for %s: %w", account.ProviderID, account.UserID, ErrDuplicate)
		}
		return fmt.Errorf("create iam account: %w", err)
	}
	return nil
}

// GetAccount retrieves the provider account of a user
func (r *BunIAMRepository) GetAccount(ctx context.Context, userID, providerID string) (*models.IAMAccount, error) {
	account := new(models.IAMAccount)
	err := r.db.NewSelect().
		Model(account).
		Where("user_id = ?", userID).
		Where("provider_id = ?", providerID).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, providerID+" account for "+userID)
	}
	return account, nil
}

// UpdateAccountPassword replaces the stored password hash of a provider account
func (r *BunIAMRepository) UpdateAccountPassword(ctx context.Context, userID, providerID, passwordHash string) error {
	result, err := r.db.NewUpdate().
		Model((*models.IAMAccount)(nil)).
		Set("password_hash = ?", passwordHash).
		Set("updated_at = ?", time.Now().UTC()).
		Where("user_id = ?", userID).
		Where("provider_id = ?", providerID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update account password: %w", err)
	}
	return rowsOrNotFound(result, providerID+" account for "+userID)
}

// DeleteAccounts removes every provider account of a user
func (r *BunIAMRepository) DeleteAccounts(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.NewDelete().Model((*models.IAMAccount)(nil)).Where("user_id = ?", userID).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete iam accounts: %w", err)
	}
	return result.RowsAffected()
}

// CreateSession inserts a new session
func (r *BunIAMRepository) CreateSession(ctx context.Context, session *models.IAMSession) error {
	if session.ID == "" {
		session.ID = bunx.NewUUIDv7()
	}
	session.CreatedAt = time.Now().UTC()
	if _, err := r.db.NewInsert().Model(session).Exec(ctx); err != nil {
		return fmt.Errorf("create iam session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id
func (r *BunIAMRepository) GetSession(ctx context.Context, id string) (*models.IAMSession, error) {
	session := new(models.IAMSession)
	if err := r.db.NewSelect().Model(session).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, notFound(err, "iam session "+id)
	}
	return session, nil
}

// GetSessionByTokenHash is the lookup used to authenticate session cookies
func (r *BunIAMRepository) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.IAMSession, error) {
	session := new(models.IAMSession)
	if err := r.db.NewSelect().Model(session).Where("token_hash = ?", tokenHash).Scan(ctx); err != nil {
		return nil, notFound(err, "iam session")
	}
	return session, nil
}

// ListSessions returns all sessions of a user, newest first
func (r *BunIAMRepository) ListSessions(ctx context.Context, userID string) ([]models.IAMSession, error) {
	var sessions []models.IAMSession
	err := r.db.NewSelect().
		Model(&sessions).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list iam sessions: %w", err)
	}
	return sessions, nil
}

// RevokeSession marks one session revoked
func (r *BunIAMRepository) RevokeSession(ctx context.Context, id string) error {
	result, err := r.db.NewUpdate().
		Model((*models.IAMSession)(nil)).
		Set("revoked = ?", true).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("revoke iam session: %w", err)
	}
	return rowsOrNotFound(result, "iam session "+id)
}

// RevokeSessionsByUserID marks every active session of a user revoked
func (r *BunIAMRepository) RevokeSessionsByUserID(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.NewUpdate().
		Model((*models.IAMSession)(nil)).
		Set("revoked = ?", true).
		Where("user_id = ?", userID).
		Where("revoked = ?", false).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("revoke iam sessions: %w", err)
	}
	return result.RowsAffected()
}

// DeleteSessionsByUserID hard-deletes every session of a user
func (r *BunIAMRepository) DeleteSessionsByUserID(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.NewDelete().Model((*models.IAMSession)(nil)).Where("user_id = ?", userID).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete iam sessions: %w", err)
	}
	return result.RowsAffected()
}

// DeleteExpiredSessions removes sessions that expired before the given time
func (r *BunIAMRepository) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.NewDelete().Model((*models.IAMSession)(nil)).Where("expires_at < ?", before).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete expired iam sessions: %w", err)
	}
	return result.RowsAffected()
}
