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

// BunUserDirectory implements UserDirectory using Bun ORM. It has no cache, so
// Options.Force is irrelevant here.
type BunUserDirectory struct {
	db *bun.DB
}

// NewBunUserDirectory creates a new Bun-based user directory
func NewBunUserDirectory(db *bun.DB) *BunUserDirectory {
	return &BunUserDirectory{db: db}
}

func (r *BunUserDirectory) findOne(ctx context.Context, column, value string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("? = ?", bun.Ident(column), value).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user with %s %q: %w", column, value, ErrNotFound)
		}
		return nil, fmt.Errorf("get user by %s: %w", column, err)
	}
	return user, nil
}

// FindByEmail retrieves a user by normalized email
func (r *BunUserDirectory) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, "email", NormalizeEmail(email))
}

// FindByID retrieves a user by id
func (r *BunUserDirectory) FindByID(ctx context.Context, id string, _ Options) (*models.User, error) {
	return r.findOne(ctx, "id", id)
}

// FindByIAMID retrieves the user linked to an IAM identity
func (r *BunUserDirectory) FindByIAMID(ctx context.Context, iamID string) (*models.User, error) {
	return r.findOne(ctx, "iam_id", iamID)
}

// Insert creates a user, assigning an id and empty collections where missing.
func (r *BunUserDirectory) Insert(ctx context.Context, user *models.User) (*models.User, error) {
	now := time.Now().UTC()
	if user.ID == "" {
		user.ID = bunx.NewUUIDv7()
	}
	user.Email = NormalizeEmail(user.Email)
	if user.Roles == nil {
		user.Roles = models.StringList{}
	}
	if user.RefreshTokens == nil {
		user.RefreshTokens = models.DeviceSessions{}
	}
	if user.TempTokens == nil {
		user.TempTokens = models.TempTokens{}
	}
	user.CreatedAt = now
	user.UpdatedAt = now

	if _, err := r.db.NewInsert().Model(user).Exec(ctx); err != nil {
		if isDuplicateKeyError(err) {
			return nil, fmt.Errorf("create user %q: %w", user.Email, ErrDuplicate)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Update applies a partial update and returns the stored record.
func (r *BunUserDirectory) Update(ctx context.Context, id string, patch UserPatch, opts Options) (*models.User, error) {
	if patch.IsEmpty() {
		return r.FindByID(ctx, id, opts)
	}

	q := r.db.NewUpdate().
		Model((*models.User)(nil)).
		Where("id = ?", id).
		Set("updated_at = ?", time.Now().UTC())

	if patch.Email != nil {
		q = q.Set("email = ?", NormalizeEmail(*patch.Email))
	}
	if patch.Password != nil {
		q = q.Set("password = ?", *patch.Password)
	}
	if patch.FirstName != nil {
		q = q.Set("first_name = ?", *patch.FirstName)
	}
	if patch.LastName != nil {
		q = q.Set("last_name = ?", *patch.LastName)
	}
	if patch.Roles != nil {
		q = q.Set("roles = ?", *patch.Roles)
	}
	if patch.RefreshTokens != nil {
		q = q.Set("refresh_tokens = ?", *patch.RefreshTokens)
	}
	if patch.TempTokens != nil {
		q = q.Set("temp_tokens = ?", *patch.TempTokens)
	}
	if patch.IAMID != nil {
		if *patch.IAMID == "" {
			q = q.Set("iam_id = NULL")
		} else {
			q = q.Set("iam_id = ?", *patch.IAMID)
		}
	}
	if patch.Verified != nil {
		q = q.Set("verified = ?", *patch.Verified)
	}

	result, err := q.Exec(ctx)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, fmt.Errorf("update user %s: %w", id, ErrDuplicate)
		}
		return nil, fmt.Errorf("update user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("update user %s: %w", id, ErrNotFound)
	}

	return r.FindByID(ctx, id, opts)
}

// Delete removes a user
func (r *BunUserDirectory) Delete(ctx context.Context, id string) error {
	result, err := r.db.NewDelete().
		Model((*models.User)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("delete user %s: %w", id, ErrNotFound)
	}
	return nil
}
