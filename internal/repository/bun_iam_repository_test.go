package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/authbridge/internal/db/models"
)

func TestBunIAMRepository_Users(t *testing.T) {
	repo := NewBunIAMRepository(setupTestDB(t))
	ctx := context.Background()

	user := &models.IAMUser{Email: "Grace@Example.com", Name: "Grace Hopper"}
	require.NoError(t, repo.CreateUser(ctx, user))
	assert.NotEmpty(t, user.ID)

	found, err := repo.GetUserByEmail(ctx, "grace@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)
	assert.Equal(t, "Grace Hopper", found.Name)

	assert.ErrorIs(t, repo.CreateUser(ctx, &models.IAMUser{Email: "grace@example.com"}), ErrDuplicate)

	found.Email = "grace.h@example.com"
	found.EmailVerified = true
	require.NoError(t, repo.UpdateUser(ctx, found))

	byID, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "grace.h@example.com", byID.Email)
	assert.True(t, byID.EmailVerified)

	_, err = repo.GetUserByEmail(ctx, "grace@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBunIAMRepository_AccountsUniquePerProvider(t *testing.T) {
	repo := NewBunIAMRepository(setupTestDB(t))
	ctx := context.Background()

	user := &models.IAMUser{Email: "heidi@example.com"}
	require.NoError(t, repo.CreateUser(ctx, user))

	hash := "scrypt$hash"
	require.NoError(t, repo.CreateAccount(ctx, &models.IAMAccount{UserID: user.ID, ProviderID: models.ProviderCredential, PasswordHash: &hash}))

	err := repo.CreateAccount(ctx, &models.IAMAccount{UserID: user.ID, ProviderID: models.ProviderCredential})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, repo.UpdateAccountPassword(ctx, user.ID, models.ProviderCredential, "scrypt$new"))
	account, err := repo.GetAccount(ctx, user.ID, models.ProviderCredential)
	require.NoError(t, err)
	assert.Equal(t, "scrypt$new", *account.PasswordHash)

	n, err := repo.DeleteAccounts(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = repo.GetAccount(ctx, user.ID, models.ProviderCredential)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBunIAMRepository_Sessions(t *testing.T) {
	repo := NewBunIAMRepository(setupTestDB(t))
	ctx := context.Background()

	user := &models.IAMUser{Email: "ivan@example.com"}
	require.NoError(t, repo.CreateUser(ctx, user))

	now := time.Now().UTC()
	active := &models.IAMSession{UserID: user.ID, TokenHash: "hash-active", ExpiresAt: now.Add(time.Hour)}
	expired := &models.IAMSession{UserID: user.ID, TokenHash: "hash-expired", ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, repo.CreateSession(ctx, active))
	require.NoError(t, repo.CreateSession(ctx, expired))

	found, err := repo.GetSessionByTokenHash(ctx, "hash-active")
	require.NoError(t, err)
	assert.True(t, found.Active(now))

	byID, err := repo.GetSession(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, "hash-active", byID.TokenHash)

	n, err := repo.RevokeSessionsByUserID(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	found, err = repo.GetSessionByTokenHash(ctx, "hash-active")
	require.NoError(t, err)
	assert.False(t, found.Active(now))

	n, err = repo.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	sessions, err := repo.ListSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	n, err = repo.DeleteSessionsByUserID(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = repo.GetSessionByTokenHash(ctx, "hash-active")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBunIAMRepository_DeleteUserCascades(t *testing.T) {
	repo := NewBunIAMRepository(setupTestDB(t))
	ctx := context.Background()

	user := &models.IAMUser{Email: "judy@example.com"}
	require.NoError(t, repo.CreateUser(ctx, user))
	require.NoError(t, repo.CreateAccount(ctx, &models.IAMAccount{UserID: user.ID, ProviderID: models.ProviderCredential}))
	require.NoError(t, repo.CreateSession(ctx, &models.IAMSession{UserID: user.ID, TokenHash: "h", ExpiresAt: time.Now().Add(time.Hour)}))

	require.NoError(t, repo.DeleteUser(ctx, user.ID))

	_, err := repo.GetAccount(ctx, user.ID, models.ProviderCredential)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetSessionByTokenHash(ctx, "h")
	assert.ErrorIs(t, err, ErrNotFound)
}
