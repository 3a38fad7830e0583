package iam

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/authbridge/internal/auth"
	"github.com/terraconstructs/authbridge/internal/config"
	"github.com/terraconstructs/authbridge/internal/db/dbtest"
	"github.com/terraconstructs/authbridge/internal/repository"
	"github.com/terraconstructs/authbridge/internal/security/password"
)

func newTestService(t *testing.T) (Service, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	svc, err := NewService(Dependencies{
		Repo:   repository.NewBunIAMRepository(dbtest.Open(t)),
		Hasher: password.NewHasher(4),
		Clock:  mock,
	}, config.IAMConfig{
		Secret:           "iam-secret",
		Issuer:           "authbridge-test",
		SessionExpiresIn: 24 * time.Hour,
		TokenExpiresIn:   time.Hour,
	})
	require.NoError(t, err)
	return svc, mock
}

func TestNewService_RequiresSecret(t *testing.T) {
	_, err := NewService(Dependencies{Repo: repository.NewBunIAMRepository(dbtest.Open(t))}, config.IAMConfig{})
	assert.Error(t, err)
}

func TestSignUpAndSignIn(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.SignUpEmail(ctx, "Lin@Example.com", "s3cret-pass", "Lin Wei")
	require.NoError(t, err)
	assert.Equal(t, "lin@example.com", user.Email)
	assert.Equal(t, "Lin Wei", user.Name)
	assert.False(t, user.EmailVerified)

	_, err = svc.SignUpEmail(ctx, "lin@example.com", "other", "")
	assert.ErrorIs(t, err, auth.ErrEmailAlreadyInUse)

	_, err = svc.SignUpEmail(ctx, "", "pw", "")
	assert.ErrorIs(t, err, auth.ErrBadRequest)

	signedIn, err := svc.SignInEmail(ctx, "lin@example.com", "s3cret-pass", "", SessionMeta{UserAgent: "test"})
	require.NoError(t, err)
	assert.NotEmpty(t, signedIn.Token)
	assert.Equal(t, user.ID, signedIn.User.ID)
	assert.Equal(t, "test", signedIn.Session.UserAgent)

	_, err = svc.SignInEmail(ctx, "lin@example.com", "wrong", "", SessionMeta{})
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	_, err = svc.SignInEmail(ctx, "nobody@example.com", "pw", "", SessionMeta{})
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	verified, err := svc.VerifySessionCookie(ctx, signedIn.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, verified.User.ID)
	assert.Equal(t, signedIn.Session.ID, verified.Session.ID)
}

func TestSessionCookieLifecycle(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	user, err := svc.SignUpEmail(ctx, "mo@example.com", "pw-123456", "")
	require.NoError(t, err)

	first, err := svc.CreateSession(ctx, user.ID, SessionMeta{})
	require.NoError(t, err)
	second, err := svc.CreateSession(ctx, user.ID, SessionMeta{})
	require.NoError(t, err)

	active, err := svc.ListActiveSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	require.NoError(t, svc.RevokeSession(ctx, first.Token))
	_, err = svc.VerifySessionCookie(ctx, first.Token)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	_, err = svc.VerifySessionCookie(ctx, "unknown")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	mock.Add(25 * time.Hour)
	_, err = svc.VerifySessionCookie(ctx, second.Token)
	assert.ErrorIs(t, err, auth.ErrUnauthorized, "expired")

	purged, err := svc.PurgeExpiredSessions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, purged)
}

func TestBearerToken(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	_, err := svc.SignUpEmail(ctx, "nia@example.com", "pw-123456", "")
	require.NoError(t, err)
	signedIn, err := svc.SignInEmail(ctx, "nia@example.com", "pw-123456", "", SessionMeta{})
	require.NoError(t, err)

	token, exp, err := svc.IssueBearerToken(ctx, &signedIn.Result)
	require.NoError(t, err)
	assert.Equal(t, mock.Now().Add(time.Hour), exp)

	result, err := svc.VerifyBearerToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, signedIn.User.ID, result.User.ID)
	assert.Equal(t, signedIn.Session.ID, result.Session.ID)

	_, err = svc.VerifyBearerToken(ctx, "not.a.token")
	assert.Error(t, err)

	other, err := NewService(Dependencies{
		Repo:  repository.NewBunIAMRepository(dbtest.Open(t)),
		Clock: mock,
	}, config.IAMConfig{Secret: "another-secret", Issuer: "authbridge-test", TokenExpiresIn: time.Hour})
	require.NoError(t, err)
	_, err = other.VerifyBearerToken(ctx, token)
	assert.ErrorIs(t, err, auth.ErrUnauthorized, "different signing key")

	mock.Add(2 * time.Hour)
	_, err = svc.VerifyBearerToken(ctx, token)
	assert.ErrorIs(t, err, auth.ErrUnauthorized, "expired")
}

func TestInvalidateSessionsRevokesBearerTokens(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.SignUpEmail(ctx, "ola@example.com", "pw-123456", "")
	require.NoError(t, err)
	signedIn, err := svc.SignInEmail(ctx, "ola@example.com", "pw-123456", "", SessionMeta{})
	require.NoError(t, err)
	token, _, err := svc.IssueBearerToken(ctx, &signedIn.Result)
	require.NoError(t, err)

	n, err := svc.InvalidateSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = svc.VerifyBearerToken(ctx, token)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = svc.VerifySessionCookie(ctx, signedIn.Token)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	active, err := svc.ListActiveSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, active)

	deleted, err := svc.DeleteSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestCredentialAccounts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	hasher := password.NewHasher(4)

	user, err := svc.SignUpEmail(ctx, "pat@example.com", "first-pass", "")
	require.NoError(t, err)

	hash, err := hasher.HashIAM("second")
	require.NoError(t, err)
	err = svc.CreateCredentialAccount(ctx, user.ID, hash)
	assert.ErrorIs(t, err, repository.ErrDuplicate, "one credential account per identity")

	require.NoError(t, svc.SetCredentialPassword(ctx, user.ID, "changed-pass"))
	assert.NoError(t, svc.VerifyCredential(ctx, user.ID, "changed-pass"))
	assert.ErrorIs(t, svc.VerifyCredential(ctx, user.ID, "first-pass"), auth.ErrUnauthorized)

	n, err := svc.DeleteAccount(ctx, user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.ErrorIs(t, svc.VerifyCredential(ctx, user.ID, "changed-pass"), auth.ErrUnauthorized)

	require.NoError(t, svc.SetCredentialPassword(ctx, user.ID, "recreated"))
	assert.NoError(t, svc.VerifyCredential(ctx, user.ID, "recreated"))
}

func TestUpdateUserEmail(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.SignUpEmail(ctx, "quinn@example.com", "pw-123456", "")
	require.NoError(t, err)
	_, err = svc.SignUpEmail(ctx, "taken@example.com", "pw-123456", "")
	require.NoError(t, err)

	updated, err := svc.UpdateUserEmail(ctx, user.ID, "Quinn.New@example.com")
	require.NoError(t, err)
	assert.Equal(t, "quinn.new@example.com", updated.Email)

	_, err = svc.UpdateUserEmail(ctx, user.ID, "taken@example.com")
	assert.ErrorIs(t, err, auth.ErrEmailAlreadyInUse)

	_, err = svc.FindUserByEmail(ctx, "quinn@example.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	byID, err := svc.FindUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "quinn.new@example.com", byID.Email)

	require.NoError(t, svc.DeleteUser(ctx, user.ID))
	_, err = svc.FindUserByID(ctx, user.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTwoFactor(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()

	user, err := svc.SignUpEmail(ctx, "rae@example.com", "pw-123456", "")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.VerifyTwoFactor(ctx, user.ID, "000000"), auth.ErrBadRequest)

	setup, err := svc.EnableTwoFactor(ctx, user.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.URI, "otpauth://totp/")

	_, err = svc.SignInEmail(ctx, "rae@example.com", "pw-123456", "", SessionMeta{})
	require.NoError(t, err, "two-factor is inactive until confirmed")

	code, err := totp.GenerateCode(setup.Secret, mock.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, svc.VerifyTwoFactor(ctx, user.ID, code))

	_, err = svc.SignInEmail(ctx, "rae@example.com", "pw-123456", "", SessionMeta{})
	assert.ErrorIs(t, err, ErrTwoFactorRequired)

	_, err = svc.EnableTwoFactor(ctx, user.ID)
	assert.ErrorIs(t, err, auth.ErrBadRequest, "enrollment cannot replace a confirmed secret")
	_, err = svc.SignInEmail(ctx, "rae@example.com", "pw-123456", "", SessionMeta{})
	assert.ErrorIs(t, err, ErrTwoFactorRequired, "two-factor stays on after a refused enrollment")

	_, err = svc.SignInEmail(ctx, "rae@example.com", "pw-123456", "not-a-code", SessionMeta{})
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	_, err = svc.SignInEmail(ctx, "rae@example.com", "pw-123456", code, SessionMeta{})
	assert.NoError(t, err)
}
