package accountsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/authbridge/internal/auth"
	"github.com/terraconstructs/authbridge/internal/config"
	"github.com/terraconstructs/authbridge/internal/db/dbtest"
	"github.com/terraconstructs/authbridge/internal/db/models"
	"github.com/terraconstructs/authbridge/internal/repository"
	"github.com/terraconstructs/authbridge/internal/security/password"
	"github.com/terraconstructs/authbridge/internal/services/iam"
	"github.com/terraconstructs/authbridge/internal/services/identity"
	"github.com/terraconstructs/authbridge/internal/tokens"
)

type fixture struct {
	sync   *Service
	users  repository.UserDirectory
	iam    iam.Service
	hasher *password.Hasher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := dbtest.Open(t)
	users := repository.NewBunUserDirectory(db)
	hasher := password.NewHasher(4)

	iamSvc, err := iam.NewService(iam.Dependencies{
		Repo:   repository.NewBunIAMRepository(db),
		Hasher: hasher,
	}, config.IAMConfig{Secret: "iam", SessionExpiresIn: time.Hour, TokenExpiresIn: time.Minute})
	require.NoError(t, err)

	tokenSvc := tokens.NewService(tokens.Dependencies{
		Users: users,
		Secrets: tokens.NewConfigSecretProvider(config.JWTConfig{
			Secret:        "jwt",
			SignInOptions: config.SignInOptions{ExpiresIn: time.Minute},
			Refresh:       config.RefreshConfig{SignInOptions: config.SignInOptions{ExpiresIn: time.Hour}},
		}),
	}, tokens.Config{Renewal: true})

	return &fixture{
		sync: NewService(Dependencies{
			Users:  users,
			IAM:    iamSvc,
			Mapper: identity.NewMapper(users, iamSvc, nil),
			Tokens: tokenSvc,
			Hasher: hasher,
		}),
		users:  users,
		iam:    iamSvc,
		hasher: hasher,
	}
}

func (f *fixture) legacyUser(t *testing.T, email, pw string) *models.User {
	t.Helper()
	hash, err := f.hasher.HashLegacy(pw)
	require.NoError(t, err)
	user, err := f.users.Insert(context.Background(), &models.User{Email: email, Password: &hash, FirstName: "Leg", LastName: "Acy"})
	require.NoError(t, err)
	return user
}

func TestSignUpAndSignInLegacy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, user, err := f.sync.SignUpLegacy(ctx, SignUpInput{Email: "amy@example.com", Password: "pw-123456"}, map[string]any{"deviceId": "web"})
	require.NoError(t, err)
	assert.NotEmpty(t, pair.Token)
	assert.Equal(t, "web", pair.DeviceID)
	assert.True(t, user.HasPassword())

	_, _, err = f.sync.SignUpLegacy(ctx, SignUpInput{Email: "AMY@example.com", Password: "x"}, nil)
	assert.ErrorIs(t, err, auth.ErrEmailAlreadyInUse)

	_, _, err = f.sync.SignUpLegacy(ctx, SignUpInput{Email: "amy@example.com"}, nil)
	assert.ErrorIs(t, err, auth.ErrBadRequest)

	_, signedIn, err := f.sync.SignInLegacy(ctx, "amy@example.com", "pw-123456", nil)
	require.NoError(t, err)
	assert.Equal(t, user.ID, signedIn.ID)

	_, _, err = f.sync.SignInLegacy(ctx, "amy@example.com", "wrong", nil)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	_, _, err = f.sync.SignInLegacy(ctx, "nobody@example.com", "pw", nil)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestMigrateLegacyUserOnIAMSignIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.legacyUser(t, "ben@example.com", "legacy-pass")

	none, err := f.sync.MigrateLegacyUserOnIAMSignIn(ctx, "ben@example.com", "wrong")
	require.NoError(t, err)
	assert.Nil(t, none, "wrong password does not migrate")

	result, err := f.sync.SignInIAM(ctx, "ben@example.com", "legacy-pass", "", iam.SessionMeta{})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)

	linked, err := f.users.FindByID(ctx, user.ID, repository.Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, result.User.ID, linked.LinkedIAMID())
	assert.Equal(t, "Leg Acy", result.User.Name)

	again, err := f.sync.MigrateLegacyUserOnIAMSignIn(ctx, "ben@example.com", "legacy-pass")
	require.NoError(t, err)
	assert.Nil(t, again, "already migrated")
}

func TestMigrateIAMUserOnLegacySignIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	su, user, err := f.sync.SignUpIAM(ctx, "cat@example.com", "iam-pass", "Cat Stevens")
	require.NoError(t, err)
	assert.Equal(t, su.ID, user.LinkedIAMID())
	assert.True(t, user.HasPassword(), "sign-up stores the legacy hash too")

	// Simulate an identity that predates the sync: no legacy password.
	_, err = f.users.Update(ctx, user.ID, repository.UserPatch{Password: new(string)}, repository.Options{})
	require.NoError(t, err)

	unmigrated, err := f.sync.MigrateIAMUserOnLegacySignIn(ctx, "cat@example.com", "wrong")
	require.NoError(t, err)
	assert.False(t, unmigrated.HasPassword())

	pair, signedIn, err := f.sync.SignInLegacy(ctx, "cat@example.com", "iam-pass", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.True(t, signedIn.HasPassword())
	assert.Equal(t, "Cat", signedIn.FirstName)
}

func TestMigrateIAMUserOnLegacySignIn_CreatesCanonicalUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	su, err := f.iam.SignUpEmail(ctx, "dan@example.com", "iam-pass", "")
	require.NoError(t, err)

	user, err := f.sync.MigrateIAMUserOnLegacySignIn(ctx, "dan@example.com", "iam-pass")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, su.ID, user.LinkedIAMID())
	assert.True(t, user.HasPassword())
}

func TestSignUpIAM_RejectsLegacyEmail(t *testing.T) {
	f := newFixture(t)
	f.legacyUser(t, "eve@example.com", "legacy-pass")

	_, _, err := f.sync.SignUpIAM(context.Background(), "eve@example.com", "pw", "")
	assert.ErrorIs(t, err, auth.ErrEmailAlreadyInUse)
}

func TestSyncPasswordChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	su, user, err := f.sync.SignUpIAM(ctx, "fay@example.com", "old-pass", "")
	require.NoError(t, err)

	require.NoError(t, f.sync.SyncPasswordChange(ctx, user, "new-pass"))
	assert.NoError(t, f.hasher.CompareLegacy(*user.Password, "new-pass"))
	assert.NoError(t, f.iam.VerifyCredential(ctx, su.ID, "new-pass"))
	assert.ErrorIs(t, f.iam.VerifyCredential(ctx, su.ID, "old-pass"), auth.ErrUnauthorized)

	legacyOnly := f.legacyUser(t, "gus@example.com", "pw")
	require.NoError(t, f.sync.SyncPasswordChange(ctx, legacyOnly, "pw2"))

	assert.ErrorIs(t, f.sync.SyncPasswordChange(ctx, legacyOnly, ""), auth.ErrBadRequest)
}

func TestChangeLegacyEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, user, err := f.sync.SignUpIAM(ctx, "hal@example.com", "pw-123456", "")
	require.NoError(t, err)
	session, err := f.iam.SignInEmail(ctx, "hal@example.com", "pw-123456", "", iam.SessionMeta{})
	require.NoError(t, err)

	updated, result, err := f.sync.ChangeLegacyEmail(ctx, user, "hal9000@example.com")
	require.NoError(t, err)
	assert.Equal(t, "hal9000@example.com", updated.Email)
	assert.True(t, result.Success)
	assert.EqualValues(t, 1, result.InvalidatedSessions)

	_, err = f.iam.VerifySessionCookie(ctx, session.Token)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	f.legacyUser(t, "taken@example.com", "pw")
	_, _, err = f.sync.ChangeLegacyEmail(ctx, updated, "taken@example.com")
	assert.ErrorIs(t, err, auth.ErrEmailAlreadyInUse)
}

func TestSyncEmailChangeFromIAM(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	su, user, err := f.sync.SignUpIAM(ctx, "ivy@example.com", "pw-123456", "")
	require.NoError(t, err)

	_, err = f.iam.UpdateUserEmail(ctx, su.ID, "ivy2@example.com")
	require.NoError(t, err)
	require.NoError(t, f.sync.SyncEmailChangeFromIAM(ctx, su.ID, "ivy@example.com", "ivy2@example.com"))

	reloaded, err := f.users.FindByID(ctx, user.ID, repository.Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, "ivy2@example.com", reloaded.Email)

	assert.NoError(t, f.sync.SyncEmailChangeFromIAM(ctx, "unknown", "x@example.com", "y@example.com"))
}

func TestChangeIAMEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := f.legacyUser(t, "kai@example.com", "pw-123456")
	su, user, err := f.sync.SignUpIAM(ctx, "lea@example.com", "pw-123456", "")
	require.NoError(t, err)

	_, err = f.sync.ChangeIAMEmail(ctx, su.ID, "KAI@example.com")
	assert.ErrorIs(t, err, auth.ErrEmailAlreadyInUse)

	current, err := f.iam.FindUserByID(ctx, su.ID)
	require.NoError(t, err)
	assert.Equal(t, "lea@example.com", current.Email, "iam email untouched on conflict")
	untouched, err := f.users.FindByID(ctx, other.ID, repository.Options{Force: true})
	require.NoError(t, err)
	assert.Nil(t, untouched.IAMID)

	updated, err := f.sync.ChangeIAMEmail(ctx, su.ID, "lea2@example.com")
	require.NoError(t, err)
	assert.Equal(t, "lea2@example.com", updated.Email)
	reloaded, err := f.users.FindByID(ctx, user.ID, repository.Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, "lea2@example.com", reloaded.Email)

	loner, err := f.iam.SignUpEmail(ctx, "mo@example.com", "pw-123456", "")
	require.NoError(t, err)
	_, err = f.sync.ChangeIAMEmail(ctx, loner.ID, "kai@example.com")
	assert.ErrorIs(t, err, auth.ErrEmailAlreadyInUse, "unlinked identity cannot take a canonical email")
}

func TestDeleteIAMUser_KeepsOtherOwnersAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := f.legacyUser(t, "ned@example.com", "pw-123456")
	su, mine, err := f.sync.SignUpIAM(ctx, "ola@example.com", "pw-123456", "")
	require.NoError(t, err)
	_, err = f.iam.UpdateUserEmail(ctx, su.ID, "ned@example.com")
	require.NoError(t, err)

	result := f.sync.DeleteIAMUser(ctx, su.ID)
	require.True(t, result.Success, result.Error)
	assert.True(t, result.UserDeleted)
	assert.Equal(t, su.ID, result.IAMUserID)

	_, err = f.users.FindByID(ctx, other.ID, repository.Options{Force: true})
	assert.NoError(t, err)
	_, err = f.users.FindByID(ctx, mine.ID, repository.Options{Force: true})
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = f.iam.FindUserByID(ctx, su.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	loner, err := f.iam.SignUpEmail(ctx, "pia@example.com", "pw-123456", "")
	require.NoError(t, err)
	result = f.sync.DeleteIAMUser(ctx, loner.ID)
	require.True(t, result.Success, result.Error)
	assert.False(t, result.UserDeleted)
	_, err = f.iam.FindUserByID(ctx, loner.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeleteAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	su, user, err := f.sync.SignUpIAM(ctx, "jon@example.com", "pw-123456", "")
	require.NoError(t, err)
	_, err = f.iam.SignInEmail(ctx, "jon@example.com", "pw-123456", "", iam.SessionMeta{})
	require.NoError(t, err)

	result := f.sync.DeleteAccount(ctx, user.ID)
	assert.True(t, result.Success, result.Error)
	assert.True(t, result.UserDeleted)
	assert.EqualValues(t, 1, result.DeletedAccounts)
	assert.EqualValues(t, 1, result.DeletedSessions)

	_, err = f.users.FindByID(ctx, user.ID, repository.Options{})
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = f.iam.FindUserByID(ctx, su.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	missing := f.sync.DeleteAccount(ctx, "missing")
	assert.False(t, missing.Success)
	assert.False(t, missing.UserDeleted)
}
