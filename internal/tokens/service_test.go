package tokens

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/authbridge/internal/auth"
	"github.com/terraconstructs/authbridge/internal/config"
	"github.com/terraconstructs/authbridge/internal/db/dbtest"
	"github.com/terraconstructs/authbridge/internal/db/models"
	"github.com/terraconstructs/authbridge/internal/repository"
)

type fixture struct {
	svc   *Service
	users repository.UserDirectory
	clock *clock.Mock
	user  *models.User
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	users := repository.NewBunUserDirectory(dbtest.Open(t))
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	secrets := NewConfigSecretProvider(config.JWTConfig{
		Secret:        "access-secret",
		SignInOptions: config.SignInOptions{ExpiresIn: 15 * time.Minute},
		Refresh: config.RefreshConfig{
			Secret:        "refresh-secret",
			SignInOptions: config.SignInOptions{ExpiresIn: 7 * 24 * time.Hour},
		},
	})

	user, err := users.Insert(context.Background(), &models.User{Email: "ada@example.com", Roles: models.StringList{"admin"}})
	require.NoError(t, err)

	return &fixture{
		svc:   NewService(Dependencies{Users: users, Secrets: secrets, Clock: mock}, cfg),
		users: users,
		clock: mock,
		user:  user,
	}
}

func (f *fixture) reload(t *testing.T) *models.User {
	t.Helper()
	user, err := f.users.FindByID(context.Background(), f.user.ID, repository.Options{Force: true})
	require.NoError(t, err)
	return user
}

func TestCreateTokens_DeviceID(t *testing.T) {
	f := newFixture(t, Config{Renewal: true})
	ctx := context.Background()

	pair, err := f.svc.CreateTokens(ctx, f.user.ID, map[string]any{"deviceId": "laptop", "app": "cli"})
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(pair.Token, "."))
	assert.Equal(t, 2, strings.Count(pair.RefreshToken, "."))

	for _, token := range []string{pair.Token, pair.RefreshToken} {
		claims, err := DecodeJWT(token)
		require.NoError(t, err)
		assert.Equal(t, "laptop", claims.DeviceID)
		assert.Equal(t, f.user.ID, claims.ID)
		assert.Equal(t, pair.TokenID, claims.TokenID)
		assert.Equal(t, "cli", claims.Data["app"])
		assert.True(t, claims.IsLegacy())
	}

	generated, err := f.svc.CreateTokens(ctx, f.user.ID, nil)
	require.NoError(t, err)
	claims, err := DecodeJWT(generated.Token)
	require.NoError(t, err)
	assert.NotEmpty(t, claims.DeviceID)
	assert.Equal(t, generated.DeviceID, claims.DeviceID)
	assert.NotEqual(t, pair.TokenID, generated.TokenID)
}

func TestCreateTokens_SameTokenIDPeriod(t *testing.T) {
	f := newFixture(t, Config{Renewal: true, SameTokenIDPeriod: 5 * time.Second})
	ctx := context.Background()
	data := map[string]any{"deviceId": "phone"}

	first, err := f.svc.SignIn(ctx, f.user, data)
	require.NoError(t, err)

	f.clock.Add(2 * time.Second)
	second, err := f.svc.CreateTokens(ctx, f.user.ID, data)
	require.NoError(t, err)
	assert.Equal(t, first.TokenID, second.TokenID, "within the window the token id is reused")

	f.clock.Add(4 * time.Second)
	third, err := f.svc.CreateTokens(ctx, f.user.ID, data)
	require.NoError(t, err)
	assert.NotEqual(t, first.TokenID, third.TokenID, "after the window a new token id is issued")

	other, err := f.svc.CreateTokens(ctx, f.user.ID, map[string]any{"deviceId": "tablet"})
	require.NoError(t, err)
	assert.NotEqual(t, first.TokenID, other.TokenID)
}

func TestCreateTokens_NoReuseWhenDisabled(t *testing.T) {
	f := newFixture(t, Config{Renewal: true})
	ctx := context.Background()
	data := map[string]any{"deviceId": "phone"}

	first, err := f.svc.SignIn(ctx, f.user, data)
	require.NoError(t, err)
	second, err := f.svc.CreateTokens(ctx, f.user.ID, data)
	require.NoError(t, err)
	assert.NotEqual(t, first.TokenID, second.TokenID)
}

func TestUpdateRefreshToken_Renewal(t *testing.T) {
	tests := []struct {
		name        string
		renewal     bool
		wantCurrent bool
	}{
		{name: "renewal disabled returns current token", renewal: false, wantCurrent: true},
		{name: "renewal enabled rotates", renewal: true, wantCurrent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{Renewal: tt.renewal})
			ctx := context.Background()
			data := map[string]any{"deviceId": "desk", "deviceDescription": "Desktop"}

			signed, err := f.svc.SignIn(ctx, f.user, data)
			require.NoError(t, err)

			next, err := f.svc.CreateTokens(ctx, f.user.ID, data)
			require.NoError(t, err)

			got, err := f.svc.UpdateRefreshToken(ctx, f.user, signed.RefreshToken, next.RefreshToken, map[string]any{"ip": "10.0.0.1"})
			require.NoError(t, err)

			session := f.reload(t).RefreshTokens["desk"]
			if tt.wantCurrent {
				assert.Equal(t, signed.RefreshToken, got)
				assert.Equal(t, signed.TokenID, session.TokenID)
				assert.NotContains(t, session.Data, "ip")
			} else {
				assert.Equal(t, next.RefreshToken, got)
				assert.Equal(t, next.TokenID, session.TokenID)
				assert.Equal(t, "10.0.0.1", session.Data["ip"])
			}
			assert.Equal(t, "Desktop", session.DeviceDescription)
		})
	}
}

func TestUpdateRefreshToken_Errors(t *testing.T) {
	f := newFixture(t, Config{Renewal: true})
	ctx := context.Background()

	pair, err := f.svc.CreateTokens(ctx, f.user.ID, map[string]any{"deviceId": "ghost"})
	require.NoError(t, err)

	_, err = f.svc.UpdateRefreshToken(ctx, f.user, pair.RefreshToken, pair.RefreshToken, nil)
	assert.ErrorIs(t, err, auth.ErrInvalidToken, "current token names a device without a session")

	_, err = f.svc.UpdateRefreshToken(ctx, f.user, "", "not-a-jwt", nil)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestUpdateRefreshToken_MergesExistingData(t *testing.T) {
	f := newFixture(t, Config{Renewal: true})
	ctx := context.Background()

	_, err := f.svc.SignIn(ctx, f.user, map[string]any{"deviceId": "d1", "ua": "firefox", "locale": "en"})
	require.NoError(t, err)

	pair, err := f.svc.CreateTokens(ctx, f.user.ID, map[string]any{"deviceId": "d1"})
	require.NoError(t, err)
	_, err = f.svc.UpdateRefreshToken(ctx, f.user, "", pair.RefreshToken, map[string]any{"locale": "de"})
	require.NoError(t, err)

	session := f.reload(t).RefreshTokens["d1"]
	assert.Equal(t, "firefox", session.Data["ua"])
	assert.Equal(t, "de", session.Data["locale"])
	assert.NotContains(t, session.Data, "deviceId")
	assert.Equal(t, f.clock.Now().UnixMilli(), f.reload(t).TempTokens["d1"].CreatedAt)
}

func TestLogout(t *testing.T) {
	f := newFixture(t, Config{Renewal: true})
	ctx := context.Background()

	laptop, err := f.svc.SignIn(ctx, f.user, map[string]any{"deviceId": "laptop"})
	require.NoError(t, err)
	phone, err := f.svc.SignIn(ctx, f.user, map[string]any{"deviceId": "phone"})
	require.NoError(t, err)
	_, err = f.svc.SignIn(ctx, f.user, map[string]any{"deviceId": "tablet"})
	require.NoError(t, err)

	caller := &auth.Identity{ID: f.user.ID}

	require.NoError(t, f.svc.Logout(ctx, caller, laptop.Token, LogoutOptions{}))
	sessions := f.reload(t).RefreshTokens
	assert.Len(t, sessions, 2)
	assert.NotContains(t, sessions, "laptop")

	err = f.svc.Logout(ctx, caller, laptop.Token, LogoutOptions{})
	assert.ErrorIs(t, err, auth.ErrUnauthorized, "device already logged out")

	require.NoError(t, f.svc.Logout(ctx, caller, phone.RefreshToken, LogoutOptions{AllDevices: true}))
	assert.Empty(t, f.reload(t).RefreshTokens)
	assert.Empty(t, f.reload(t).TempTokens)

	err = f.svc.Logout(ctx, nil, phone.Token, LogoutOptions{})
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, Config{Renewal: true})
	ctx := context.Background()

	signed, err := f.svc.SignIn(ctx, f.user, map[string]any{"deviceId": "laptop"})
	require.NoError(t, err)

	f.clock.Add(time.Minute)
	refreshed, user, err := f.svc.Refresh(ctx, signed.RefreshToken, nil)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, user.ID)
	assert.Equal(t, "laptop", refreshed.DeviceID)
	assert.NotEqual(t, signed.RefreshToken, refreshed.RefreshToken)

	_, _, err = f.svc.Refresh(ctx, signed.RefreshToken, nil)
	assert.ErrorIs(t, err, auth.ErrUnauthorized, "replayed refresh token")

	identity, err := f.svc.Authenticate(ctx, refreshed.Token)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, identity.ID)
	assert.Equal(t, "laptop", identity.DeviceID)
	assert.True(t, identity.HasRole("admin"))
	assert.False(t, identity.IAMAuthenticated)

	_, err = f.svc.Authenticate(ctx, signed.Token)
	assert.ErrorIs(t, err, auth.ErrUnauthorized, "access token of the rotated session")
}

func TestRefresh_RenewalDisabled(t *testing.T) {
	f := newFixture(t, Config{Renewal: false})
	ctx := context.Background()

	signed, err := f.svc.SignIn(ctx, f.user, map[string]any{"deviceId": "laptop"})
	require.NoError(t, err)

	f.clock.Add(time.Minute)
	refreshed, _, err := f.svc.Refresh(ctx, signed.RefreshToken, nil)
	require.NoError(t, err)
	assert.Equal(t, signed.RefreshToken, refreshed.RefreshToken)
	assert.NotEqual(t, signed.Token, refreshed.Token)

	_, err = f.svc.Authenticate(ctx, refreshed.Token)
	require.NoError(t, err)

	_, _, err = f.svc.Refresh(ctx, signed.RefreshToken, nil)
	require.NoError(t, err, "immutable refresh tokens stay valid")
}

func TestVerify(t *testing.T) {
	f := newFixture(t, Config{Renewal: true})
	ctx := context.Background()

	pair, err := f.svc.SignIn(ctx, f.user, nil)
	require.NoError(t, err)

	_, err = f.svc.VerifyAccessToken(pair.Token)
	require.NoError(t, err)

	_, err = f.svc.VerifyAccessToken(pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrUnauthorized, "refresh secret differs")

	_, err = f.svc.VerifyAccessToken("garbage")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	f.clock.Add(16 * time.Minute)
	_, err = f.svc.VerifyAccessToken(pair.Token)
	assert.ErrorIs(t, err, auth.ErrUnauthorized, "expired")

	_, err = f.svc.VerifyRefreshToken(pair.RefreshToken)
	assert.NoError(t, err)
}

func TestDecodeJWT(t *testing.T) {
	_, err := DecodeJWT("a.b")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = DecodeJWT("")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}
