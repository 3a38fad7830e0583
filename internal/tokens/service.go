// Package tokens issues, verifies and rotates the legacy access and refresh
// tokens, and keeps the per-device session bookkeeping on the canonical user.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/terraconstructs/authbridge/internal/auth"
	"github.com/terraconstructs/authbridge/internal/db/bunx"
	"github.com/terraconstructs/authbridge/internal/db/models"
	"github.com/terraconstructs/authbridge/internal/repository"
	"github.com/terraconstructs/authbridge/internal/telemetry"
)

// TokenPair is the result of a token issuance.
type TokenPair struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	DeviceID     string `json:"-"`
	TokenID      string `json:"-"`
}

// LogoutOptions selects single-device or all-device logout.
type LogoutOptions struct {
	AllDevices bool
}

// Config holds the rotation policy.
type Config struct {
	// Renewal enables refresh token rotation. When false a refresh returns the
	// presented refresh token unchanged and only the access token rotates.
	Renewal bool
	// SameTokenIDPeriod reuses the last token id issued to a device within
	// this window. Zero disables reuse.
	SameTokenIDPeriod time.Duration
}

// Dependencies are the collaborators of a Service.
type Dependencies struct {
	Users   repository.UserDirectory
	Secrets SecretProvider
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *telemetry.AuthMetrics
}

// Service is safe for concurrent use; all durable state lives in the user directory.
type Service struct {
	users   repository.UserDirectory
	secrets SecretProvider
	clock   clock.Clock
	logger  *zap.Logger
	metrics *telemetry.AuthMetrics
	cfg     Config
}

// NewService creates a token service. Clock and Logger default to the wall
// clock and a no-op logger.
func NewService(deps Dependencies, cfg Config) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		users:   deps.Users,
		secrets: deps.Secrets,
		clock:   deps.Clock,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		cfg:     cfg,
	}
}

// CreateTokens signs an access and a refresh token for userID. data may carry
// a deviceId; a new one is generated otherwise. Both tokens embed
// {...data, deviceId, id, tokenId}.
func (s *Service) CreateTokens(ctx context.Context, userID string, data map[string]any) (*TokenPair, error) {
	return s.createTokens(ctx, userID, data, "")
}

func (s *Service) createTokens(ctx context.Context, userID string, data map[string]any, tokenID string) (*TokenPair, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerTokens, "tokens.CreateTokens",
		attribute.String(telemetry.AttrUserID, userID),
	)
	defer span.End()

	payload := maps.Clone(data)
	if payload == nil {
		payload = make(map[string]any)
	}
	deviceID, _ := payload[ClaimDeviceID].(string)
	if deviceID == "" {
		deviceID = ksuid.New().String()
	}

	if tokenID == "" {
		var err error
		tokenID, err = s.nextTokenID(ctx, userID, deviceID)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	payload[ClaimDeviceID] = deviceID
	payload[ClaimUserID] = userID
	payload[ClaimTokenID] = tokenID
	span.SetAttributes(
		attribute.String(telemetry.AttrDeviceID, deviceID),
		attribute.String(telemetry.AttrTokenID, tokenID),
	)

	pair := &TokenPair{DeviceID: deviceID, TokenID: tokenID}
	now := s.clock.Now()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		signed, err := sign(payload, s.secrets.Access(), now)
		if err != nil {
			return fmt.Errorf("sign access token: %w", err)
		}
		pair.Token = signed
		return nil
	})
	g.Go(func() error {
		signed, err := sign(payload, s.secrets.Refresh(), now)
		if err != nil {
			return fmt.Errorf("sign refresh token: %w", err)
		}
		pair.RefreshToken = signed
		return nil
	})
	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	s.metrics.RecordIssued(ctx)
	return pair, nil
}

// nextTokenID returns a fresh token id, or the device's last one while it is
// younger than SameTokenIDPeriod.
func (s *Service) nextTokenID(ctx context.Context, userID, deviceID string) (string, error) {
	if s.cfg.SameTokenIDPeriod <= 0 {
		return bunx.NewUUIDv7(), nil
	}

	user, err := s.users.FindByID(ctx, userID, repository.Options{Force: true})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return bunx.NewUUIDv7(), nil
		}
		return "", fmt.Errorf("read temp tokens: %w", err)
	}

	temp, ok := user.TempTokens[deviceID]
	if ok && temp.TokenID != "" && s.clock.Now().UnixMilli()-temp.CreatedAt < s.cfg.SameTokenIDPeriod.Milliseconds() {
		s.logger.Debug("reusing token id within grace window",
			zap.String("user_id", userID),
			zap.String("device_id", deviceID),
		)
		return temp.TokenID, nil
	}
	return bunx.NewUUIDv7(), nil
}

func sign(payload map[string]any, opts SigningOptions, now time.Time) (string, error) {
	claims := jwt.MapClaims{}
	for k, v := range payload {
		claims[k] = v
	}
	claims["iat"] = now.Unix()
	if opts.ExpiresIn > 0 {
		claims["exp"] = now.Add(opts.ExpiresIn).Unix()
	}
	if opts.Issuer != "" {
		claims["iss"] = opts.Issuer
	}
	if opts.Audience != "" {
		claims["aud"] = opts.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(opts.Secret)
}

// VerifyAccessToken checks signature, expiry and registered claims of an access token.
func (s *Service) VerifyAccessToken(token string) (*Claims, error) {
	return s.verify(token, s.secrets.Access())
}

// VerifyRefreshToken checks signature, expiry and registered claims of a refresh token.
func (s *Service) VerifyRefreshToken(token string) (*Claims, error) {
	return s.verify(token, s.secrets.Refresh())
}

func (s *Service) verify(token string, opts SigningOptions) (*Claims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	mc := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, mc, func(*jwt.Token) (any, error) {
		return opts.Secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
		}
		return nil, fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	}

	claims, err := claimsFromMap(mc)
	if err != nil {
		return nil, err
	}
	if !claims.IsLegacy() || claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing id or deviceId claim", auth.ErrInvalidToken)
	}
	return claims, nil
}

// ValidateDeviceSession checks that the token's device still has a session on
// user and that the session's token id matches the token.
func ValidateDeviceSession(user *models.User, claims *Claims) error {
	session, ok := user.RefreshTokens[claims.DeviceID]
	if !ok {
		return fmt.Errorf("%w: no session for device %s", auth.ErrUnauthorized, claims.DeviceID)
	}
	if session.TokenID != claims.TokenID {
		return fmt.Errorf("%w: token id mismatch for device %s", auth.ErrUnauthorized, claims.DeviceID)
	}
	return nil
}

// UpdateRefreshToken rotates the device session of user.
//
// With a currentRefreshToken the device must already have a session, and when
// renewal is disabled the current token is returned unchanged. Otherwise the
// new token's device and token ids are written to the device session and temp
// token maps with a forced write, merging data onto existing session metadata.
// user is updated in place.
func (s *Service) UpdateRefreshToken(ctx context.Context, user *models.User, currentRefreshToken, newRefreshToken string, data map[string]any) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerTokens, "tokens.UpdateRefreshToken",
		attribute.String(telemetry.AttrUserID, user.ID),
	)
	defer span.End()

	if currentRefreshToken != "" {
		current, err := DecodeJWT(currentRefreshToken)
		if err != nil {
			telemetry.RecordError(span, err)
			return "", err
		}
		if _, ok := user.RefreshTokens[current.DeviceID]; current.DeviceID == "" || !ok {
			err := fmt.Errorf("%w: no session for device %q", auth.ErrInvalidToken, current.DeviceID)
			telemetry.RecordError(span, err)
			return "", err
		}
		if !s.cfg.Renewal {
			return currentRefreshToken, nil
		}
	}

	next, err := DecodeJWT(newRefreshToken)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", err
	}
	if next.DeviceID == "" || next.TokenID == "" {
		err := fmt.Errorf("%w: refresh token lacks deviceId or tokenId", auth.ErrInvalidToken)
		telemetry.RecordError(span, err)
		return "", err
	}
	span.SetAttributes(
		attribute.String(telemetry.AttrDeviceID, next.DeviceID),
		attribute.String(telemetry.AttrTokenID, next.TokenID),
	)

	existing := user.RefreshTokens[next.DeviceID]
	merged := maps.Clone(existing.Data)
	if merged == nil {
		merged = make(map[string]any)
	}
	maps.Copy(merged, sessionMetadata(data))

	description := existing.DeviceDescription
	if d, ok := data[ClaimDeviceDescription].(string); ok && d != "" {
		description = d
	}

	sessions := user.RefreshTokens.Clone()
	if sessions == nil {
		sessions = make(models.DeviceSessions)
	}
	sessions[next.DeviceID] = models.DeviceSession{
		DeviceID:          next.DeviceID,
		DeviceDescription: description,
		TokenID:           next.TokenID,
		Data:              merged,
	}

	temps := maps.Clone(user.TempTokens)
	if temps == nil {
		temps = make(models.TempTokens)
	}
	temps[next.DeviceID] = models.TempToken{
		CreatedAt: s.clock.Now().UnixMilli(),
		DeviceID:  next.DeviceID,
		TokenID:   next.TokenID,
	}

	if _, err := s.users.Update(ctx, user.ID, repository.UserPatch{
		RefreshTokens: &sessions,
		TempTokens:    &temps,
	}, repository.Options{Force: true}); err != nil {
		telemetry.RecordError(span, err)
		return "", fmt.Errorf("persist device session: %w", err)
	}
	user.RefreshTokens = sessions
	user.TempTokens = temps

	return newRefreshToken, nil
}

// Logout removes the device session named by token, or every device session
// when opts.AllDevices is set.
func (s *Service) Logout(ctx context.Context, identity *auth.Identity, token string, opts LogoutOptions) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerTokens, "tokens.Logout")
	defer span.End()

	if identity == nil || identity.ID == "" {
		return fmt.Errorf("%w: logout requires an authenticated caller", auth.ErrUnauthorized)
	}

	claims, err := DecodeJWT(token)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if claims.ID != "" && claims.ID != identity.ID {
		return fmt.Errorf("%w: token belongs to another user", auth.ErrUnauthorized)
	}

	user, err := s.users.FindByID(ctx, identity.ID, repository.Options{Force: true})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: unknown user", auth.ErrUnauthorized)
		}
		return fmt.Errorf("logout: %w", err)
	}

	if _, ok := user.RefreshTokens[claims.DeviceID]; claims.DeviceID == "" || !ok {
		return fmt.Errorf("%w: no session for device %q", auth.ErrUnauthorized, claims.DeviceID)
	}

	sessions := make(models.DeviceSessions)
	temps := make(models.TempTokens)
	if !opts.AllDevices {
		sessions = user.RefreshTokens.Clone()
		delete(sessions, claims.DeviceID)
		temps = maps.Clone(user.TempTokens)
		if temps == nil {
			temps = make(models.TempTokens)
		}
		delete(temps, claims.DeviceID)
	}

	if _, err := s.users.Update(ctx, user.ID, repository.UserPatch{
		RefreshTokens: &sessions,
		TempTokens:    &temps,
	}, repository.Options{Force: true}); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("logout: %w", err)
	}

	s.logger.Info("logged out",
		zap.String("user_id", user.ID),
		zap.String("device_id", claims.DeviceID),
		zap.Bool("all_devices", opts.AllDevices),
	)
	return nil
}

// SignIn issues tokens for user and registers the device session.
func (s *Service) SignIn(ctx context.Context, user *models.User, data map[string]any) (*TokenPair, error) {
	pair, err := s.CreateTokens(ctx, user.ID, data)
	if err != nil {
		return nil, err
	}
	refresh, err := s.UpdateRefreshToken(ctx, user, "", pair.RefreshToken, data)
	if err != nil {
		return nil, err
	}
	pair.RefreshToken = refresh
	return pair, nil
}

// Refresh verifies currentRefreshToken against the device session it names
// and issues a new pair for the same device. With renewal disabled the
// returned refresh token is currentRefreshToken and the access token keeps
// the session's token id.
func (s *Service) Refresh(ctx context.Context, currentRefreshToken string, data map[string]any) (*TokenPair, *models.User, error) {
	claims, err := s.VerifyRefreshToken(currentRefreshToken)
	if err != nil {
		return nil, nil, err
	}

	user, err := s.users.FindByID(ctx, claims.ID, repository.Options{Force: true})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: unknown user", auth.ErrUnauthorized)
		}
		return nil, nil, fmt.Errorf("refresh: %w", err)
	}
	if err := ValidateDeviceSession(user, claims); err != nil {
		return nil, nil, err
	}

	payload := maps.Clone(data)
	if payload == nil {
		payload = make(map[string]any)
	}
	payload[ClaimDeviceID] = claims.DeviceID

	tokenID := ""
	if !s.cfg.Renewal {
		tokenID = claims.TokenID
	}
	pair, err := s.createTokens(ctx, user.ID, payload, tokenID)
	if err != nil {
		return nil, nil, err
	}

	refresh, err := s.UpdateRefreshToken(ctx, user, currentRefreshToken, pair.RefreshToken, data)
	if err != nil {
		return nil, nil, err
	}
	pair.RefreshToken = refresh
	return pair, user, nil
}

// Authenticate verifies a legacy access token and returns the identity of its
// user. The token's device session must still exist with a matching token id.
func (s *Service) Authenticate(ctx context.Context, token string) (*auth.Identity, error) {
	claims, err := s.VerifyAccessToken(token)
	if err != nil {
		return nil, err
	}

	user, err := s.users.FindByID(ctx, claims.ID, repository.Options{})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown user", auth.ErrUnauthorized)
		}
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if err := ValidateDeviceSession(user, claims); err != nil {
		return nil, err
	}

	identity := auth.FromUser(user)
	identity.DeviceID = claims.DeviceID
	identity.TokenID = claims.TokenID
	identity.Claims = claims.Data
	return identity, nil
}
