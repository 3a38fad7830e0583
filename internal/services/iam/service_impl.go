package iam

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/terraconstructs/authbridge/internal/auth"
	"github.com/terraconstructs/authbridge/internal/config"
	"github.com/terraconstructs/authbridge/internal/db/models"
	"github.com/terraconstructs/authbridge/internal/repository"
	"github.com/terraconstructs/authbridge/internal/security/password"
	"github.com/terraconstructs/authbridge/internal/telemetry"
)

// iamService implements Service on top of an IAMRepository.
type iamService struct {
	repo   repository.IAMRepository
	hasher *password.Hasher
	clock  clock.Clock
	logger *zap.Logger

	signingKey       []byte
	issuer           string
	sessionExpiresIn time.Duration
	tokenExpiresIn   time.Duration
}

// Dependencies contains the collaborators of the IAM service.
type Dependencies struct {
	Repo   repository.IAMRepository
	Hasher *password.Hasher
	Clock  clock.Clock
	Logger *zap.Logger
}

// NewService creates the IAM service. The bearer token key is the SHA256 of
// cfg.Secret, which satisfies the HS256 minimum key size for any secret.
func NewService(deps Dependencies, cfg config.IAMConfig) (Service, error) {
	if deps.Repo == nil {
		return nil, errors.New("iam: repository is required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("iam: secret is required")
	}
	if deps.Hasher == nil {
		deps.Hasher = password.NewHasher(0)
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	key := sha256.Sum256([]byte(cfg.Secret))
	return &iamService{
		repo:             deps.Repo,
		hasher:           deps.Hasher,
		clock:            deps.Clock,
		logger:           deps.Logger,
		signingKey:       key[:],
		issuer:           cfg.Issuer,
		sessionExpiresIn: cfg.SessionExpiresIn,
		tokenExpiresIn:   cfg.TokenExpiresIn,
	}, nil
}

func toSessionUser(u *models.IAMUser) *SessionUser {
	return &SessionUser{ID: u.ID, Email: u.Email, Name: u.Name, EmailVerified: u.EmailVerified}
}

func toSession(s *models.IAMSession) *Session {
	return &Session{ID: s.ID, UserID: s.UserID, ExpiresAt: s.ExpiresAt, UserAgent: s.UserAgent, IPAddress: s.IPAddress}
}

// =============================================================================
// Verification
// =============================================================================

func (s *iamService) VerifySessionCookie(ctx context.Context, token string) (*Result, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty session token", auth.ErrUnauthorized)
	}

	session, err := s.repo.GetSessionByTokenHash(ctx, auth.HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("%w: session not found: %v", auth.ErrUnauthorized, err)
	}
	return s.resultForSession(ctx, session)
}

func (s *iamService) resultForSession(ctx context.Context, session *models.IAMSession) (*Result, error) {
	if session.Revoked {
		return nil, fmt.Errorf("%w: session has been revoked", auth.ErrUnauthorized)
	}
	if !session.Active(s.clock.Now()) {
		return nil, fmt.Errorf("%w: session has expired", auth.ErrUnauthorized)
	}

	user, err := s.repo.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: session user: %v", auth.ErrUnauthorized, err)
	}
	return &Result{User: toSessionUser(user), Session: toSession(session)}, nil
}

// =============================================================================
// Accounts
// =============================================================================

func (s *iamService) CreateCredentialAccount(ctx context.Context, userID, passwordHash string) error {
	hash := passwordHash
	return s.repo.CreateAccount(ctx, &models.IAMAccount{
		UserID:       userID,
		ProviderID:   models.ProviderCredential,
		PasswordHash: &hash,
	})
}

func (s *iamService) DeleteAccount(ctx context.Context, userID string) (int64, error) {
	return s.repo.DeleteAccounts(ctx, userID)
}

func (s *iamService) VerifyCredential(ctx context.Context, userID, pw string) error {
	account, err := s.repo.GetAccount(ctx, userID, models.ProviderCredential)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: no credential account", auth.ErrUnauthorized)
		}
		return err
	}
	if account.PasswordHash == nil || *account.PasswordHash == "" {
		return fmt.Errorf("%w: credential account has no password", auth.ErrUnauthorized)
	}
	if err := s.hasher.CompareIAM(*account.PasswordHash, pw); err != nil {
		return fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	}
	return nil
}

func (s *iamService) SetCredentialPassword(ctx context.Context, userID, pw string) error {
	hash, err := s.hasher.HashIAM(pw)
	if err != nil {
		return err
	}

	err = s.repo.UpdateAccountPassword(ctx, userID, models.ProviderCredential, hash)
	if errors.Is(err, repository.ErrNotFound) {
		return s.CreateCredentialAccount(ctx, userID, hash)
	}
	return err
}

// =============================================================================
// Sessions
// =============================================================================

func (s *iamService) CreateSession(ctx context.Context, userID string, meta SessionMeta) (*SignInResult, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerIAM, "iam.CreateSession",
		attribute.String(telemetry.AttrIAMUserID, userID),
	)
	defer span.End()

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	token, hash, err := auth.GenerateSessionToken()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	session := &models.IAMSession{
		UserID:    userID,
		TokenHash: hash,
		ExpiresAt: s.clock.Now().Add(s.sessionExpiresIn).UTC(),
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String(telemetry.AttrSessionID, session.ID))

	return &SignInResult{
		Result: Result{User: toSessionUser(user), Session: toSession(session)},
		Token:  token,
	}, nil
}

func (s *iamService) RevokeSession(ctx context.Context, sessionToken string) error {
	session, err := s.repo.GetSessionByTokenHash(ctx, auth.HashToken(sessionToken))
	if err != nil {
		return err
	}
	return s.repo.RevokeSession(ctx, session.ID)
}

func (s *iamService) ListActiveSessions(ctx context.Context, userID string) ([]Session, error) {
	sessions, err := s.repo.ListSessions(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	active := make([]Session, 0, len(sessions))
	for i := range sessions {
		if sessions[i].Active(now) {
			active = append(active, *toSession(&sessions[i]))
		}
	}
	return active, nil
}

func (s *iamService) DeleteSessions(ctx context.Context, userID string) (int64, error) {
	return s.repo.DeleteSessionsByUserID(ctx, userID)
}

func (s *iamService) InvalidateSessions(ctx context.Context, userID string) (int64, error) {
	n, err := s.repo.RevokeSessionsByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("invalidated iam sessions", zap.String("iam_user_id", userID), zap.Int64("count", n))
	return n, nil
}

func (s *iamService) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpiredSessions(ctx, s.clock.Now().UTC())
}

// =============================================================================
// Email sign-up / sign-in
// =============================================================================

func (s *iamService) SignUpEmail(ctx context.Context, email, pw, name string) (*SessionUser, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerIAM, "iam.SignUpEmail")
	defer span.End()

	email = repository.NormalizeEmail(email)
	if email == "" || pw == "" {
		return nil, fmt.Errorf("%w: email and password are required", auth.ErrBadRequest)
	}

	hash, err := s.hasher.HashIAM(pw)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	user := &models.IAMUser{Email: email, Name: strings.TrimSpace(name)}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, auth.ErrEmailAlreadyInUse
		}
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := s.CreateCredentialAccount(ctx, user.ID, hash); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String(telemetry.AttrIAMUserID, user.ID))
	return toSessionUser(user), nil
}

func (s *iamService) SignInEmail(ctx context.Context, email, pw, code string, meta SessionMeta) (*SignInResult, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerIAM, "iam.SignInEmail")
	defer span.End()

	if strings.TrimSpace(email) == "" || pw == "" {
		return nil, fmt.Errorf("%w: email and password are required", auth.ErrBadRequest)
	}

	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid email or password", auth.ErrUnauthorized)
		}
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := s.VerifyCredential(ctx, user.ID, pw); err != nil {
		return nil, fmt.Errorf("%w: invalid email or password", auth.ErrUnauthorized)
	}

	if user.TwoFactorEnabled {
		if code == "" {
			return nil, ErrTwoFactorRequired
		}
		if !s.validateTOTP(user, code) {
			return nil, fmt.Errorf("%w: invalid two-factor code", auth.ErrUnauthorized)
		}
	}

	return s.CreateSession(ctx, user.ID, meta)
}

// =============================================================================
// Users
// =============================================================================

func (s *iamService) FindUserByEmail(ctx context.Context, email string) (*SessionUser, error) {
	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return toSessionUser(user), nil
}

func (s *iamService) FindUserByID(ctx context.Context, userID string) (*SessionUser, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return toSessionUser(user), nil
}

// UpdateUserEmail changes the email of an identity and clears its verified flag.
func (s *iamService) UpdateUserEmail(ctx context.Context, userID, newEmail string) (*SessionUser, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	newEmail = repository.NormalizeEmail(newEmail)
	if newEmail == "" {
		return nil, fmt.Errorf("%w: email is required", auth.ErrBadRequest)
	}
	if newEmail == user.Email {
		return toSessionUser(user), nil
	}

	user.Email = newEmail
	user.EmailVerified = false
	if err := s.repo.UpdateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, auth.ErrEmailAlreadyInUse
		}
		return nil, err
	}
	return toSessionUser(user), nil
}

func (s *iamService) DeleteUser(ctx context.Context, userID string) error {
	return s.repo.DeleteUser(ctx, userID)
}
