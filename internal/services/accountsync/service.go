// Package accountsync keeps one logical user consistent across the legacy and
// IAM identity stores: lazy migration in both directions on sign-in, password
// and email sync, and cascading account deletion.
package accountsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/terraconstructs/authbridge/internal/auth"
	"github.com/terraconstructs/authbridge/internal/db/models"
	"github.com/terraconstructs/authbridge/internal/repository"
	"github.com/terraconstructs/authbridge/internal/security/password"
	"github.com/terraconstructs/authbridge/internal/services/iam"
	"github.com/terraconstructs/authbridge/internal/services/identity"
	"github.com/terraconstructs/authbridge/internal/telemetry"
	"github.com/terraconstructs/authbridge/internal/tokens"
)

// Dependencies contains the collaborators of the sync service.
type Dependencies struct {
	Users  repository.UserDirectory
	IAM    iam.Service
	Mapper *identity.Mapper
	Tokens *tokens.Service
	Hasher *password.Hasher
	Logger *zap.Logger
}

// Service runs inside the sign-in, sign-up, update and delete flows of both
// subsystems.
type Service struct {
	users  repository.UserDirectory
	iam    iam.Service
	mapper *identity.Mapper
	tokens *tokens.Service
	hasher *password.Hasher
	logger *zap.Logger
}

// NewService creates the sync service.
func NewService(deps Dependencies) *Service {
	if deps.Hasher == nil {
		deps.Hasher = password.NewHasher(0)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		users:  deps.Users,
		iam:    deps.IAM,
		mapper: deps.Mapper,
		tokens: deps.Tokens,
		hasher: deps.Hasher,
		logger: deps.Logger,
	}
}

// SignUpInput is the legacy sign-up payload.
type SignUpInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// =============================================================================
// Legacy flows
// =============================================================================

// SignUpLegacy creates a canonical user with a bcrypt password and signs it in.
func (s *Service) SignUpLegacy(ctx context.Context, in SignUpInput, data map[string]any) (*tokens.TokenPair, *models.User, error) {
	if strings.TrimSpace(in.Email) == "" || in.Password == "" {
		return nil, nil, fmt.Errorf("%w: email and password are required", auth.ErrBadRequest)
	}

	hash, err := s.hasher.HashLegacy(in.Password)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.users.Insert(ctx, &models.User{
		Email:     in.Email,
		Password:  &hash,
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, nil, auth.ErrEmailAlreadyInUse
		}
		return nil, nil, err
	}

	pair, err := s.tokens.SignIn(ctx, user, data)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// SignInLegacy checks the bcrypt password, migrating an IAM-only password
// first, and issues a token pair for the device in data.
func (s *Service) SignInLegacy(ctx context.Context, email, pw string, data map[string]any) (*tokens.TokenPair, *models.User, error) {
	if strings.TrimSpace(email) == "" || pw == "" {
		return nil, nil, fmt.Errorf("%w: email and password are required", auth.ErrBadRequest)
	}

	user, err := s.MigrateIAMUserOnLegacySignIn(ctx, email, pw)
	if err != nil {
		return nil, nil, err
	}
	if user == nil || !user.HasPassword() {
		return nil, nil, fmt.Errorf("%w: invalid email or password", auth.ErrUnauthorized)
	}
	if err := s.hasher.CompareLegacy(*user.Password, pw); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid email or password", auth.ErrUnauthorized)
	}

	pair, err := s.tokens.SignIn(ctx, user, data)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// MigrateIAMUserOnLegacySignIn gives a user that only has an IAM credential a
// legacy bcrypt password, once the IAM credential verifies. It returns the
// canonical user for email, migrated or not, or nil when none exists.
func (s *Service) MigrateIAMUserOnLegacySignIn(ctx context.Context, email, pw string) (*models.User, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerAccountSync, "accountsync.MigrateIAMUserOnLegacySignIn")
	defer span.End()

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if user != nil && user.HasPassword() {
		return user, nil
	}

	iamUserID := ""
	if user != nil {
		iamUserID = user.LinkedIAMID()
	}
	if iamUserID == "" {
		su, err := s.iam.FindUserByEmail(ctx, email)
		if errors.Is(err, repository.ErrNotFound) {
			return user, nil
		}
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		iamUserID = su.ID
	}

	if err := s.iam.VerifyCredential(ctx, iamUserID, pw); err != nil {
		return user, nil
	}

	if user == nil {
		su, err := s.iam.FindUserByID(ctx, iamUserID)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		if user, err = s.mapper.LinkOrCreateUser(ctx, su); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	hash, err := s.hasher.HashLegacy(pw)
	if err != nil {
		return nil, err
	}
	patch := repository.UserPatch{Password: &hash}
	if user.LinkedIAMID() != iamUserID {
		patch.IAMID = &iamUserID
	}
	migrated, err := s.users.Update(ctx, user.ID, patch, repository.Options{Force: true})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("store migrated password: %w", err)
	}

	span.SetAttributes(
		attribute.String(telemetry.AttrUserID, migrated.ID),
		attribute.String(telemetry.AttrIAMUserID, iamUserID),
	)
	s.logger.Info("migrated iam user to legacy sign-in",
		zap.String("user_id", migrated.ID),
		zap.String("iam_user_id", iamUserID),
	)
	return migrated, nil
}

// =============================================================================
// IAM flows
// =============================================================================

// SignUpIAM creates an IAM identity and its canonical user. An email that
// already belongs to a legacy account is rejected; that user signs in through
// IAM with the legacy password instead.
func (s *Service) SignUpIAM(ctx context.Context, email, pw, name string) (*iam.SessionUser, *models.User, error) {
	existing, err := s.users.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, nil, err
	}
	if existing != nil && existing.HasPassword() {
		return nil, nil, auth.ErrEmailAlreadyInUse
	}

	su, err := s.iam.SignUpEmail(ctx, email, pw, name)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.HandleIAMSignUp(ctx, su, pw)
	if err != nil {
		return nil, nil, err
	}
	return su, user, nil
}

// SignInIAM migrates a legacy-only user on the fly and opens an IAM session.
func (s *Service) SignInIAM(ctx context.Context, email, pw, code string, meta iam.SessionMeta) (*iam.SignInResult, error) {
	if _, err := s.MigrateLegacyUserOnIAMSignIn(ctx, email, pw); err != nil {
		s.logger.Warn("legacy to iam migration failed", zap.Error(err))
	}

	result, err := s.iam.SignInEmail(ctx, email, pw, code, meta)
	if err != nil {
		return nil, err
	}
	if _, err := s.mapper.LinkOrCreateUser(ctx, result.User); err != nil {
		s.logger.Warn("link canonical user after iam sign-in failed",
			zap.String("iam_user_id", result.User.ID),
			zap.Error(err),
		)
	}
	return result, nil
}

// MigrateLegacyUserOnIAMSignIn creates an IAM identity for a legacy-only user
// whose bcrypt password matches. It returns nil when nothing was migrated.
func (s *Service) MigrateLegacyUserOnIAMSignIn(ctx context.Context, email, pw string) (*iam.SessionUser, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerAccountSync, "accountsync.MigrateLegacyUserOnIAMSignIn")
	defer span.End()

	if email == "" || pw == "" {
		return nil, nil
	}

	_, err := s.iam.FindUserByEmail(ctx, email)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		telemetry.RecordError(span, err)
		return nil, err
	}

	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if !user.HasPassword() || s.hasher.CompareLegacy(*user.Password, pw) != nil {
		return nil, nil
	}

	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	su, err := s.iam.SignUpEmail(ctx, user.Email, pw, name)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("create iam identity: %w", err)
	}
	if _, err := s.mapper.LinkOrCreateUser(ctx, su); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String(telemetry.AttrUserID, user.ID),
		attribute.String(telemetry.AttrIAMUserID, su.ID),
	)
	s.logger.Info("migrated legacy user to iam",
		zap.String("user_id", user.ID),
		zap.String("iam_user_id", su.ID),
	)
	return su, nil
}

// HandleIAMSignUp links or creates the canonical user of a new IAM identity
// and stores the legacy password when the user has none.
func (s *Service) HandleIAMSignUp(ctx context.Context, su *iam.SessionUser, pw string) (*models.User, error) {
	user, err := s.mapper.LinkOrCreateUser(ctx, su)
	if err != nil || user == nil {
		return user, err
	}
	if pw == "" || user.HasPassword() {
		return user, nil
	}

	hash, err := s.hasher.HashLegacy(pw)
	if err != nil {
		return nil, err
	}
	return s.users.Update(ctx, user.ID, repository.UserPatch{Password: &hash}, repository.Options{Force: true})
}

// =============================================================================
// Updates and deletion
// =============================================================================

// SyncPasswordChange writes the new password to both stores. The IAM
// credential account is created when missing.
func (s *Service) SyncPasswordChange(ctx context.Context, user *models.User, newPassword string) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerAccountSync, "accountsync.SyncPasswordChange",
		attribute.String(telemetry.AttrUserID, user.ID),
	)
	defer span.End()

	if newPassword == "" {
		return fmt.Errorf("%w: password is required", auth.ErrBadRequest)
	}

	hash, err := s.hasher.HashLegacy(newPassword)
	if err != nil {
		return err
	}
	updated, err := s.users.Update(ctx, user.ID, repository.UserPatch{Password: &hash}, repository.Options{Force: true})
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("update legacy password: %w", err)
	}
	*user = *updated

	iamUserID := user.LinkedIAMID()
	if iamUserID == "" {
		return nil
	}
	if err := s.iam.SetCredentialPassword(ctx, iamUserID, newPassword); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("update iam credential: %w", err)
	}
	return nil
}

// ChangeLegacyEmail updates the canonical email and then syncs the IAM side,
// which invalidates the identity's IAM sessions. IAM failures are reported in
// the result and do not undo the canonical change.
func (s *Service) ChangeLegacyEmail(ctx context.Context, user *models.User, newEmail string) (*models.User, identity.SyncResult, error) {
	newEmail = repository.NormalizeEmail(newEmail)
	if newEmail == "" {
		return nil, identity.SyncResult{}, fmt.Errorf("%w: email is required", auth.ErrBadRequest)
	}
	if newEmail == user.Email {
		return user, identity.SyncResult{Success: true}, nil
	}

	oldEmail := user.Email
	updated, err := s.users.Update(ctx, user.ID, repository.UserPatch{Email: &newEmail}, repository.Options{Force: true})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, identity.SyncResult{}, auth.ErrEmailAlreadyInUse
		}
		return nil, identity.SyncResult{}, err
	}
	return updated, s.SyncEmailChangeFromLegacy(ctx, oldEmail, newEmail), nil
}

// SyncEmailChangeFromLegacy delegates to the identity mapper.
func (s *Service) SyncEmailChangeFromLegacy(ctx context.Context, oldEmail, newEmail string) identity.SyncResult {
	return s.mapper.SyncEmailChangeFromLegacy(ctx, oldEmail, newEmail)
}

// SyncEmailChangeFromIAM applies an email change made in the IAM subsystem to
// the canonical user, found by link or by the old email.
func (s *Service) SyncEmailChangeFromIAM(ctx context.Context, iamUserID, oldEmail, newEmail string) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerAccountSync, "accountsync.SyncEmailChangeFromIAM",
		attribute.String(telemetry.AttrIAMUserID, iamUserID),
	)
	defer span.End()

	user, err := s.canonicalFor(ctx, iamUserID, oldEmail)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if user == nil {
		return nil
	}

	email := repository.NormalizeEmail(newEmail)
	if user.Email == email {
		return nil
	}
	if _, err := s.users.Update(ctx, user.ID, repository.UserPatch{Email: &email}, repository.Options{Force: true}); err != nil {
		telemetry.RecordError(span, err)
		if errors.Is(err, repository.ErrDuplicate) {
			return auth.ErrEmailAlreadyInUse
		}
		return fmt.Errorf("sync email to canonical user: %w", err)
	}
	return nil
}

// canonicalFor returns the canonical user linked to iamUserID, falling back
// to an unlinked user with email. It returns nil when neither exists.
func (s *Service) canonicalFor(ctx context.Context, iamUserID, email string) (*models.User, error) {
	user, err := s.users.FindByIAMID(ctx, iamUserID)
	if errors.Is(err, repository.ErrNotFound) {
		user, err = s.users.FindByEmail(ctx, email)
		if err == nil {
			if linked := user.LinkedIAMID(); linked != "" && linked != iamUserID {
				return nil, nil
			}
		}
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ChangeIAMEmail changes the email of an IAM identity and its canonical user.
// The new email must not belong to another canonical user. When the canonical
// update fails the IAM email is restored.
func (s *Service) ChangeIAMEmail(ctx context.Context, iamUserID, newEmail string) (*iam.SessionUser, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerAccountSync, "accountsync.ChangeIAMEmail",
		attribute.String(telemetry.AttrIAMUserID, iamUserID),
	)
	defer span.End()

	before, err := s.iam.FindUserByID(ctx, iamUserID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	owner, err := s.canonicalFor(ctx, iamUserID, before.Email)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	taken, err := s.users.FindByEmail(ctx, newEmail)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("check canonical email: %w", err)
	case owner == nil || taken.ID != owner.ID:
		return nil, auth.ErrEmailAlreadyInUse
	}

	updated, err := s.iam.UpdateUserEmail(ctx, iamUserID, newEmail)
	if err != nil {
		telemetry.RecordError(span, err)
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, auth.ErrEmailAlreadyInUse
		}
		return nil, err
	}

	if err := s.SyncEmailChangeFromIAM(ctx, iamUserID, before.Email, updated.Email); err != nil {
		telemetry.RecordError(span, err)
		if _, rbErr := s.iam.UpdateUserEmail(ctx, iamUserID, before.Email); rbErr != nil {
			s.logger.Error("restore iam email after failed sync",
				zap.String("iam_user_id", iamUserID),
				zap.Error(rbErr),
			)
		}
		return nil, err
	}
	return updated, nil
}

// DeleteIAMUser removes an IAM identity together with the canonical user it
// owns, if any. A canonical user linked to a different identity is never
// touched, even when the emails match.
func (s *Service) DeleteIAMUser(ctx context.Context, iamUserID string) identity.CleanupResult {
	su, err := s.iam.FindUserByID(ctx, iamUserID)
	if err != nil {
		return identity.CleanupResult{IAMUserID: iamUserID, Error: err.Error()}
	}
	owner, err := s.canonicalFor(ctx, iamUserID, su.Email)
	if err != nil {
		return identity.CleanupResult{IAMUserID: iamUserID, Error: err.Error()}
	}
	if owner == nil {
		return s.mapper.DeleteIAMIdentity(ctx, iamUserID)
	}
	return s.DeleteAccount(ctx, owner.ID)
}

// DeleteAccount removes the IAM data of a canonical user, then the user. IAM
// cleanup failures are logged and do not stop the deletion.
func (s *Service) DeleteAccount(ctx context.Context, userID string) identity.CleanupResult {
	result := s.mapper.CleanupIAMDataForDeletedUser(ctx, userID)

	if err := s.users.Delete(ctx, userID); err != nil {
		s.logger.Warn("delete canonical user failed", zap.String("user_id", userID), zap.Error(err))
		result.Success = false
		if result.Error == "" {
			result.Error = err.Error()
		} else {
			result.Error += "; " + err.Error()
		}
		return result
	}

	result.UserDeleted = true
	return result
}
