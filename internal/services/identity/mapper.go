// Package identity maps IAM identities onto canonical users and manages the
// link, email sync and cleanup lifecycle between the two identity stores.
package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/terraconstructs/authbridge/internal/auth"
	"github.com/terraconstructs/authbridge/internal/db/models"
	"github.com/terraconstructs/authbridge/internal/repository"
	"github.com/terraconstructs/authbridge/internal/services/iam"
	"github.com/terraconstructs/authbridge/internal/telemetry"
)

// SyncResult reports a best-effort email sync.
type SyncResult struct {
	Success             bool
	IAMUserID           string
	InvalidatedSessions int64
	Error               string
}

// CleanupResult reports a best-effort removal of IAM data.
type CleanupResult struct {
	Success         bool
	IAMUserID       string
	DeletedAccounts int64
	DeletedSessions int64
	UserDeleted     bool
	Error           string
}

// Mapper translates IAM session users into canonical identities.
type Mapper struct {
	users  repository.UserDirectory
	iam    iam.Service
	logger *zap.Logger
}

// NewMapper creates a Mapper.
func NewMapper(users repository.UserDirectory, iamSvc iam.Service, logger *zap.Logger) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{users: users, iam: iamSvc, logger: logger}
}

// MapSessionUser returns nil without error when su carries no id or email.
// The canonical user linked to su, or else one with the same email that is not
// linked to a different IAM identity, contributes its id, roles and verified
// flag. Otherwise the identity is synthesized with no stored roles and the IAM
// id as its id.
func (m *Mapper) MapSessionUser(ctx context.Context, su *iam.SessionUser) (*auth.Identity, error) {
	if su == nil || su.ID == "" || su.Email == "" {
		return nil, nil
	}

	identity := &auth.Identity{
		ID:               su.ID,
		Email:            repository.NormalizeEmail(su.Email),
		Roles:            []string{},
		Verified:         su.EmailVerified,
		IAMAuthenticated: true,
		IAMUserID:        su.ID,
	}
	identity.FirstName, identity.LastName = SplitName(su.Name)

	user, err := m.users.FindByIAMID(ctx, su.ID)
	if errors.Is(err, repository.ErrNotFound) {
		user, err = m.users.FindByEmail(ctx, su.Email)
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return identity, nil
	case err != nil:
		return nil, fmt.Errorf("map session user: %w", err)
	}
	if linked := user.LinkedIAMID(); linked != "" && linked != su.ID {
		m.logger.Warn("canonical user is linked to another iam identity",
			zap.String("user_id", user.ID),
			zap.String("iam_user_id", su.ID),
			zap.String("linked_iam_user_id", linked),
		)
		return identity, nil
	}

	identity.ID = user.ID
	identity.Roles = slices.Clone([]string(user.Roles))
	identity.Verified = user.Verified || su.EmailVerified
	if user.FirstName != "" || user.LastName != "" {
		identity.FirstName, identity.LastName = user.FirstName, user.LastName
	}
	return identity, nil
}

// LinkOrCreateUser links the canonical user with su's email to su, or creates
// one. Existing names are never overwritten. Returns nil for input without an
// email.
func (m *Mapper) LinkOrCreateUser(ctx context.Context, su *iam.SessionUser) (*models.User, error) {
	if su == nil || su.Email == "" {
		return nil, nil
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerIdentity, "identity.LinkOrCreateUser",
		attribute.String(telemetry.AttrIAMUserID, su.ID),
	)
	defer span.End()

	user, err := m.linkExisting(ctx, su)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		telemetry.RecordError(span, err)
		return nil, err
	}

	first, last := SplitName(su.Name)
	iamID := su.ID
	created, err := m.users.Insert(ctx, &models.User{
		Email:     su.Email,
		FirstName: first,
		LastName:  last,
		Roles:     models.StringList{},
		IAMID:     &iamID,
		Verified:  su.EmailVerified,
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// Created concurrently; link the winner instead.
		return m.linkExisting(ctx, su)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("create canonical user: %w", err)
	}

	m.logger.Info("created canonical user for iam identity",
		zap.String("user_id", created.ID),
		zap.String("iam_user_id", su.ID),
	)
	return created, nil
}

func (m *Mapper) linkExisting(ctx context.Context, su *iam.SessionUser) (*models.User, error) {
	user, err := m.users.FindByEmail(ctx, su.Email)
	if err != nil {
		return nil, err
	}

	var patch repository.UserPatch
	if user.LinkedIAMID() != su.ID {
		patch.IAMID = &su.ID
	}
	if user.FirstName == "" && user.LastName == "" {
		if first, last := SplitName(su.Name); first != "" {
			patch.FirstName = &first
			if last != "" {
				patch.LastName = &last
			}
		}
	}
	if patch.IsEmpty() {
		return user, nil
	}

	updated, err := m.users.Update(ctx, user.ID, patch, repository.Options{Force: true})
	if err != nil {
		return nil, fmt.Errorf("link canonical user: %w", err)
	}
	return updated, nil
}

// SyncEmailChangeFromLegacy moves the IAM identity known by oldEmail to
// newEmail and invalidates all of its sessions. It never returns an error;
// failures are logged and reported in the result.
func (m *Mapper) SyncEmailChangeFromLegacy(ctx context.Context, oldEmail, newEmail string) SyncResult {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerIdentity, "identity.SyncEmailChangeFromLegacy")
	defer span.End()

	su, err := m.iam.FindUserByEmail(ctx, oldEmail)
	if errors.Is(err, repository.ErrNotFound) {
		return SyncResult{Success: true}
	}
	if err != nil {
		return m.syncFailed(span, "", err)
	}
	span.SetAttributes(attribute.String(telemetry.AttrIAMUserID, su.ID))

	if _, err := m.iam.UpdateUserEmail(ctx, su.ID, newEmail); err != nil {
		return m.syncFailed(span, su.ID, err)
	}

	n, err := m.iam.InvalidateSessions(ctx, su.ID)
	if err != nil {
		return m.syncFailed(span, su.ID, err)
	}
	return SyncResult{Success: true, IAMUserID: su.ID, InvalidatedSessions: n}
}

func (m *Mapper) syncFailed(span trace.Span, iamUserID string, err error) SyncResult {
	telemetry.RecordError(span, err)
	m.logger.Warn("email sync to iam failed",
		zap.String("iam_user_id", iamUserID),
		zap.Error(err),
	)
	return SyncResult{IAMUserID: iamUserID, Error: err.Error()}
}

// CleanupIAMDataForDeletedUser removes the IAM accounts, sessions and identity
// linked to a canonical user and clears the link. The canonical user is kept.
// Partial failures are logged and reported, never rolled back.
func (m *Mapper) CleanupIAMDataForDeletedUser(ctx context.Context, userID string) CleanupResult {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerIdentity, "identity.CleanupIAMDataForDeletedUser",
		attribute.String(telemetry.AttrUserID, userID),
	)
	defer span.End()

	user, err := m.users.FindByID(ctx, userID, repository.Options{Force: true})
	if err != nil {
		return m.cleanupFailed(span, CleanupResult{}, err)
	}

	result := m.removeIAMData(ctx, user, user.Email)
	if result.IAMUserID != "" && user.IAMID != nil {
		unlink := ""
		if _, err := m.users.Update(ctx, user.ID, repository.UserPatch{IAMID: &unlink}, repository.Options{Force: true}); err != nil {
			result.Success = false
			result.Error = joinError(result.Error, err)
		}
	}
	if !result.Success {
		return m.cleanupFailed(span, result, errors.New(result.Error))
	}
	return result
}

// DeleteUserFromBothSystems removes the IAM data for email and then the
// canonical user. Either side may be missing.
func (m *Mapper) DeleteUserFromBothSystems(ctx context.Context, email string) CleanupResult {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerIdentity, "identity.DeleteUserFromBothSystems")
	defer span.End()

	user, err := m.users.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return m.cleanupFailed(span, CleanupResult{}, err)
	}

	result := m.removeIAMData(ctx, user, email)
	if user != nil {
		if err := m.users.Delete(ctx, user.ID); err != nil {
			result.Success = false
			result.Error = joinError(result.Error, err)
		} else {
			result.UserDeleted = true
		}
	}
	if !result.Success {
		return m.cleanupFailed(span, result, errors.New(result.Error))
	}
	return result
}

// removeIAMData locates the IAM identity by the user's link, falling back to
// email, and deletes its accounts, sessions and record.
func (m *Mapper) removeIAMData(ctx context.Context, user *models.User, email string) CleanupResult {
	iamUserID := ""
	if user != nil {
		iamUserID = user.LinkedIAMID()
	}
	if iamUserID == "" {
		su, err := m.iam.FindUserByEmail(ctx, email)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return CleanupResult{Success: true}
		case err != nil:
			return CleanupResult{Error: err.Error()}
		}
		iamUserID = su.ID
	}
	return m.deleteIAMData(ctx, iamUserID)
}

// DeleteIAMIdentity removes the accounts, sessions and record of one IAM
// identity. Canonical users are left alone.
func (m *Mapper) DeleteIAMIdentity(ctx context.Context, iamUserID string) CleanupResult {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerIdentity, "identity.DeleteIAMIdentity",
		attribute.String(telemetry.AttrIAMUserID, iamUserID),
	)
	defer span.End()

	result := m.deleteIAMData(ctx, iamUserID)
	if !result.Success {
		return m.cleanupFailed(span, result, errors.New(result.Error))
	}
	return result
}

func (m *Mapper) deleteIAMData(ctx context.Context, iamUserID string) CleanupResult {
	result := CleanupResult{Success: true, IAMUserID: iamUserID}
	var errs []error

	n, err := m.iam.DeleteAccount(ctx, iamUserID)
	result.DeletedAccounts = n
	errs = append(errs, err)

	n, err = m.iam.DeleteSessions(ctx, iamUserID)
	result.DeletedSessions = n
	errs = append(errs, err)

	if err := m.iam.DeleteUser(ctx, iamUserID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		result.Success = false
		result.Error = err.Error()
	}
	return result
}

func (m *Mapper) cleanupFailed(span trace.Span, result CleanupResult, err error) CleanupResult {
	telemetry.RecordError(span, err)
	m.logger.Warn("iam cleanup incomplete",
		zap.String("iam_user_id", result.IAMUserID),
		zap.Bool("user_deleted", result.UserDeleted),
		zap.Error(err),
	)
	result.Success = false
	result.Error = err.Error()
	return result
}

func joinError(prev string, err error) string {
	if prev == "" {
		return err.Error()
	}
	return prev + "; " + err.Error()
}

// SplitName splits a display name into first name and the remainder.
func SplitName(name string) (string, string) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "", ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}
