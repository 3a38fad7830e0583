package iam

import (
	"context"
	"fmt"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/terraconstructs/authbridge/internal/auth"
	"github.com/terraconstructs/authbridge/internal/db/models"
)

const totpIssuer = "authbridge"

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// EnableTwoFactor generates a new TOTP secret. Two-factor stays off until the
// secret is confirmed with VerifyTwoFactor. Once enabled, the confirmed secret
// cannot be replaced through enrollment.
func (s *iamService) EnableTwoFactor(ctx context.Context, userID string) (*TwoFactorSetup, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled {
		return nil, fmt.Errorf("%w: two-factor is already enabled", auth.ErrBadRequest)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: user.Email,
		Period:      totpOpts.Period,
		Digits:      totpOpts.Digits,
		Algorithm:   totpOpts.Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	secret := key.Secret()
	user.TwoFactorSecret = &secret
	user.TwoFactorEnabled = false
	if err := s.repo.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	return &TwoFactorSetup{Secret: secret, URI: key.URL()}, nil
}

// VerifyTwoFactor checks a code against the stored secret and turns
// two-factor on.
func (s *iamService) VerifyTwoFactor(ctx context.Context, userID, code string) error {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.TwoFactorSecret == nil {
		return fmt.Errorf("%w: two-factor is not set up", auth.ErrBadRequest)
	}
	if !s.validateTOTP(user, code) {
		return fmt.Errorf("%w: invalid two-factor code", auth.ErrUnauthorized)
	}
	if user.TwoFactorEnabled {
		return nil
	}

	user.TwoFactorEnabled = true
	return s.repo.UpdateUser(ctx, user)
}

func (s *iamService) validateTOTP(user *models.IAMUser, code string) bool {
	if user.TwoFactorSecret == nil {
		return false
	}
	ok, err := totp.ValidateCustom(code, *user.TwoFactorSecret, s.clock.Now().UTC(), totpOpts)
	return err == nil && ok
}
