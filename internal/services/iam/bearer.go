package iam

import (
	"context"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terraconstructs/authbridge/internal/auth"
	"github.com/terraconstructs/authbridge/internal/db/bunx"
	"github.com/terraconstructs/authbridge/internal/telemetry"
)

// bearerClaims are the private claims of an IAM bearer token.
type bearerClaims struct {
	Email     string `json:"email"`
	SessionID string `json:"sid"`
}

// IssueBearerToken mints a bearer token for a verified session. The token
// expires with the session at the latest.
func (s *iamService) IssueBearerToken(ctx context.Context, result *Result) (string, time.Time, error) {
	_, span := telemetry.StartSpan(ctx, telemetry.TracerIAM, "iam.IssueBearerToken")
	defer span.End()

	if result == nil || result.User == nil || result.Session == nil {
		return "", time.Time{}, fmt.Errorf("%w: no session", auth.ErrUnauthorized)
	}
	span.SetAttributes(
		attribute.String(telemetry.AttrIAMUserID, result.User.ID),
		attribute.String(telemetry.AttrSessionID, result.Session.ID),
	)

	now := s.clock.Now()
	exp := now.Add(s.tokenExpiresIn)
	if result.Session.ExpiresAt.Before(exp) {
		exp = result.Session.ExpiresAt
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: s.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", time.Time{}, fmt.Errorf("create signer: %w", err)
	}

	std := jwt.Claims{
		Issuer:    s.issuer,
		Subject:   result.User.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(exp),
		ID:        bunx.NewUUIDv7(),
	}
	private := bearerClaims{Email: result.User.Email, SessionID: result.Session.ID}

	token, err := jwt.Signed(signer).Claims(std).Claims(private).Serialize()
	if err != nil {
		telemetry.RecordError(span, err)
		return "", time.Time{}, fmt.Errorf("sign bearer token: %w", err)
	}
	return token, exp, nil
}

// VerifyBearerToken checks signature, issuer and expiry, then requires the
// bound session to still be active.
func (s *iamService) VerifyBearerToken(ctx context.Context, token string) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerIAM, "iam.VerifyBearerToken")
	defer span.End()

	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
	}

	var std jwt.Claims
	var private bearerClaims
	if err := parsed.Claims(s.signingKey, &std, &private); err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Issuer: s.issuer, Time: s.clock.Now()}, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	}
	if std.Subject == "" || private.SessionID == "" {
		return nil, fmt.Errorf("%w: missing sub or sid claim", auth.ErrInvalidToken)
	}
	span.SetAttributes(
		attribute.String(telemetry.AttrIAMUserID, std.Subject),
		attribute.String(telemetry.AttrSessionID, private.SessionID),
	)

	session, err := s.repo.GetSession(ctx, private.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: session not found: %v", auth.ErrUnauthorized, err)
	}
	if session.UserID != std.Subject {
		return nil, fmt.Errorf("%w: session belongs to another identity", auth.ErrUnauthorized)
	}
	return s.resultForSession(ctx, session)
}
