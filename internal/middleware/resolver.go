package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/terraconstructs/authbridge/internal/auth"
	"github.com/terraconstructs/authbridge/internal/services/iam"
	"github.com/terraconstructs/authbridge/internal/telemetry"
	"github.com/terraconstructs/authbridge/internal/tokens"
)

// Outcome is the result of one credential strategy.
type Outcome int

const (
	// Miss means the strategy found no identity. Later strategies still run.
	Miss Outcome = iota
	// Hit means the strategy attached an identity. No later strategy runs.
	Hit
)

func (o Outcome) String() string {
	if o == Hit {
		return "hit"
	}
	return "miss"
}

// Strategy is one way of establishing the caller's identity from a request.
// An error is equivalent to Miss.
type Strategy struct {
	Name    string
	Resolve func(ctx context.Context, r *http.Request) (Outcome, *auth.Identity, error)
}

// SessionMapper maps an IAM session user to a canonical identity.
type SessionMapper interface {
	MapSessionUser(ctx context.Context, su *iam.SessionUser) (*auth.Identity, error)
}

// ResolverDependencies bundles the collaborators of the default strategies.
type ResolverDependencies struct {
	IAM     iam.Service
	Mapper  SessionMapper
	Logger  *zap.Logger
	Metrics *telemetry.AuthMetrics
}

// Strategy names, used in logs and metrics.
const (
	StrategyHeader  = "authorization_header"
	StrategyCookie  = "token_cookie"
	StrategySession = "session_cookie"
)

// CredentialResolver runs an ordered list of strategies per request and
// attaches the first identity found. It never rejects a request; routes that
// need an identity enforce that with RequireRoles.
type CredentialResolver struct {
	strategies []Strategy
	logger     *zap.Logger
	metrics    *telemetry.AuthMetrics
}

// NewCredentialResolver builds the resolver with the three IAM strategies, in
// this order:
//
//  1. Authorization: Bearer <token>
//  2. the "token" cookie, consulted only when no Authorization header is present
//  3. the IAM session cookie
//
// Legacy-shaped bearer tokens (an "id" claim and no "sub") are never verified
// here; they fall through to later strategies and to LegacyAuthGuard.
//
// When the header and a cookie carry different valid identities, the header
// wins. This precedence is a fixed policy for these three strategies; adding a
// strategy means deciding its position explicitly.
func NewCredentialResolver(deps ResolverDependencies) (*CredentialResolver, error) {
	if deps.IAM == nil || deps.Mapper == nil {
		return nil, errors.New("credential resolver requires iam service and session mapper")
	}

	bearer := bearerStrategy{iam: deps.IAM, mapper: deps.Mapper}
	return NewResolverChain(deps.Logger, deps.Metrics,
		Strategy{Name: StrategyHeader, Resolve: bearer.fromHeader},
		Strategy{Name: StrategyCookie, Resolve: bearer.fromCookie},
		Strategy{Name: StrategySession, Resolve: sessionStrategy{iam: deps.IAM, mapper: deps.Mapper}.resolve},
	), nil
}

// NewResolverChain builds a resolver from explicit strategies.
func NewResolverChain(logger *zap.Logger, metrics *telemetry.AuthMetrics, strategies ...Strategy) *CredentialResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialResolver{strategies: strategies, logger: logger, metrics: metrics}
}

// Resolve returns the identity of the first strategy that hits, or nil.
func (c *CredentialResolver) Resolve(ctx context.Context, r *http.Request) *auth.Identity {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerResolver, "resolver.Resolve")
	defer span.End()

	for _, s := range c.strategies {
		outcome, identity, err := c.run(ctx, s, r)
		if err != nil {
			c.logger.Debug("credential strategy failed",
				zap.String("strategy", s.Name),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			c.metrics.RecordResolution(ctx, s.Name, "error")
			continue
		}
		c.metrics.RecordResolution(ctx, s.Name, outcome.String())
		if outcome == Hit && identity != nil {
			span.SetAttributes(
				attribute.String(telemetry.AttrStrategy, s.Name),
				attribute.String(telemetry.AttrUserID, identity.ID),
			)
			return identity
		}
	}
	return nil
}

// run isolates a strategy so that neither an error nor a panic escapes it.
func (c *CredentialResolver) run(ctx context.Context, s Strategy, r *http.Request) (outcome Outcome, identity *auth.Identity, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome, identity, err = Miss, nil, fmt.Errorf("strategy panicked: %v", rec)
		}
	}()
	return s.Resolve(ctx, r)
}

// Middleware attaches the resolved identity, if any, to the request context.
func (c *CredentialResolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity := c.Resolve(r.Context(), r); identity != nil {
			r = r.WithContext(auth.SetIdentity(r.Context(), identity))
		}
		next.ServeHTTP(w, r)
	})
}

type bearerStrategy struct {
	iam    iam.Service
	mapper SessionMapper
}

func (b bearerStrategy) fromHeader(ctx context.Context, r *http.Request) (Outcome, *auth.Identity, error) {
	token, present := auth.BearerToken(r.Header)
	if !present || token == "" {
		return Miss, nil, nil
	}
	return b.resolve(ctx, token)
}

func (b bearerStrategy) fromCookie(ctx context.Context, r *http.Request) (Outcome, *auth.Identity, error) {
	if _, present := auth.BearerToken(r.Header); present {
		return Miss, nil, nil
	}
	token := auth.CookieValue(r, auth.TokenCookieName)
	if token == "" {
		return Miss, nil, nil
	}
	return b.resolve(ctx, token)
}

func (b bearerStrategy) resolve(ctx context.Context, token string) (Outcome, *auth.Identity, error) {
	claims, err := tokens.DecodeJWT(token)
	if err != nil {
		return Miss, nil, err
	}
	if claims.IsLegacy() {
		return Miss, nil, nil
	}
	if !claims.IsIAM() {
		return Miss, nil, fmt.Errorf("%w: unrecognized claim set", auth.ErrInvalidToken)
	}

	result, err := b.iam.VerifyBearerToken(ctx, token)
	if err != nil {
		return Miss, nil, err
	}
	return mapResult(ctx, b.mapper, result)
}

type sessionStrategy struct {
	iam    iam.Service
	mapper SessionMapper
}

func (s sessionStrategy) resolve(ctx context.Context, r *http.Request) (Outcome, *auth.Identity, error) {
	token := auth.CookieValue(r, auth.SessionCookieName)
	if token == "" {
		return Miss, nil, nil
	}

	result, err := s.iam.VerifySessionCookie(ctx, token)
	if err != nil {
		return Miss, nil, err
	}
	return mapResult(ctx, s.mapper, result)
}

func mapResult(ctx context.Context, mapper SessionMapper, result *iam.Result) (Outcome, *auth.Identity, error) {
	identity, err := mapper.MapSessionUser(ctx, result.User)
	if err != nil {
		return Miss, nil, err
	}
	if identity == nil {
		return Miss, nil, nil
	}
	if result.Session != nil {
		identity.SessionID = result.Session.ID
	}
	return Hit, identity, nil
}
