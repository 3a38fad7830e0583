package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AuthMetrics holds the counters recorded by the credential resolver and token service.
type AuthMetrics struct {
	Resolutions  metric.Int64Counter // resolver outcomes by strategy
	TokensIssued metric.Int64Counter // access/refresh pairs signed
}

// NewAuthMetrics registers the counters on the global meter provider.
func NewAuthMetrics() (*AuthMetrics, error) {
	meter := otel.Meter("authbridge/auth")

	resolutions, err := meter.Int64Counter(
		"auth.resolver.resolution.count",
		metric.WithDescription("Credential resolution outcomes per strategy"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	issued, err := meter.Int64Counter(
		"auth.tokens.issued.count",
		metric.WithDescription("Legacy token pairs issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	return &AuthMetrics{Resolutions: resolutions, TokensIssued: issued}, nil
}

// RecordResolution counts one resolver outcome. A nil receiver is a no-op.
func (m *AuthMetrics) RecordResolution(ctx context.Context, strategy, outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrStrategy, strategy),
		attribute.String("outcome", outcome),
	))
}

// RecordIssued counts one issued token pair. A nil receiver is a no-op.
func (m *AuthMetrics) RecordIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1)
}
