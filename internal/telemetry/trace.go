package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names, one per service package.
const (
	TracerTokens      = "authbridge/tokens"
	TracerIAM         = "authbridge/services/iam"
	TracerIdentity    = "authbridge/services/identity"
	TracerAccountSync = "authbridge/services/accountsync"
	TracerResolver    = "authbridge/middleware/resolver"
)

// StartSpan starts a span on the named tracer.
//
//	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerTokens, "tokens.CreateTokens",
//	    attribute.String(telemetry.AttrUserID, userID),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError marks the span as failed. A nil error is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddEvent adds a named event to the span.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys
const (
	AttrUserID    = "user.id"
	AttrIAMUserID = "iam.user_id"
	AttrDeviceID  = "token.device_id"
	AttrTokenID   = "token.id"
	AttrStrategy  = "resolver.strategy"
	AttrSessionID = "iam.session_id"
)
