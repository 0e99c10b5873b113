package session

import (
	"context"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	slogctx "github.com/veqryn/slog-context"
)

var (
	signInCounter  metric.Int64Counter
	failureCounter metric.Int64Counter
	resyncCounter  metric.Int64Counter
)

// InitMeters creates the session lifecycle counters. Recording is a
// no-op until it is called.
func InitMeters(ctx context.Context) error {
	meter := otel.Meter(
		"hostelmate/session-manager",
		metric.WithInstrumentationVersion(otel.Version()),
	)

	var err error

	signInCounter, err = meter.Int64Counter(
		"session.signin_count",
		metric.WithDescription("Settled authenticated sessions"),
		metric.WithUnit("session"),
	)
	if err != nil {
		return oops.In("Session Manager").
			WithContext(ctx).
			Wrapf(err, "creating signin_count meter")
	}

	failureCounter, err = meter.Int64Counter(
		"session.signin_failure_count",
		metric.WithDescription("Sign-in attempts that landed anonymous"),
		metric.WithUnit("attempt"),
	)
	if err != nil {
		return oops.In("Session Manager").
			WithContext(ctx).
			Wrapf(err, "creating signin_failure_count meter")
	}

	resyncCounter, err = meter.Int64Counter(
		"session.resync_count",
		metric.WithDescription("Passive resyncs driven by provider notifications"),
		metric.WithUnit("resync"),
	)
	if err != nil {
		return oops.In("Session Manager").
			WithContext(ctx).
			Wrapf(err, "creating resync_count meter")
	}

	slogctx.Debug(ctx, "Session meters initialized")

	return nil
}

func recordSignIn(ctx context.Context, method string) {
	if signInCounter == nil {
		return
	}
	signInCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

func recordSignInFailure(ctx context.Context, method string) {
	if failureCounter == nil {
		return
	}
	failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

func recordResync(ctx context.Context, outcome string) {
	if resyncCounter == nil {
		return
	}
	resyncCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
