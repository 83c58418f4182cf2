package restclient

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the metric instruments for REST call operations.
type metrics struct {
	// === Call Metrics ===

	// callDuration measures a whole call, from submission to the last stage.
	callDuration metric.Float64Histogram

	// stageDuration measures each pipeline stage separately.
	stageDuration metric.Float64Histogram

	// activeCalls tracks the number of in-flight pipelines.
	activeCalls metric.Int64UpDownCounter

	// requestBodySize measures request payloads in bytes.
	requestBodySize metric.Int64Histogram

	// responseBodySize measures response bodies in bytes.
	responseBodySize metric.Int64Histogram

	// === Error Metrics ===

	// callErrors counts reported failures by stage and error type.
	callErrors metric.Int64Counter

	// truncatedShutdowns counts shutdown errors suppressed as peer truncation.
	truncatedShutdowns metric.Int64Counter

	// === Rate Limit & Bootstrap Metrics ===

	// rateLimited counts server-side rate limit signals.
	rateLimited metric.Int64Counter

	// bootstrapRetries counts resolution retries during bootstrap.
	bootstrapRetries metric.Int64Counter

	// === Circuit Breaker Metrics ===

	breakerRequests metric.Int64Counter
	breakerState    metric.Int64Gauge
}

// newMetrics creates and registers metric instruments.
func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	m.callDuration, err = meter.Float64Histogram(
		"restclient.call.duration",
		metric.WithDescription("Duration of REST calls in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10, 30,
		),
	)
	if err != nil {
		return nil, err
	}

	m.stageDuration, err = meter.Float64Histogram(
		"restclient.stage.duration",
		metric.WithDescription("Duration of a single call pipeline stage in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 30,
		),
	)
	if err != nil {
		return nil, err
	}

	m.activeCalls, err = meter.Int64UpDownCounter(
		"restclient.active_calls",
		metric.WithDescription("Number of in-flight REST calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.requestBodySize, err = meter.Int64Histogram(
		"restclient.request.body.size",
		metric.WithDescription("Size of REST request payloads in bytes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(
			0, 100, 1024, 10*1024, 100*1024, 1024*1024,
		),
	)
	if err != nil {
		return nil, err
	}

	m.responseBodySize, err = meter.Int64Histogram(
		"restclient.response.body.size",
		metric.WithDescription("Size of REST response bodies in bytes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(
			0, 100, 1024, 10*1024, 100*1024, 1024*1024,
		),
	)
	if err != nil {
		return nil, err
	}

	m.callErrors, err = meter.Int64Counter(
		"restclient.call.errors",
		metric.WithDescription("Number of reported REST call failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.truncatedShutdowns, err = meter.Int64Counter(
		"restclient.shutdown.truncated",
		metric.WithDescription("Number of TLS shutdowns truncated by the peer"),
		metric.WithUnit("{shutdown}"),
	)
	if err != nil {
		return nil, err
	}

	m.rateLimited, err = meter.Int64Counter(
		"restclient.rate_limited",
		metric.WithDescription("Number of calls rejected by the server's rate limiter"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.bootstrapRetries, err = meter.Int64Counter(
		"restclient.bootstrap.retries",
		metric.WithDescription("Number of host resolution retries during bootstrap"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.breakerRequests, err = meter.Int64Counter(
		"restclient.breaker.requests",
		metric.WithDescription("Number of calls passing through the circuit breaker by outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.breakerState, err = meter.Int64Gauge(
		"restclient.breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=half-open, 2=open)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *metrics) recordCallDuration(
	ctx context.Context,
	duration time.Duration,
	attrs []attribute.KeyValue,
) {
	if m == nil || m.callDuration == nil {
		return
	}
	m.callDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordStageDuration(
	ctx context.Context,
	stage Stage,
	duration time.Duration,
	attrs []attribute.KeyValue,
) {
	if m == nil || m.stageDuration == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs, attribute.String("restclient.stage", stage.String()))
	m.stageDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(allAttrs...))
}

func (m *metrics) recordActiveCallStart(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.activeCalls == nil {
		return
	}
	m.activeCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) recordActiveCallEnd(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.activeCalls == nil {
		return
	}
	m.activeCalls.Add(ctx, -1, metric.WithAttributes(attrs...))
}

func (m *metrics) recordRequestBodySize(ctx context.Context, size int64, attrs []attribute.KeyValue) {
	if m == nil || m.requestBodySize == nil {
		return
	}
	m.requestBodySize.Record(ctx, size, metric.WithAttributes(attrs...))
}

func (m *metrics) recordResponseBodySize(ctx context.Context, size int64, attrs []attribute.KeyValue) {
	if m == nil || m.responseBodySize == nil {
		return
	}
	m.responseBodySize.Record(ctx, size, metric.WithAttributes(attrs...))
}

// recordError records a reported call failure.
func (m *metrics) recordError(
	ctx context.Context,
	stage Stage,
	errorType string,
	attrs []attribute.KeyValue,
) {
	if m == nil || m.callErrors == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+2)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs,
		attribute.String("restclient.stage", stage.String()),
		attribute.String("error.type", errorType),
	)
	m.callErrors.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

func (m *metrics) recordTruncatedShutdown(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.truncatedShutdowns == nil {
		return
	}
	m.truncatedShutdowns.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) recordRateLimited(ctx context.Context, global bool, attrs []attribute.KeyValue) {
	if m == nil || m.rateLimited == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs, attribute.Bool("restclient.rate_limit.global", global))
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

func (m *metrics) recordBootstrapRetry(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.bootstrapRetries == nil {
		return
	}
	m.bootstrapRetries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) recordBreakerRequest(ctx context.Context, name, outcome string) {
	if m == nil || m.breakerRequests == nil {
		return
	}
	m.breakerRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("restclient.breaker.name", name),
		attribute.String("restclient.breaker.outcome", outcome),
	))
}

func (m *metrics) recordBreakerState(ctx context.Context, name string, state int64) {
	if m == nil || m.breakerState == nil {
		return
	}
	m.breakerState.Record(ctx, state, metric.WithAttributes(
		attribute.String("restclient.breaker.name", name),
	))
}
