package restclient

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// startCallSpan starts the client span covering one call.
func (c *Client) startCallSpan(ctx context.Context, cs *callState) (context.Context, trace.Span) {
	attrs := append(c.cfg.baseAttributes(),
		attribute.String("http.request.method", string(cs.method())),
		attribute.String("server.address", c.cfg.restConfig.Host),
		attribute.String("server.port", c.cfg.restConfig.Port),
		attribute.String("restclient.call_id", cs.id),
	)
	if cs.sess != nil {
		attrs = append(attrs, attribute.String("url.path", cs.sess.target))
	}

	return c.cfg.Tracer.Start(ctx, "REST "+string(cs.method()),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// addStageEvent records a finished stage on the span.
func addStageEvent(span trace.Span, stage Stage, start time.Time, err error) {
	attrs := []attribute.KeyValue{
		attribute.Float64(stage.String()+".duration_ms", float64(time.Since(start).Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, attribute.String(stage.String()+".error", err.Error()))
	}
	span.AddEvent(stage.String()+".done", trace.WithTimestamp(time.Now()), trace.WithAttributes(attrs...))
}

// setSpanError records an error on the span with proper status and attributes.
func setSpanError(span trace.Span, err error, errorType string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errorType != "" {
		span.SetAttributes(attribute.String("error.type", errorType))
	}
}
