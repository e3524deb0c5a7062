package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOptions configures one pipeline-stage span.
type SpanOptions struct {
	Name        string
	Attributes  []attribute.KeyValue
	EndWhenDone bool
}

// RecordSpan runs fn inside a span named opts.Name, recording any
// returned error on the span before propagating it.
func RecordSpan[T any](
	ctx context.Context,
	tracer trace.Tracer,
	opts SpanOptions,
	fn func(context.Context, trace.Span) (T, error),
) (T, error) {
	ctx, span := tracer.Start(ctx, opts.Name, trace.WithAttributes(opts.Attributes...))

	result, err := fn(ctx, span)
	if err != nil {
		RecordErrorOnSpan(span, err)
		span.End()
		var zero T
		return zero, err
	}

	if opts.EndWhenDone {
		span.End()
	}
	return result, nil
}

// RecordErrorOnSpan records err on span and sets its status to Error.
func RecordErrorOnSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// PipelineAttributes returns the common attributes attached to every
// proxy-request span.
func PipelineAttributes(requestID, nodeID, model string, settings *Settings) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("proxy.request_id", requestID),
		attribute.String("proxy.model", model),
	}
	if nodeID != "" {
		attrs = append(attrs, attribute.String("proxy.node_id", nodeID))
	}
	if settings != nil {
		for key, value := range settings.Metadata {
			attrs = append(attrs, attribute.KeyValue{Key: attribute.Key("proxy.metadata." + key), Value: value})
		}
	}
	return attrs
}
