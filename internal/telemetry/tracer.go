package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName identifies this service's spans to a collector.
const TracerName = "clusterproxy"

// GetTracer returns a no-op tracer when telemetry is disabled or
// settings is nil, a caller-supplied tracer when one is set, or the
// global tracer otherwise.
func GetTracer(settings *Settings) trace.Tracer {
	if settings == nil || !settings.IsEnabled {
		return noop.NewTracerProvider().Tracer(TracerName)
	}
	if settings.Tracer != nil {
		return settings.Tracer
	}
	return otel.Tracer(TracerName)
}
