// Package telemetry provides OpenTelemetry span helpers for the proxy
// request pipeline (filter, translate, route, upstream call), adapted
// from the teacher's generic AI-operation tracing helper. The handlers in
// internal/proxy do not call these helpers, so no spans are opened per
// request.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Settings configures telemetry for one pipeline run. Telemetry is
// disabled by default and must be explicitly enabled.
type Settings struct {
	// IsEnabled controls whether telemetry is active. Defaults to false.
	IsEnabled bool

	// RecordInputs controls whether system-prompt/message text is
	// recorded as a span attribute. Defaults to false here, unlike the
	// teacher's default of true — request bodies may carry untrusted or
	// sensitive tool-call arguments.
	RecordInputs bool

	// RecordOutputs controls whether response text is recorded in spans.
	RecordOutputs bool

	// RequestID groups spans by inbound proxy request.
	RequestID string

	// Metadata contains additional key-value pairs attached to spans.
	Metadata map[string]attribute.Value

	// Tracer is a custom tracer. If nil, the global tracer is used.
	Tracer trace.Tracer
}

// DefaultSettings returns Settings with sensible defaults.
func DefaultSettings() *Settings {
	return &Settings{
		IsEnabled:     false,
		RecordInputs:  false,
		RecordOutputs: false,
		Metadata:      make(map[string]attribute.Value),
	}
}

// WithEnabled returns a copy of Settings with IsEnabled set.
func (s *Settings) WithEnabled(enabled bool) *Settings {
	c := *s
	c.IsEnabled = enabled
	return &c
}

// WithRequestID returns a copy of Settings with RequestID set.
func (s *Settings) WithRequestID(id string) *Settings {
	c := *s
	c.RequestID = id
	return &c
}

// WithMetadata returns a copy of Settings with metadata merged in.
func (s *Settings) WithMetadata(metadata map[string]attribute.Value) *Settings {
	c := *s
	c.Metadata = make(map[string]attribute.Value, len(s.Metadata)+len(metadata))
	for k, v := range s.Metadata {
		c.Metadata[k] = v
	}
	for k, v := range metadata {
		c.Metadata[k] = v
	}
	return &c
}

// WithTracer returns a copy of Settings with Tracer set.
func (s *Settings) WithTracer(tracer trace.Tracer) *Settings {
	c := *s
	c.Tracer = tracer
	return &c
}
