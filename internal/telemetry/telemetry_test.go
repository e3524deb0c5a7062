package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer(t *testing.T) (*tracetest.InMemoryExporter, func()) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return exporter, func() { _ = provider.Shutdown(context.Background()) }
}

func tracerFromProvider(exporter *tracetest.InMemoryExporter) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
}

func TestDefaultSettings_StartsDisabledWithEmptyMetadata(t *testing.T) {
	s := DefaultSettings()
	assert.False(t, s.IsEnabled)
	assert.False(t, s.RecordInputs)
	assert.False(t, s.RecordOutputs)
	assert.NotNil(t, s.Metadata)
	assert.Empty(t, s.Metadata)
}

func TestSettings_WithEnabledReturnsIndependentCopy(t *testing.T) {
	s := DefaultSettings()
	enabled := s.WithEnabled(true)
	assert.False(t, s.IsEnabled)
	assert.True(t, enabled.IsEnabled)
}

func TestSettings_WithRequestIDReturnsIndependentCopy(t *testing.T) {
	s := DefaultSettings()
	withID := s.WithRequestID("req-123")
	assert.Empty(t, s.RequestID)
	assert.Equal(t, "req-123", withID.RequestID)
}

func TestSettings_WithMetadataMergesWithoutMutatingOriginal(t *testing.T) {
	s := DefaultSettings().WithMetadata(map[string]attribute.Value{"a": attribute.StringValue("1")})
	merged := s.WithMetadata(map[string]attribute.Value{"b": attribute.StringValue("2")})

	assert.Len(t, s.Metadata, 1)
	assert.Len(t, merged.Metadata, 2)
	assert.Equal(t, "1", merged.Metadata["a"].AsString())
	assert.Equal(t, "2", merged.Metadata["b"].AsString())
}

func TestSettings_WithMetadataOverwritesSharedKey(t *testing.T) {
	s := DefaultSettings().WithMetadata(map[string]attribute.Value{"a": attribute.StringValue("old")})
	merged := s.WithMetadata(map[string]attribute.Value{"a": attribute.StringValue("new")})
	assert.Equal(t, "new", merged.Metadata["a"].AsString())
}

func TestSettings_WithTracerReturnsIndependentCopy(t *testing.T) {
	exporter, shutdown := newRecordingTracer(t)
	defer shutdown()
	tracer := tracerFromProvider(exporter).Tracer("custom")

	s := DefaultSettings()
	withTracer := s.WithTracer(tracer)
	assert.Nil(t, s.Tracer)
	assert.NotNil(t, withTracer.Tracer)
}

func TestGetTracer_NilSettingsReturnsNoop(t *testing.T) {
	tracer := GetTracer(nil)
	assert.NotNil(t, tracer)
}

func TestGetTracer_DisabledSettingsReturnsNoop(t *testing.T) {
	tracer := GetTracer(&Settings{IsEnabled: false})
	assert.NotNil(t, tracer)
	_, span := tracer.Start(context.Background(), "noop-span")
	assert.False(t, span.IsRecording())
	span.End()
}

func TestGetTracer_EnabledWithCustomTracerReturnsThatTracer(t *testing.T) {
	exporter, shutdown := newRecordingTracer(t)
	defer shutdown()
	custom := tracerFromProvider(exporter).Tracer("custom")

	tracer := GetTracer(&Settings{IsEnabled: true, Tracer: custom})
	ctx, span := tracer.Start(context.Background(), "recorded-span")
	span.End()
	_ = ctx

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "recorded-span", spans[0].Name)
}

func TestGetTracer_EnabledWithoutCustomTracerFallsBackToGlobal(t *testing.T) {
	tracer := GetTracer(&Settings{IsEnabled: true})
	assert.NotNil(t, tracer)
}

func TestRecordSpan_PropagatesFunctionError(t *testing.T) {
	exporter, shutdown := newRecordingTracer(t)
	defer shutdown()
	tracer := tracerFromProvider(exporter).Tracer("test")

	boom := errors.New("upstream failed")
	_, err := RecordSpan(context.Background(), tracer, SpanOptions{Name: "op"},
		func(ctx context.Context, span trace.Span) (string, error) {
			return "", boom
		})
	require.ErrorIs(t, err, boom)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestRecordSpan_SuccessWithEndWhenDoneClosesSpan(t *testing.T) {
	exporter, shutdown := newRecordingTracer(t)
	defer shutdown()
	tracer := tracerFromProvider(exporter).Tracer("test")

	result, err := RecordSpan(context.Background(), tracer, SpanOptions{Name: "op", EndWhenDone: true},
		func(ctx context.Context, span trace.Span) (int, error) {
			return 42, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 42, result)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "op", spans[0].Name)
}

func TestRecordSpan_SuccessWithoutEndWhenDoneLeavesSpanOpen(t *testing.T) {
	exporter, shutdown := newRecordingTracer(t)
	defer shutdown()
	tracer := tracerFromProvider(exporter).Tracer("test")

	_, err := RecordSpan(context.Background(), tracer, SpanOptions{Name: "op", EndWhenDone: false},
		func(ctx context.Context, span trace.Span) (int, error) {
			return 1, nil
		})
	require.NoError(t, err)
	assert.Empty(t, exporter.GetSpans())
}

func TestRecordErrorOnSpan_NilErrorIsNoop(t *testing.T) {
	exporter, shutdown := newRecordingTracer(t)
	defer shutdown()
	tracer := tracerFromProvider(exporter).Tracer("test")

	_, span := tracer.Start(context.Background(), "op")
	RecordErrorOnSpan(span, nil)
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)
}

func TestRecordErrorOnSpan_SetsErrorStatus(t *testing.T) {
	exporter, shutdown := newRecordingTracer(t)
	defer shutdown()
	tracer := tracerFromProvider(exporter).Tracer("test")

	_, span := tracer.Start(context.Background(), "op")
	RecordErrorOnSpan(span, errors.New("bad thing"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "bad thing", spans[0].Status.Description)
}

func TestPipelineAttributes_IncludesNodeIDWhenPresent(t *testing.T) {
	attrs := PipelineAttributes("req-1", "node-a", "gpt-4o-mini", nil)
	values := map[string]attribute.Value{}
	for _, kv := range attrs {
		values[string(kv.Key)] = kv.Value
	}
	assert.Equal(t, "req-1", values["proxy.request_id"].AsString())
	assert.Equal(t, "gpt-4o-mini", values["proxy.model"].AsString())
	assert.Equal(t, "node-a", values["proxy.node_id"].AsString())
}

func TestPipelineAttributes_OmitsNodeIDWhenEmpty(t *testing.T) {
	attrs := PipelineAttributes("req-1", "", "gpt-4o-mini", nil)
	for _, kv := range attrs {
		assert.NotEqual(t, "proxy.node_id", string(kv.Key))
	}
}

func TestPipelineAttributes_IncludesSettingsMetadata(t *testing.T) {
	settings := DefaultSettings().WithMetadata(map[string]attribute.Value{"tenant": attribute.StringValue("acme")})
	attrs := PipelineAttributes("req-1", "node-a", "gpt-4o-mini", settings)
	found := false
	for _, kv := range attrs {
		if string(kv.Key) == "proxy.metadata.tenant" {
			found = true
			assert.Equal(t, "acme", kv.Value.AsString())
		}
	}
	assert.True(t, found)
}
