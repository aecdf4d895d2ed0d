package observability

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func TestNewTracer_Disabled(t *testing.T) {
	tracer, err := NewTracer(context.Background(), TracerConfig{ServiceName: "gateway"})
	require.NoError(t, err)
	require.NotNil(t, tracer.Tracer())
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNewTracer_EnabledWithoutExporter(t *testing.T) {
	tracer, err := NewTracer(context.Background(), TracerConfig{
		ServiceName:  "gateway",
		Enabled:      true,
		SamplingRate: 1,
	})
	require.NoError(t, err)

	_, span := tracer.Tracer().Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNewResource(t *testing.T) {
	t.Parallel()

	res := newResource("medgw")
	assert.Equal(t, semconv.SchemaURL, res.SchemaURL())

	name, ok := res.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "medgw", name.AsString())

	lang, ok := res.Set().Value(semconv.TelemetrySDKLanguageKey)
	require.True(t, ok)
	assert.Equal(t, "go", lang.AsString())
}

func TestCreateSampler(t *testing.T) {
	t.Parallel()

	assert.Equal(t, sdktrace.AlwaysSample().Description(), createSampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), createSampler(0).Description())
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.5).Description(), createSampler(0.5).Description())
}

func TestTraceContextRoundTrip(t *testing.T) {
	_, err := NewTracer(context.Background(), TracerConfig{ServiceName: "gateway"})
	require.NoError(t, err)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), sc)

	h := http.Header{}
	InjectTraceContext(ctx, h)
	assert.Contains(t, h.Get("traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736")

	extracted := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), h))
	assert.Equal(t, traceID, extracted.TraceID())
}

func TestInstallOTelLogger(t *testing.T) {
	InstallOTelLogger(nil)
	InstallOTelLogger(zap.NewNop())
}
