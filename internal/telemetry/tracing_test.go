package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	cfg "github.com/tilli/master-agent/internal/config"
)

func TestInitTracing(t *testing.T) {
	tp := InitTracing(cfg.TracingConfig{SampleRatio: 1}, "1.0.0")
	require.NotNil(t, tp)
	t.Cleanup(func() { _ = ShutdownTracing(context.Background(), tp) })

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsSampled())
	span.End()

	tp2 := InitTracing(cfg.TracingConfig{ServiceName: "x", SampleRatio: 0}, "1.0.0")
	t.Cleanup(func() { _ = ShutdownTracing(context.Background(), tp2) })
	_, span = otel.Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()

	assert.NoError(t, ShutdownTracing(context.Background(), nil))
}

func TestSamplerFor(t *testing.T) {
	assert.True(t, strings.HasPrefix(samplerFor(0.25).Description(), "ParentBased{root:TraceIDRatioBased{0.25}"))
	assert.True(t, strings.HasPrefix(samplerFor(2).Description(), "ParentBased{root:AlwaysOnSampler"))
	assert.True(t, strings.HasPrefix(samplerFor(-1).Description(), "ParentBased{root:AlwaysOffSampler"))
}
