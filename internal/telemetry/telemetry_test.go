package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetup_DisabledKeepsGlobalProvider(t *testing.T) {
	p, err := Setup(context.Background(), Settings{ServiceName: "stockroom"})
	require.NoError(t, err)
	assert.Equal(t, otel.GetTracerProvider(), p.TracerProvider)
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.NotEmpty(t, otel.GetTextMapPropagator().Fields())
}

func TestSetup_EnabledInstallsSDKProviders(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	// Exporters connect lazily, so an unreachable collector is fine here.
	p, err := Setup(context.Background(), Settings{
		ServiceName:    "stockroom",
		ServiceVersion: "test",
		Endpoint:       "http://127.0.0.1:4318",
	})
	require.NoError(t, err)
	_, ok := p.TracerProvider.(*sdktrace.TracerProvider)
	assert.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Shutdown(ctx)
	assert.NoError(t, p.Shutdown(context.Background()), "second shutdown is a no-op")
}
