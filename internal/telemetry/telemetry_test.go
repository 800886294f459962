package telemetry

import (
	"context"
	"testing"

	"github.com/BaSui01/gateflow/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := Init(config.TelemetryConfig{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestShutdownNilSafe(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestTracerAvailableWithoutInit(t *testing.T) {
	assert.NotNil(t, Tracer())
}
