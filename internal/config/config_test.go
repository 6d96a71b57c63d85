package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "8768", cfg.BroadcastPort)
	assert.Equal(t, "8767", cfg.GatewayPort)
	assert.Equal(t, "lightning_simulation_*.csv", cfg.FilePattern)
	assert.Equal(t, "ws://localhost:8768/ws", cfg.UpstreamWSURL)
	assert.Empty(t, cfg.ExtraRoutes)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BROADCAST_PORT", "9000")
	t.Setenv("DATA_DIR", "/var/lib/simulations")
	t.Setenv("UPSTREAM_WS_URL", "wss://broadcast.internal/ws")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.BroadcastPort)
	assert.Equal(t, "/var/lib/simulations", cfg.DataDir)
	assert.Equal(t, "wss://broadcast.internal/ws", cfg.UpstreamWSURL)
}

func TestLoadRejectsNonWebsocketUpstream(t *testing.T) {
	t.Setenv("UPSTREAM_WS_URL", "http://localhost:8768")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UPSTREAM_WS_URL")
}

func TestLoadParsesExtraRoutes(t *testing.T) {
	t.Setenv("EXTRA_ROUTES", "/api/channels=http://localhost:5002, /api/nodes=http://localhost:5003")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"/api/channels": "http://localhost:5002",
		"/api/nodes":    "http://localhost:5003",
	}, cfg.ExtraRoutes)
}

func TestLoadRejectsMalformedExtraRoutes(t *testing.T) {
	t.Setenv("EXTRA_ROUTES", "api/channels=http://localhost:5002")

	_, err := Load()
	assert.Error(t, err)
}
