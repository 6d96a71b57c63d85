package config

import (
	"fmt"
	"os"
	"strings"
)

type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string

	// Broadcast server
	BroadcastPort  string
	DataDir        string
	FilePattern    string
	PredictionsDir string

	// Relay gateway
	GatewayPort          string
	UpstreamWSURL        string
	DefaultTargetURL     string
	PredictionsTargetURL string
	ExtraRoutes          map[string]string
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		BroadcastPort:  getEnv("BROADCAST_PORT", "8768"),
		DataDir:        getEnv("DATA_DIR", "data/simulation"),
		FilePattern:    getEnv("FILE_PATTERN", "lightning_simulation_*.csv"),
		PredictionsDir: getEnv("PREDICTIONS_DIR", "data/predictions"),

		GatewayPort:          getEnv("GATEWAY_PORT", "8767"),
		UpstreamWSURL:        getEnv("UPSTREAM_WS_URL", "ws://localhost:8768/ws"),
		DefaultTargetURL:     getEnv("DEFAULT_TARGET_URL", "http://localhost:8768"),
		PredictionsTargetURL: getEnv("PREDICTIONS_TARGET_URL", "http://localhost:5001"),
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("DATA_DIR is required")
	}
	if cfg.FilePattern == "" {
		return nil, fmt.Errorf("FILE_PATTERN is required")
	}
	if !strings.HasPrefix(cfg.UpstreamWSURL, "ws://") && !strings.HasPrefix(cfg.UpstreamWSURL, "wss://") {
		return nil, fmt.Errorf("UPSTREAM_WS_URL must be a ws:// or wss:// URL, got %q", cfg.UpstreamWSURL)
	}

	extra, err := parseRoutes(getEnv("EXTRA_ROUTES", ""))
	if err != nil {
		return nil, err
	}
	cfg.ExtraRoutes = extra

	return cfg, nil
}

// parseRoutes reads "prefix=url,prefix=url" pairs for additional
// path-prefix routing beyond the built-in prediction routes.
func parseRoutes(raw string) (map[string]string, error) {
	routes := make(map[string]string)
	if raw == "" {
		return routes, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		prefix, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || prefix == "" || url == "" {
			return nil, fmt.Errorf("EXTRA_ROUTES entry %q must be prefix=url", pair)
		}
		if !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("EXTRA_ROUTES prefix %q must start with /", prefix)
		}
		routes[prefix] = url
	}
	return routes, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
