// Package config holds the process-wide configuration, read once from the
// environment at startup. It is not reloadable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/lilvirgola/p2pdocs/internal/types"
)

// Config is the full process configuration.
type Config struct {
	PeerName          string
	Host              string
	APIPort           int
	FrontendPort      int
	MetricsPort       int
	SaveDir           string
	AutosaveThreshold int
	RetryInterval     time.Duration
	LogLevel          string
	LogFormat         string
	JaegerEndpoint    string
}

// Load reads the environment with defaults applied.
func Load() Config {
	return Config{
		PeerName:          envStr("P2PDOCS_PEER_NAME", "peer"),
		Host:              envStr("P2PDOCS_HOST", "127.0.0.1"),
		APIPort:           envInt("P2PDOCS_API_PORT", 4000),
		FrontendPort:      envInt("P2PDOCS_FRONTEND_PORT", 3000),
		MetricsPort:       envInt("P2PDOCS_METRICS_PORT", 9090),
		SaveDir:           envStr("P2PDOCS_SAVE_DIR", "./data"),
		AutosaveThreshold: envInt("P2PDOCS_AUTOSAVE_THRESHOLD", 10),
		RetryInterval:     envDuration("P2PDOCS_RETRY_INTERVAL", 5*time.Second),
		LogLevel:          envStr("P2PDOCS_LOG_LEVEL", "info"),
		LogFormat:         envStr("P2PDOCS_LOG_FORMAT", "json"),
		JaegerEndpoint:    envStr("P2PDOCS_JAEGER_ENDPOINT", ""),
	}
}

// PeerID composes the peer identity from name and host.
func (c Config) PeerID() (types.PeerID, error) {
	id := fmt.Sprintf("%s@%s", c.PeerName, c.Host)
	if !types.ValidPeerID(id) {
		return "", fmt.Errorf("invalid peer identity %q", id)
	}
	return types.PeerID(id), nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
