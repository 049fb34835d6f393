package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.APIPort != 4000 {
		t.Errorf("APIPort = %d, want 4000", cfg.APIPort)
	}
	if cfg.FrontendPort != 3000 {
		t.Errorf("FrontendPort = %d, want 3000", cfg.FrontendPort)
	}
	if cfg.RetryInterval != 5*time.Second {
		t.Errorf("RetryInterval = %v, want 5s", cfg.RetryInterval)
	}
	if cfg.AutosaveThreshold != 10 {
		t.Errorf("AutosaveThreshold = %d, want 10", cfg.AutosaveThreshold)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("P2PDOCS_PEER_NAME", "alice")
	t.Setenv("P2PDOCS_HOST", "10.1.2.3")
	t.Setenv("P2PDOCS_API_PORT", "4500")
	t.Setenv("P2PDOCS_RETRY_INTERVAL", "250ms")

	cfg := Load()
	if cfg.PeerName != "alice" || cfg.Host != "10.1.2.3" {
		t.Errorf("peer identity not read: %+v", cfg)
	}
	if cfg.APIPort != 4500 {
		t.Errorf("APIPort = %d, want 4500", cfg.APIPort)
	}
	if cfg.RetryInterval != 250*time.Millisecond {
		t.Errorf("RetryInterval = %v", cfg.RetryInterval)
	}

	id, err := cfg.PeerID()
	if err != nil {
		t.Fatal(err)
	}
	if string(id) != "alice@10.1.2.3" {
		t.Errorf("PeerID = %q", id)
	}
}

func TestPeerIDInvalid(t *testing.T) {
	cfg := Load()
	cfg.Host = "nonsense"
	if _, err := cfg.PeerID(); err == nil {
		t.Error("Expected error for invalid host")
	}
}
