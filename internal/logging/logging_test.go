package logging

import "testing"

func TestNewLoggerEncodings(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger("debug", format)
		if err != nil {
			t.Fatalf("%s encoding: %v", format, err)
		}
		if logger == nil || logger.Logger == nil {
			t.Fatalf("%s encoding: logger not built", format)
		}
		// Must be usable immediately at the configured level.
		logger.Debug("smoke")
	}
}

func TestNewLoggerRejectsBadInput(t *testing.T) {
	cases := []struct {
		name, level, format string
	}{
		{"unknown level", "verbose", "json"},
		{"unknown encoding", "info", "xml"},
	}
	for _, tc := range cases {
		if _, err := NewLogger(tc.level, tc.format); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

func TestFieldHelpers(t *testing.T) {
	logger, err := NewLogger("info", "json")
	if err != nil {
		t.Fatal(err)
	}

	peerLogger := logger.WithPeerID("alice@10.0.0.1")
	if peerLogger == nil {
		t.Fatal("WithPeerID returned nil")
	}
	peerLogger.Info("tagged with peer")

	waveLogger := logger.WithWaveID("alice@10.0.0.1:3")
	if waveLogger == nil {
		t.Fatal("WithWaveID returned nil")
	}
	waveLogger.Info("tagged with wave")
}
