package monitoring

import (
	"testing"
)

func TestNewMetrics(t *testing.T) {
	metrics := NewMetrics()
	if metrics == nil {
		t.Fatal("Expected Metrics, got nil")
	}

	// Test that all metrics are initialized
	if metrics.Broadcasts == nil {
		t.Error("Expected Broadcasts to be initialized")
	}
	if metrics.Deliveries == nil {
		t.Error("Expected Deliveries to be initialized")
	}
	if metrics.BufferedEnvelopes == nil {
		t.Error("Expected BufferedEnvelopes to be initialized")
	}
	if metrics.WavesStarted == nil {
		t.Error("Expected WavesStarted to be initialized")
	}
	if metrics.WavesCompleted == nil {
		t.Error("Expected WavesCompleted to be initialized")
	}
	if metrics.WaveReach == nil {
		t.Error("Expected WaveReach to be initialized")
	}
	if metrics.LinkSends == nil {
		t.Error("Expected LinkSends to be initialized")
	}
	if metrics.LinkRetries == nil {
		t.Error("Expected LinkRetries to be initialized")
	}
	if metrics.LinkDuplicates == nil {
		t.Error("Expected LinkDuplicates to be initialized")
	}
	if metrics.PendingUnicasts == nil {
		t.Error("Expected PendingUnicasts to be initialized")
	}
	if metrics.Neighbors == nil {
		t.Error("Expected Neighbors to be initialized")
	}
	if metrics.AutosaveWrites == nil {
		t.Error("Expected AutosaveWrites to be initialized")
	}
	if metrics.AutosaveErrors == nil {
		t.Error("Expected AutosaveErrors to be initialized")
	}
	if metrics.ErrorCount == nil {
		t.Error("Expected ErrorCount to be initialized")
	}
}
