package telemetry

import (
	"testing"

	"github.com/corepool/stratumd/internal/config"
)

func TestNewAgent(t *testing.T) {
	agent := NewAgent(config.TelemetryConfig{Enabled: true, AppName: "Test Pool", LicenseKey: "test_key"})
	if agent == nil {
		t.Fatal("NewAgent returned nil")
	}
	if agent.app != nil {
		t.Error("Agent.app should be nil before Start()")
	}
}

func TestStartDisabledIsANoop(t *testing.T) {
	agent := NewAgent(config.TelemetryConfig{Enabled: false})
	if err := agent.Start(nil); err != nil {
		t.Fatalf("Start() on a disabled agent returned an error: %v", err)
	}
	if agent.app != nil {
		t.Error("expected no application to be created while disabled")
	}
}

func TestStartWithoutLicenseKeyIsANoop(t *testing.T) {
	agent := NewAgent(config.TelemetryConfig{Enabled: true, AppName: "Test Pool"})
	if err := agent.Start(nil); err != nil {
		t.Fatalf("Start() without a license key returned an error: %v", err)
	}
	if agent.app != nil {
		t.Error("expected no application to be created without a license key")
	}
}

func TestRecordCustomEventNoopsWithoutApp(t *testing.T) {
	agent := NewAgent(config.TelemetryConfig{})
	// Should not panic even though Start was never called.
	agent.recordCustomEvent("ShareSubmission", map[string]interface{}{"pool_id": "xmr1"})
}

func TestUpdatePoolMetricsNoopsWithoutApp(t *testing.T) {
	agent := NewAgent(config.TelemetryConfig{})
	agent.UpdatePoolMetrics("xmr1", 123.4, 2, 1)
}
