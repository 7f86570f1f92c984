package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "agent:\n  name: test-agent\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Agent.Name != "test-agent" {
		t.Fatalf("expected overridden name, got %q", cfg.Agent.Name)
	}
	if cfg.Tracking.IntervalSeconds != 10 {
		t.Fatalf("expected default interval 10, got %d", cfg.Tracking.IntervalSeconds)
	}
	if cfg.Tracking.LowPowerIntervalSec != 15 {
		t.Fatalf("expected default low-power interval 15, got %d", cfg.Tracking.LowPowerIntervalSec)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.RetryDelayMs != 5000 || cfg.Retry.BackoffMultiplier != 2 {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Retry.MaxPending != 10 {
		t.Fatalf("expected default max pending 10, got %d", cfg.Retry.MaxPending)
	}
	if cfg.Bridge.ListenAddr != "127.0.0.1:8787" {
		t.Fatalf("unexpected default listen addr %q", cfg.Bridge.ListenAddr)
	}
	if cfg.Provider.Kind != "sim" {
		t.Fatalf("expected default sim provider, got %q", cfg.Provider.Kind)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
tracking:
  interval_seconds: 30
  low_power_interval_seconds: 60
retry:
  max_retries: 5
  api_timeout_seconds: 45
provider:
  kind: mqtt
  mqtt:
    broker_url: tcp://broker:1883
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Tracking.Interval() != 30*time.Second {
		t.Fatalf("expected 30s interval, got %s", cfg.Tracking.Interval())
	}
	if cfg.Tracking.LowPowerInterval() != 60*time.Second {
		t.Fatalf("expected 60s low-power interval, got %s", cfg.Tracking.LowPowerInterval())
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Fatalf("expected 5 retries, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.APITimeout() != 45*time.Second {
		t.Fatalf("expected 45s api timeout, got %s", cfg.Retry.APITimeout())
	}
	if cfg.Provider.MQTT.BrokerURL != "tcp://broker:1883" {
		t.Fatalf("unexpected broker url %q", cfg.Provider.MQTT.BrokerURL)
	}
}

func TestLoadConfigSanitizesInvalidValues(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
tracking:
  interval_seconds: 0
retry:
  max_pending: -1
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Tracking.IntervalSeconds != 10 {
		t.Fatalf("expected interval reset to 10, got %d", cfg.Tracking.IntervalSeconds)
	}
	if cfg.Retry.MaxPending != 10 {
		t.Fatalf("expected max pending reset to 10, got %d", cfg.Retry.MaxPending)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestDurationHelpers(t *testing.T) {
	tc := TrackingConfig{IntervalSeconds: 10, LowPowerIntervalSec: 15, AdaptIntervalSeconds: 300, BackgroundIntervalSec: 120}

	if tc.Interval() != 10*time.Second {
		t.Fatalf("unexpected interval %s", tc.Interval())
	}
	if tc.AdaptInterval() != 5*time.Minute {
		t.Fatalf("unexpected adapt interval %s", tc.AdaptInterval())
	}
	if tc.BackgroundInterval() != 2*time.Minute {
		t.Fatalf("unexpected background interval %s", tc.BackgroundInterval())
	}

	rc := RetryConfig{RetryDelayMs: 5000, APITimeoutSeconds: 20}
	if rc.RetryDelay() != 5*time.Second {
		t.Fatalf("unexpected retry delay %s", rc.RetryDelay())
	}
	if rc.APITimeout() != 20*time.Second {
		t.Fatalf("unexpected api timeout %s", rc.APITimeout())
	}
}
