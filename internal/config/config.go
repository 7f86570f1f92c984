package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type AgentConfig struct {
	Name     string `mapstructure:"name"`
	BaseURL  string `mapstructure:"base_url"`
	Note     string `mapstructure:"note"`
	Platform string `mapstructure:"platform"`
	DataDir  string `mapstructure:"data_dir"`
}

type TrackingConfig struct {
	HighAccuracy          bool `mapstructure:"high_accuracy"`
	TimeoutSeconds        int  `mapstructure:"timeout_seconds"`
	MaximumAgeSeconds     int  `mapstructure:"maximum_age_seconds"`
	DistanceFilterMeters  int  `mapstructure:"distance_filter_meters"`
	IntervalSeconds       int  `mapstructure:"interval_seconds"`
	LowPowerIntervalSec   int  `mapstructure:"low_power_interval_seconds"`
	AdaptIntervalSeconds  int  `mapstructure:"adapt_interval_seconds"`
	BackgroundIntervalSec int  `mapstructure:"background_interval_seconds"`
}

type RetryConfig struct {
	MaxRetries        int `mapstructure:"max_retries"`
	RetryDelayMs      int `mapstructure:"retry_delay_ms"`
	BackoffMultiplier int `mapstructure:"backoff_multiplier"`
	APITimeoutSeconds int `mapstructure:"api_timeout_seconds"`
	MaxPending        int `mapstructure:"max_pending"`
}

type BridgeConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	EnableMDNS bool   `mapstructure:"enable_mdns"`
}

type MQTTConfig struct {
	BrokerURL string `mapstructure:"broker_url"`
	Topic     string `mapstructure:"topic"`
	ClientID  string `mapstructure:"client_id"`
}

type ProviderConfig struct {
	Kind string `mapstructure:"kind"` // sim or mqtt

	SimLatitude  float64 `mapstructure:"sim_latitude"`
	SimLongitude float64 `mapstructure:"sim_longitude"`
	SimAccuracy  float64 `mapstructure:"sim_accuracy"`
	SimPermitted bool    `mapstructure:"sim_permitted"`

	MQTT MQTTConfig `mapstructure:"mqtt"`
}

type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	Tracking TrackingConfig `mapstructure:"tracking"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Provider ProviderConfig `mapstructure:"provider"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// env overrides: ATTENDANCE_AGENT_BASE_URL etc. (optional)
	v.SetEnvPrefix("ATTENDANCE")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("agent.name", "attendance-agent")
	v.SetDefault("agent.base_url", "https://absen.tirtadaroy.co.id/")
	v.SetDefault("agent.note", "mobile")
	v.SetDefault("agent.platform", runtime.GOOS)
	v.SetDefault("agent.data_dir", "./data")
	v.SetDefault("tracking.high_accuracy", true)
	v.SetDefault("tracking.timeout_seconds", 15)
	v.SetDefault("tracking.maximum_age_seconds", 30)
	v.SetDefault("tracking.distance_filter_meters", 10)
	v.SetDefault("tracking.interval_seconds", 10)
	v.SetDefault("tracking.low_power_interval_seconds", 15)
	v.SetDefault("tracking.adapt_interval_seconds", 300)
	v.SetDefault("tracking.background_interval_seconds", 120)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.retry_delay_ms", 5000)
	v.SetDefault("retry.backoff_multiplier", 2)
	v.SetDefault("retry.api_timeout_seconds", 20)
	v.SetDefault("retry.max_pending", 10)
	v.SetDefault("bridge.listen_addr", "127.0.0.1:8787")
	v.SetDefault("bridge.enable_mdns", false)
	v.SetDefault("provider.kind", "sim")
	v.SetDefault("provider.sim_accuracy", 8)
	v.SetDefault("provider.sim_permitted", true)
	v.SetDefault("provider.mqtt.topic", "attendance/location/fix")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// quick sanity checks
	if cfg.Tracking.IntervalSeconds < 1 {
		cfg.Tracking.IntervalSeconds = 10
	}
	if cfg.Retry.APITimeoutSeconds == 0 {
		cfg.Retry.APITimeoutSeconds = 20
	}
	if cfg.Retry.MaxPending <= 0 {
		cfg.Retry.MaxPending = 10
	}

	return &cfg, nil
}

// Interval returns the foreground periodic uplink cadence.
func (c *TrackingConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// LowPowerInterval returns the cadence used under a low-power signal.
func (c *TrackingConfig) LowPowerInterval() time.Duration {
	return time.Duration(c.LowPowerIntervalSec) * time.Second
}

// BackgroundInterval returns the background one-shot loop cadence.
func (c *TrackingConfig) BackgroundInterval() time.Duration {
	return time.Duration(c.BackgroundIntervalSec) * time.Second
}

// AdaptInterval returns how often the periodic cadence is recomputed.
func (c *TrackingConfig) AdaptInterval() time.Duration {
	return time.Duration(c.AdaptIntervalSeconds) * time.Second
}

// APITimeout returns the default bounded uplink timeout.
func (c *RetryConfig) APITimeout() time.Duration {
	return time.Duration(c.APITimeoutSeconds) * time.Second
}

// RetryDelay returns the base backoff delay.
func (c *RetryConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}
