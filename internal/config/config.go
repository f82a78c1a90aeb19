package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the monitoring engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Collector CollectorConfig `yaml:"collector"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Learner   LearnerConfig   `yaml:"learner"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
}

// ServerConfig controls the gRPC status listener and the Prometheus endpoint.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CollectorConfig tunes the metric collector.
type CollectorConfig struct {
	SlowThresholdMs     float64       `yaml:"slowThresholdMs"`
	CriticalThresholdMs float64       `yaml:"criticalThresholdMs"`
	MaxConnections      int           `yaml:"maxConnections"`
	ErrorRateThreshold  float64       `yaml:"errorRateThreshold"`
	MinSamples          int           `yaml:"minSamples"`
	TopOperations       int           `yaml:"topOperations"`
	SnapshotInterval    time.Duration `yaml:"snapshotInterval"`
}

// TrackerConfig tunes the error tracker.
type TrackerConfig struct {
	RecentCapacity      int           `yaml:"recentCapacity"`
	Retention           time.Duration `yaml:"retention"`
	CleanupInterval     time.Duration `yaml:"cleanupInterval"`
	SpikeCount          int           `yaml:"spikeCount"`
	SpikeWindow         time.Duration `yaml:"spikeWindow"`
	CriticalSpikeCount  int           `yaml:"criticalSpikeCount"`
	CriticalSpikeWindow time.Duration `yaml:"criticalSpikeWindow"`
}

// MetricPolicy declares the static bounds and directionality for one
// adaptively thresholded metric. Bounds are never learned.
type MetricPolicy struct {
	Direction          string  `yaml:"direction"` // "upper" or "lower"
	BaselinePercentile float64 `yaml:"baselinePercentile"`
	Seasonality        bool    `yaml:"seasonality"`
	BusinessHours      bool    `yaml:"businessHours"`
	MinBound           float64 `yaml:"minBound"`
	MaxBound           float64 `yaml:"maxBound"`
	Initial            float64 `yaml:"initial"`
}

// BusinessHoursConfig defines the window used to segment learner samples.
type BusinessHoursConfig struct {
	StartHour    int  `yaml:"startHour"`
	EndHour      int  `yaml:"endHour"`
	WeekdaysOnly bool `yaml:"weekdaysOnly"`
}

// LearnerConfig tunes adaptive threshold learning.
type LearnerConfig struct {
	MinDataPoints        int                     `yaml:"minDataPoints"`
	AdaptationInterval   time.Duration           `yaml:"adaptationInterval"`
	ConfidenceThreshold  float64                 `yaml:"confidenceThreshold"`
	MaxAdjustmentPercent float64                 `yaml:"maxAdjustmentPercent"`
	Debounce             time.Duration           `yaml:"debounce"`
	Retention            time.Duration           `yaml:"retention"`
	BusinessHours        BusinessHoursConfig     `yaml:"businessHours"`
	Metrics              map[string]MetricPolicy `yaml:"metrics"`
}

// EmailConfig configures the SMTP notification channel.
type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// ChannelsConfig configures notification channels. An empty value disables
// the corresponding channel; it never errors.
type ChannelsConfig struct {
	ChatWebhookURL  string        `yaml:"chatWebhookURL"`
	PagerURL        string        `yaml:"pagerURL"`
	PagerRoutingKey string        `yaml:"pagerRoutingKey"`
	WebhookURL      string        `yaml:"webhookURL"`
	WebhookToken    string        `yaml:"webhookToken"`
	Email           EmailConfig   `yaml:"email"`
	Timeout         time.Duration `yaml:"timeout"`
}

// AlertingConfig tunes the alert dispatcher.
type AlertingConfig struct {
	CooldownCritical time.Duration  `yaml:"cooldownCritical"`
	CooldownDefault  time.Duration  `yaml:"cooldownDefault"`
	RecentCapacity   int            `yaml:"recentCapacity"`
	RecentRetention  time.Duration  `yaml:"recentRetention"`
	SweepInterval    time.Duration  `yaml:"sweepInterval"`
	Channels         ChannelsConfig `yaml:"channels"`
}

// SnapshotConfig controls the optional Valkey-backed snapshot store that
// periodic performance snapshots are flushed to.
type SnapshotConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	TTL          time.Duration `yaml:"ttl"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SENTINEL_CONFIG")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50052",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Collector: CollectorConfig{
			SlowThresholdMs:     500,
			CriticalThresholdMs: 5000,
			MaxConnections:      50,
			ErrorRateThreshold:  0.05,
			MinSamples:          10,
			TopOperations:       10,
			SnapshotInterval:    30 * time.Second,
		},
		Tracker: TrackerConfig{
			RecentCapacity:      500,
			Retention:           7 * 24 * time.Hour,
			CleanupInterval:     time.Hour,
			SpikeCount:          10,
			SpikeWindow:         time.Minute,
			CriticalSpikeCount:  5,
			CriticalSpikeWindow: 10 * time.Minute,
		},
		Learner: LearnerConfig{
			MinDataPoints:        100,
			AdaptationInterval:   5 * time.Minute,
			ConfidenceThreshold:  0.8,
			MaxAdjustmentPercent: 0.20,
			Debounce:             time.Minute,
			Retention:            30 * 24 * time.Hour,
			BusinessHours:        BusinessHoursConfig{StartHour: 9, EndHour: 17, WeekdaysOnly: true},
			Metrics: map[string]MetricPolicy{
				"operation_latency_ms": {
					Direction:          "upper",
					BaselinePercentile: 95,
					Seasonality:        true,
					BusinessHours:      true,
					MinBound:           50,
					MaxBound:           30000,
					Initial:            500,
				},
				"operation_success_rate": {
					Direction:          "lower",
					BaselinePercentile: 10,
					MinBound:           0.5,
					MaxBound:           1.0,
					Initial:            0.95,
				},
			},
		},
		Alerting: AlertingConfig{
			CooldownCritical: 5 * time.Minute,
			CooldownDefault:  15 * time.Minute,
			RecentCapacity:   1000,
			RecentRetention:  24 * time.Hour,
			SweepInterval:    5 * time.Minute,
			Channels:         ChannelsConfig{Timeout: 5 * time.Second},
		},
		Snapshot: SnapshotConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			KeyPrefix:    "sentinel",
			TTL:          24 * time.Hour,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("SENTINEL_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENTINEL_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("SENTINEL_CHAT_WEBHOOK_URL"); v != "" {
		cfg.Alerting.Channels.ChatWebhookURL = v
	}
	if v := os.Getenv("SENTINEL_PAGER_URL"); v != "" {
		cfg.Alerting.Channels.PagerURL = v
	}
	if v := os.Getenv("SENTINEL_PAGER_ROUTING_KEY"); v != "" {
		cfg.Alerting.Channels.PagerRoutingKey = v
	}
	if v := os.Getenv("SENTINEL_WEBHOOK_URL"); v != "" {
		cfg.Alerting.Channels.WebhookURL = v
	}
	if v := os.Getenv("SENTINEL_WEBHOOK_TOKEN"); v != "" {
		cfg.Alerting.Channels.WebhookToken = v
	}
	if v := os.Getenv("SENTINEL_SMTP_HOST"); v != "" {
		cfg.Alerting.Channels.Email.Host = v
	}
	if v := os.Getenv("SENTINEL_SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Alerting.Channels.Email.Port = port
		}
	}
	if v := os.Getenv("SENTINEL_SMTP_USERNAME"); v != "" {
		cfg.Alerting.Channels.Email.Username = v
	}
	if v := os.Getenv("SENTINEL_SMTP_PASSWORD"); v != "" {
		cfg.Alerting.Channels.Email.Password = v
	}
	if v := os.Getenv("SENTINEL_SNAPSHOT_ADDR"); v != "" {
		cfg.Snapshot.Addr = v
	}
	if v := os.Getenv("SENTINEL_SNAPSHOT_ENABLED"); v != "" {
		cfg.Snapshot.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("SENTINEL_SNAPSHOT_USERNAME"); v != "" {
		cfg.Snapshot.Username = v
	}
	if v := os.Getenv("SENTINEL_SNAPSHOT_PASSWORD"); v != "" {
		cfg.Snapshot.Password = v
	}
	if v := os.Getenv("SENTINEL_SNAPSHOT_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Snapshot.DB = db
		}
	}
	if v := os.Getenv("SENTINEL_SNAPSHOT_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Snapshot.TLS = true
	}
	if v := os.Getenv("SENTINEL_SNAPSHOT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Snapshot.TTL = d
		}
	}
	if v := os.Getenv("SENTINEL_SLOW_THRESHOLD_MS"); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Collector.SlowThresholdMs = ms
		}
	}
	if v := os.Getenv("SENTINEL_CRITICAL_THRESHOLD_MS"); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Collector.CriticalThresholdMs = ms
		}
	}
}
