package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config location.
const EnvConfigPath = "PTS_CONFIG_PATH"

type Config struct {
	Database struct {
		Driver       string `yaml:"driver"`
		DSN          string `yaml:"dsn"`
		MaxOpenConns int    `yaml:"max_open_conns"`
	} `yaml:"database"`

	Backup BackupConfig `yaml:"backup"`

	Redis struct {
		Address                string `yaml:"address"`
		Password               string `yaml:"password"`
		DB                     int    `yaml:"db"`
		AvailabilityTTLSeconds int    `yaml:"availability_ttl_seconds"`
	} `yaml:"redis"`

	HTTP struct {
		Address       string  `yaml:"address"`
		APIKey        string  `yaml:"api_key"`
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
	} `yaml:"http"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
		GRPCHealthPort    int  `yaml:"grpc_health_port"`
	} `yaml:"monitoring"`

	Scheduling struct {
		Timezone               string `yaml:"timezone"`
		MaxLookaheadWeeks      int    `yaml:"max_lookahead_weeks"`
		ChangeRequestTTLHours  int    `yaml:"change_request_ttl_hours"`
		ExpiryReconcileMinutes int    `yaml:"expiry_reconcile_minutes"`
	} `yaml:"scheduling"`

	Audit struct {
		NatsURL     string `yaml:"nats_url"`
		NatsSubject string `yaml:"nats_subject"`
	} `yaml:"audit"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	IntervalHours int    `yaml:"interval_hours"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite3" {
		cfg.Database.DSN = "data/ptschedule.db"
	}
	if cfg.Database.Driver == "sqlite3" && !strings.HasPrefix(cfg.Database.DSN, ":memory:") {
		if err = os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// Location returns the scheduling timezone, UTC when unset or unknown.
func (c *Config) Location() *time.Location {
	if c.Scheduling.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Scheduling.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) LookaheadWeeks() int {
	if c.Scheduling.MaxLookaheadWeeks <= 0 {
		return 12
	}
	return c.Scheduling.MaxLookaheadWeeks
}

func (c *Config) ChangeRequestTTL() time.Duration {
	if c.Scheduling.ChangeRequestTTLHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(c.Scheduling.ChangeRequestTTLHours) * time.Hour
}

// ExpiryReconcileInterval is zero when the reconciler is disabled.
func (c *Config) ExpiryReconcileInterval() time.Duration {
	if c.Scheduling.ExpiryReconcileMinutes <= 0 {
		return 0
	}
	return time.Duration(c.Scheduling.ExpiryReconcileMinutes) * time.Minute
}

func (c *Config) AvailabilityTTL() time.Duration {
	if c.Redis.AvailabilityTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Redis.AvailabilityTTLSeconds) * time.Second
}

func (c *Config) HTTPAddress() string {
	if c.HTTP.Address == "" {
		return ":8080"
	}
	return c.HTTP.Address
}

func (c *Config) BackupInterval() time.Duration {
	if c.Backup.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Backup.IntervalHours) * time.Hour
}

func (c *Config) AuditSubject() string {
	if c.Audit.NatsSubject == "" {
		return "ptschedule.audit"
	}
	return c.Audit.NatsSubject
}
