// Package config holds the sync core configuration: defaults, an optional
// YAML file, and environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Client   ClientConfig   `yaml:"client"`
	Hub      HubConfig      `yaml:"hub"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
}

// ClientConfig holds the sync client knobs. Durations are milliseconds, as
// the wire-facing configuration has always expressed them.
type ClientConfig struct {
	URL                  string `yaml:"url"`
	UserID               string `yaml:"user_id"`
	ReconnectIntervalMS  int    `yaml:"reconnect_interval_ms"`
	HeartbeatIntervalMS  int    `yaml:"heartbeat_interval_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	SyncIntervalMS       int    `yaml:"sync_interval_ms"`
	AccuracyThresholdMS  int    `yaml:"accuracy_threshold_ms"`
	ActivityTimeoutMS    int    `yaml:"activity_timeout_ms"`
	AutoTrackActivity    bool   `yaml:"auto_track_activity"`
}

func (c ClientConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMS) * time.Millisecond
}

func (c ClientConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

func (c ClientConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMS) * time.Millisecond
}

func (c ClientConfig) AccuracyThreshold() time.Duration {
	return time.Duration(c.AccuracyThresholdMS) * time.Millisecond
}

func (c ClientConfig) ActivityTimeout() time.Duration {
	return time.Duration(c.ActivityTimeoutMS) * time.Millisecond
}

// HubConfig holds the reference hub's settings.
type HubConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the Postgres connection URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// NATSConfig holds notification delivery settings.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Client: ClientConfig{
			URL:                  "ws://localhost:8082/ws",
			ReconnectIntervalMS:  3000,
			HeartbeatIntervalMS:  30000,
			MaxReconnectAttempts: 5,
			SyncIntervalMS:       1000,
			AccuracyThresholdMS:  1000,
			ActivityTimeoutMS:    300000,
			AutoTrackActivity:    true,
		},
		Hub: HubConfig{
			Addr: ":8082",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			Database: "chastityos",
			SSLMode:  "disable",
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
	}
}

// Load reads the optional YAML file on top of the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Client.URL = getEnv("SYNC_URL", c.Client.URL)
	c.Client.UserID = getEnv("SYNC_USER_ID", c.Client.UserID)
	c.Hub.Addr = getEnv("HUB_ADDR", c.Hub.Addr)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Database = getEnv("DB_NAME", c.Database.Database)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	if v := os.Getenv("DB_ENABLED"); v != "" {
		c.Database.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NATS_ENABLED"); v != "" {
		c.NATS.Enabled = v == "true" || v == "1"
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
