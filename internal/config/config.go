// Package config loads and exposes application configuration (TOML).
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultJWTExpiresIn   = "24h"
	DefaultPGHost         = "127.0.0.1"
	DefaultPGPort         = 5432
	DefaultPGUser         = "postgres"
	DefaultPGDatabase     = "loopdesk"
	DefaultPGSSLMode      = "disable"
	DefaultMediaRoot      = "data/media"
	DefaultAMQPExchange   = "loopdesk.events"
	DefaultMaxAttempts    = 3
	DefaultRetryDelaySecs = 4
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log        LogConfig        `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Auth       AuthConfig       `toml:"auth"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Storage    StorageConfig    `toml:"storage"`
	AMQP       AMQPConfig       `toml:"amqp"`
	Flow       FlowConfig       `toml:"flow"`
	Transcribe TranscribeConfig `toml:"transcribe"`
	Delivery   DeliveryConfig   `toml:"delivery"`
	Crypto     CryptoConfig     `toml:"crypto"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP server listen address.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// AuthConfig holds JWT secret and token expiry for the management API.
type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// StorageConfig holds the local media storage root and public base URL.
type StorageConfig struct {
	MediaRoot string `toml:"media_root"`
	BaseURL   string `toml:"base_url"`
}

// AMQPConfig holds the notification broker URL and exchange. An empty URL
// disables notification publishing.
type AMQPConfig struct {
	URL      string `toml:"url"`
	Exchange string `toml:"exchange"`
}

// FlowConfig holds the flow engine gateway base URL and request timeout.
type FlowConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// TranscribeConfig holds the optional speech-to-text service URL. An empty
// URL disables audio transcription.
type TranscribeConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// DeliveryConfig tunes the outbound delivery engine.
type DeliveryConfig struct {
	MaxAttempts      int `toml:"max_attempts"`
	RetryDelaySecs   int `toml:"retry_delay_seconds"`
	Workers          int `toml:"workers"`
	SweepIntervalMin int `toml:"sweep_interval_minutes"`
}

// RetryDelay returns the configured retry delay as a duration.
func (c DeliveryConfig) RetryDelay() time.Duration {
	secs := c.RetryDelaySecs
	if secs <= 0 {
		secs = DefaultRetryDelaySecs
	}
	return time.Duration(secs) * time.Second
}

// CryptoConfig holds the hex-encoded 32-byte key sealing channel credentials.
type CryptoConfig struct {
	Key string `toml:"key"`
}

// Load reads and parses the TOML config file at path and applies default values for missing fields.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Storage: StorageConfig{
			MediaRoot: DefaultMediaRoot,
		},
		AMQP: AMQPConfig{
			Exchange: DefaultAMQPExchange,
		},
		Flow: FlowConfig{
			BaseURL:        "http://127.0.0.1:8090",
			TimeoutSeconds: 30,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:      DefaultMaxAttempts,
			RetryDelaySecs:   DefaultRetryDelaySecs,
			Workers:          4,
			SweepIntervalMin: 5,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
