package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultCountryCode      = "55"
	DefaultJWTExpiresIn     = "24h"
	DefaultPGHost           = "127.0.0.1"
	DefaultPGPort           = 5432
	DefaultPGUser           = "postgres"
	DefaultPGDatabase       = "omnidesk"
	DefaultPGSSLMode        = "disable"
	DefaultSendTimeout      = 15
	DefaultPollSchedule     = "@every 1m"
	DefaultMergeSchedule    = "@every 10m"
	DefaultEvolutionBaseURL = "http://127.0.0.1:8081"
	DefaultMetaBaseURL      = "https://graph.facebook.com"
	DefaultMetaAPIVersion   = "v21.0"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	Identity  IdentityConfig  `toml:"identity"`
	Transport TransportConfig `toml:"transport"`
	Poll      PollConfig      `toml:"poll"`
	Reconcile ReconcileConfig `toml:"reconcile"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DSN renders the pgx connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig is optional; an empty Addr disables the poll cursor cache.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type IdentityConfig struct {
	// DefaultCountryCode is prepended to phone numbers arriving without one.
	// Regional assumption carried over from the deployments this system serves.
	DefaultCountryCode string `toml:"default_country_code"`
}

type TransportConfig struct {
	// SendTimeoutSeconds bounds every outbound transport call.
	SendTimeoutSeconds int    `toml:"send_timeout_seconds"`
	EvolutionBaseURL   string `toml:"evolution_base_url"`
	MetaBaseURL        string `toml:"meta_base_url"`
	MetaAPIVersion     string `toml:"meta_api_version"`
	MetaVerifyToken    string `toml:"meta_verify_token"`
	MetaAppSecret      string `toml:"meta_app_secret"`
}

// SendTimeout returns the bounded outbound call timeout.
func (c TransportConfig) SendTimeout() time.Duration {
	seconds := c.SendTimeoutSeconds
	if seconds <= 0 {
		seconds = DefaultSendTimeout
	}
	return time.Duration(seconds) * time.Second
}

type PollConfig struct {
	Schedule string `toml:"schedule"`
	Disabled bool   `toml:"disabled"`
}

type ReconcileConfig struct {
	Schedule string `toml:"schedule"`
	Disabled bool   `toml:"disabled"`
}

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
		Identity: IdentityConfig{
			DefaultCountryCode: DefaultCountryCode,
		},
		Transport: TransportConfig{
			SendTimeoutSeconds: DefaultSendTimeout,
			EvolutionBaseURL:   DefaultEvolutionBaseURL,
			MetaBaseURL:        DefaultMetaBaseURL,
			MetaAPIVersion:     DefaultMetaAPIVersion,
		},
		Poll: PollConfig{
			Schedule: DefaultPollSchedule,
		},
		Reconcile: ReconcileConfig{
			Schedule: DefaultMergeSchedule,
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
