// Package config loads and exposes application configuration (TOML).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath      = "config.toml"
	DefaultHTTPAddr        = ":8080"
	DefaultJWTExpiresIn    = "24h"
	DefaultPGHost          = "127.0.0.1"
	DefaultPGPort          = 5432
	DefaultPGUser          = "postgres"
	DefaultPGDatabase      = "threadline"
	DefaultPGSSLMode       = "disable"
	DefaultBackendModel    = "gpt-4o"
	DefaultMatchSuffixLen  = 9
	DefaultRecentMessages  = 20
	DefaultMaxHistory      = 10
	DefaultSummaryMinCount = 5
	DefaultSummaryMaxChars = 1500
	DefaultSweepSchedule   = "@every 10m"
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Admin    AdminConfig    `toml:"admin"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Backend  BackendConfig  `toml:"backend"`
	Matcher  MatcherConfig  `toml:"matcher"`
	Context  ContextConfig  `toml:"context"`
	Summary  SummaryConfig  `toml:"summary"`
	Sweeper  SweeperConfig  `toml:"sweeper"`
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

// AdminConfig holds the admin account for the conversation API.
type AdminConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// AuthConfig holds JWT secret and token expiry (e.g. 24h).
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

// BackendConfig holds the completion backend endpoint, credentials and model.
type BackendConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// MatcherConfig holds phone identifier matching parameters.
//
// MatchSuffixLen is the number of trailing digits used as the cross-channel
// match key. Shorter keys absorb country-code and trunk-prefix formatting
// differences between channels but raise the chance that two distinct
// contacts collide; 9 digits keeps that chance negligible at the contact
// volumes this system serves. Change it only with that trade-off in mind.
type MatcherConfig struct {
	MatchSuffixLen int      `toml:"match_suffix_len"`
	CountryCodes   []string `toml:"country_codes"`
}

// ContextConfig holds context window sizes for model requests.
type ContextConfig struct {
	RecentMessages     int `toml:"recent_messages"`
	MaxHistoryMessages int `toml:"max_history_messages"`
}

// SummaryConfig holds summary generation thresholds.
type SummaryConfig struct {
	Enabled         bool `toml:"enabled"`
	MinMessageCount int  `toml:"min_message_count"`
	MaxLength       int  `toml:"max_length"`
}

// SweeperConfig holds the background sweep schedule (cron expression).
type SweeperConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
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
		Admin: AdminConfig{
			Username: "admin",
			Password: "change-your-password-here",
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
		Backend: BackendConfig{
			Model:          DefaultBackendModel,
			TimeoutSeconds: 120,
		},
		Matcher: MatcherConfig{
			MatchSuffixLen: DefaultMatchSuffixLen,
			CountryCodes:   []string{"44", "1", "353"},
		},
		Context: ContextConfig{
			RecentMessages:     DefaultRecentMessages,
			MaxHistoryMessages: DefaultMaxHistory,
		},
		Summary: SummaryConfig{
			Enabled:         true,
			MinMessageCount: DefaultSummaryMinCount,
			MaxLength:       DefaultSummaryMaxChars,
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Schedule: DefaultSweepSchedule,
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
