package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/contactmirror/contactmirror/internal/amocrm"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Amo      AmoConfig      `yaml:"amocrm"`
	Google   GoogleConfig   `yaml:"google"`
	Secrets  SecretsConfig  `yaml:"-"` // env-only, never in YAML
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AmoConfig contains source CRM settings.
type AmoConfig struct {
	BaseURL        string `yaml:"base_url"`
	AuthMode       string `yaml:"auth_mode"`
	LongLivedToken string `yaml:"-"` // env-only, never in YAML
	APIKey         string `yaml:"-"` // env-only, never in YAML
}

// GoogleConfig contains directory settings.
type GoogleConfig struct {
	ClientID          string `yaml:"client_id"`
	ClientSecret      string `yaml:"-"` // env-only, never in YAML
	GroupName         string `yaml:"group_name"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	AutoMerge         bool   `yaml:"auto_merge"`
	AuthURL           string `yaml:"auth_url"`
}

// SecretsConfig contains the shared secrets for the HTTP surface.
type SecretsConfig struct {
	Webhook string
	Debug   string
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	BatchSize int `yaml:"batch_size"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("CONTACTMIRROR_CONFIG_PATH", "config/contactmirror.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/contactmirror.db",
		},
		Amo: AmoConfig{
			AuthMode: amocrm.AuthModeLongLivedToken,
		},
		Google: GoogleConfig{
			GroupName:         "amoCRM",
			RequestsPerMinute: 60,
			AutoMerge:         true,
			AuthURL:           "/auth/google/start",
		},
		Worker: WorkerConfig{
			BatchSize: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("CONTACTMIRROR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CONTACTMIRROR_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CONTACTMIRROR_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CONTACTMIRROR_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("CONTACTMIRROR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Source CRM
	if v := os.Getenv("AMOCRM_BASE_URL"); v != "" {
		cfg.Amo.BaseURL = v
	}
	if v := os.Getenv("AMOCRM_AUTH_MODE"); v != "" {
		cfg.Amo.AuthMode = v
	}
	if v := os.Getenv("AMOCRM_LONG_LIVED_TOKEN"); v != "" {
		cfg.Amo.LongLivedToken = v
	}
	if v := os.Getenv("AMOCRM_API_KEY"); v != "" {
		cfg.Amo.APIKey = v
	}

	// Directory
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Google.ClientSecret = v
	}
	if v := os.Getenv("CONTACTMIRROR_GROUP_NAME"); v != "" {
		cfg.Google.GroupName = v
	}
	if v := os.Getenv("CONTACTMIRROR_GOOGLE_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Google.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("CONTACTMIRROR_AUTO_MERGE"); v != "" {
		cfg.Google.AutoMerge = v == "true" || v == "1"
	}

	// Secrets
	if v := os.Getenv("CONTACTMIRROR_WEBHOOK_SECRET"); v != "" {
		cfg.Secrets.Webhook = v
	}
	if v := os.Getenv("CONTACTMIRROR_DEBUG_SECRET"); v != "" {
		cfg.Secrets.Debug = v
	}

	// Worker
	if v := os.Getenv("CONTACTMIRROR_WORKER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.BatchSize = n
		}
	}

	// Log
	if v := os.Getenv("CONTACTMIRROR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CONTACTMIRROR_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (CONTACTMIRROR_DEV_MODE=true), secret validation is skipped.
func (c *Config) validate() error {
	switch c.Amo.AuthMode {
	case amocrm.AuthModeLongLivedToken, amocrm.AuthModeAPIKey:
	default:
		return fmt.Errorf("unsupported amocrm auth mode %q", c.Amo.AuthMode)
	}

	if os.Getenv("CONTACTMIRROR_DEV_MODE") == "true" {
		return nil
	}

	if c.Amo.BaseURL == "" {
		return errors.New("AMOCRM_BASE_URL is required")
	}
	if c.Secrets.Webhook == "" {
		return errors.New("CONTACTMIRROR_WEBHOOK_SECRET is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
