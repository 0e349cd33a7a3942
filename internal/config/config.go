// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	// ErrMissingRequiredField is returned when a required configuration field is missing
	ErrMissingRequiredField = errors.New("missing required configuration field")
	// ErrInvalidConfigValue is returned when a configuration value is invalid
	ErrInvalidConfigValue = errors.New("invalid configuration value")
)

const (
	// ProviderUniversal selects the HTTP universal search primary
	ProviderUniversal = "universal"
	// ProviderOpenAI selects the chat completion primary
	ProviderOpenAI = "openai"
	// StorageMemory keeps session and cache state in process
	StorageMemory = "memory"
	// StorageSQLite persists session and cache state in a SQLite file
	StorageSQLite = "sqlite"
)

// Config represents the complete application configuration
type Config struct {
	Authority AuthorityConfig `mapstructure:"authority" yaml:"authority"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Primary   PrimaryConfig   `mapstructure:"primary" yaml:"primary"`
	OpenAI    OpenAIConfig    `mapstructure:"openai" yaml:"openai"`
	Legacy    LegacyConfig    `mapstructure:"legacy" yaml:"legacy"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// AuthorityConfig contains the remote session authority settings
type AuthorityConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SessionConfig contains session lifecycle settings
type SessionConfig struct {
	StorageKey         string        `mapstructure:"storage_key" yaml:"storage_key"`
	ValidationInterval time.Duration `mapstructure:"validation_interval" yaml:"validation_interval"`
	MaxAge             time.Duration `mapstructure:"max_age" yaml:"max_age"`
	FailClosed         bool          `mapstructure:"fail_closed" yaml:"fail_closed"`
}

// AuthConfig contains remembered identity settings
type AuthConfig struct {
	// TokenSecret enables HMAC verification of bearer tokens when set
	TokenSecret string `mapstructure:"token_secret" yaml:"token_secret"`
}

// BreakerConfig contains circuit breaker settings
type BreakerConfig struct {
	MaxFailures  int           `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
}

// PrimaryConfig contains the primary tier settings
type PrimaryConfig struct {
	Provider     string        `mapstructure:"provider" yaml:"provider"`
	URL          string        `mapstructure:"url" yaml:"url"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	Breaker      BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

// OpenAIConfig contains OpenAI API configuration
type OpenAIConfig struct {
	APIKey   string `mapstructure:"apikey" yaml:"apikey"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Model    string `mapstructure:"model" yaml:"model"`
}

// LegacyConfig contains the legacy tier settings
type LegacyConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// StorageConfig selects the kvstore backend
type StorageConfig struct {
	Type   string `mapstructure:"type" yaml:"type"`
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// DispatchConfig contains conversational dispatcher settings
type DispatchConfig struct {
	DebounceWindow time.Duration `mapstructure:"debounce_window" yaml:"debounce_window"`
}

// ServerConfig contains the local bridge settings
type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed for field '%s': %s", e.Field, e.Message)
}

// LoadOptions contains options for configuration loading
type LoadOptions struct {
	ConfigPath       string
	ValidateRequired bool
}

// Load loads configuration from file and environment variables.
// Environment variables take precedence over config file values.
func Load(configPath string) (*Config, error) {
	return LoadWithOptions(LoadOptions{
		ConfigPath:       configPath,
		ValidateRequired: true,
	})
}

// LoadWithOptions loads configuration with additional options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	found, err := setConfigFile(v, opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to set config file: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("WIHY")

	if found {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	setEnvironmentMappings(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if opts.ValidateRequired {
		if err := validateConfig(&config); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("authority.url", "https://ml.wihy.ai")
	v.SetDefault("authority.timeout", "10s")

	v.SetDefault("session.storage_key", "wihy_session")
	v.SetDefault("session.validation_interval", "5m")
	v.SetDefault("session.max_age", "24h")
	v.SetDefault("session.fail_closed", false)

	v.SetDefault("auth.token_secret", "")

	v.SetDefault("primary.provider", ProviderUniversal)
	v.SetDefault("primary.url", "https://ml.wihy.ai")
	v.SetDefault("primary.timeout", "30s")
	v.SetDefault("primary.probe_timeout", "2s")
	v.SetDefault("primary.breaker.max_failures", 5)
	v.SetDefault("primary.breaker.reset_timeout", "30s")

	v.SetDefault("openai.apikey", "")
	v.SetDefault("openai.endpoint", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4")

	v.SetDefault("legacy.url", "https://ml.wihy.ai")
	v.SetDefault("legacy.timeout", "30s")

	v.SetDefault("storage.type", StorageSQLite)
	v.SetDefault("storage.db_path", "./wihy.db")

	v.SetDefault("dispatch.debounce_window", "1s")

	v.SetDefault("server.port", 8090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
}

// setConfigFile sets the configuration file path with fallback logic.
// It reports whether a file will be read; without one only defaults and
// environment variables apply.
func setConfigFile(v *viper.Viper, configPath string) (bool, error) {
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return false, fmt.Errorf("config file specified by CONFIG_PATH does not exist: %s", envPath)
		}
		v.SetConfigFile(envPath)
		return true, nil
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return false, fmt.Errorf("config file does not exist: %s", configPath)
		}
		v.SetConfigFile(configPath)
		return true, nil
	}

	for _, path := range []string{"./configs/config.yaml", "./config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			return true, nil
		}
	}
	return false, nil
}

// setEnvironmentMappings sets explicit environment variable mappings
func setEnvironmentMappings(v *viper.Viper) {
	envMappings := map[string]string{
		"WIHY_AUTHORITY_URL": "authority.url",
		"WIHY_PRIMARY_URL":   "primary.url",
		"WIHY_LEGACY_URL":    "legacy.url",
		"WIHY_DB_PATH":       "storage.db_path",
		"WIHY_TOKEN_SECRET":  "auth.token_secret",
		"OPENAI_API_KEY":     "openai.apikey",
		"OPENAI_ENDPOINT":    "openai.endpoint",
		"LOG_LEVEL":          "logging.level",
		"LOG_FORMAT":         "logging.format",
		"LOG_OUTPUT":         "logging.output",
	}

	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			v.Set(configKey, value)
		}
	}
}

// validateConfig validates the configuration for required fields and valid values
func validateConfig(config *Config) error {
	var errs []ValidationError

	requireURL := func(field, value string) {
		if value == "" {
			errs = append(errs, ValidationError{Field: field, Message: "URL is required"})
			return
		}
		if err := validateURL(value); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
		}
	}
	requirePositive := func(field string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, ValidationError{Field: field, Message: "must be a positive duration"})
		}
	}

	requireURL("authority.url", config.Authority.URL)
	requirePositive("authority.timeout", config.Authority.Timeout)
	requirePositive("session.validation_interval", config.Session.ValidationInterval)
	requirePositive("session.max_age", config.Session.MaxAge)
	if config.Session.StorageKey == "" {
		errs = append(errs, ValidationError{Field: "session.storage_key", Message: "storage key is required"})
	}

	switch config.Primary.Provider {
	case ProviderUniversal:
		requireURL("primary.url", config.Primary.URL)
	case ProviderOpenAI:
		if config.OpenAI.APIKey == "" {
			errs = append(errs, ValidationError{Field: "openai.apikey", Message: "OpenAI API key is required for the openai provider"})
		}
		if config.OpenAI.Endpoint != "" {
			if err := validateURL(config.OpenAI.Endpoint); err != nil {
				errs = append(errs, ValidationError{Field: "openai.endpoint", Message: err.Error()})
			}
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "primary.provider",
			Message: fmt.Sprintf("must be one of: %s, %s", ProviderUniversal, ProviderOpenAI),
		})
	}
	requirePositive("primary.timeout", config.Primary.Timeout)
	requirePositive("primary.probe_timeout", config.Primary.ProbeTimeout)
	if config.Primary.ProbeTimeout >= config.Primary.Timeout && config.Primary.Timeout > 0 {
		errs = append(errs, ValidationError{Field: "primary.probe_timeout", Message: "must be shorter than primary.timeout"})
	}
	if config.Primary.Breaker.MaxFailures < 1 {
		errs = append(errs, ValidationError{Field: "primary.breaker.max_failures", Message: "must be at least 1"})
	}
	requirePositive("primary.breaker.reset_timeout", config.Primary.Breaker.ResetTimeout)

	requireURL("legacy.url", config.Legacy.URL)
	requirePositive("legacy.timeout", config.Legacy.Timeout)

	switch config.Storage.Type {
	case StorageMemory:
	case StorageSQLite:
		if config.Storage.DBPath == "" {
			errs = append(errs, ValidationError{Field: "storage.db_path", Message: "database path is required for sqlite storage"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("must be one of: %s, %s", StorageMemory, StorageSQLite),
		})
	}

	requirePositive("dispatch.debounce_window", config.Dispatch.DebounceWindow)

	if config.Server.Port < 1 || config.Server.Port > 65535 {
		errs = append(errs, ValidationError{Field: "server.port", Message: "must be between 1 and 65535"})
	}

	if !contains([]string{"debug", "info", "warn", "error"}, config.Logging.Level) {
		errs = append(errs, ValidationError{Field: "logging.level", Message: "must be one of: debug, info, warn, error"})
	}
	if !contains([]string{"json", "text"}, config.Logging.Format) {
		errs = append(errs, ValidationError{Field: "logging.format", Message: "must be one of: json, text"})
	}

	if len(errs) > 0 {
		var errorMessages []string
		for _, err := range errs {
			errorMessages = append(errorMessages, err.Error())
		}
		return fmt.Errorf("%w:\n%s", ErrInvalidConfigValue, strings.Join(errorMessages, "\n"))
	}

	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must include a host")
	}
	return nil
}

// MaskSensitiveValues returns a copy of the config with sensitive values masked
func (c *Config) MaskSensitiveValues() *Config {
	masked := *c

	if masked.OpenAI.APIKey != "" {
		masked.OpenAI.APIKey = maskValue(masked.OpenAI.APIKey)
	}
	if masked.Auth.TokenSecret != "" {
		masked.Auth.TokenSecret = maskValue(masked.Auth.TokenSecret)
	}

	return &masked
}

// maskValue masks sensitive values, showing only the first 8 characters
func maskValue(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:8] + strings.Repeat("*", len(value)-8)
}

// contains checks if a slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// WatchConfig reloads the configuration file on change and passes every
// valid result to callback. Invalid edits are logged and ignored.
func WatchConfig(configPath string, logger *zap.Logger, callback func(*Config)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()

	found, err := setConfigFile(v, configPath)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: no config file to watch", ErrMissingRequiredField)
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("Config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))

		config, err := LoadWithOptions(LoadOptions{
			ConfigPath:       v.ConfigFileUsed(),
			ValidateRequired: true,
		})
		if err != nil {
			logger.Warn("Failed to reload config", zap.Error(err))
			return
		}

		callback(config)
	})
	v.WatchConfig()

	return nil
}
