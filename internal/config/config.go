// Package config loads vastctl settings from a YAML file, VAST_*
// environment variables and command-line flags, in increasing order of
// precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/szaher/vastctl/internal/api"
	"github.com/szaher/vastctl/internal/credentials"
	"github.com/szaher/vastctl/internal/sshexec"
)

// EnvPrefix prefixes every environment variable, e.g. VAST_URL.
const EnvPrefix = "VAST"

// Config holds resolved settings.
type Config struct {
	URL string `mapstructure:"url"`
	// APIKey may be an env(NAME) reference.
	APIKey     string        `mapstructure:"api_key"`
	APIKeyFile string        `mapstructure:"api_key_file"`
	SSHKeyDir  string        `mapstructure:"ssh_key_dir"`
	Timeout    time.Duration `mapstructure:"timeout"`
	LogLevel   string        `mapstructure:"log_level"`
	LogFormat  string        `mapstructure:"log_format"`
	Retry      RetryConfig   `mapstructure:"retry"`
	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

// RetryConfig bounds retries of idempotent requests.
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		URL:        api.DefaultBaseURL,
		APIKeyFile: credentials.DefaultKeyFile,
		SSHKeyDir:  sshexec.DefaultKeyDir,
		Timeout:    120 * time.Second,
		LogLevel:   "warn",
		LogFormat:  "text",
		Retry:      RetryConfig{Attempts: 3, Delay: 5 * time.Second},
	}
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"url":             "url",
	"api-key":         "api_key",
	"api-key-file":    "api_key_file",
	"ssh-key-dir":     "ssh_key_dir",
	"request-timeout": "timeout",
	"log-level":       "log_level",
	"log-format":      "log_format",
}

// envKeys are read from VAST_<KEY>. api_key is left out: VAST_API_KEY is
// resolved by the credentials package so its source is reported as env.
var envKeys = []string{
	"url",
	"api_key_file",
	"ssh_key_dir",
	"timeout",
	"log_level",
	"log_format",
	"retry.attempts",
	"retry.delay",
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "vastctl", "config.yaml")
}

// Load reads settings. An empty path reads DefaultPath when it exists; a
// path given explicitly must exist. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	def := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	v.SetDefault("url", def.URL)
	v.SetDefault("api_key", "")
	v.SetDefault("api_key_file", def.APIKeyFile)
	v.SetDefault("ssh_key_dir", def.SSHKeyDir)
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
	v.SetDefault("retry.attempts", def.Retry.Attempts)
	v.SetDefault("retry.delay", def.Retry.Delay)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	file := path
	if file == "" {
		if p := DefaultPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				file = p
			}
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config file %s not found", file)
			}
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if credentials.IsReference(cfg.APIKey) {
		key, err := credentials.EnvResolver{}.Resolve(context.Background(), cfg.APIKey)
		if err != nil {
			return Config{}, fmt.Errorf("api_key: %w", err)
		}
		cfg.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("url must not be empty")
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.Delay < 0 {
		return fmt.Errorf("retry.delay must not be negative, got %s", c.Retry.Delay)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}
