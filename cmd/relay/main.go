package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	relay "github.com/relaychat/relay-go"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.relay/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Realtime ConfigRealtime `toml:"realtime"`
}

// ConfigDefault holds the app credentials and endpoints.
type ConfigDefault struct {
	APIKey    string `toml:"api_key" yaml:"api_key"`
	APISecret string `toml:"api_secret" yaml:"api_secret"`
	BaseURL   string `toml:"base_url" yaml:"base_url"`
	WSURL     string `toml:"ws_url" yaml:"ws_url"`
}

// ConfigAuth holds the user the CLI connects as.
type ConfigAuth struct {
	UserID string `toml:"user_id" yaml:"user_id"`
	Token  string `toml:"token" yaml:"token"`
}

// ConfigRealtime tunes the realtime connection. Durations use Go syntax
// ("35s"); empty keeps the SDK default.
type ConfigRealtime struct {
	HealthTimeout        string `toml:"health_timeout" yaml:"health_timeout"`
	PingInterval         string `toml:"ping_interval" yaml:"ping_interval"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.relay, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".relay")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.api_key").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_key)")
	}

	switch section {
	case "default":
		switch field {
		case "api_key":
			cfg.Default.APIKey = value
		case "api_secret":
			cfg.Default.APISecret = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "user_id":
			cfg.Auth.UserID = value
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		switch field {
		case "health_timeout", "ping_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration for %s: %w", key, err)
			}
			if field == "health_timeout" {
				cfg.Realtime.HealthTimeout = value
			} else {
				cfg.Realtime.PingInterval = value
			}
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("max_reconnect_attempts must be a non-negative integer")
			}
			cfg.Realtime.MaxReconnectAttempts = n
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime)", section)
	}
	return nil
}

// applyFlagOverrides lays explicitly set global flags over the file config.
func applyFlagOverrides(cfg *Config, flags *pflag.FlagSet) {
	overrides := map[string]*string{
		"api-key":  &cfg.Default.APIKey,
		"base-url": &cfg.Default.BaseURL,
		"ws-url":   &cfg.Default.WSURL,
		"user":     &cfg.Auth.UserID,
		"token":    &cfg.Auth.Token,
	}
	flags.Visit(func(f *pflag.Flag) {
		if dst, ok := overrides[f.Name]; ok {
			*dst = f.Value.String()
		}
	})
}

// realtimeConfig converts the [realtime] section. Bad durations were
// rejected by config set; a hand-edited file falls back to the defaults.
func (c *Config) realtimeConfig() relay.RealtimeConfig {
	rc := relay.RealtimeConfig{MaxReconnectAttempts: c.Realtime.MaxReconnectAttempts}
	if d, err := time.ParseDuration(c.Realtime.HealthTimeout); err == nil {
		rc.HealthTimeout = d
	}
	if d, err := time.ParseDuration(c.Realtime.PingInterval); err == nil {
		rc.PingInterval = d
	}
	return rc
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "relay",
	Short:        "Relay chat SDK CLI",
	Long:         "Command-line interface for the Relay chat SDK.\nManage configuration, mint tokens, tail channel events and inspect app settings.",
	SilenceUsage: true,
}

var (
	outputFormat string
	verbose      bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("api-key", "", "API key (overrides config)")
	pf.String("base-url", "", "REST base URL (overrides config)")
	pf.String("ws-url", "", "realtime URL (overrides config)")
	pf.String("user", "", "user id to act as (overrides config)")
	pf.String("token", "", "user token (overrides config)")
	pf.StringVarP(&outputFormat, "output", "o", "text", "output format: text, json or yaml")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log SDK activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
