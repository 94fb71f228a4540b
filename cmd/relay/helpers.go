package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	relay "github.com/relaychat/relay-go"
)

// loadEffectiveConfig reads the config file and applies global flags.
func loadEffectiveConfig(cmd *cobra.Command) (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlagOverrides(cfg, cmd.Flags())
	if cfg.Default.APIKey == "" {
		return nil, fmt.Errorf("no API key configured; run 'relay init <api-key>' first")
	}
	return cfg, nil
}

// newClient builds an SDK client from the effective config. The REST token
// is the configured user token, or a server token when only the secret is
// known.
func newClient(cfg *Config) *relay.Client {
	opts := []relay.ClientOption{relay.WithRealtimeConfig(cfg.realtimeConfig())}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, relay.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.WSURL != "" {
		opts = append(opts, relay.WithWSURL(cfg.Default.WSURL))
	}
	if verbose {
		opts = append(opts, relay.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	}

	client := relay.NewClient(cfg.Default.APIKey, opts...)
	switch {
	case cfg.Auth.Token != "":
		client.SetToken(cfg.Auth.Token)
	case cfg.Default.APISecret != "":
		if token, err := relay.ServerToken(cfg.Default.APISecret); err == nil {
			client.SetToken(token)
		}
	}
	return client
}

// getClient is loadEffectiveConfig plus newClient, exiting on error like
// the rest of the command helpers.
func getClient(cmd *cobra.Command) (*relay.Client, *Config) {
	cfg, err := loadEffectiveConfig(cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return newClient(cfg), cfg
}

// userCredentials returns the credentials the CLI connects with, minting
// a token from the secret when none is stored.
func userCredentials(cfg *Config) (relay.Credentials, error) {
	if cfg.Auth.UserID == "" {
		return relay.Credentials{}, fmt.Errorf("no user configured; run 'relay token <user-id> --save' or pass --user")
	}
	token := cfg.Auth.Token
	if token == "" {
		if cfg.Default.APISecret == "" {
			return relay.Credentials{}, fmt.Errorf("no token for %s and no API secret to mint one", cfg.Auth.UserID)
		}
		var err error
		if token, err = relay.CreateToken(cfg.Default.APISecret, cfg.Auth.UserID, time.Time{}); err != nil {
			return relay.Credentials{}, err
		}
	}
	return relay.Credentials{User: &relay.User{ID: cfg.Auth.UserID}, Token: token}, nil
}

// printOutput renders v in the --output format. Text falls back to JSON for
// values without a dedicated text rendering.
func printOutput(v any) error {
	switch outputFormat {
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	case "json", "text":
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	default:
		return fmt.Errorf("unknown output format %q (valid: text, json, yaml)", outputFormat)
	}
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 12 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
