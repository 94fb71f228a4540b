package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/relaychat/relay-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, then open a realtime connection as the configured user to check it works.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyFlagOverrides(cfg, cmd.Flags())

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:   %s\n", valueOrDefault(cfg.Default.BaseURL, relay.DefaultBaseURL))
		fmt.Printf("  WS URL:     %s\n", valueOrDefault(cfg.Default.WSURL, "(from base URL)"))
		fmt.Printf("  API Key:    %s\n", valueOrDefault(maskKey(cfg.Default.APIKey), "(not set)"))
		fmt.Printf("  API Secret: %s\n", valueOrDefault(maskKey(cfg.Default.APISecret), "(not set)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:    %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			if id, err := relay.TokenUserID(cfg.Auth.Token); err != nil {
				tokenStatus = fmt.Sprintf("unreadable (%v)", err)
			} else if id != cfg.Auth.UserID {
				tokenStatus = fmt.Sprintf("MISMATCH (token is for %q)", id)
			} else {
				tokenStatus = "present"
			}
		} else if cfg.Default.APISecret != "" {
			tokenStatus = "minted from secret"
		}
		fmt.Printf("  Token:      %s\n", tokenStatus)

		if cfg.Default.APIKey == "" || cfg.Auth.UserID == "" {
			return nil
		}
		creds, err := userCredentials(cfg)
		if err != nil {
			fmt.Printf("\n  %v\n", err)
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client := newClient(cfg)
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		start := time.Now()
		if err := client.Connect(ctx, creds); err != nil {
			fmt.Printf("  Connect failed: %v\n", err)
			return nil
		}
		fmt.Printf("  State:      %s (%s)\n", client.State(), time.Since(start).Round(time.Millisecond))
		if me := client.Me(); me != nil {
			fmt.Printf("  Me:         %s %s\n", me.ID, me.Name)
		}
		return client.Disconnect()
	},
}
