package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/relaychat/relay-go"
)

var (
	tokenDev  bool
	tokenTTL  time.Duration
	tokenSave bool
)

func init() {
	tokenCmd.Flags().BoolVar(&tokenDev, "dev", false, "create an unsigned development token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (0 = never expires)")
	tokenCmd.Flags().BoolVar(&tokenSave, "save", false, "store the user and token in [auth]")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Create a user token",
	Long:  "Sign a user token with the configured API secret, or create a development token with --dev.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyFlagOverrides(cfg, cmd.Flags())

		var token string
		if tokenDev {
			token = relay.DevToken(userID)
		} else {
			if cfg.Default.APISecret == "" {
				return fmt.Errorf("no API secret configured; run 'relay init <api-key> --secret <secret>' or use --dev")
			}
			var exp time.Time
			if tokenTTL > 0 {
				exp = time.Now().Add(tokenTTL)
			}
			if token, err = relay.CreateToken(cfg.Default.APISecret, userID, exp); err != nil {
				return err
			}
		}

		if tokenSave {
			cfg.Auth.UserID = userID
			cfg.Auth.Token = token
			if err := saveConfig(cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
		}

		if outputFormat != "text" {
			return printOutput(map[string]string{"user_id": userID, "token": token})
		}
		fmt.Println(token)
		return nil
	},
}
