package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initSecret string

func init() {
	initCmd.Flags().StringVar(&initSecret, "secret", "", "API secret, needed to mint tokens")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <api-key>",
	Short: "Store API key in ~/.relay/config.toml",
	Long:  "Initialize the Relay CLI by storing your API key (and optionally secret) in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.APIKey = args[0]
		if initSecret != "" {
			cfg.Default.APISecret = initSecret
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("API key saved to %s\n", path)
		return nil
	},
}
