package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/relaychat/relay-go"
)

var devicesProvider string

func init() {
	devicesAddCmd.Flags().StringVar(&devicesProvider, "provider", "firebase", "push provider: firebase or apn")
	devicesCmd.AddCommand(devicesAddCmd, devicesListCmd, devicesDeleteCmd)
	rootCmd.AddCommand(devicesCmd)
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage push devices for the configured user",
}

func deviceUser(cfg *Config) (string, error) {
	if cfg.Auth.UserID == "" {
		return "", fmt.Errorf("no user configured; pass --user")
	}
	return cfg.Auth.UserID, nil
}

var devicesAddCmd = &cobra.Command{
	Use:   "add <device-id>",
	Short: "Register a push device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient(cmd)
		defer client.Close()
		userID, err := deviceUser(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.Devices().Add(ctx, &relay.Device{ID: args[0], PushProvider: devicesProvider, UserID: userID}); err != nil {
			return fmt.Errorf("add device: %w", err)
		}
		fmt.Printf("Device %s added for %s\n", args[0], userID)
		return nil
	},
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List push devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient(cmd)
		defer client.Close()
		userID, err := deviceUser(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		devices, err := client.Devices().List(ctx, userID)
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}

		if outputFormat != "text" {
			return printOutput(devices)
		}
		if len(devices) == 0 {
			fmt.Println("No devices.")
			return nil
		}
		for _, d := range devices {
			fmt.Printf("  %-40s %s\n", d.ID, d.PushProvider)
		}
		return nil
	},
}

var devicesDeleteCmd = &cobra.Command{
	Use:   "delete <device-id>",
	Short: "Remove a push device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient(cmd)
		defer client.Close()
		userID, err := deviceUser(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.Devices().Delete(ctx, args[0], userID); err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
		fmt.Printf("Device %s deleted\n", args[0])
		return nil
	},
}
