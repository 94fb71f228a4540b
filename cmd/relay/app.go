package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/relaychat/relay-go"
)

var (
	pushUser        string
	pushSkipDevices bool
)

func init() {
	pushCheckCmd.Flags().StringVar(&pushUser, "for", "", "render for this user instead of the configured one")
	pushCheckCmd.Flags().BoolVar(&pushSkipDevices, "skip-devices", false, "only render templates")
	appCmd.AddCommand(appShowCmd)
	pushCmd.AddCommand(pushCheckCmd)
	rootCmd.AddCommand(appCmd, pushCmd)
}

var appCmd = &cobra.Command{
	Use:   "app",
	Short: "Inspect app settings",
}

var appShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the app settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient(cmd)
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		app, err := client.App().Get(ctx)
		if err != nil {
			return fmt.Errorf("get app: %w", err)
		}
		return printOutput(app)
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push notification tools",
}

var pushCheckCmd = &cobra.Command{
	Use:   "check <message-id>",
	Short: "Render push templates for a message without sending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient(cmd)
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		resp, err := client.Push().Check(ctx, &relay.CheckPushRequest{
			MessageID:   args[0],
			UserID:      valueOrDefault(pushUser, cfg.Auth.UserID),
			SkipDevices: pushSkipDevices,
		})
		if err != nil {
			return fmt.Errorf("check push: %w", err)
		}
		if outputFormat != "text" {
			return printOutput(resp)
		}

		if resp.RenderedAPNTemplate != "" {
			fmt.Printf("APN:\n  %s\n", resp.RenderedAPNTemplate)
		}
		if resp.RenderedFirebaseTemplate != "" {
			fmt.Printf("Firebase:\n  %s\n", resp.RenderedFirebaseTemplate)
		}
		for _, e := range resp.GeneralErrors {
			fmt.Printf("error: %s\n", e)
		}
		for device, e := range resp.DeviceErrors {
			fmt.Printf("device %s: %v\n", device, e)
		}
		return nil
	},
}
