package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	channelTypesCmd.AddCommand(channelTypesListCmd, channelTypesGetCmd, channelTypesDeleteCmd)
	rootCmd.AddCommand(channelTypesCmd)
}

var channelTypesCmd = &cobra.Command{
	Use:   "channel-types",
	Short: "Inspect and manage channel types",
}

var channelTypesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List channel types",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient(cmd)
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		types, err := client.ChannelTypes().List(ctx)
		if err != nil {
			return fmt.Errorf("list channel types: %w", err)
		}

		if outputFormat != "text" {
			return printOutput(types)
		}
		names := make([]string, 0, len(types))
		for name := range types {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			t := types[name]
			fmt.Printf("  %-20s typing=%v read=%v reactions=%v replies=%v\n", name, t.TypingEvents, t.ReadEvents, t.Reactions, t.Replies)
		}
		return nil
	},
}

var channelTypesGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show one channel type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient(cmd)
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		t, err := client.ChannelTypes().Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get channel type: %w", err)
		}
		return printOutput(t)
	},
}

var channelTypesDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a channel type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient(cmd)
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.ChannelTypes().Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("delete channel type: %w", err)
		}
		fmt.Printf("Channel type %s deleted\n", args[0])
		return nil
	},
}
