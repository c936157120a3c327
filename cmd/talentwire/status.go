package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and presence",
	Long:  "Display the current configuration and run a live presence self-check against the backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL: %s\n", cfg.Default.BaseURL)
		} else {
			fmt.Println("  Base URL: (default)")
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))
			fmt.Printf("  Actor:    %s:%s\n", cfg.Auth.ActorType, cfg.Auth.ActorID)
		} else {
			fmt.Println("  Token:    (not set)")
			return nil
		}

		client, _ := getClient()
		actor := getActor(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		snap, err := client.Presence().Get(ctx, actor.Type, actor.ID)
		if err != nil {
			fmt.Printf("  Presence check failed: %v\n", err)
			return nil
		}
		if snap.Online {
			fmt.Println("  Presence: online")
		} else {
			fmt.Println("  Presence: offline (no live session registered)")
		}
		return nil
	},
}
