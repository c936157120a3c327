package main

import (
	"fmt"

	"github.com/spf13/cobra"
	talentwire "github.com/talentwire/talentwire-go"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.talentwire/config.toml",
	Long:  "Initialize the Talentwire CLI by storing a session token and the actor identity decoded from it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		actor, err := talentwire.ActorFromToken(token)
		if err != nil {
			return fmt.Errorf("token does not carry an actor identity: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.ActorID = actor.ID
		cfg.Auth.ActorType = string(actor.Type)

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Session saved to %s (actor %s)\n", path, actor)
		return nil
	},
}
