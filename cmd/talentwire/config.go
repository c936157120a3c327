package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Talentwire configuration",
	Long:  "View or modify the Talentwire CLI configuration stored in ~/.talentwire/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration (session token masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'talentwire init <token>' to create one.")
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// The token is a live session credential; never echo it in full.
		token := "(not set)"
		if cfg.Auth.Token != "" {
			token = maskToken(cfg.Auth.Token)
		}

		fmt.Printf("# %s\n", path)
		fmt.Println("[default]")
		fmt.Printf("base_url   = %q\n", cfg.Default.BaseURL)
		fmt.Printf("verbose    = %v\n", cfg.Default.Verbose)
		fmt.Println()
		fmt.Println("[auth]")
		fmt.Printf("token      = %s\n", token)
		fmt.Printf("actor_id   = %q\n", cfg.Auth.ActorID)
		fmt.Printf("actor_type = %q\n", cfg.Auth.ActorType)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: talentwire config set default.base_url https://api.talentwire.example",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
