package main

import (
	"fmt"
	"os"

	talentwire "github.com/talentwire/talentwire-go"
	"go.uber.org/zap"
)

// getClient creates a client authenticated with the stored session token.
func getClient() (*talentwire.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'talentwire init <token>' first.")
		os.Exit(1)
	}

	opts := []talentwire.ClientOption{
		talentwire.WithLogger(getLogger(cfg)),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, talentwire.WithBaseURL(cfg.Default.BaseURL))
	}

	return talentwire.NewClient(cfg.Auth.Token, opts...), cfg
}

// getActor resolves the actor identity from the stored config, falling back
// to decoding the token.
func getActor(cfg *Config) talentwire.Actor {
	if cfg.Auth.ActorID != "" && cfg.Auth.ActorType != "" {
		return talentwire.Actor{
			ID:   cfg.Auth.ActorID,
			Type: talentwire.ActorType(cfg.Auth.ActorType),
		}
	}
	actor, err := talentwire.ActorFromToken(cfg.Auth.Token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot determine actor identity: %v\n", err)
		os.Exit(1)
	}
	return actor
}

func getLogger(cfg *Config) *zap.Logger {
	if !cfg.Default.Verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}
