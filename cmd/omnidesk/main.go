package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnidesk/omnidesk/internal/auth"
	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/db"
)

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "omnidesk",
		Short: "Multi-channel customer messaging backend",
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config.toml")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, pollers, and reconciliation jobs",
		Run: func(cmd *cobra.Command, args []string) {
			runServe(cfgPath)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return db.Migrate(cfg.Postgres)
		},
	}

	var (
		tokenAgent string
		tokenOwner string
		tokenTTL   time.Duration
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an agent JWT for API access",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			signed, expiresAt, err := auth.GenerateToken(tokenAgent, tokenOwner, cfg.Auth.JWTSecret, tokenTTL)
			if err != nil {
				return err
			}
			fmt.Printf("%s\nexpires: %s\n", signed, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&tokenAgent, "agent", "", "agent id (required)")
	tokenCmd.Flags().StringVar(&tokenOwner, "owner", "", "tenant owner id")
	tokenCmd.Flags().DurationVar(&tokenTTL, "expires-in", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("agent")

	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
