// Package main provides the CLI entry point for the Atlas chat
// orchestration server.
//
// # Basic Usage
//
// Start the server:
//
//	atlas serve --config atlas.yaml
//
// Export a user's saved conversations:
//
//	atlas conversations export --user alice@example.com
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atlascore/atlas/internal/config"
	"github.com/atlascore/atlas/internal/conversations"
	"github.com/atlascore/atlas/internal/server"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "atlas",
		Short:         "Atlas chat orchestration server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd(), buildConversationsCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Atlas server",
		Long: `Start the Atlas server: the WebSocket chat endpoint, the health
probe, and the Prometheus metrics listener.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  atlas serve

  # Start with custom config
  atlas serve --config /etc/atlas/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "atlas.yaml",
		"Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	// Request-path settings (flags, timeouts, agent limits) follow the
	// file; listener addresses require a restart.
	if _, statErr := os.Stat(configPath); statErr == nil {
		updates, watchErr := config.Watch(ctx, configPath, slog.Default())
		if watchErr != nil {
			slog.Warn("config watch unavailable", "error", watchErr)
		} else {
			go func() {
				for next := range updates {
					srv.ApplyConfig(next)
					slog.Info("configuration reloaded", "path", configPath)
				}
			}()
		}
	}

	return srv.Run(ctx)
}

// loadConfig falls back to defaults when the config file is absent, so
// a bare `atlas serve` works out of the box.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Warn("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("atlas %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func buildConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "Manage saved conversations",
	}
	cmd.AddCommand(buildConversationsExportCmd())
	return cmd
}

func buildConversationsExportCmd() *cobra.Command {
	var (
		configPath string
		userEmail  string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a user's saved conversations as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userEmail == "" {
				return fmt.Errorf("--user is required")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			store, err := conversations.NewSQLiteStore(cfg.Conversations.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			convs, err := store.ExportAll(cmd.Context(), userEmail)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(convs)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "atlas.yaml",
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&userEmail, "user", "u", "",
		"Email of the user whose conversations to export")
	return cmd
}
