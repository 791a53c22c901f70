// Package cmd implements the docpipe command line.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jdziat/docpipe/internal/app"
	"github.com/jdziat/docpipe/internal/config"
)

// Version is set at build time with -ldflags "-X .../internal/cmd.Version=...".
var Version = "dev"

var (
	configPath string
	logLevel   string

	cfg     config.Config
	logger  *slog.Logger
	closeLg func() error
)

var rootCmd = &cobra.Command{
	Use:   "docpipe",
	Short: "Durable document ingestion and connection detection",
	Long: `docpipe runs document ingestion pipelines with resumable stage
checkpoints and detects connections between chunks with pluggable engines.

Configuration is read from --config (YAML, JSON or TOML) and DOCPIPE_*
environment variables, e.g. DOCPIPE_DATABASE_DSN.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if closeLg != nil {
			return closeLg()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	level, err := config.ParseLevel(loaded.Logging.Level)
	if err != nil {
		return err
	}
	cfg = loaded
	logger, closeLg = config.SetupLogger(cfg.Logging.File, level)
	slog.SetDefault(logger)
	return nil
}

// openApp assembles the runtime and runs migrations.
func openApp(ctx context.Context) (*app.App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.Migrate(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return a, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
