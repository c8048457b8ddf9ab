// Package commands implements the GroupCast CLI with cobra.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/groupcast/pkg/groupcast/blobstore"
	"github.com/jholhewres/groupcast/pkg/groupcast/config"
	"github.com/jholhewres/groupcast/pkg/groupcast/logging"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "groupcast",
		Short: "GroupCast - scheduled WhatsApp group broadcasts",
		Long: `GroupCast keeps one WhatsApp session per tenant and delivers each
tenant's daily message to its groups at the hours set in the catalog.

Examples:
  groupcast serve
  groupcast sessions list
  groupcast history 42 --limit 20
  groupcast token set gateway`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSessionsCmd(),
		newHistoryCmd(),
		newTokenCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

// resolveConfig loads the --config file, or the first standard candidate,
// or the defaults when none exists.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		if path != "" {
			return nil, "", fmt.Errorf("loading config from %s: %w", path, err)
		}
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from cfg and the --verbose flag.
func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, io.Closer, error) {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	return logging.New(cfg.Logging, verbose)
}

// quietLogger only reports errors, for one-shot commands.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// openBlobStore opens the configured session backend.
func openBlobStore(ctx context.Context, cfg config.StorageConfig) (blobstore.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case config.BackendSQLite:
		store, err := blobstore.OpenSQLite(cfg.SQLite)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendGridFS:
		store, err := blobstore.OpenGridFS(ctx, cfg.GridFS)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendMemory:
		return blobstore.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
