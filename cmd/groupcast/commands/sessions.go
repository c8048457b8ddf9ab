package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/groupcast/pkg/groupcast/catalog"
	"github.com/jholhewres/groupcast/pkg/groupcast/control"
	"github.com/jholhewres/groupcast/pkg/groupcast/groups"
	"github.com/jholhewres/groupcast/pkg/groupcast/session"
)

// newSessionsCmd creates `groupcast sessions` to inspect and prune stored
// sessions without a running daemon.
func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored tenant sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored sessions",
			Args:  cobra.NoArgs,
			RunE:  runSessionsList,
		},
		&cobra.Command{
			Use:   "info <tenant>",
			Short: "Show one stored session",
			Args:  cobra.ExactArgs(1),
			RunE:  runSessionsInfo,
		},
		&cobra.Command{
			Use:   "delete <tenant>",
			Short: "Delete a stored session and its local profile permanently",
			Args:  cobra.ExactArgs(1),
			RunE:  runSessionsDelete,
		},
		newSessionsCleanupCmd(),
	)
	return cmd
}

func newSessionsCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete sessions not saved for a number of days",
		Args:  cobra.NoArgs,
		RunE:  runSessionsCleanup,
	}
	cmd.Flags().Int("max-age-days", 0, "age threshold in days (default from config)")
	return cmd
}

// withManager opens the session store and runs fn against a control manager
// with no client factory; offline commands never start agents.
func withManager(cmd *cobra.Command, fn func(ctx context.Context, m *control.Manager) error) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := quietLogger()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	blobs, err := openBlobStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening %s session store: %w", cfg.Storage.Backend, err)
	}
	defer blobs.Close(ctx)

	sessions := session.New(cfg.Session, blobs, logger)
	registry := groups.NewRegistry(cfg.Groups.Dir, catalog.New(cfg.Catalog, logger), logger)
	m := control.New(cfg.Control(), sessions, registry, nil, logger)
	return fn(ctx, m)
}

func runSessionsList(cmd *cobra.Command, _ []string) error {
	return withManager(cmd, func(ctx context.Context, m *control.Manager) error {
		summaries := m.Sessions(ctx)
		if len(summaries) == 0 {
			fmt.Println("No stored sessions.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TENANT\tFILES\tSIZE\tLAST SAVED")
		for _, s := range summaries {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.TenantID, s.FileCount, humanSize(s.TotalSize), formatTime(s.LastModified))
		}
		return w.Flush()
	})
}

func runSessionsInfo(cmd *cobra.Command, args []string) error {
	return withManager(cmd, func(ctx context.Context, m *control.Manager) error {
		info, err := m.SessionInfo(ctx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	})
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	return withManager(cmd, func(ctx context.Context, m *control.Manager) error {
		if err := m.DeleteSessionPermanently(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Session %s deleted.\n", args[0])
		return nil
	})
}

func runSessionsCleanup(cmd *cobra.Command, _ []string) error {
	days, _ := cmd.Flags().GetInt("max-age-days")
	return withManager(cmd, func(ctx context.Context, m *control.Manager) error {
		report, err := m.CleanupSessions(ctx, days)
		for _, tenant := range report.Removed {
			fmt.Printf("removed %s\n", tenant)
		}
		fmt.Printf("%d removed, %d kept (cutoff %s)\n", len(report.Removed), report.Kept, formatTime(report.Cutoff))
		return err
	})
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
