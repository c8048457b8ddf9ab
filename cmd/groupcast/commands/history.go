package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jholhewres/groupcast/pkg/groupcast/delivery"
	"github.com/jholhewres/groupcast/pkg/groupcast/session"
)

// newHistoryCmd creates `groupcast history <tenant>`.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <tenant>",
		Short: "Show or clear the delivery history of a tenant",
		Long: `Show the most recent deliveries of a tenant, newest first.

Examples:
  groupcast history 42
  groupcast history 42 --limit 0
  groupcast history 42 --clear`,
		Args: cobra.ExactArgs(1),
		RunE: runHistory,
	}
	cmd.Flags().Int("limit", 20, "number of records to show (0 for all)")
	cmd.Flags().Bool("clear", false, "delete the tenant history instead of showing it")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	tenant := args[0]
	if !session.ValidTenant(tenant) {
		return fmt.Errorf("invalid tenant id %q", tenant)
	}
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	history, err := delivery.OpenHistory(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("opening delivery history: %w", err)
	}
	defer history.Close()

	ctx := cmd.Context()
	if wipe, _ := cmd.Flags().GetBool("clear"); wipe {
		n, err := history.Clear(ctx, tenant)
		if err != nil {
			return err
		}
		fmt.Printf("%d records removed for tenant %s.\n", n, tenant)
		return nil
	}

	limit, _ := cmd.Flags().GetInt("limit")
	records, err := history.List(ctx, tenant, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("No deliveries recorded for tenant %s.\n", tenant)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPOSITION\tSTATUS\tGROUP\tDETAIL")
	for _, r := range records {
		detail := r.Message
		if r.Error != "" {
			detail = r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", formatTime(r.Timestamp), r.Position, r.Status, r.GroupName, detail)
	}
	return w.Flush()
}
