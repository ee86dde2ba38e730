package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"wisefido-sync/internal/models"

	"github.com/spf13/cobra"
)

// SyncResult is the outcome printed by the sync command.
type SyncResult struct {
	State        models.SyncState `json:"state"`
	Progress     float64          `json:"progress"`
	Reason       string           `json:"reason,omitempty"`
	LastSyncDate *time.Time       `json:"last_sync_date,omitempty"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one manual sync and print the final status",
		Args:  cobra.NoArgs,

		// 失败时状态已经输出，不再打印 usage
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), rootOpts, cmd.OutOrStdout())
		},
	}
}

func runSync(ctx context.Context, opts *RootOptions, out io.Writer) error {
	svc, log, err := newService(opts)
	if err != nil {
		return err
	}
	defer log.Sync()

	syncErr := svc.RunOnce(ctx)

	c := svc.Coordinator()
	status := c.Status()
	result := SyncResult{
		State:        status.State,
		Progress:     status.Progress,
		Reason:       status.Reason,
		LastSyncDate: c.LastSyncDate(),
	}

	if err := svc.Stop(context.Background()); err != nil {
		return err
	}
	if err := writeResult(out, opts.Format, result); err != nil {
		return err
	}
	return syncErr
}

func writeResult(out io.Writer, format string, result SyncResult) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintf(out, "state: %s\n", result.State)
	fmt.Fprintf(out, "progress: %.2f\n", result.Progress)
	if result.Reason != "" {
		fmt.Fprintf(out, "reason: %s\n", result.Reason)
	}
	if result.LastSyncDate != nil {
		fmt.Fprintf(out, "last_sync_date: %s\n", result.LastSyncDate.Format(time.RFC3339))
	} else {
		fmt.Fprintln(out, "last_sync_date: never")
	}
	return nil
}
