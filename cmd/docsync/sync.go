package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	docsync "github.com/docsync/docsync/internal/docsync/sync"
	"github.com/docsync/docsync/internal/ui"
)

var drainCmd = &cobra.Command{
	Use:     "drain",
	GroupID: "sync",
	Short:   "Send queued changes to the remote",
	Long: `Replay every eligible queued change against the remote document service.

Changes of one document are sent in the order they were made. Changes the
remote rejects because someone else edited the document are kept as
conflicts; see 'docsync conflicts'. Transient failures are retried by later
drains with exponential backoff.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openSync(cmd.Context(), false, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		out := cmd.OutOrStdout()
		report, err := env.orch.Drain(cmd.Context())
		if errors.Is(err, docsync.ErrOffline) {
			queued, _ := env.store.QueueCount(cmd.Context())
			if jsonOut {
				return writeJSON(out, map[string]any{"offline": true, "queued": queued})
			}
			fmt.Fprintf(out, "%s Remote is offline; %d changes stay queued\n", ui.RenderWarn("⚠"), queued)
			return nil
		}
		if report == nil {
			return err
		}

		if jsonOut {
			if werr := writeJSON(out, report); werr != nil {
				return werr
			}
		} else {
			printReport(out, report)
		}
		if err != nil {
			return fmt.Errorf("drain finished with errors: %w", err)
		}
		return nil
	},
}

func printReport(out io.Writer, report *docsync.DrainReport) {
	fmt.Fprintf(out, "%s Drain complete\n", ui.RenderPass("✓"))
	fmt.Fprintf(out, "   Applied:   %d\n", report.Applied)
	if report.Reset > 0 {
		fmt.Fprintf(out, "   Resumed:   %d interrupted\n", report.Reset)
	}
	if report.Failed > 0 {
		fmt.Fprintf(out, "   Retrying:  %s\n", ui.RenderWarn(fmt.Sprintf("%d", report.Failed)))
	}
	if report.Skipped > 0 {
		fmt.Fprintf(out, "   Waiting:   %d\n", report.Skipped)
	}
	if len(report.Conflicts) > 0 {
		fmt.Fprintf(out, "   Conflicts: %s\n", ui.RenderFail(fmt.Sprintf("%d", len(report.Conflicts))))
		for _, id := range report.Conflicts {
			fmt.Fprintf(out, "     %s\n", id)
		}
	}
	for _, e := range report.Errors {
		fmt.Fprintf(out, "   %s %s\n", ui.RenderFail(string(e.Kind)), e.Error())
	}
}

var sweepCmd = &cobra.Command{
	Use:     "sweep",
	GroupID: "sync",
	Short:   "Drop queued uploads that are too old",
	Long: `Remove queued uploads older than --older-than. Documents that were never
uploaded are removed with them.

--older-than takes a duration ("36h") or a point in time ("yesterday").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		age := cfg.Sync.StaleUploadAge
		if s, _ := cmd.Flags().GetString("older-than"); s != "" {
			parsed, err := parseAge(s, time.Now())
			if err != nil {
				return err
			}
			age = parsed
		}

		env, err := openSync(cmd.Context(), false, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		removed, err := env.orch.SweepStale(cmd.Context(), age)
		if err != nil {
			return err
		}
		if jsonOut {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"removed": removed, "older_than": age.String()})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %d uploads queued more than %s ago\n", ui.RenderPass("✓"), removed, age.Round(time.Second))
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:     "refresh",
	GroupID: "sync",
	Short:   "Pull documents changed on the remote",
	Long: `Fetch documents changed on the remote since the last refresh.

Documents without local changes are updated; documents with queued changes
are left alone until they are drained.

Examples:
  docsync refresh
  docsync refresh --full
  docsync refresh --since "last monday"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		sinceFlag, _ := cmd.Flags().GetString("since")
		if full && sinceFlag != "" {
			return fmt.Errorf("--full and --since are mutually exclusive")
		}

		env, err := openSync(cmd.Context(), false, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		switch {
		case full:
			err = docsync.SetRefreshCursor(cmd.Context(), env.store, nil)
		case sinceFlag != "":
			var since time.Time
			since, err = parseTime(sinceFlag, time.Now())
			if err == nil {
				err = docsync.SetRefreshCursor(cmd.Context(), env.store, &since)
			}
		}
		if err != nil {
			return err
		}

		n, err := env.orch.Refresh(cmd.Context())
		if errors.Is(err, docsync.ErrOffline) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Remote is offline; nothing refreshed\n", ui.RenderWarn("⚠"))
			return nil
		}
		if err != nil {
			return err
		}
		if jsonOut {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"refreshed": n})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Refreshed %d documents\n", ui.RenderPass("✓"), n)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:     "retry [id]",
	GroupID: "sync",
	Short:   "Make failed changes eligible for the next drain",
	Long: `Reset queued changes that exhausted their retries or were rejected, for
one document or for every document when no id is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}

		env, err := openSync(cmd.Context(), false, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.orch.Retry(cmd.Context(), id)
		if err != nil {
			return err
		}
		if jsonOut {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"reset": n})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Reset %d failed changes\n", ui.RenderPass("✓"), n)
		return nil
	},
}

func init() {
	sweepCmd.Flags().String("older-than", "", "Age past which queued uploads are dropped (default: sync.stale_upload_age)")
	refreshCmd.Flags().Bool("full", false, "Fetch every document, not just recent changes")
	refreshCmd.Flags().String("since", "", "Fetch documents changed after this time")

	rootCmd.AddCommand(drainCmd, sweepCmd, refreshCmd, retryCmd)
}
