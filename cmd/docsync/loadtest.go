package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/docsync/docsync/internal/docsync/loadtest"
	"github.com/docsync/docsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Stress a scratch cache with concurrent editors and a drain",
	Long: `Run concurrent editors against a scratch cache backed by an in-memory
remote, drain the queue, and check that every edit reached the remote once
and in order. Your own cache is not touched.

Examples:
  docsync loadtest
  docsync loadtest --documents 500 --editors 50 --edits 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, _ := cmd.Flags().GetInt("documents")
		editors, _ := cmd.Flags().GetInt("editors")
		edits, _ := cmd.Flags().GetInt("edits")
		keep, _ := cmd.Flags().GetBool("keep")

		dir, err := os.MkdirTemp("", "docsync-loadtest-")
		if err != nil {
			return fmt.Errorf("failed to create scratch directory: %w", err)
		}
		if !keep {
			defer os.RemoveAll(dir)
		}

		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		h, err := loadtest.Setup(ctx, filepath.Join(dir, "loadtest.db"), docs)
		if err != nil {
			return err
		}
		defer h.Close()
		h.Logger = logs.New("[loadtest] ")

		fmt.Fprintf(out, "%s Seeded %d documents; %d editors x %d edits\n",
			ui.RenderAccent("→"), docs, editors, edits)

		stats, err := h.RunConcurrentEdits(ctx, editors, edits)
		if err != nil {
			return err
		}
		if err := h.VerifyQueue(ctx); err != nil {
			return fmt.Errorf("queue check failed: %w", err)
		}

		drain, err := h.Drain(ctx, cfg.Sync.Concurrency)
		if err != nil {
			return err
		}
		if err := h.VerifyRemote(ctx); err != nil {
			return fmt.Errorf("remote check failed: %w", err)
		}

		if jsonOut {
			return writeJSON(out, map[string]any{
				"edits":        stats,
				"applied":      drain.Report.Applied,
				"drain_passes": drain.Passes,
				"drain_ms":     drain.Duration.Milliseconds(),
			})
		}

		fmt.Fprintf(out, "\n%s\n", ui.RenderHeader("Edit latency"))
		stats.Print(out)
		fmt.Fprintf(out, "\n%s\n", ui.RenderHeader("Drain"))
		fmt.Fprintf(out, "  Applied:      %d\n", drain.Report.Applied)
		fmt.Fprintf(out, "  Passes:       %d\n", drain.Passes)
		fmt.Fprintf(out, "  Duration:     %v\n", drain.Duration)
		fmt.Fprintf(out, "\n%s Cache and remote agree\n", ui.RenderPass("✓"))
		if keep {
			fmt.Fprintf(out, "%s Scratch cache kept in %s\n", ui.RenderMuted("•"), dir)
		}
		return nil
	},
}

func init() {
	loadtestCmd.Flags().Int("documents", 100, "Documents to seed")
	loadtestCmd.Flags().Int("editors", 20, "Concurrent editors")
	loadtestCmd.Flags().Int("edits", 10, "Edits per editor")
	loadtestCmd.Flags().Bool("keep", false, "Keep the scratch cache for inspection")

	rootCmd.AddCommand(loadtestCmd)
}
