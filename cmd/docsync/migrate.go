package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docsync/docsync/internal/docsync/migrate"
	"github.com/docsync/docsync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <file>",
	GroupID: "advanced",
	Short:   "Export the cache (documents, queue, conflicts) to JSONL",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backup, _ := cmd.Flags().GetBool("backup")

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := migrate.Export(cmd.Context(), store, migrate.ExportOptions{
			ToJSONL: args[0],
			Backup:  backup,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOut {
			return writeJSON(out, result)
		}
		if result.BackupCreated != "" {
			fmt.Fprintf(out, "%s Backed up previous export to %s\n", ui.RenderMuted("•"), result.BackupCreated)
		}
		fmt.Fprintf(out, "%s Exported %d documents, %d queue items, %d conflicts to %s\n",
			ui.RenderPass("✓"), result.Documents, result.QueueItems, result.Conflicts, args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "advanced",
	Short:   "Import documents, queue and conflicts from a JSONL export",
	Long: `Import a JSONL export into the cache.

Documents already cached are skipped unless --overwrite is given. Changes
that were being dispatched when the export was taken are imported as
pending and will be sent again on the next drain.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := migrate.Import(cmd.Context(), store, migrate.ImportOptions{
			FromJSONL: args[0],
			DryRun:    dryRun,
			Overwrite: overwrite,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOut {
			return writeJSON(out, result)
		}
		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Fprintf(out, "%s %s %d documents, %d queue items, %d conflicts\n",
			ui.RenderPass("✓"), verb, result.Documents, result.QueueItems, result.Conflicts)
		if result.Skipped > 0 {
			fmt.Fprintf(out, "%s Skipped %d documents already cached (use --overwrite to replace)\n",
				ui.RenderWarn("!"), result.Skipped)
		}
		for _, msg := range result.Errors {
			fmt.Fprintf(out, "  %s %s\n", ui.RenderFail("✗"), msg)
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("import finished with %d errors", len(result.Errors))
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().Bool("backup", false, "Keep a timestamped copy of an existing output file")
	importCmd.Flags().Bool("dry-run", false, "Validate and count without writing")
	importCmd.Flags().Bool("overwrite", false, "Replace documents already cached")

	rootCmd.AddCommand(exportCmd, importCmd)
}
