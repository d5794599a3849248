package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/docsync/docsync/internal/docsync/schema"
	"github.com/docsync/docsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "docs",
	Short:   "Show cache statistics",
	Long: `Display a summary of the local document cache.

Shows:
  - Cache file location
  - Number of documents and their total size
  - Queued changes waiting for the remote
  - Documents in conflict or failed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOut {
			return writeJSON(out, stats)
		}

		fmt.Fprintf(out, "\n%s Document cache\n\n", ui.RenderAccent("▸"))
		fmt.Fprintf(out, "Location:  %s\n", store.Path())
		fmt.Fprintf(out, "Documents: %d (%s)\n", stats.DocumentCount, formatSize(stats.TotalSize))
		fmt.Fprintf(out, "Queued:    %d\n", stats.PendingSyncs)
		conflicts := fmt.Sprintf("%d", stats.ConflictCount)
		if stats.ConflictCount > 0 {
			conflicts = ui.RenderFail(conflicts) + "  (see 'docsync conflicts')"
		}
		fmt.Fprintf(out, "Conflicts: %s\n", conflicts)
		failed := fmt.Sprintf("%d", stats.FailedCount)
		if stats.FailedCount > 0 {
			failed = ui.RenderWarn(failed) + "  (see 'docsync retry')"
		}
		fmt.Fprintf(out, "Failed:    %s\n\n", failed)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "docs",
	Short:   "List cached documents",
	Long: `List the documents in the local cache.

Examples:
  docsync list
  docsync list --status pending
  docsync list --favorites --format yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFlag, _ := cmd.Flags().GetString("status")
		favorites, _ := cmd.Flags().GetBool("favorites")
		formatFlag, _ := cmd.Flags().GetString("format")

		format, err := outputFormat(formatFlag)
		if err != nil {
			return err
		}

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		var docs []*schema.CachedDocument
		switch {
		case statusFlag != "":
			status, err := schema.ParseSyncStatus(statusFlag)
			if err != nil {
				return err
			}
			docs, err = store.GetBySyncStatus(cmd.Context(), status)
			if err != nil {
				return err
			}
		case favorites:
			docs, err = store.GetFavorites(cmd.Context())
		default:
			docs, err = store.GetAll(cmd.Context())
		}
		if err != nil {
			return err
		}
		if statusFlag != "" && favorites {
			kept := docs[:0]
			for _, doc := range docs {
				if doc.IsFavorite {
					kept = append(kept, doc)
				}
			}
			docs = kept
		}

		out := cmd.OutOrStdout()
		if format != formatTable {
			if docs == nil {
				docs = []*schema.CachedDocument{}
			}
			return writeStructured(out, format, docs)
		}

		if len(docs) == 0 {
			fmt.Fprintln(out, "No documents.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tVERSION\tSIZE\t")
		for _, doc := range docs {
			name := truncate(doc.Name, 40)
			if doc.IsFavorite {
				name = "★ " + name
			}
			status := ui.RenderStatus(doc.SyncStatus)
			if doc.Deleted {
				status += " " + ui.RenderMuted("(deleted)")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t\n",
				doc.ID, name, status, doc.LocalVersion, doc.RemoteVersion, formatSize(doc.Size))
		}
		return tw.Flush()
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "docs",
	Short:   "Show one cached document with its queued changes",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatFlag, _ := cmd.Flags().GetString("format")
		format, err := outputFormat(formatFlag)
		if err != nil {
			return err
		}

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		doc, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		queue, err := store.QueueForDocument(cmd.Context(), doc.ID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if format != formatTable {
			return writeStructured(out, format, struct {
				Document *schema.CachedDocument `json:"document" yaml:"document"`
				Queue    []*schema.QueueItem    `json:"queue" yaml:"queue"`
			}{doc, queue})
		}

		fmt.Fprintf(out, "\n%s %s\n\n", ui.RenderAccent(doc.Name), ui.RenderMuted(doc.ID))
		fmt.Fprintf(out, "Status:     %s\n", ui.RenderStatus(doc.SyncStatus))
		if doc.Deleted {
			fmt.Fprintf(out, "Deleted:    %s\n", ui.RenderWarn("pending remote confirmation"))
		}
		if doc.LastError != "" {
			fmt.Fprintf(out, "Last error: %s\n", ui.RenderFail(doc.LastError))
		}
		fmt.Fprintf(out, "Versions:   local %d, remote %d\n", doc.LocalVersion, doc.RemoteVersion)
		fmt.Fprintf(out, "Last sync:  %s\n", formatTime(doc.LastSyncedAt))
		fmt.Fprintf(out, "Size:       %s\n", formatSize(doc.Size))
		if doc.MediaType != "" {
			fmt.Fprintf(out, "Type:       %s\n", doc.MediaType)
		}
		if doc.ProcessingStatus != "" {
			fmt.Fprintf(out, "Processing: %s\n", doc.ProcessingStatus)
		}
		if doc.IsFavorite {
			fmt.Fprintln(out, "Favorite:   yes")
		}
		for _, k := range sortedMetadataKeys(doc.Metadata) {
			fmt.Fprintf(out, "  %s = %s\n", k, doc.Metadata[k])
		}
		if len(doc.ChangeLog) > 0 {
			fmt.Fprintf(out, "\nUnsynced changes:\n")
			for _, e := range doc.ChangeLog {
				fmt.Fprintf(out, "  %s: %q -> %q\n", e.Field, e.OldValue, e.NewValue)
			}
		}
		if len(queue) > 0 {
			fmt.Fprintf(out, "\nQueued:\n")
			for _, item := range queue {
				line := fmt.Sprintf("  %s %s (%s, %d retries)", item.Operation, ui.RenderMuted(item.ID), item.Status, item.RetryCount)
				if item.LastError != "" {
					line += ": " + item.LastError
				}
				fmt.Fprintln(out, line)
			}
		}
		fmt.Fprintln(out)
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:     "create <name>",
	GroupID: "docs",
	Short:   "Create a document without content",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := fieldsFromFlags(cmd, args[0])
		if err != nil {
			return err
		}

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()
		c, err := newCache(store)
		if err != nil {
			return err
		}

		doc, err := c.Create(cmd.Context(), fields)
		if err != nil {
			return err
		}
		return reportDocument(cmd, doc, "Created")
	},
}

var uploadCmd = &cobra.Command{
	Use:     "upload <file>",
	GroupID: "docs",
	Short:   "Cache a file and queue its upload",
	Long: `Copy a file into the local cache and queue it for upload.

The document is usable immediately; it is sent to the remote by the next drain.

Examples:
  docsync upload scan.pdf
  docsync upload receipt.jpg --name "March receipt" --meta category=expenses`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		// #nosec G304 - user-supplied path from CLI
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = filepath.Base(path)
		}
		fields, err := fieldsFromFlags(cmd, name)
		if err != nil {
			return err
		}
		if fields.MediaType == "" {
			fields.MediaType = mime.TypeByExtension(filepath.Ext(path))
		}

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()
		c, err := newCache(store)
		if err != nil {
			return err
		}

		doc, err := c.Upload(cmd.Context(), fields, data)
		if err != nil {
			return err
		}
		return reportDocument(cmd, doc, "Queued upload of")
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id> field=value...",
	GroupID: "docs",
	Short:   "Edit document fields",
	Long: `Change editable fields of a cached document.

Editable fields: name, media_type, extracted_text, processing_status and
metadata.<key>. Each call is one change queued for the remote.

Examples:
  docsync edit local-1f2e name="Tax return 2025.pdf"
  docsync edit srv-42 metadata.category=taxes processing_status=done`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		changes := schema.Delta{}
		for _, arg := range args[1:] {
			field, value, ok := strings.Cut(arg, "=")
			if !ok || field == "" {
				return fmt.Errorf("invalid change %q (want field=value)", arg)
			}
			changes[field] = value
		}

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()
		c, err := newCache(store)
		if err != nil {
			return err
		}

		doc, err := c.Edit(cmd.Context(), args[0], changes)
		if err != nil {
			return err
		}
		return reportDocument(cmd, doc, "Updated")
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>...",
	GroupID: "docs",
	Short:   "Delete documents and queue the remote deletion",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()
		c, err := newCache(store)
		if err != nil {
			return err
		}

		for _, id := range args {
			if err := c.Delete(cmd.Context(), id); err != nil {
				return err
			}
			if !jsonOut {
				fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %s\n", ui.RenderPass("✓"), id)
			}
		}
		if jsonOut {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"deleted": args})
		}
		return nil
	},
}

var favoriteCmd = &cobra.Command{
	Use:     "favorite <id>",
	GroupID: "docs",
	Short:   "Flag a document as favorite (local only)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		off, _ := cmd.Flags().GetBool("off")

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()
		c, err := newCache(store)
		if err != nil {
			return err
		}

		if err := c.SetFavorite(cmd.Context(), args[0], !off); err != nil {
			return err
		}
		if jsonOut {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"id": args[0], "favorite": !off})
		}
		if off {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %s from favorites\n", ui.RenderPass("✓"), args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Added %s to favorites\n", ui.RenderPass("✓"), args[0])
		}
		return nil
	},
}

// fieldsFromFlags builds Fields from --media-type and --meta.
func fieldsFromFlags(cmd *cobra.Command, name string) (schema.Fields, error) {
	mediaType, _ := cmd.Flags().GetString("media-type")
	meta, _ := cmd.Flags().GetStringToString("meta")

	fields := schema.Fields{Name: name, MediaType: mediaType}
	if len(meta) > 0 {
		fields.Metadata = meta
	}
	return fields, fields.Validate()
}

func reportDocument(cmd *cobra.Command, doc *schema.CachedDocument, verb string) error {
	out := cmd.OutOrStdout()
	if jsonOut {
		return writeJSON(out, doc)
	}
	fmt.Fprintf(out, "%s %s %s (%s)\n", ui.RenderPass("✓"), verb, doc.Name, doc.ID)
	if doc.SyncStatus == schema.StatusPending {
		fmt.Fprintf(out, "   %s\n", ui.RenderMuted("queued for the next drain"))
	}
	return nil
}

func sortedMetadataKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func init() {
	listCmd.Flags().String("status", "", "Only documents in this sync status (synced, pending, syncing, conflict, failed)")
	listCmd.Flags().Bool("favorites", false, "Only favorite documents")
	listCmd.Flags().StringP("format", "f", formatTable, "Output format: table, json or yaml")
	showCmd.Flags().StringP("format", "f", formatTable, "Output format: table, json or yaml")

	for _, c := range []*cobra.Command{createCmd, uploadCmd} {
		c.Flags().String("media-type", "", "Media type, e.g. application/pdf")
		c.Flags().StringToString("meta", nil, "Metadata key=value pairs")
	}
	uploadCmd.Flags().String("name", "", "Document name (default: file name)")
	favoriteCmd.Flags().Bool("off", false, "Remove the favorite flag instead")

	rootCmd.AddCommand(statusCmd, listCmd, showCmd, createCmd, uploadCmd, editCmd, deleteCmd, favoriteCmd)
}
