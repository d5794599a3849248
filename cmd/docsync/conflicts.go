package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/docsync/docsync/internal/docsync/db"
	"github.com/docsync/docsync/internal/docsync/resolver"
	"github.com/docsync/docsync/internal/docsync/schema"
	"github.com/docsync/docsync/internal/ui"
)

const (
	keepLocal  = "local"
	keepServer = "server"
)

// conflictView pairs a conflict record with the local document.
type conflictView struct {
	ID            string        `json:"id" yaml:"id"`
	LocalName     string        `json:"local_name" yaml:"local_name"`
	LocalVersion  int64         `json:"local_version" yaml:"local_version"`
	LocalDeleted  bool          `json:"local_deleted,omitempty" yaml:"local_deleted,omitempty"`
	RemoteVersion int64         `json:"remote_version" yaml:"remote_version"`
	Remote        schema.Fields `json:"remote" yaml:"remote"`
	NoSnapshot    bool          `json:"no_snapshot,omitempty" yaml:"no_snapshot,omitempty"`
	DetectedAt    string        `json:"detected_at" yaml:"detected_at"`
}

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List documents in conflict with the remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		r, err := newResolver(store)
		if err != nil {
			return err
		}
		records, err := r.Conflicts(cmd.Context())
		if err != nil {
			return err
		}

		views := make([]conflictView, 0, len(records))
		for _, rec := range records {
			v := conflictView{
				ID:            rec.DocumentID,
				RemoteVersion: rec.RemoteVersion,
				Remote:        rec.RemoteSnapshot,
				NoSnapshot:    !rec.HasSnapshot(),
				DetectedAt:    formatTime(&rec.DetectedAt),
			}
			doc, err := store.Get(cmd.Context(), rec.DocumentID)
			switch {
			case err == nil:
				v.LocalName = doc.Name
				v.LocalVersion = doc.LocalVersion
				v.LocalDeleted = doc.Deleted
			case !errors.Is(err, db.ErrNotFound):
				return err
			}
			views = append(views, v)
		}

		out := cmd.OutOrStdout()
		if jsonOut {
			return writeJSON(out, views)
		}
		if len(views) == 0 {
			fmt.Fprintf(out, "%s No conflicts\n", ui.RenderPass("✓"))
			return nil
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tLOCAL\tREMOTE\tDETECTED\t")
		for _, v := range views {
			local := fmt.Sprintf("%s (v%d)", truncate(v.LocalName, 30), v.LocalVersion)
			if v.LocalDeleted {
				local = ui.RenderMuted("deleted")
			}
			server := truncate(v.Remote.Name, 30)
			if v.NoSnapshot {
				server = ui.RenderMuted("no server copy")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s (v%d)\t%s\t\n", v.ID, local, server, v.RemoteVersion, v.DetectedAt)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nResolve with: docsync resolve <id> --keep local|server\n")
		for _, v := range views {
			if v.NoSnapshot {
				fmt.Fprintf(out, "Run 'docsync refresh --full' to fetch missing server copies.\n")
				break
			}
		}
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:     "resolve <id>",
	GroupID: "sync",
	Short:   "Resolve a conflict by keeping the local or the server copy",
	Long: `Resolve a conflict on one document.

  --keep local   push the local copy over the server version on the next drain
  --keep server  replace the local copy with the server copy recorded when
                 the conflict was detected

Without --keep you are asked interactively when running in a terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		keep, _ := cmd.Flags().GetString("keep")

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		if keep == "" {
			if !ui.IsTerminal() {
				return fmt.Errorf("--keep is required when not running in a terminal")
			}
			keep, err = promptKeep(cmd, store, id)
			if err != nil {
				return err
			}
		}

		r, err := newResolver(store)
		if err != nil {
			return err
		}

		switch keep {
		case keepLocal:
			err = r.ResolveKeepLocal(cmd.Context(), id)
		case keepServer:
			err = r.ResolveKeepRecorded(cmd.Context(), id)
		default:
			return fmt.Errorf("invalid --keep %q (want local or server)", keep)
		}
		if errors.Is(err, resolver.ErrNoSnapshot) {
			return fmt.Errorf("%w; run 'docsync refresh --full' first", err)
		}
		if err != nil {
			return err
		}

		if jsonOut {
			return writeJSON(cmd.OutOrStdout(), map[string]string{"id": id, "kept": keep})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Kept %s copy of %s\n", ui.RenderPass("✓"), keep, id)
		return nil
	},
}

func promptKeep(cmd *cobra.Command, store *db.DB, id string) (string, error) {
	doc, err := store.Get(cmd.Context(), id)
	if err != nil {
		return "", err
	}
	rec, err := store.GetConflict(cmd.Context(), id)
	if err != nil {
		return "", fmt.Errorf("document %s has no recorded conflict: %w", id, err)
	}

	local := fmt.Sprintf("Keep mine: %s (local v%d)", doc.Name, doc.LocalVersion)
	if doc.Deleted {
		local = "Keep mine: delete it on the server"
	}
	server := fmt.Sprintf("Keep theirs: %s (server v%d)", rec.RemoteSnapshot.Name, rec.RemoteVersion)
	if !rec.HasSnapshot() {
		server = fmt.Sprintf("Keep theirs: server v%d (not fetched yet)", rec.RemoteVersion)
	}

	var keep string
	err = huh.NewSelect[string]().
		Title(fmt.Sprintf("%s was changed on the server while you edited it", id)).
		Options(
			huh.NewOption(local, keepLocal),
			huh.NewOption(server, keepServer),
		).
		Value(&keep).
		Run()
	if err != nil {
		return "", err
	}
	return keep, nil
}

func init() {
	resolveCmd.Flags().String("keep", "", "Copy to keep: local or server")

	rootCmd.AddCommand(conflictsCmd, resolveCmd)
}
