// Command docsync manages an offline-first document cache and syncs it with
// a remote document service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/docsync/docsync/internal/config"
	"github.com/docsync/docsync/internal/logging"
	"github.com/docsync/docsync/internal/ui"
)

var (
	cfgFile   string
	dbPath    string
	forceMode string
	jsonOut   bool

	cfg  *config.Config
	logs *logging.Factory
)

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Offline-first document cache with queued sync",
	Long: `docsync keeps a local copy of your documents so you can view, edit and
upload while offline. Every change is queued and replayed against the remote
document service once it is reachable again. Concurrent edits are detected
and kept as conflicts until you resolve them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if dbPath != "" {
			loaded.DBPath = dbPath
		}
		if forceMode != "" {
			switch forceMode {
			case config.ModeOnline, config.ModeOffline:
				loaded.Connectivity.Mode = forceMode
			default:
				return fmt.Errorf("--mode must be online or offline (got %q)", forceMode)
			}
		}
		cfg = loaded
		logs = logging.NewFactory(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logs != nil {
			return logs.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./docsync.toml or ~/.docsync/docsync.toml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Cache database path (overrides db_path)")
	rootCmd.PersistentFlags().StringVar(&forceMode, "mode", "", "Force connectivity: online or offline")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "docs", Title: "Documents:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
