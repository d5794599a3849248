package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docsync/docsync/internal/docsync/daemon"
	"github.com/docsync/docsync/internal/docsync/dashboard"
	docsync "github.com/docsync/docsync/internal/docsync/sync"
	"github.com/docsync/docsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "advanced",
	Short:   "Run background sync until interrupted",
	Long: `Run the sync daemon in the foreground.

The daemon drains the queue whenever the remote comes back online, retries
failed items on an interval, sweeps stale uploads and purges expired cache
entries. Stop it with Ctrl+C.

With --dashboard-port the monitoring dashboard is served as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("dashboard-port")
		return runDaemon(cmd, port)
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Run the sync daemon with the WebSocket monitoring dashboard",
	Long: `Run the sync daemon and serve a monitoring dashboard.

Endpoints:
  /ws          live events (drain_complete, conflict, item_failed, connectivity, stats)
  /health      server health
  /stats       cache statistics
  POST /drain  request a drain`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port := cfg.Dashboard.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}
		if port <= 0 {
			return fmt.Errorf("dashboard port must be positive (got %d)", port)
		}
		return runDaemon(cmd, port)
	},
}

// runDaemon blocks until the command context is cancelled. A positive port
// also serves the dashboard.
func runDaemon(cmd *cobra.Command, port int) error {
	ctx := cmd.Context()

	var (
		server   *dashboard.Server
		d        *daemon.Daemon
		observer docsync.Observer
	)
	if port > 0 {
		server = dashboard.NewServer(&dashboard.Config{
			Port: port,
			Trigger: func() {
				if d != nil {
					d.Nudge()
				}
			},
			Logger: logs.New("[dashboard] "),
		})
		observer = dashboard.NewHandler(server, logs.New("[dashboard] "))
	}

	env, err := openSync(ctx, true, observer)
	if err != nil {
		return err
	}
	defer env.Close()

	d, err = daemon.New(env.orch, env.store, &daemon.Config{
		RetryInterval:  cfg.Daemon.RetryInterval,
		SweepInterval:  cfg.Daemon.SweepInterval,
		StaleUploadAge: cfg.Sync.StaleUploadAge,
		PurgeInterval:  cfg.Daemon.PurgeInterval,
		Logger:         logs.New("[daemon] "),
	})
	if err != nil {
		return err
	}

	if server != nil {
		server.SetStats(env.cache)
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()
		fmt.Fprintf(cmd.OutOrStdout(), "%s Dashboard on http://%s\n", ui.RenderAccent("→"), server.GetAddr())
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s Syncing %s with %s (Ctrl+C to stop)\n",
		ui.RenderAccent("→"), cfg.DBPath, cfg.Remote.URL)
	return d.Start(ctx)
}

func init() {
	daemonCmd.Flags().Int("dashboard-port", 0, "Also serve the dashboard on this port (0 disables)")
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on (default: dashboard.port)")

	rootCmd.AddCommand(daemonCmd, dashboardCmd)
}
