package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/jotsync/internal/daemon"
	"github.com/mschirtzinger/jotsync/internal/dashboard"
	"github.com/mschirtzinger/jotsync/internal/local/schema"
	"github.com/mschirtzinger/jotsync/internal/metrics"
	"github.com/mschirtzinger/jotsync/internal/remote"
	jsync "github.com/mschirtzinger/jotsync/internal/sync"
	"github.com/mschirtzinger/jotsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep syncing in the foreground",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon:
  1. Syncs on start and every sync.interval
  2. Probes the remote and syncs as soon as it becomes reachable again
  3. Imports *.json and *.jsonl files dropped into daemon.inbox
  4. Serves a live dashboard and Prometheus metrics on dashboard.addr`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := mustHaveRemote(); err != nil {
			return err
		}
		if cmd.Flags().Changed("interval") {
			cfg.Sync.Interval, _ = cmd.Flags().GetDuration("interval")
		}
		if cmd.Flags().Changed("inbox") {
			cfg.Daemon.Inbox, _ = cmd.Flags().GetString("inbox")
		}
		if cmd.Flags().Changed("dashboard") {
			cfg.Dashboard.Addr, _ = cmd.Flags().GetString("dashboard")
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		syncMetrics := metrics.New()
		var (
			server  *dashboard.Server
			handler *dashboard.Handler
		)
		recorders := []jsync.Recorder{syncMetrics}
		if cfg.Dashboard.Addr != "" {
			server = dashboard.NewServer(dashboard.Config{
				Addr:    cfg.Dashboard.Addr,
				Metrics: syncMetrics.Handler(),
				Logger:  a.logger("dashboard"),
			})
			handler = dashboard.NewHandler(server, schema.Entity, a.logger("dashboard"))
			recorders = append(recorders, handler)
		}

		engine, flag, probe, err := a.engine(ctx, jsync.MultiRecorder(recorders...))
		if err != nil {
			return err
		}
		if err := engine.Refresh(ctx); err != nil {
			return err
		}

		opts := []daemon.Option{daemon.WithImporter(a.repo)}
		if probe != nil {
			opts = append(opts, daemon.WithProbe(probe))
		}
		d, err := daemon.New(engine, flag, daemon.Config{
			SyncInterval: cfg.Sync.Interval,
			Inbox:        cfg.Daemon.Inbox,
			Logger:       a.logger("daemon"),
		}, opts...)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Starting jot daemon...\n", ui.RenderAccent("●"))
		fmt.Fprintf(out, "   Database: %s\n", a.store.Path())
		fmt.Fprintf(out, "   Remote:   %s\n", cfg.Remote.URL)
		fmt.Fprintf(out, "   Interval: %s\n", cfg.Sync.Interval)
		if cfg.Daemon.Inbox != "" {
			fmt.Fprintf(out, "   Inbox:    %s\n", cfg.Daemon.Inbox)
		}

		if server != nil {
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()
			go handler.Run(ctx, engine)
			fmt.Fprintf(out, "   Dashboard: http://%s (metrics on /metrics)\n", server.Addr())
		}
		fmt.Fprintf(out, "\nPress Ctrl+C to stop\n\n")

		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("daemon stopped with error: %w", err)
		}
		return nil
	},
}

var devRemoteCmd = &cobra.Command{
	Use:     "dev-remote",
	GroupID: "maint",
	Short:   "Run an in-memory entries API for local testing",
	Long: `Run an in-memory implementation of the remote entries API. Data is lost on
exit. Point jot at it with --remote http://<addr>.

Routes:
  GET    /healthz
  GET    /entries
  POST   /entries/sync
  DELETE /entries/{id}

--fail-sync and --fail-list make those routes return 503, for trying out
retry behavior.`,
	// Needs no config or database.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		failSync, _ := cmd.Flags().GetBool("fail-sync")
		failList, _ := cmd.Flags().GetBool("fail-list")

		srv := remote.NewMemoryServer(nil)
		srv.SetFailing(remote.OpSync, failSync)
		srv.SetFailing(remote.OpList, failList)

		httpServer := &http.Server{
			Addr:              addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		errCh := make(chan error, 1)
		go func() { errCh <- httpServer.ListenAndServe() }()
		fmt.Fprintf(cmd.OutOrStdout(), "%s dev remote listening on http://%s\n", ui.RenderAccent("●"), addr)

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	},
}

func init() {
	daemonCmd.Flags().Duration("interval", 0, "sync interval (overrides sync.interval)")
	daemonCmd.Flags().String("inbox", "", "drop folder for entry files (overrides daemon.inbox)")
	daemonCmd.Flags().String("dashboard", "", "dashboard listen address (overrides dashboard.addr)")

	devRemoteCmd.Flags().String("addr", "127.0.0.1:8787", "listen address")
	devRemoteCmd.Flags().Bool("fail-sync", false, "answer every upload with 503")
	devRemoteCmd.Flags().Bool("fail-list", false, "answer every download with 503")

	rootCmd.AddCommand(daemonCmd, devRemoteCmd)
}
