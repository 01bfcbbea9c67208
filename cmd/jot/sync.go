package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/jotsync/internal/local/migrate"
	jsync "github.com/mschirtzinger/jotsync/internal/sync"
	"github.com/mschirtzinger/jotsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Upload pending entries and download the remote set",
	Long: `Run one sync cycle:
  1. Requeue failed entries whose retry backoff has elapsed
  2. Upload every pending entry in one batch
  3. Download all remote entries and store them locally
  4. Reload the active entries

Upload and download failures are reported but do not stop the other steps.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := mustHaveRemote(); err != nil {
			return err
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return runSync(cmd, a)
	},
}

func runSync(cmd *cobra.Command, a *app) error {
	engine, _, _, err := a.engine(cmd.Context(), nil)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	result := engine.Sync(cmd.Context())
	switch result.Outcome {
	case jsync.OutcomeSkippedOffline:
		fmt.Fprintf(out, "%s Remote unreachable, nothing synced. Changes stay pending.\n", ui.RenderWarn("⚠"))
		return nil
	case jsync.OutcomeSkippedInFlight:
		fmt.Fprintf(out, "%s A sync is already running.\n", ui.RenderWarn("⚠"))
		return nil
	}

	mark := ui.RenderPass("✓")
	if result.Outcome == jsync.OutcomeFailed {
		mark = ui.RenderFail("✗")
	}
	fmt.Fprintf(out, "%s Sync %s in %v\n", mark, result.Outcome, result.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "   Uploaded:   %d\n", result.Uploaded)
	if result.UploadFailed > 0 {
		fmt.Fprintf(out, "   Failed:     %s\n", ui.RenderFail(strconv.Itoa(result.UploadFailed)))
	}
	if result.Requeued > 0 {
		fmt.Fprintf(out, "   Retried:    %d\n", result.Requeued)
	}
	fmt.Fprintf(out, "   Downloaded: %d\n", result.Downloaded)
	fmt.Fprintf(out, "   Active:     %d\n", len(engine.State().Records))
	return result.Err
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local store and sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		counts, err := a.repo.Counts(ctx)
		if err != nil {
			return err
		}
		status, err := migrate.NewRunner(a.store.RawDB(), a.logger("migrate")).Status(ctx, migrate.Units())
		if err != nil {
			return err
		}

		size := "-"
		if info, err := os.Stat(a.store.Path()); err == nil {
			size = formatSize(info.Size())
		}

		remoteLine := ui.RenderMuted("not configured")
		switch {
		case offline:
			remoteLine = cfg.Remote.URL + " " + ui.RenderWarn("(offline mode)")
		case cfg.Remote.URL != "":
			flag, _ := a.connectivity(ctx)
			if flag.Online() {
				remoteLine = cfg.Remote.URL + " " + ui.RenderPass("(reachable)")
			} else {
				remoteLine = cfg.Remote.URL + " " + ui.RenderFail("(unreachable)")
			}
		}

		failed := strconv.Itoa(counts.Failed)
		if counts.Failed > 0 {
			failed = ui.RenderFail(failed)
		}
		schemaLine := fmt.Sprintf("v%d", status.CurrentVersion)
		if n := len(status.Pending); n > 0 {
			schemaLine += " " + ui.RenderWarn(fmt.Sprintf("(%d pending, run jot migrate)", n))
		}
		configLine := cfg.File
		if configLine == "" {
			configLine = ui.RenderMuted("defaults")
		}

		fmt.Fprintf(cmd.OutOrStdout(), "\n%s jot status\n\n", ui.RenderAccent("●"))
		fmt.Fprintln(cmd.OutOrStdout(), ui.KeyValues([][2]string{
			{"Database", fmt.Sprintf("%s (%s, %s)", a.store.Path(), a.store.Driver(), size)},
			{"Schema", schemaLine},
			{"Config", configLine},
			{"Remote", remoteLine},
			{"Active", strconv.Itoa(counts.Active)},
			{"Pending", strconv.Itoa(counts.Pending)},
			{"Synced", strconv.Itoa(counts.Synced)},
			{"Failed", failed},
			{"Deleted", strconv.Itoa(counts.Tombstones)},
		}))
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	}
	return fmt.Sprintf("%d bytes", size)
}

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd)
}
