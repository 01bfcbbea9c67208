package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/jotsync/internal/loadtest"
	"github.com/mschirtzinger/jotsync/internal/local/db"
	"github.com/mschirtzinger/jotsync/internal/local/repo"
	"github.com/mschirtzinger/jotsync/internal/logging"
	"github.com/mschirtzinger/jotsync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Measure store latency under concurrent readers and writers",
	Long: `Measure store latency under concurrent readers and writers.

The benchmark runs against a scratch database in a temporary directory using
the configured driver and pool settings. Your journal is never touched.

Examples:
  jot bench
  jot bench --readers 8 --writers 4 --ops 200 --seed 5000
  jot bench --driver modernc --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		readers, _ := cmd.Flags().GetInt("readers")
		writers, _ := cmd.Flags().GetInt("writers")
		ops, _ := cmd.Flags().GetInt("ops")
		seed, _ := cmd.Flags().GetInt("seed")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		if seed < 0 {
			return fmt.Errorf("--seed must not be negative")
		}

		dir, err := os.MkdirTemp("", "jot-bench-*")
		if err != nil {
			return fmt.Errorf("failed to create scratch directory: %w", err)
		}
		defer os.RemoveAll(dir)

		opts, err := storeOptions(filepath.Join(dir, "bench.db"))
		if err != nil {
			return err
		}
		handle := db.NewHandle(opts, logging.Discard())
		defer handle.Close()

		store, err := handle.Get(cmd.Context())
		if err != nil {
			return err
		}
		entries := repo.NewEntryRepository(store.RawDB())

		if _, err := loadtest.Seed(cmd.Context(), entries, seed, time.Now()); err != nil {
			return err
		}
		report, err := loadtest.Run(cmd.Context(), entries, loadtest.Options{
			Readers: readers,
			Writers: writers,
			Ops:     ops,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		fmt.Fprintf(out, "%s %s driver, %d seeded entries, %d readers, %d writers, %d ops each\n\n",
			ui.RenderAccent("Bench"), opts.Driver, seed, readers, writers, ops)
		report.Print(out)
		return nil
	},
}

func init() {
	d := loadtest.DefaultOptions()
	benchCmd.Flags().Int("readers", d.Readers, "concurrent goroutines listing entries")
	benchCmd.Flags().Int("writers", d.Writers, "concurrent goroutines creating entries")
	benchCmd.Flags().Int("ops", d.Ops, "operations per goroutine")
	benchCmd.Flags().Int("seed", 1000, "entries inserted before the run")
	benchCmd.Flags().Bool("json", false, "print JSON")
	rootCmd.AddCommand(benchCmd)
}
