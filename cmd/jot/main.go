// Command jot is a local-first journal that syncs with a remote entries API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/jotsync/internal/config"
	"github.com/mschirtzinger/jotsync/internal/ui"
)

var (
	configFile string
	dbPath     string
	dbDriver   string
	remoteURL  string
	offline    bool

	// cfg is resolved before every command runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "jot",
	Short: "Local-first journal with background sync",
	Long: `jot keeps journal entries in a local SQLite database and syncs them with a
remote entries API whenever it is reachable.

Every local change is written immediately and marked pending. A sync uploads
pending entries, downloads the remote set and reconciles it locally. Entries
that fail to upload are retried with backoff on later syncs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		overrides := map[string]any{}
		if cmd.Flags().Changed("db") {
			overrides["db.path"] = dbPath
		}
		if cmd.Flags().Changed("driver") {
			overrides["db.driver"] = dbDriver
		}
		if cmd.Flags().Changed("remote") {
			overrides["remote.url"] = remoteURL
		}

		loaded, err := config.Load(config.LoadOptions{File: configFile, Overrides: overrides})
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "entries", Title: "Entries:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	rootCmd.SetHelpCommandGroupID("maint")
	rootCmd.SetCompletionCommandGroupID("maint")

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ~/.jot/config.toml)")
	flags.StringVar(&dbPath, "db", "", "database path (overrides db.path)")
	flags.StringVar(&dbDriver, "driver", "", "database driver: sqlite3, sqlite or libsql")
	flags.StringVar(&remoteURL, "remote", "", "remote API base URL (overrides remote.url)")
	flags.BoolVar(&offline, "offline", false, "never contact the remote")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
