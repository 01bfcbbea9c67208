package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/jotsync/internal/backup"
	"github.com/mschirtzinger/jotsync/internal/config"
	"github.com/mschirtzinger/jotsync/internal/local/migrate"
	"github.com/mschirtzinger/jotsync/internal/local/transfer"
	"github.com/mschirtzinger/jotsync/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "maint",
	Short:   "Apply pending schema migrations",
	Long: `Apply pending schema migrations. Every command already does this when it
opens the database; this command reports what ran.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// newApp migrates on open; report the ledger afterwards.
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := migrate.NewRunner(a.store.RawDB(), a.logger("migrate")).Status(cmd.Context(), migrate.Units())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Schema at version %d (%d migrations applied)\n",
			ui.RenderPass("✓"), status.CurrentVersion, len(status.Applied))
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied and pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := migrate.NewRunner(a.store.RawDB(), a.logger("migrate")).Status(cmd.Context(), migrate.Units())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Current version: %d\n\n", status.CurrentVersion)
		for _, row := range status.Applied {
			fmt.Fprintf(out, "  %s %3d  %-32s %s\n", ui.RenderPass("✓"), row.Version, row.Name,
				ui.RenderMuted(row.ExecutedAt.Local().Format(time.DateTime)))
		}
		for _, unit := range status.Pending {
			fmt.Fprintf(out, "  %s %3d  %s\n", ui.RenderWarn("○"), unit.Version, unit.Name)
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "maint",
	Short:   "Import entries from a JSON or JSONL file",
	Long: `Import entries from a file. Files ending in .json hold one entry object or an
array of them; anything else is read as JSON Lines.

Records with an "id" keep it and are skipped if it already exists. Records
without one become new entries. Everything imported is pending.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := transfer.ImportFile(cmd.Context(), args[0], a.repo, transfer.ImportOptions{DryRun: dryRun})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Fprintf(out, "%s %s %d record(s) from %s\n", ui.RenderPass("✓"), verb, result.Lines-len(result.Errors), args[0])
		fmt.Fprintf(out, "   New:      %d\n", result.Created)
		fmt.Fprintf(out, "   With id:  %d\n", result.Inserted)
		if result.Skipped > 0 {
			fmt.Fprintf(out, "   Existing: %d (skipped)\n", result.Skipped)
		}
		if len(result.Errors) > 0 {
			fmt.Fprintf(out, "\n%s %d record(s) rejected:\n", ui.RenderWarn("⚠"), len(result.Errors))
			for _, msg := range result.Errors {
				fmt.Fprintf(out, "   %s\n", msg)
			}
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "maint",
	Short:   "Export active entries as JSON, JSONL or YAML",
	Long: `Export active entries. Without a file the export goes to stdout. The format
defaults to the file extension, or JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatFlag, _ := cmd.Flags().GetString("format")

		var format transfer.Format
		switch {
		case formatFlag != "":
			f, err := transfer.ParseFormat(formatFlag)
			if err != nil {
				return err
			}
			format = f
		case len(args) == 1:
			format = transfer.FormatFromPath(args[0])
		default:
			format = transfer.FormatJSON
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.repo.FindAllActive(cmd.Context())
		if err != nil {
			return err
		}

		if len(args) == 0 {
			return transfer.Export(cmd.OutOrStdout(), entries, format)
		}
		if err := transfer.ExportFile(args[0], entries, format); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s Exported %d entries to %s\n", ui.RenderPass("✓"), len(entries), args[0])
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:     "backup",
	GroupID: "maint",
	Short:   "Write a consistent database snapshot to a directory or S3",
	Long: `Write a consistent snapshot of the database (VACUUM INTO) and store it as
jot-<timestamp>.db. The target is backup.dir unless --s3 is given, in which
case the backup.s3.* settings are used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		toS3, _ := cmd.Flags().GetBool("s3")
		dir, _ := cmd.Flags().GetString("dir")

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var target backup.Target
		if toS3 {
			s3cfg := cfg.Backup.S3
			t, err := backup.NewS3Target(ctx, backup.S3Config{
				Bucket:          s3cfg.Bucket,
				Region:          s3cfg.Region,
				Endpoint:        s3cfg.Endpoint,
				AccessKeyID:     s3cfg.AccessKeyID,
				SecretAccessKey: s3cfg.SecretAccessKey,
				PathStyle:       s3cfg.PathStyle,
			})
			if err != nil {
				return err
			}
			target = t
		} else {
			if dir == "" {
				dir = cfg.Backup.Dir
			}
			target = backup.DirTarget{Dir: dir}
		}

		result, err := backup.Run(ctx, a.store, target, cfg.Backup.Prefix, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Backup written to %s (%s)\n", ui.RenderPass("✓"), result.Location, formatSize(result.Size))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with every default",
	// The file may not exist yet, so skip loading it.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := configFile
		if path == "" {
			path = config.DefaultFile()
		}
		if err := config.WriteDefault(path, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		source := cfg.File
		if source == "" {
			source = "defaults"
		}
		secret := func(s string) string {
			if s == "" {
				return ""
			}
			return "********"
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.KeyValues([][2]string{
			{"source", source},
			{"db.path", cfg.DB.Path},
			{"db.driver", cfg.DB.Driver},
			{"remote.url", cfg.Remote.URL},
			{"remote.token", secret(cfg.Remote.Token)},
			{"remote.timeout", cfg.Remote.Timeout.String()},
			{"sync.interval", cfg.Sync.Interval.String()},
			{"probe.url", cfg.ProbeURL()},
			{"retry", fmt.Sprintf("%d attempts, %s..%s", cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)},
			{"log.file", cfg.Log.File},
			{"dashboard.addr", cfg.Dashboard.Addr},
			{"daemon.inbox", cfg.Daemon.Inbox},
			{"backup.dir", cfg.Backup.Dir},
			{"backup.s3.bucket", cfg.Backup.S3.Bucket},
		}))
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "parse and validate without writing")
	exportCmd.Flags().StringP("format", "f", "", "json, jsonl or yaml")
	backupCmd.Flags().Bool("s3", false, "upload to the configured S3 bucket")
	backupCmd.Flags().String("dir", "", "backup directory (overrides backup.dir)")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")

	migrateCmd.AddCommand(migrateStatusCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(migrateCmd, importCmd, exportCmd, backupCmd, configCmd)
}

