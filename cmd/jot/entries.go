package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/jotsync/internal/local/repo"
	"github.com/mschirtzinger/jotsync/internal/local/schema"
	"github.com/mschirtzinger/jotsync/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add [title...]",
	GroupID: "entries",
	Short:   "Write a new entry",
	Long: `Write a new entry to the local store. It is marked pending and uploaded on
the next sync.

Without a title on an interactive terminal, a form asks for the fields.

Examples:
  jot add "Walked to the lake" --mood 4
  jot add --title "Late shift" --date yesterday --body "Long one."
  jot add                       # interactive form`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		body, _ := cmd.Flags().GetString("body")
		mood, _ := cmd.Flags().GetInt("mood")
		date, _ := cmd.Flags().GetString("date")
		syncAfter, _ := cmd.Flags().GetBool("sync")

		if title == "" {
			title = strings.Join(args, " ")
		}
		if title == "" {
			if !ui.IsInteractive() {
				return fmt.Errorf("a title is required")
			}
			var err error
			if title, body, mood, date, err = entryForm(); err != nil {
				return err
			}
		}

		payload := schema.Payload{Title: title}
		if body != "" {
			payload.Body = &body
		}
		if mood != 0 {
			payload.Mood = &mood
		}
		if date != "" {
			d, err := parseEntryDate(date, time.Now())
			if err != nil {
				return err
			}
			payload.EntryDate = &d
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := a.repo.Create(cmd.Context(), payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Added %s %s\n", ui.RenderPass("✓"), ui.RenderAccent(ui.ShortID(entry.ID)), entry.Title)

		if syncAfter {
			return runSync(cmd, a)
		}
		return nil
	},
}

// entryForm asks for the entry fields interactively.
func entryForm() (title, body string, mood int, date string, err error) {
	moodOptions := []huh.Option[int]{huh.NewOption("skip", 0)}
	for i := 1; i <= 5; i++ {
		moodOptions = append(moodOptions, huh.NewOption(strings.Repeat("●", i), i))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Title").
				Value(&title).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("title is required")
					}
					return nil
				}),
			huh.NewText().
				Title("Body").
				Value(&body),
			huh.NewSelect[int]().
				Title("Mood").
				Options(moodOptions...).
				Value(&mood),
			huh.NewInput().
				Title("Date").
				Description("YYYY-MM-DD or e.g. \"yesterday\"; empty for none").
				Value(&date).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					_, err := parseEntryDate(s, time.Now())
					return err
				}),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", "", 0, "", fmt.Errorf("cancelled")
		}
		return "", "", 0, "", err
	}
	return title, body, mood, date, nil
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "entries",
	Short:   "List entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		var filter schema.SyncState
		if state != "" {
			s, err := schema.ParseSyncState(state)
			if err != nil {
				return err
			}
			filter = s
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
		if filter != "" {
			kept := entries[:0]
			for _, e := range entries {
				if e.SyncState == filter {
					kept = append(kept, e)
				}
			}
			entries = kept
		}
		if limit > 0 && len(entries) > limit {
			entries = entries[:limit]
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if entries == nil {
				entries = []schema.Entry{}
			}
			return enc.Encode(entries)
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.EntryTable(entries))
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "entries",
	Short:   "Show one entry",
	Long:    "Show one entry. The id may be abbreviated to any unique prefix.",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := resolveEntry(cmd.Context(), a.repo, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.EntryDetail(*entry))
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "entries",
	Short:   "Change fields of an entry",
	Long: `Change fields of an entry. Only the flags given are changed; the entry is
marked pending again.

Examples:
  jot edit 0192b3c4 --mood 2
  jot edit 0192b3c4 --title "Better title" --clear-date`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := patchFromFlags(cmd)
		if err != nil {
			return err
		}
		if patch.IsEmpty() {
			return fmt.Errorf("nothing to change (see jot edit --help)")
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		target, err := resolveEntry(cmd.Context(), a.repo, args[0])
		if err != nil {
			return err
		}
		updated, err := a.repo.Update(cmd.Context(), target.ID, patch)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Updated %s %s\n", ui.RenderPass("✓"), ui.RenderAccent(ui.ShortID(updated.ID)), updated.Title)
		return nil
	},
}

func patchFromFlags(cmd *cobra.Command) (schema.Patch, error) {
	var patch schema.Patch
	flags := cmd.Flags()

	if flags.Changed("title") {
		title, _ := flags.GetString("title")
		patch.Title = &title
	}
	if flags.Changed("body") {
		body, _ := flags.GetString("body")
		patch.Body = schema.Value(body)
	}
	if flags.Changed("mood") {
		mood, _ := flags.GetInt("mood")
		patch.Mood = schema.Value(mood)
	}
	if flags.Changed("date") {
		raw, _ := flags.GetString("date")
		d, err := parseEntryDate(raw, time.Now())
		if err != nil {
			return patch, err
		}
		patch.EntryDate = schema.Value(d)
	}
	if unset, _ := flags.GetBool("clear-body"); unset {
		patch.Body = schema.Null[string]()
	}
	if unset, _ := flags.GetBool("clear-mood"); unset {
		patch.Mood = schema.Null[int]()
	}
	if unset, _ := flags.GetBool("clear-date"); unset {
		patch.EntryDate = schema.Null[string]()
	}
	return patch, patch.Validate()
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	GroupID: "entries",
	Short:   "Delete an entry",
	Long: `Delete an entry. When the remote is reachable it is deleted there right
away; otherwise the local tombstone is uploaded on the next sync.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		target, err := resolveEntry(ctx, a.repo, args[0])
		if err != nil {
			return err
		}
		if target.IsTombstone() {
			return fmt.Errorf("entry %s is already deleted", ui.ShortID(target.ID))
		}

		engine, _, _, err := a.engine(ctx, nil)
		if err != nil {
			return err
		}
		if err := engine.DeleteRecord(ctx, target.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %s %s\n", ui.RenderPass("✓"), ui.RenderAccent(ui.ShortID(target.ID)), target.Title)
		return nil
	},
}

// resolveEntry finds an entry by id or unique id prefix. Exact ids match
// tombstones too; prefixes only match active entries.
func resolveEntry(ctx context.Context, r *repo.EntryRepository, ref string) (*schema.Entry, error) {
	entry, err := r.FindByID(ctx, ref)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	active, err := r.FindAllActive(ctx)
	if err != nil {
		return nil, err
	}
	var matches []schema.Entry
	for _, e := range active {
		if strings.HasPrefix(e.ID, ref) {
			matches = append(matches, e)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("entry %q: %w", ref, repo.ErrNotFound)
	case 1:
		return &matches[0], nil
	}
	return nil, fmt.Errorf("id prefix %q is ambiguous (%d entries match)", ref, len(matches))
}

func init() {
	addCmd.Flags().StringP("title", "t", "", "entry title")
	addCmd.Flags().StringP("body", "b", "", "entry text")
	addCmd.Flags().IntP("mood", "m", 0, "mood from 1 to 5")
	addCmd.Flags().StringP("date", "d", "", "entry date: YYYY-MM-DD or natural language")
	addCmd.Flags().Bool("sync", false, "sync right after adding")

	listCmd.Flags().String("state", "", "only entries in this sync state (pending, synced, failed)")
	listCmd.Flags().IntP("limit", "n", 0, "show at most n entries")
	listCmd.Flags().Bool("json", false, "print JSON")

	editCmd.Flags().StringP("title", "t", "", "new title")
	editCmd.Flags().StringP("body", "b", "", "new text")
	editCmd.Flags().IntP("mood", "m", 0, "new mood from 1 to 5")
	editCmd.Flags().StringP("date", "d", "", "new entry date")
	editCmd.Flags().Bool("clear-body", false, "remove the text")
	editCmd.Flags().Bool("clear-mood", false, "remove the mood")
	editCmd.Flags().Bool("clear-date", false, "remove the entry date")
	editCmd.MarkFlagsMutuallyExclusive("body", "clear-body")
	editCmd.MarkFlagsMutuallyExclusive("mood", "clear-mood")
	editCmd.MarkFlagsMutuallyExclusive("date", "clear-date")

	rootCmd.AddCommand(addCmd, listCmd, showCmd, editCmd, rmCmd)
}

