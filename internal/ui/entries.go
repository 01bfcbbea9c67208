package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mschirtzinger/jotsync/internal/local/schema"
)

// RenderSyncState colors a sync state.
func RenderSyncState(s schema.SyncState) string {
	switch s {
	case schema.SyncSynced:
		return RenderPass(string(s))
	case schema.SyncPending:
		return RenderWarn(string(s))
	case schema.SyncFailed:
		return RenderFail(string(s))
	}
	return string(s)
}

// RenderMood shows a 1..5 mood as filled and empty dots.
func RenderMood(mood *int) string {
	if mood == nil {
		return RenderMuted("-")
	}
	return strings.Repeat("●", *mood) + RenderMuted(strings.Repeat("○", 5-*mood))
}

// ShortID trims a UUID to its first 8 characters for tables.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// EntryTable renders entries as an aligned table, newest first as given.
func EntryTable(entries []schema.Entry) string {
	if len(entries) == 0 {
		return RenderMuted("No entries.")
	}

	rows := [][]string{{"ID", "DATE", "MOOD", "STATE", "TITLE"}}
	for _, e := range entries {
		date := e.CreatedAt.Local().Format("2006-01-02")
		if e.EntryDate != nil {
			date = *e.EntryDate
		}
		rows = append(rows, []string{ShortID(e.ID), date, RenderMood(e.Mood), RenderSyncState(e.SyncState), e.Title})
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	var b strings.Builder
	for r, row := range rows {
		for i, cell := range row {
			if r == 0 {
				cell = RenderBold(cell)
			}
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		if r < len(rows)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// EntryDetail renders one entry in full.
func EntryDetail(e schema.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", RenderBold(e.Title))
	field := func(k, v string) { fmt.Fprintf(&b, "%s %s\n", RenderMuted(fmt.Sprintf("%-10s", k+":")), v) }

	field("id", e.ID)
	if e.EntryDate != nil {
		field("date", *e.EntryDate)
	}
	field("mood", RenderMood(e.Mood))
	field("state", RenderSyncState(e.SyncState))
	if e.SyncAttempts > 0 {
		field("attempts", strconv.Itoa(e.SyncAttempts))
	}
	field("created", e.CreatedAt.Local().Format(time.DateTime))
	field("updated", e.UpdatedAt.Local().Format(time.DateTime))
	if e.DeletedAt != nil {
		field("deleted", RenderFail(e.DeletedAt.Local().Format(time.DateTime)))
	}
	if e.Body != nil && *e.Body != "" {
		b.WriteString("\n")
		b.WriteString(*e.Body)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// KeyValues renders aligned "key  value" lines in the given order.
func KeyValues(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p[0]))
	}
	lines := make([]string, len(pairs))
	for i, p := range pairs {
		lines[i] = RenderMuted(fmt.Sprintf("%-*s", width, p[0])) + "  " + p[1]
	}
	return strings.Join(lines, "\n")
}
