package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/kalambet/tether/internal/api"
	"github.com/kalambet/tether/internal/capture"
	"github.com/kalambet/tether/internal/queue"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, s string) string {
	if noColor {
		return s
	}
	return color + s + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range r {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// truncate shortens s to max runes, appending an ellipsis.
func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func statusLabel(s queue.Status) string {
	switch s {
	case queue.StatusFailed:
		return colorize(colorRed, string(s))
	case queue.StatusProcessing:
		return colorize(colorCyan, string(s))
	default:
		return string(s)
	}
}

func renderNotes(w io.Writer, notes []queue.Note) {
	if len(notes) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return
	}
	rows := make([][]string, 0, len(notes))
	for _, n := range notes {
		rows = append(rows, []string{
			n.ID,
			n.EnqueuedAt.Local().Format(time.DateTime),
			statusLabel(n.Status),
			fmt.Sprintf("%d", n.RetryCount),
			truncate(n.RawInput, 48),
			truncate(n.LastError, 40),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"ID", "Enqueued", "Status", "Retries", "Note", "Last error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
	))
}

func renderPreview(w io.Writer, pv *capture.Preview) {
	fmt.Fprintf(w, "%s %s (%s", colorize(colorBold, "Preview"), pv.ID, pv.Source)
	if pv.NoteID != "" {
		fmt.Fprintf(w, ", note %s", pv.NoteID)
	}
	fmt.Fprintln(w, ")")

	target := colorize(colorGreen, "new contact")
	if c := pv.Candidate; c != nil {
		target = fmt.Sprintf("existing contact %s (%s)", c.Name, c.ContactID)
		if c.Ambiguous {
			target += colorize(colorYellow, fmt.Sprintf(", %d contacts match", c.Matches))
		}
	}

	rows := [][]string{
		{"Contact", pv.Extraction.ContactName},
		{"Target", target},
		{"Summary", pv.Extraction.Summary},
	}
	keys := make([]string, 0, len(pv.Extraction.Attributes))
	for k := range pv.Extraction.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, []string{k, pv.Extraction.Attributes[k]})
	}
	if len(pv.Extraction.Tags) > 0 {
		rows = append(rows, []string{"Tags", strings.Join(pv.Extraction.Tags, ", ")})
	}
	rows = append(rows, []string{"Note", truncate(pv.RawInput, 72)})

	fmt.Fprintln(w, renderTable([]string{"Field", "Value"}, rows, nil))
}

func renderStatus(w io.Writer, st api.Status) {
	conn := colorize(colorGreen, "online")
	if !st.Online {
		conn = colorize(colorYellow, "offline")
	}
	if st.Pinned {
		conn += " (pinned)"
	}

	preview := "none"
	if st.Preview != nil {
		preview = fmt.Sprintf("%s (%s)", st.Preview.ID, st.Preview.Source)
	}

	rows := [][]string{
		{"Daemon", colorize(colorGreen, "running")},
		{"Connectivity", conn},
		{"Draining", fmt.Sprintf("%t", st.Draining)},
		{"Preview", preview},
		{"Pending", fmt.Sprintf("%d", st.Queue[queue.StatusPending])},
		{"Processing", fmt.Sprintf("%d", st.Queue[queue.StatusProcessing])},
		{"Failed", fmt.Sprintf("%d", st.Queue[queue.StatusFailed])},
	}
	fmt.Fprintln(w, renderTable([]string{"", ""}, rows, nil))
}
