package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/mattn/go-runewidth"
	"gopkg.in/yaml.v3"

	"github.com/dbsmedya/nrdiscovery/internal/discovery"
)

// formatEvent renders one progress event as a single line.
func formatEvent(ev discovery.Event) string {
	switch ev.Kind {
	case discovery.EventPhase:
		return color.Bold.Sprintf("==> %s", ev.Name)
	case discovery.EventDiscovery:
		return fmt.Sprintf("  %s %s %s", color.Green.Sprint("+"), color.Cyan.Sprint(ev.Subject), ev.Name)
	case discovery.EventEventTypeProcessed:
		return fmt.Sprintf("  %s %s: %d rows, %d attributes",
			color.Green.Sprint("✓"), ev.Name, ev.Volume, ev.AttributeCount)
	case discovery.EventRateLimitReached:
		return color.Yellow.Sprintf("  rate limit reached, waiting %s", ev.EstimatedWait)
	case discovery.EventCostWarning:
		return color.Red.Sprintf("  cost warning: %.4f of %.4f used", ev.Used, ev.Ceiling)
	default:
		return fmt.Sprintf("  %s %s", ev.Kind, ev.Name)
	}
}

// printEvents writes every event until the stream closes. Rate limit waits
// are only shown when verbose is set.
func printEvents(w io.Writer, events <-chan discovery.Event, verbose bool) {
	for ev := range events {
		if ev.Kind == discovery.EventRateLimitReached && !verbose {
			continue
		}
		fmt.Fprintln(w, formatEvent(ev))
	}
}

// statusColor picks the colour of a final session status.
func statusColor(s discovery.Status) color.Color {
	switch s {
	case discovery.StatusCompleted:
		return color.Green
	case discovery.StatusAborted:
		return color.Red
	default:
		return color.Yellow
	}
}

// printSummary writes the final session report with an aligned event type table.
func printSummary(w io.Writer, s *discovery.Session) {
	fmt.Fprintf(w, "\n=== Discovery %s ===\n", statusColor(s.Status).Sprint(s.Status))
	fmt.Fprintf(w, "Session: %s\n", s.ID)
	fmt.Fprintf(w, "Account: %d\n", s.AccountID)
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Duration: %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Completion: %.2f%%\n", s.Completion)
	fmt.Fprintf(w, "Cost: %.4f\n", s.TotalCost())

	names := make([]string, 0, len(s.EventTypes))
	for name := range s.EventTypes {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := [][]string{{"EVENT TYPE", "VOLUME", "ATTRIBUTES", "SKIPPED", "TEMPLATES", "STATUS"}}
	for _, name := range names {
		et := s.EventTypes[name]
		status := "ok"
		if et.Error != "" {
			status = "failed"
		}
		rows = append(rows, []string{
			name,
			fmt.Sprintf("%d", et.Volume),
			fmt.Sprintf("%d", len(et.Attributes)),
			fmt.Sprintf("%d", len(et.Skipped)),
			fmt.Sprintf("%d", len(et.Templates)),
			status,
		})
	}
	if len(names) > 0 {
		fmt.Fprintln(w)
		writeTable(w, rows)
	}

	if len(s.Metrics) > 0 {
		fmt.Fprintf(w, "\nMetrics: %d in %d group(s)\n", len(s.Metrics), len(s.MetricGroups))
	}
	if len(s.Relationships) > 0 {
		fmt.Fprintf(w, "\nRelationships:\n")
		for _, r := range s.Relationships {
			fmt.Fprintf(w, "  - %s <-> %s (%s)\n", r.From, r.To, r.Key)
		}
	}
	if len(s.Errors) > 0 {
		fmt.Fprintf(w, "\nErrors:\n")
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  - [%s] %s: %s\n", e.Kind, e.Item, e.Message)
		}
	}
}

// writeTable pads columns by display width so wide runes stay aligned.
func writeTable(w io.Writer, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], runewidth.StringWidth(cell))
			}
		}
	}
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			if i == len(row)-1 {
				cells[i] = cell
				continue
			}
			cells[i] = runewidth.FillRight(cell, widths[i])
		}
		fmt.Fprintln(w, strings.Join(cells, "  "))
	}
}

// exportSession writes the session to path as json or yaml. An empty format
// is inferred from the file extension.
func exportSession(path, format string, s *discovery.Session) error {
	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			format = "yaml"
		default:
			format = "json"
		}
	}

	var (
		data []byte
		err  error
	)
	switch format {
	case "json":
		data, err = json.MarshalIndent(s, "", "  ")
	case "yaml":
		data, err = yaml.Marshal(s)
	default:
		return fmt.Errorf("unsupported output format %q (use json or yaml)", format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session to %s: %w", path, err)
	}
	return nil
}
