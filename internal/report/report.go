// Package report renders task analyses as Markdown for the terminal.
package report

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/kylemclaren/patrol-tasks/internal/analysis"
	"github.com/kylemclaren/patrol-tasks/internal/db"
	"github.com/kylemclaren/patrol-tasks/internal/geo"
)

var statusOrder = []db.Status{db.StatusCompleted, db.StatusMissed, db.StatusInProgress, db.StatusPending}

var statusIcons = map[db.Status]string{
	db.StatusCompleted:  "✓",
	db.StatusMissed:     "✗",
	db.StatusInProgress: "●",
	db.StatusPending:    "○",
}

// Markdown formats the report as a Markdown document
func Markdown(r *analysis.Report) string {
	var b strings.Builder

	title := "Task"
	schedule := ""
	if r.Task != nil {
		title = r.Task.Title
		schedule = r.Task.Schedule()
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if schedule != "" {
		fmt.Fprintf(&b, "**Schedule:** %s  \n", schedule)
	}
	fmt.Fprintf(&b, "**Zone:** %s  \n", r.TimeZone)
	fmt.Fprintf(&b, "**Radius:** %s m  \n", trimFloat(r.RadiusMeters))
	fmt.Fprintf(&b, "**Range:** %s to %s\n\n", r.From, r.To)

	b.WriteString("## Summary\n\n")
	tally := r.Tally()
	if len(r.Occurrences) == 0 {
		b.WriteString("No occurrences in range.\n\n")
	} else {
		for _, st := range statusOrder {
			if n := tally[st]; n > 0 {
				fmt.Fprintf(&b, "- %s %s: %d\n", statusIcons[st], label(st), n)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Checkpoints\n\n")
	if len(r.Checkpoints) == 0 {
		b.WriteString("No checkpoints planned.\n\n")
	} else {
		b.WriteString("| # | Latitude | Longitude |\n|---|---|---|\n")
		for i, cp := range r.Checkpoints {
			fmt.Fprintf(&b, "| %d | %.6f | %.6f |\n", i+1, cp.Lat, cp.Lng)
		}
		b.WriteString("\n")
	}

	if len(r.Occurrences) > 0 {
		b.WriteString("## Occurrences\n\n")
		b.WriteString("| Date | Window | Status | Samples | Checkpoints |\n|---|---|---|---|---|\n")
		loc := zone(r)
		for _, e := range r.Occurrences {
			start := e.Occurrence.DueStart
			end := e.Occurrence.DueEnd
			if loc != nil {
				start, end = start.In(loc), end.In(loc)
			}
			fmt.Fprintf(&b, "| %s | %s-%s | %s %s | %d | %d/%d |\n",
				e.Occurrence.Date, start.Format("15:04"), end.Format("15:04"),
				statusIcons[e.Status], label(e.Status), e.SampleCount, e.Concluded, e.Total)
		}
		b.WriteString("\n")
	}

	if missed := missedLines(r); len(missed) > 0 {
		b.WriteString("## Missed checkpoints\n\n")
		for _, line := range missed {
			b.WriteString(line)
		}
		b.WriteString("\n")
	}

	return b.String()
}

// Render formats the report for a terminal of the given width
func Render(r *analysis.Report, width int) (string, error) {
	if width <= 0 {
		width = 80
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create renderer: %w", err)
	}
	return renderer.Render(Markdown(r))
}

// missedLines lists, per missed occurrence, the 1-based positions of the
// checkpoints that were never reached and how close the patrol came
func missedLines(r *analysis.Report) []string {
	set, err := geo.NewCheckpointSet(r.Checkpoints)
	if err != nil {
		return nil
	}
	var lines []string
	for _, e := range r.Occurrences {
		if e.Status != db.StatusMissed {
			continue
		}
		misses, err := e.Misses(set)
		if err != nil || len(misses) == 0 {
			continue
		}
		positions := make([]string, len(misses))
		for i, m := range misses {
			positions[i] = fmt.Sprintf("#%d", m.Position)
			if m.ClosestMeters != nil {
				positions[i] += fmt.Sprintf(" (closest %s m)", trimFloat(math.Round(*m.ClosestMeters)))
			}
		}
		lines = append(lines, fmt.Sprintf("- %s: %s\n", e.Occurrence.Date, strings.Join(positions, ", ")))
	}
	return lines
}

func zone(r *analysis.Report) *time.Location {
	if r.TimeZone == "" {
		return nil
	}
	loc, err := time.LoadLocation(r.TimeZone)
	if err != nil {
		return nil
	}
	return loc
}

func label(st db.Status) string {
	s := strings.ReplaceAll(string(st), "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func trimFloat(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", f), "0"), ".")
}
