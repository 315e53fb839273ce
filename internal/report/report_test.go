package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/patrol-tasks/internal/analysis"
	"github.com/kylemclaren/patrol-tasks/internal/db"
	"github.com/kylemclaren/patrol-tasks/internal/geo"
	"github.com/kylemclaren/patrol-tasks/internal/matcher"
	"github.com/kylemclaren/patrol-tasks/internal/recurrence"
)

func sampleReport() *analysis.Report {
	jan1 := recurrence.Date{Year: 2024, Month: time.January, Day: 1}
	jan8 := jan1.AddDays(7)
	window := func(d recurrence.Date) recurrence.Occurrence {
		start := time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC)
		return recurrence.Occurrence{TaskID: "t1", Date: d, DueStart: start, DueEnd: start.Add(time.Hour)}
	}
	return &analysis.Report{
		Task: &db.Task{
			Title:      "Gate round",
			StartTime:  recurrence.Clock(9, 0, 0),
			EndTime:    recurrence.Clock(10, 0, 0),
			Repeat:     true,
			DaysOfWeek: recurrence.NewWeekdays(time.Monday),
		},
		From:         jan1,
		To:           jan8,
		TimeZone:     "America/Sao_Paulo",
		RadiusMeters: 50,
		Checkpoints: []geo.Checkpoint{
			{ID: "a", Point: geo.Point{Lat: 0, Lng: 0}},
			{ID: "b", Point: geo.Point{Lat: 0.009, Lng: 0}},
		},
		Occurrences: []analysis.Entry{
			{
				Occurrence:  window(jan1),
				Status:      db.StatusMissed,
				Executed:    true,
				SampleCount: 3,
				Concluded:   1,
				Total:       2,
				Completion: matcher.Completion{
					"a": {CheckpointID: "a", Concluded: true},
					"b": {CheckpointID: "b"},
				},
			},
			{
				Occurrence: window(jan8),
				Status:     db.StatusCompleted,
				Concluded:  2,
				Total:      2,
				Completion: matcher.Completion{
					"a": {CheckpointID: "a", Concluded: true},
					"b": {CheckpointID: "b", Concluded: true},
				},
			},
		},
	}
}

func TestMarkdown(t *testing.T) {
	md := Markdown(sampleReport())

	assert.Contains(t, md, "# Gate round")
	assert.Contains(t, md, "**Radius:** 50 m")
	assert.Contains(t, md, "**Range:** 2024-01-01 to 2024-01-08")
	assert.Contains(t, md, "- ✓ Completed: 1")
	assert.Contains(t, md, "- ✗ Missed: 1")
	// windows are shown in the enterprise zone
	assert.Contains(t, md, "| 2024-01-01 | 09:00-10:00 | ✗ Missed | 3 | 1/2 |")
	assert.Contains(t, md, "## Missed checkpoints")
	assert.Contains(t, md, "- 2024-01-01: #2\n")
	assert.NotContains(t, md, "- 2024-01-08:")
}

func TestMarkdownClosestApproach(t *testing.T) {
	r := sampleReport()
	start := r.Occurrences[0].Occurrence.DueStart
	r.Occurrences[0].Path = []matcher.Sample{
		{Point: geo.Point{Lat: 0, Lng: 0}, Timestamp: start},
		{Point: geo.Point{Lat: 0.0045, Lng: 0}, Timestamp: start.Add(time.Minute)},
	}

	md := Markdown(r)
	assert.Contains(t, md, "- 2024-01-01: #2 (closest 500 m)\n")
}

func TestMarkdownEmptyRange(t *testing.T) {
	r := sampleReport()
	r.Occurrences = nil
	r.Checkpoints = nil

	md := Markdown(r)
	assert.Contains(t, md, "No occurrences in range.")
	assert.Contains(t, md, "No checkpoints planned.")
	assert.NotContains(t, md, "## Occurrences")
	assert.NotContains(t, md, "## Missed checkpoints")
}

func TestRender(t *testing.T) {
	out, err := Render(sampleReport(), 0)
	require.NoError(t, err)
	assert.Contains(t, out, "Gate")
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "In progress", label(db.StatusInProgress))
	assert.Equal(t, "", label(""))
	assert.Equal(t, "12.5", trimFloat(12.5))
	assert.Equal(t, "50", trimFloat(50))
}
