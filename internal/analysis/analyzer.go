// Package analysis evaluates the occurrences of a task over a date range
// against what was actually recorded for them.
package analysis

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kylemclaren/patrol-tasks/internal/db"
	"github.com/kylemclaren/patrol-tasks/internal/geo"
	"github.com/kylemclaren/patrol-tasks/internal/matcher"
	"github.com/kylemclaren/patrol-tasks/internal/recurrence"
)

// TaskGetter loads a task with its checkpoints.
type TaskGetter interface {
	GetTask(ctx context.Context, id string) (*db.Task, error)
}

// RecordGetter loads the execution record of an occurrence. A nil record
// means the occurrence was never executed.
type RecordGetter interface {
	GetExecutionRecord(ctx context.Context, taskID string, date recurrence.Date) (*db.ExecutionRecord, error)
}

// ZoneResolver resolves the zone an enterprise evaluates dates in.
type ZoneResolver interface {
	EnterpriseTimeZone(ctx context.Context, enterpriseID string) (*time.Location, error)
}

// RadiusGetter returns the configured matching radius in meters.
type RadiusGetter interface {
	GetMatchRadius(ctx context.Context) (float64, error)
}

// Store is everything the analyzer reads.
type Store interface {
	TaskGetter
	RecordGetter
	ZoneResolver
	RadiusGetter
}

// Analyzer evaluates occurrences. It holds no mutable state and is safe for
// concurrent use.
type Analyzer struct {
	store Store
	now   func() time.Time
}

// New creates a new analyzer
func New(store Store) *Analyzer {
	return &Analyzer{store: store, now: time.Now}
}

// WithClock returns a copy of the analyzer that reads the current time
// from now.
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	return &Analyzer{store: a.store, now: now}
}

// Plan is a task resolved into everything needed to evaluate its
// occurrences.
type Plan struct {
	Task         *db.Task
	Rule         recurrence.Rule
	Set          *geo.CheckpointSet
	RadiusMeters float64
}

// Entry is the evaluation of one occurrence.
type Entry struct {
	Occurrence recurrence.Occurrence `json:"occurrence"`
	Status     db.Status             `json:"status"`
	// Executed is false when no sample was ever recorded.
	Executed    bool               `json:"executed"`
	Sealed      bool               `json:"sealed"`
	SampleCount int                `json:"sample_count"`
	Concluded   int                `json:"concluded"`
	Total       int                `json:"total"`
	Completion  matcher.Completion `json:"completion"`
	Path        []matcher.Sample   `json:"path,omitempty"`
}

// Report is the analysis of a task over a date range.
type Report struct {
	Task         *db.Task         `json:"task"`
	From         recurrence.Date  `json:"from"`
	To           recurrence.Date  `json:"to"`
	TimeZone     string           `json:"time_zone"`
	RadiusMeters float64          `json:"radius_meters"`
	Checkpoints  []geo.Checkpoint `json:"checkpoints"`
	Occurrences  []Entry          `json:"occurrences"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

// Tally counts occurrences per status.
func (r *Report) Tally() map[db.Status]int {
	counts := make(map[db.Status]int)
	for _, e := range r.Occurrences {
		counts[e.Status]++
	}
	return counts
}

// Analyze loads the task and evaluates its occurrences on from..to.
func (a *Analyzer) Analyze(ctx context.Context, taskID string, from, to recurrence.Date) (*Report, error) {
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return a.AnalyzeTask(ctx, task, from, to)
}

// AnalyzeTask evaluates the occurrences of an already loaded task.
func (a *Analyzer) AnalyzeTask(ctx context.Context, task *db.Task, from, to recurrence.Date) (*Report, error) {
	plan, err := a.Plan(ctx, task)
	if err != nil {
		return nil, err
	}
	occurrences, err := recurrence.Occurrences(task.ID, plan.Rule, from, to)
	if err != nil {
		return nil, err
	}

	now := a.now()
	report := &Report{
		Task:         task,
		From:         from,
		To:           to,
		TimeZone:     plan.Rule.Location().String(),
		RadiusMeters: plan.RadiusMeters,
		Checkpoints:  plan.Set.All(),
		Occurrences:  []Entry{},
		GeneratedAt:  now.UTC(),
	}
	for occ := range occurrences {
		entry, err := a.Evaluate(ctx, plan, occ, now)
		if err != nil {
			return nil, err
		}
		report.Occurrences = append(report.Occurrences, entry)
	}
	return report, nil
}

// Plan resolves the rule, checkpoint set and radius of a task.
func (a *Analyzer) Plan(ctx context.Context, task *db.Task) (*Plan, error) {
	loc, err := a.store.EnterpriseTimeZone(ctx, task.Enterprise)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve time zone: %w", err)
	}
	rule, err := task.Rule(loc)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}
	set, err := task.CheckpointSet()
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}
	radius, err := a.store.GetMatchRadius(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get match radius: %w", err)
	}
	if math.IsNaN(radius) || radius <= 0 {
		return nil, fmt.Errorf("%w: %v", matcher.ErrInvalidRadius, radius)
	}
	return &Plan{Task: task, Rule: rule, Set: set, RadiusMeters: radius}, nil
}

// Evaluate evaluates a single occurrence of plan at now. Sealed records
// reuse their stored completion; anything else is matched live.
func (a *Analyzer) Evaluate(ctx context.Context, plan *Plan, occ recurrence.Occurrence, now time.Time) (Entry, error) {
	rec, err := a.store.GetExecutionRecord(ctx, occ.TaskID, occ.Date)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to get execution record: %w", err)
	}

	entry := Entry{Occurrence: occ, Total: plan.Set.Len()}
	switch {
	case rec == nil || len(rec.Samples) == 0:
		entry.Completion = matcher.Empty(plan.Set)
	case rec.Sealed && rec.Completion != nil:
		entry.Completion = rec.Completion
	default:
		entry.Completion, err = matcher.Match(plan.Set, rec.Samples, plan.RadiusMeters)
		if err != nil {
			return Entry{}, err
		}
	}
	if rec != nil {
		entry.Sealed = rec.Sealed
		entry.SampleCount = len(rec.Samples)
		entry.Path = rec.Samples
	}
	entry.Executed = entry.SampleCount > 0
	entry.Concluded = entry.Completion.Concluded()
	entry.Status = DeriveStatus(occ, now, entry.SampleCount, entry.Completion)
	return entry, nil
}

// DeriveStatus is the status of an occurrence at now given what was
// recorded for it. A closed window with partial matches is missed.
func DeriveStatus(occ recurrence.Occurrence, now time.Time, samples int, completion matcher.Completion) db.Status {
	switch {
	case !occ.Started(now):
		return db.StatusPending
	case samples > 0 && completion.AllConcluded():
		return db.StatusCompleted
	case !occ.Closed(now):
		return db.StatusInProgress
	default:
		return db.StatusMissed
	}
}
