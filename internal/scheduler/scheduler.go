package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/kylemclaren/patrol-tasks/internal/analysis"
	"github.com/kylemclaren/patrol-tasks/internal/db"
	"github.com/kylemclaren/patrol-tasks/internal/matcher"
	"github.com/kylemclaren/patrol-tasks/internal/recurrence"
	"github.com/kylemclaren/patrol-tasks/internal/stream"
)

const (
	// firstSweepLookback bounds how far back the very first sweep looks
	firstSweepLookback = 24 * time.Hour
	// sealAttempts bounds re-evaluation when samples land while sealing
	sealAttempts = 3
)

// Store is what the sweep reads and writes
type Store interface {
	analysis.Store
	ListTasks(ctx context.Context, filter db.TaskFilter) ([]*db.Task, error)
	ListUnsealedRecords(ctx context.Context) ([]db.RecordKey, error)
	SealExecutionRecord(ctx context.Context, taskID string, date recurrence.Date, samples int, completion matcher.Completion) error
	SetTaskStatus(ctx context.Context, id string, status db.Status) error
	GetLastSweep(ctx context.Context) (time.Time, error)
	SetLastSweep(ctx context.Context, t time.Time) error
}

// Notifier delivers occurrence outcomes
type Notifier interface {
	Notify(ctx context.Context, task *db.Task, entry analysis.Entry) error
}

// Publisher receives terminal occurrence events
type Publisher interface {
	Complete(ev stream.CompletionEvent)
	CleanupOldStreams(maxAge time.Duration) int
}

// Summary reports what one sweep did
type Summary struct {
	Tasks     int `json:"tasks"`
	Closed    int `json:"closed"`
	Sealed    int `json:"sealed"`
	Completed int `json:"completed"`
	Missed    int `json:"missed"`
}

// Scheduler runs the periodic sweep that closes elapsed occurrences
type Scheduler struct {
	cron     *cron.Cron
	store    Store
	analyzer *analysis.Analyzer
	notifier Notifier
	streams  Publisher
	log      *logrus.Entry
	sweepID  cron.EntryID
	mu       sync.RWMutex
	sweepMu  sync.Mutex
	running  bool
}

// New creates a new scheduler. notifier and streams may be nil.
func New(store Store, notifier Notifier, streams Publisher, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		store:    store,
		analyzer: analysis.New(store),
		notifier: notifier,
		streams:  streams,
		log:      log.WithField("component", "sweep"),
	}
}

// Start schedules the sweep on spec, a cron expression with seconds
func (s *Scheduler) Start(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	id, err := s.cron.AddFunc(spec, func() {
		if _, err := s.RunOnce(context.Background(), time.Now()); err != nil {
			s.log.WithError(err).Error("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	s.sweepID = id

	if s.streams != nil {
		_, err := s.cron.AddFunc("@every 10m", func() {
			if n := s.streams.CleanupOldStreams(time.Hour); n > 0 {
				s.log.WithField("streams", n).Debug("dropped idle streams")
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule stream cleanup: %w", err)
		}
	}

	s.cron.Start()
	s.running = true
	s.log.WithField("spec", spec).Info("sweep scheduled")
	return nil
}

// Stop stops the scheduler and waits for a running sweep
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
}

// NextSweep returns the next scheduled sweep time
func (s *Scheduler) NextSweep() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running {
		return nil
	}
	entry := s.cron.Entry(s.sweepID)
	if entry.Next.IsZero() {
		return nil
	}
	return &entry.Next
}

// RunOnce closes every occurrence whose due window elapsed since the
// previous sweep: it seals executed records with their final completion,
// publishes and notifies the outcome, and refreshes each task's status
// cache. Records left unsealed by earlier sweeps are sealed too.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (Summary, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	var sum Summary
	last, err := s.store.GetLastSweep(ctx)
	if err != nil {
		return sum, fmt.Errorf("failed to get last sweep: %w", err)
	}
	if last.IsZero() || last.After(now) {
		last = now.Add(-firstSweepLookback)
	}

	tasks, err := s.store.ListTasks(ctx, db.TaskFilter{})
	if err != nil {
		return sum, fmt.Errorf("failed to load tasks: %w", err)
	}

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Tasks++
		if err := s.sweepTask(ctx, task, last, now, &sum); err != nil {
			s.log.WithError(err).WithField("task_id", task.ID).Warn("failed to sweep task")
		}
	}

	if err := s.sealStragglers(ctx, now, &sum); err != nil {
		return sum, err
	}

	if err := s.store.SetLastSweep(ctx, now); err != nil {
		return sum, fmt.Errorf("failed to record sweep: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"tasks":     sum.Tasks,
		"closed":    sum.Closed,
		"sealed":    sum.Sealed,
		"completed": sum.Completed,
		"missed":    sum.Missed,
	}).Info("sweep finished")
	return sum, nil
}

func (s *Scheduler) sweepTask(ctx context.Context, task *db.Task, last, now time.Time, sum *Summary) error {
	plan, err := s.analyzer.Plan(ctx, task)
	if err != nil {
		return err
	}
	occurrences, err := recurrence.Span(task.ID, plan.Rule, last, now)
	if err != nil {
		return err
	}

	var current *analysis.Entry
	for occ := range occurrences {
		if !occ.Started(now) {
			continue
		}
		entry, err := s.analyzer.Evaluate(ctx, plan, occ, now)
		if err != nil {
			return err
		}
		if occ.Closed(now) && !occ.Closed(last) {
			sum.Closed++
			if entry, err = s.close(ctx, task, plan, entry, now, sum); err != nil {
				return err
			}
		}
		current = &entry
	}

	if current != nil && current.Status != task.StatusTask {
		if err := s.store.SetTaskStatus(ctx, task.ID, current.Status); err != nil {
			return fmt.Errorf("failed to cache status: %w", err)
		}
	}
	return nil
}

// close seals the record of a closed occurrence and reports its outcome
func (s *Scheduler) close(ctx context.Context, task *db.Task, plan *analysis.Plan, entry analysis.Entry, now time.Time, sum *Summary) (analysis.Entry, error) {
	if entry.Executed && !entry.Sealed {
		sealed, err := s.seal(ctx, plan, entry, now)
		if err != nil {
			return entry, err
		}
		entry = sealed
		sum.Sealed++
	}

	switch entry.Status {
	case db.StatusCompleted:
		sum.Completed++
	case db.StatusMissed:
		sum.Missed++
	}

	if s.streams != nil {
		s.streams.Complete(stream.CompletionEvent{
			TaskID:    task.ID,
			Date:      entry.Occurrence.Date,
			Status:    entry.Status,
			Concluded: entry.Concluded,
			Total:     entry.Total,
			Missed:    entry.Completion.Missed(plan.Set),
		})
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, task, entry); err != nil {
			s.log.WithError(err).WithField("task_id", task.ID).Warn("failed to send webhook")
		}
	}
	return entry, nil
}

// seal freezes the record behind entry. A sample appended between evaluation
// and sealing makes the store refuse, and the occurrence is evaluated again.
func (s *Scheduler) seal(ctx context.Context, plan *analysis.Plan, entry analysis.Entry, now time.Time) (analysis.Entry, error) {
	occ := entry.Occurrence
	for attempt := 1; ; attempt++ {
		err := s.store.SealExecutionRecord(ctx, occ.TaskID, occ.Date, entry.SampleCount, entry.Completion)
		switch {
		case err == nil, errors.Is(err, db.ErrRecordSealed):
			return entry, nil
		case !errors.Is(err, db.ErrRecordChanged) || attempt == sealAttempts:
			return entry, err
		}
		s.log.WithFields(logrus.Fields{
			"task_id": occ.TaskID,
			"date":    occ.Date.String(),
		}).Debug("record changed while sealing, re-evaluating")
		if entry, err = s.analyzer.Evaluate(ctx, plan, occ, now); err != nil {
			return entry, err
		}
	}
}

// sealStragglers seals records of closed windows that no sweep covered,
// such as occurrences older than the sweep lookback.
func (s *Scheduler) sealStragglers(ctx context.Context, now time.Time, sum *Summary) error {
	keys, err := s.store.ListUnsealedRecords(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unsealed records: %w", err)
	}

	plans := make(map[string]*analysis.Plan)
	for _, key := range keys {
		plan, ok := plans[key.TaskID]
		if !ok {
			task, err := s.store.GetTask(ctx, key.TaskID)
			if errors.Is(err, db.ErrNotFound) {
				plans[key.TaskID] = nil
				continue
			}
			if err != nil {
				return err
			}
			if plan, err = s.analyzer.Plan(ctx, task); err != nil {
				s.log.WithError(err).WithField("task_id", key.TaskID).Warn("failed to plan task")
			}
			plans[key.TaskID] = plan
		}
		if plan == nil {
			continue
		}

		start, end := plan.Rule.DueWindow(key.Date)
		occ := recurrence.Occurrence{TaskID: key.TaskID, Date: key.Date, DueStart: start, DueEnd: end}
		if !occ.Closed(now) {
			continue
		}
		entry, err := s.analyzer.Evaluate(ctx, plan, occ, now)
		if err != nil {
			return err
		}
		if _, err := s.seal(ctx, plan, entry, now); err != nil {
			return err
		}
		sum.Sealed++
	}
	return nil
}
