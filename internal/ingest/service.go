// Package ingest accepts position samples for task occurrences. Appends to
// the same occurrence are serialized so matching always sees a total order.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kylemclaren/patrol-tasks/internal/analysis"
	"github.com/kylemclaren/patrol-tasks/internal/db"
	"github.com/kylemclaren/patrol-tasks/internal/geo"
	"github.com/kylemclaren/patrol-tasks/internal/matcher"
	"github.com/kylemclaren/patrol-tasks/internal/recurrence"
	"github.com/kylemclaren/patrol-tasks/internal/stream"
)

var (
	ErrNotDue       = errors.New("task is not due on that date")
	ErrWindowClosed = errors.New("occurrence due window has closed")
	ErrTaskFinished = errors.New("task is finished")
	ErrNoSamples    = errors.New("no samples")
	ErrInvalidTime  = errors.New("sample timestamp is missing")
)

// Store is what ingestion reads and writes
type Store interface {
	analysis.Store
	AppendSample(ctx context.Context, taskID string, date recurrence.Date, samples ...matcher.Sample) error
}

// Publisher receives live occurrence updates
type Publisher interface {
	Publish(ev stream.ProgressEvent)
	Complete(ev stream.CompletionEvent)
}

// Service records samples against occurrences
type Service struct {
	store    Store
	analyzer *analysis.Analyzer
	streams  Publisher
	locks    *keyedMutex
	log      *logrus.Entry
	now      func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the current time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a new ingestion service. streams may be nil.
func New(store Store, streams Publisher, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		streams: streams,
		locks:   newKeyedMutex(),
		log:     log.WithField("component", "ingest"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.analyzer = analysis.New(store).WithClock(s.now)
	return s
}

// Record appends samples to an occurrence of a task and returns the
// occurrence evaluated afterwards. When date is nil the occurrence is the
// one dated by the earliest sample in the enterprise zone. Once the due
// window has closed the occurrence is immutable and Record fails with
// ErrWindowClosed.
func (s *Service) Record(ctx context.Context, taskID string, date *recurrence.Date, samples ...matcher.Sample) (*analysis.Entry, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	earliest := samples[0].Timestamp
	for i, sample := range samples {
		if !sample.Valid() {
			return nil, fmt.Errorf("sample %d %s: %w", i, sample.Point, geo.ErrInvalidPoint)
		}
		if sample.Timestamp.IsZero() {
			return nil, fmt.Errorf("sample %d: %w", i, ErrInvalidTime)
		}
		if sample.Timestamp.Before(earliest) {
			earliest = sample.Timestamp
		}
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Finished {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrTaskFinished)
	}
	plan, err := s.analyzer.Plan(ctx, task)
	if err != nil {
		return nil, err
	}

	day := plan.Rule.DateAt(earliest)
	if date != nil {
		day = *date
	}
	occ, ok := plan.Rule.Occurrence(task.ID, day)
	if !ok {
		return nil, fmt.Errorf("task %s on %s: %w", taskID, day, ErrNotDue)
	}

	unlock := s.locks.Lock(stream.Key(task.ID, day))
	defer unlock()

	now := s.now()
	if occ.Closed(now) {
		return nil, fmt.Errorf("task %s on %s: %w", taskID, day, ErrWindowClosed)
	}
	before, err := s.analyzer.Evaluate(ctx, plan, occ, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendSample(ctx, task.ID, day, samples...); err != nil {
		return nil, err
	}
	after, err := s.analyzer.Evaluate(ctx, plan, occ, now)
	if err != nil {
		return nil, err
	}

	newly := matcher.Newly(before.Completion, after.Completion)
	outside := 0
	for _, sample := range samples {
		if !occ.Contains(sample.Timestamp) {
			outside++
		}
	}
	s.log.WithFields(logrus.Fields{
		"task_id":        task.ID,
		"date":           day.String(),
		"samples":        len(samples),
		"outside_window": outside,
		"concluded":      after.Concluded,
		"total":          after.Total,
		"status":         after.Status,
	}).Debug("recorded samples")

	if s.streams != nil {
		s.streams.Publish(stream.ProgressEvent{
			TaskID:      task.ID,
			Date:        day,
			Status:      after.Status,
			SampleCount: after.SampleCount,
			Concluded:   after.Concluded,
			Total:       after.Total,
			Newly:       newly,
			Timestamp:   now.UTC(),
		})
		if after.Status == db.StatusCompleted && before.Status != db.StatusCompleted {
			s.streams.Complete(stream.CompletionEvent{
				TaskID:    task.ID,
				Date:      day,
				Status:    after.Status,
				Concluded: after.Concluded,
				Total:     after.Total,
			})
		}
	}
	return &after, nil
}
