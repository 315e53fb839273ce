package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/patrol-tasks/internal/db"
	"github.com/kylemclaren/patrol-tasks/internal/geo"
	"github.com/kylemclaren/patrol-tasks/internal/logging"
	"github.com/kylemclaren/patrol-tasks/internal/matcher"
	"github.com/kylemclaren/patrol-tasks/internal/recurrence"
	"github.com/kylemclaren/patrol-tasks/internal/stream"
)

// Monday 2024-01-08, 09:00-10:00 in Sao Paulo is 12:00-13:00 UTC
var (
	monday    = recurrence.Date{Year: 2024, Month: time.January, Day: 8}
	windowUTC = time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	db      *db.DB
	streams *stream.Manager
	svc     *Service
	task    *db.Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	database, err := db.New(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, database.UpsertEnterprise(ctx, &db.Enterprise{ID: "acme", TimeZone: "America/Sao_Paulo"}))
	task := &db.Task{
		Title:      "Gate round",
		Enterprise: "acme",
		StartTime:  recurrence.Clock(9, 0, 0),
		EndTime:    recurrence.Clock(10, 0, 0),
		Repeat:     true,
		DaysOfWeek: recurrence.NewWeekdays(time.Monday),
		Checkpoints: []db.Checkpoint{
			{Latitude: 0, Longitude: 0},
			{Latitude: 0.009, Longitude: 0},
		},
	}
	require.NoError(t, database.CreateTask(ctx, task))

	streams := stream.NewManager()
	now := windowUTC.Add(30 * time.Minute)
	svc := New(database, streams, logging.Discard(), WithClock(func() time.Time { return now }))
	return &fixture{db: database, streams: streams, svc: svc, task: task}
}

func at(lat float64, offset time.Duration) matcher.Sample {
	return matcher.Sample{Point: geo.Point{Lat: lat}, Timestamp: windowUTC.Add(offset)}
}

func TestRecordInfersOccurrenceAndPublishesProgress(t *testing.T) {
	f := newFixture(t)
	client := f.streams.Subscribe(stream.Key(f.task.ID, monday), "c1")

	entry, err := f.svc.Record(context.Background(), f.task.ID, nil, at(0, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, monday, entry.Occurrence.Date)
	assert.Equal(t, db.StatusInProgress, entry.Status)
	assert.Equal(t, 1, entry.Concluded)

	ev := <-client.Progress
	assert.Equal(t, 1, ev.SampleCount)
	require.Len(t, ev.Newly, 1)
	assert.Equal(t, f.task.Checkpoints[0].ID, ev.Newly[0].CheckpointID)

	entry, err = f.svc.Record(context.Background(), f.task.ID, nil, at(0.009, 2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, entry.Status)

	ev = <-client.Progress
	require.Len(t, ev.Newly, 1)
	assert.Equal(t, f.task.Checkpoints[1].ID, ev.Newly[0].CheckpointID)
	assert.Equal(t, db.StatusCompleted, (<-client.Complete).Status)
}

func TestRecordRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Record(ctx, f.task.ID, nil)
	assert.True(t, errors.Is(err, ErrNoSamples))

	_, err = f.svc.Record(ctx, f.task.ID, nil, matcher.Sample{Point: geo.Point{Lat: 91}, Timestamp: windowUTC})
	assert.True(t, errors.Is(err, geo.ErrInvalidPoint))

	_, err = f.svc.Record(ctx, f.task.ID, nil, matcher.Sample{})
	assert.True(t, errors.Is(err, ErrInvalidTime))

	_, err = f.svc.Record(ctx, "missing", nil, at(0, 0))
	assert.True(t, errors.Is(err, db.ErrNotFound))

	tuesday := monday.AddDays(1)
	_, err = f.svc.Record(ctx, f.task.ID, &tuesday, at(0, 0))
	assert.True(t, errors.Is(err, ErrNotDue))

	require.NoError(t, f.db.SetFinished(ctx, f.task.ID, true))
	_, err = f.svc.Record(ctx, f.task.ID, nil, at(0, 0))
	assert.True(t, errors.Is(err, ErrTaskFinished))
}

func TestRecordExplicitDateAcceptsSamplesOutsideWindow(t *testing.T) {
	f := newFixture(t)
	day := monday
	entry, err := f.svc.Record(context.Background(), f.task.ID, &day, at(0, -3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, entry.SampleCount)
	assert.Equal(t, 1, entry.Concluded)
}

func TestRecordRejectsSealedOccurrence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Record(ctx, f.task.ID, nil, at(0, 0))
	require.NoError(t, err)

	set, err := f.task.CheckpointSet()
	require.NoError(t, err)
	require.NoError(t, f.db.SealExecutionRecord(ctx, f.task.ID, monday, 1, matcher.Empty(set)))

	_, err = f.svc.Record(ctx, f.task.ID, nil, at(0.009, time.Minute))
	assert.True(t, errors.Is(err, db.ErrRecordSealed))
}

func TestRecordRejectsClosedWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	after := windowUTC.Add(3 * time.Hour)
	late := New(f.db, f.streams, logging.Discard(), WithClock(func() time.Time { return after }))

	_, err := late.Record(ctx, f.task.ID, nil, at(0, 2*time.Hour), at(0.009, 2*time.Hour+time.Minute))
	assert.True(t, errors.Is(err, ErrWindowClosed))

	day := monday
	_, err = late.Record(ctx, f.task.ID, &day, at(0, 30*time.Minute))
	assert.True(t, errors.Is(err, ErrWindowClosed))

	rec, err := f.db.GetExecutionRecord(ctx, f.task.ID, monday)
	require.NoError(t, err)
	assert.Nil(t, rec, "nothing was appended")

	report, err := late.analyzer.Analyze(ctx, f.task.ID, monday, monday)
	require.NoError(t, err)
	require.Len(t, report.Occurrences, 1)
	assert.Equal(t, db.StatusMissed, report.Occurrences[0].Status)
	assert.Equal(t, 0, report.Occurrences[0].SampleCount)
}

func TestRecordSerializesConcurrentAppends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Record(ctx, f.task.ID, nil, at(1, time.Duration(i)*time.Second))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := f.db.GetExecutionRecord(ctx, f.task.ID, monday)
	require.NoError(t, err)
	assert.Len(t, rec.Samples, 20)
	assert.Equal(t, 0, f.svc.locks.size())
}

func TestKeyedMutexIsPerKey(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on a acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()
	assert.Eventually(t, func() bool { return k.size() == 0 }, time.Second, time.Millisecond)
}
