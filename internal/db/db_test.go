package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/patrol-tasks/internal/geo"
	"github.com/kylemclaren/patrol-tasks/internal/matcher"
	"github.com/kylemclaren/patrol-tasks/internal/recurrence"
)

func newTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "tasks.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func patrolTask() *Task {
	return &Task{
		Title:      "Perimeter",
		Type:       TaskTypePatrol,
		Enterprise: "acme",
		CreatedBy:  "u1",
		AssignedTo: "u2",
		StartTime:  recurrence.Clock(8, 0, 0),
		EndTime:    recurrence.Clock(10, 0, 0),
		Repeat:     true,
		DaysOfWeek: recurrence.NewWeekdays(time.Monday, time.Wednesday),
		Checkpoints: []Checkpoint{
			{Latitude: -23.55, Longitude: -46.63},
			{Latitude: -23.56, Longitude: -46.64},
		},
	}
}

func TestTaskCRUD(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	task := patrolTask()
	require.NoError(t, db.CreateTask(ctx, task))
	require.NotEmpty(t, task.ID)
	require.NotEmpty(t, task.Checkpoints[0].ID)

	got, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Perimeter", got.Title)
	assert.Equal(t, recurrence.Clock(8, 0, 0), got.StartTime)
	assert.True(t, got.DaysOfWeek.Has(time.Wednesday))
	assert.Equal(t, StatusPending, got.StatusTask)
	require.Len(t, got.Checkpoints, 2)
	assert.Equal(t, task.Checkpoints[1].ID, got.Checkpoints[1].ID)
	assert.Equal(t, 1, got.Checkpoints[1].Seq)

	got.Title = "Perimeter night"
	require.NoError(t, db.UpdateTask(ctx, got))
	again, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Perimeter night", again.Title)
	assert.Equal(t, got.Checkpoints[0].ID, again.Checkpoints[0].ID)

	require.NoError(t, db.DeleteTask(ctx, task.ID))
	_, err = db.GetTask(ctx, task.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(db.DeleteTask(ctx, task.ID), ErrNotFound))
}

func TestOneOffTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	date := recurrence.Date{Year: 2024, Month: time.March, Day: 9}
	task := patrolTask()
	task.Repeat = false
	task.DaysOfWeek = 0
	task.ScheduledDate = &date
	require.NoError(t, db.CreateTask(ctx, task))

	got, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ScheduledDate)
	assert.Equal(t, date, *got.ScheduledDate)
	assert.True(t, got.IsOneOff())
}

func TestListTasksFilters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	a := patrolTask()
	b := patrolTask()
	b.Enterprise = "other"
	c := patrolTask()
	c.AssignedTo = "u9"
	for _, task := range []*Task{a, b, c} {
		require.NoError(t, db.CreateTask(ctx, task))
	}
	require.NoError(t, db.SetFinished(ctx, c.ID, true))

	tasks, err := db.ListTasks(ctx, TaskFilter{Enterprise: "acme"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, a.ID, tasks[0].ID)
	assert.Len(t, tasks[0].Checkpoints, 2)

	tasks, err = db.ListTasks(ctx, TaskFilter{Enterprise: "acme", IncludeFinished: true})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tasks, err = db.ListTasks(ctx, TaskFilter{AssignedTo: "u9", IncludeFinished: true})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].Finished)
}

func TestCheckpointsLockedAfterExecution(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	task := patrolTask()
	require.NoError(t, db.CreateTask(ctx, task))

	task.Checkpoints = append(task.Checkpoints, Checkpoint{Latitude: -23.57, Longitude: -46.65})
	require.NoError(t, db.UpdateTask(ctx, task))
	got, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.Checkpoints, 3)

	date := recurrence.Date{Year: 2024, Month: time.January, Day: 1}
	require.NoError(t, db.AppendSample(ctx, task.ID, date, matcher.Sample{Timestamp: time.Now()}))

	got.Checkpoints = got.Checkpoints[:2]
	err = db.UpdateTask(ctx, got)
	assert.True(t, errors.Is(err, ErrCheckpointsLocked))
}

func TestExecutionRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	task := patrolTask()
	require.NoError(t, db.CreateTask(ctx, task))
	date := recurrence.Date{Year: 2024, Month: time.January, Day: 3}

	rec, err := db.GetExecutionRecord(ctx, task.ID, date)
	require.NoError(t, err)
	assert.Nil(t, rec)

	base := time.Date(2024, 1, 3, 11, 0, 0, 0, time.UTC)
	require.NoError(t, db.AppendSample(ctx, task.ID, date,
		matcher.Sample{Point: geo.Point{Lat: 1, Lng: 1}, Timestamp: base.Add(time.Minute)},
		matcher.Sample{Point: geo.Point{Lat: 2, Lng: 2}, Timestamp: base},
	))

	rec, err = db.GetExecutionRecord(ctx, task.ID, date)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Sealed)
	require.Len(t, rec.Samples, 2)
	assert.Equal(t, base, rec.Samples[0].Timestamp)
	assert.Equal(t, 2.0, rec.Samples[0].Lat)

	keys, err := db.ListUnsealedRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, []RecordKey{{TaskID: task.ID, Date: date}}, keys)

	set, err := task.CheckpointSet()
	require.NoError(t, err)
	completion := matcher.Empty(set)
	err = db.SealExecutionRecord(ctx, task.ID, date, 1, completion)
	assert.True(t, errors.Is(err, ErrRecordChanged), "stale sample count must not seal")
	require.NoError(t, db.SealExecutionRecord(ctx, task.ID, date, 2, completion))

	rec, err = db.GetExecutionRecord(ctx, task.ID, date)
	require.NoError(t, err)
	assert.True(t, rec.Sealed)
	assert.NotNil(t, rec.SealedAt)
	assert.Equal(t, completion, rec.Completion)

	err = db.AppendSample(ctx, task.ID, date, matcher.Sample{Timestamp: base})
	assert.True(t, errors.Is(err, ErrRecordSealed))
	assert.True(t, errors.Is(db.SealExecutionRecord(ctx, task.ID, date, 2, completion), ErrRecordSealed))
	assert.True(t, errors.Is(db.SealExecutionRecord(ctx, task.ID, date.AddDays(1), 0, completion), ErrNotFound))

	keys, err = db.ListUnsealedRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSettingsAndRadius(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, WithDefaultMatchRadius(30))

	_, err := db.GetSetting(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	radius, err := db.GetMatchRadius(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30.0, radius)

	require.NoError(t, db.SetMatchRadius(ctx, 12.5))
	radius, err = db.GetMatchRadius(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.5, radius)

	last, err := db.GetLastSweep(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.SetLastSweep(ctx, now))
	last, err = db.GetLastSweep(ctx)
	require.NoError(t, err)
	assert.True(t, now.Equal(last))
}

func TestCorruptSettingsAreErrors(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for _, val := range []string{"abc", "0", "-3", "NaN"} {
		require.NoError(t, db.SetSetting(ctx, "match_radius_meters", val))
		_, err := db.GetMatchRadius(ctx)
		assert.Error(t, err, val)
	}

	require.NoError(t, db.SetSetting(ctx, "last_sweep_at", "yesterday"))
	_, err := db.GetLastSweep(ctx)
	assert.Error(t, err)
}

func TestEnterpriseTimeZone(t *testing.T) {
	ctx := context.Background()
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	db := newTestDB(t, WithDefaultZone(berlin))

	loc, err := db.EnterpriseTimeZone(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())

	require.NoError(t, db.UpsertEnterprise(ctx, &Enterprise{ID: "acme", TimeZone: "America/Sao_Paulo"}))
	loc, err = db.EnterpriseTimeZone(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "America/Sao_Paulo", loc.String())

	err = db.UpsertEnterprise(ctx, &Enterprise{ID: "acme", TimeZone: "Mars/Olympus"})
	assert.True(t, errors.Is(err, ErrInvalidTimeZone))
}
