package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kylemclaren/patrol-tasks/internal/recurrence"
)

const taskColumns = `id, title, type, enterprise, created_by, assigned_to, start_time, end_time, repeat,
	days_of_week, scheduled_date, finished, status_task, discord_webhook, slack_webhook, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	var (
		taskType, startTime, endTime, days int64
		scheduled                          sql.NullString
		status                             string
	)
	err := row.Scan(&task.ID, &task.Title, &taskType, &task.Enterprise, &task.CreatedBy, &task.AssignedTo,
		&startTime, &endTime, &task.Repeat, &days, &scheduled, &task.Finished, &status,
		&task.DiscordWebhook, &task.SlackWebhook, &task.CreatedAt, &task.UpdatedAt, &task.DeletedAt)
	if err != nil {
		return nil, err
	}
	task.Type = TaskType(taskType)
	task.StartTime = recurrence.TimeOfDay(startTime)
	task.EndTime = recurrence.TimeOfDay(endTime)
	task.DaysOfWeek = recurrence.Weekdays(days)
	task.StatusTask = Status(status)
	if scheduled.Valid && scheduled.String != "" {
		d, err := recurrence.ParseDate(scheduled.String)
		if err != nil {
			return nil, fmt.Errorf("task %s scheduled_date: %w", task.ID, err)
		}
		task.ScheduledDate = &d
	}
	return task, nil
}

func scheduledValue(d *recurrence.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}

// CreateTask creates a new task and its checkpoints
func (db *DB) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.StatusTask == "" {
		task.StatusTask = StatusPending
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, type, enterprise, created_by, assigned_to, start_time, end_time, repeat,
			days_of_week, scheduled_date, finished, status_task, discord_webhook, slack_webhook, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Title, int(task.Type), task.Enterprise, task.CreatedBy, task.AssignedTo,
		int(task.StartTime), int(task.EndTime), task.Repeat, int(task.DaysOfWeek), scheduledValue(task.ScheduledDate),
		task.Finished, string(task.StatusTask), task.DiscordWebhook, task.SlackWebhook, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	if err := insertCheckpoints(ctx, tx, task.ID, task.Checkpoints); err != nil {
		return err
	}
	return tx.Commit()
}

func insertCheckpoints(ctx context.Context, tx *sql.Tx, taskID string, cps []Checkpoint) error {
	for i := range cps {
		cp := &cps[i]
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		cp.TaskID = taskID
		cp.Seq = i
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (id, task_id, seq, latitude, longitude) VALUES (?, ?, ?, ?, ?)
		`, cp.ID, taskID, cp.Seq, cp.Latitude, cp.Longitude)
		if err != nil {
			return fmt.Errorf("failed to insert checkpoint: %w", err)
		}
	}
	return nil
}

// GetTask retrieves a live task by ID, with its checkpoints
func (db *DB) GetTask(ctx context.Context, id string) (*Task, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ? AND deleted_at IS NULL", id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if task.Checkpoints, err = getCheckpoints(ctx, db.conn, id); err != nil {
		return nil, err
	}
	return task, nil
}

func getCheckpoints(ctx context.Context, q querier, taskID string) ([]Checkpoint, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, task_id, seq, latitude, longitude FROM checkpoints WHERE task_id = ? ORDER BY seq
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cps := []Checkpoint{}
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ID, &cp.TaskID, &cp.Seq, &cp.Latitude, &cp.Longitude); err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// ListTasks retrieves live tasks matching the filter
func (db *DB) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	where := []string{"deleted_at IS NULL"}
	var args []any
	if filter.Enterprise != "" {
		where = append(where, "enterprise = ?")
		args = append(args, filter.Enterprise)
	}
	if filter.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}
	if !filter.IncludeFinished {
		where = append(where, "finished = 0")
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE "+strings.Join(where, " AND ")+" ORDER BY created_at DESC, id",
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, task := range tasks {
		if task.Checkpoints, err = getCheckpoints(ctx, db.conn, task.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// UpdateTask updates a task. Checkpoints are replaced only while the task
// has no execution record; unchanged coordinates keep their ids.
func (db *DB) UpdateTask(ctx context.Context, task *Task) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	task.UpdatedAt = time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE tasks SET title = ?, type = ?, enterprise = ?, assigned_to = ?, start_time = ?, end_time = ?, repeat = ?,
			days_of_week = ?, scheduled_date = ?, finished = ?, discord_webhook = ?, slack_webhook = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, task.Title, int(task.Type), task.Enterprise, task.AssignedTo, int(task.StartTime), int(task.EndTime), task.Repeat,
		int(task.DaysOfWeek), scheduledValue(task.ScheduledDate), task.Finished, task.DiscordWebhook, task.SlackWebhook,
		task.UpdatedAt, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}

	current, err := getCheckpoints(ctx, tx, task.ID)
	if err != nil {
		return err
	}
	if sameRoute(current, task.Checkpoints) {
		task.Checkpoints = current
		return tx.Commit()
	}

	var executed int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM execution_records WHERE task_id = ?", task.ID).Scan(&executed); err != nil {
		return err
	}
	if executed > 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrCheckpointsLocked)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM checkpoints WHERE task_id = ?", task.ID); err != nil {
		return err
	}
	for i := range task.Checkpoints {
		task.Checkpoints[i].ID = ""
	}
	if err := insertCheckpoints(ctx, tx, task.ID, task.Checkpoints); err != nil {
		return err
	}
	return tx.Commit()
}

func sameRoute(a, b []Checkpoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Latitude != b[i].Latitude || a[i].Longitude != b[i].Longitude {
			return false
		}
	}
	return true
}

// DeleteTask soft-deletes a task; execution records keep referencing it
func (db *DB) DeleteTask(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE tasks SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL",
		time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetFinished sets the manual terminal flag of a task
func (db *DB) SetFinished(ctx context.Context, id string, finished bool) error {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE tasks SET finished = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL",
		finished, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetTaskStatus refreshes the cached status of a task
func (db *DB) SetTaskStatus(ctx context.Context, id string, status Status) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE tasks SET status_task = ? WHERE id = ?", string(status), id)
	return err
}
