package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kylemclaren/patrol-tasks/internal/geo"
	"github.com/kylemclaren/patrol-tasks/internal/matcher"
	"github.com/kylemclaren/patrol-tasks/internal/recurrence"
)

// AppendSample adds position samples to the execution record of an
// occurrence, creating the record on the first sample. Sealed records
// reject further samples.
func (db *DB) AppendSample(ctx context.Context, taskID string, date recurrence.Date, samples ...matcher.Sample) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var sealed bool
	err = tx.QueryRowContext(ctx,
		"SELECT sealed FROM execution_records WHERE task_id = ? AND date = ?", taskID, date.String()).Scan(&sealed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO execution_records (task_id, date, created_at, updated_at) VALUES (?, ?, ?, ?)
		`, taskID, date.String(), now, now)
		if err != nil {
			return fmt.Errorf("failed to create execution record: %w", err)
		}
	case err != nil:
		return err
	case sealed:
		return fmt.Errorf("task %s on %s: %w", taskID, date, ErrRecordSealed)
	}

	for _, s := range samples {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO position_samples (task_id, date, latitude, longitude, recorded_at) VALUES (?, ?, ?, ?, ?)
		`, taskID, date.String(), s.Lat, s.Lng, s.Timestamp.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert sample: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE execution_records SET updated_at = ? WHERE task_id = ? AND date = ?", now, taskID, date.String()); err != nil {
		return err
	}
	return tx.Commit()
}

// GetExecutionRecord retrieves the record of an occurrence with its samples
// in time order. It returns nil if the occurrence was never executed.
func (db *DB) GetExecutionRecord(ctx context.Context, taskID string, date recurrence.Date) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{TaskID: taskID, Date: date}
	var completion sql.NullString
	err := db.conn.QueryRowContext(ctx, `
		SELECT completion, sealed, sealed_at, created_at, updated_at
		FROM execution_records WHERE task_id = ? AND date = ?
	`, taskID, date.String()).Scan(&completion, &rec.Sealed, &rec.SealedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if completion.Valid && completion.String != "" {
		if err := json.Unmarshal([]byte(completion.String), &rec.Completion); err != nil {
			return nil, fmt.Errorf("record %s/%s completion: %w", taskID, date, err)
		}
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT latitude, longitude, recorded_at FROM position_samples
		WHERE task_id = ? AND date = ? ORDER BY recorded_at, id
	`, taskID, date.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rec.Samples = []matcher.Sample{}
	for rows.Next() {
		var (
			lat, lng float64
			nanos    int64
		)
		if err := rows.Scan(&lat, &lng, &nanos); err != nil {
			return nil, err
		}
		rec.Samples = append(rec.Samples, matcher.Sample{
			Point:     geo.Point{Lat: lat, Lng: lng},
			Timestamp: time.Unix(0, nanos).UTC(),
		})
	}
	return rec, rows.Err()
}

// SealExecutionRecord freezes the record of an occurrence with its final
// completion, computed from the given number of samples. Sealing an already
// sealed record returns ErrRecordSealed; ErrRecordChanged means samples were
// appended since the completion was computed.
func (db *DB) SealExecutionRecord(ctx context.Context, taskID string, date recurrence.Date, samples int, completion matcher.Completion) error {
	data, err := json.Marshal(completion)
	if err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var sealed bool
	err = tx.QueryRowContext(ctx,
		"SELECT sealed FROM execution_records WHERE task_id = ? AND date = ?", taskID, date.String()).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("record %s/%s: %w", taskID, date, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if sealed {
		return fmt.Errorf("task %s on %s: %w", taskID, date, ErrRecordSealed)
	}

	var stored int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM position_samples WHERE task_id = ? AND date = ?", taskID, date.String()).Scan(&stored); err != nil {
		return err
	}
	if stored != samples {
		return fmt.Errorf("task %s on %s: %d samples stored, %d matched: %w", taskID, date, stored, samples, ErrRecordChanged)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE execution_records SET completion = ?, sealed = 1, sealed_at = ?, updated_at = ?
		WHERE task_id = ? AND date = ?
	`, string(data), now, now, taskID, date.String()); err != nil {
		return err
	}
	return tx.Commit()
}

// ListUnsealedRecords returns the keys of records still open, oldest first
func (db *DB) ListUnsealedRecords(ctx context.Context) ([]RecordKey, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT task_id, date FROM execution_records WHERE sealed = 0 ORDER BY date, task_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []RecordKey
	for rows.Next() {
		var (
			key  RecordKey
			date string
		)
		if err := rows.Scan(&key.TaskID, &date); err != nil {
			return nil, err
		}
		if key.Date, err = recurrence.ParseDate(date); err != nil {
			return nil, fmt.Errorf("record %s date: %w", key.TaskID, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
