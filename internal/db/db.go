package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultMatchRadius is used when no radius has been configured
const DefaultMatchRadius = 50.0

var (
	ErrNotFound          = errors.New("not found")
	ErrRecordSealed      = errors.New("execution record is sealed")
	ErrRecordChanged     = errors.New("execution record changed while sealing")
	ErrCheckpointsLocked = errors.New("checkpoints cannot change once the task has been executed")
	ErrInvalidTimeZone   = errors.New("invalid time zone")
)

// DB wraps the SQLite database connection
type DB struct {
	conn          *sql.DB
	defaultZone   *time.Location
	defaultRadius float64
}

// Option configures a DB
type Option func(*DB)

// WithDefaultZone sets the zone used for enterprises without one
func WithDefaultZone(loc *time.Location) Option {
	return func(db *DB) {
		if loc != nil {
			db.defaultZone = loc
		}
	}
}

// WithDefaultMatchRadius sets the radius used until one is stored
func WithDefaultMatchRadius(meters float64) Option {
	return func(db *DB) {
		if meters > 0 {
			db.defaultRadius = meters
		}
	}
}

// New creates a new database connection
func New(dbPath string, opts ...Option) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn, defaultZone: time.UTC, defaultRadius: DefaultMatchRadius}
	for _, opt := range opts {
		opt(db)
	}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS enterprises (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		time_zone TEXT NOT NULL DEFAULT 'UTC'
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		type INTEGER NOT NULL DEFAULT 0,
		enterprise TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		assigned_to TEXT NOT NULL DEFAULT '',
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		repeat INTEGER NOT NULL DEFAULT 0,
		days_of_week INTEGER NOT NULL DEFAULT 0,
		scheduled_date TEXT,
		finished INTEGER NOT NULL DEFAULT 0,
		status_task TEXT NOT NULL DEFAULT 'pending',
		discord_webhook TEXT DEFAULT '',
		slack_webhook TEXT DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		deleted_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_enterprise ON tasks(enterprise);
	CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks(assigned_to);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_task_id ON checkpoints(task_id, seq);

	CREATE TABLE IF NOT EXISTS execution_records (
		task_id TEXT NOT NULL,
		date TEXT NOT NULL,
		completion TEXT,
		sealed INTEGER NOT NULL DEFAULT 0,
		sealed_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (task_id, date),
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE TABLE IF NOT EXISTS position_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		date TEXT NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		recorded_at INTEGER NOT NULL,
		FOREIGN KEY (task_id, date) REFERENCES execution_records(task_id, date)
	);

	CREATE INDEX IF NOT EXISTS idx_position_samples_record ON position_samples(task_id, date, recorded_at);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// GetSetting retrieves a setting value
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting sets a setting value
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, "INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)", key, value)
	return err
}

// GetMatchRadius retrieves the checkpoint matching radius in meters
func (db *DB) GetMatchRadius(ctx context.Context) (float64, error) {
	val, err := db.GetSetting(ctx, "match_radius_meters")
	if errors.Is(err, ErrNotFound) {
		return db.defaultRadius, nil
	}
	if err != nil {
		return 0, err
	}
	radius, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("setting match_radius_meters: %w", err)
	}
	if math.IsNaN(radius) || radius <= 0 {
		return 0, fmt.Errorf("setting match_radius_meters: non-positive radius %v", radius)
	}
	return radius, nil
}

// SetMatchRadius sets the checkpoint matching radius in meters
func (db *DB) SetMatchRadius(ctx context.Context, meters float64) error {
	return db.SetSetting(ctx, "match_radius_meters", strconv.FormatFloat(meters, 'f', -1, 64))
}

// GetLastSweep returns when the missed-occurrence sweep last ran, or the
// zero time if it never did
func (db *DB) GetLastSweep(ctx context.Context) (time.Time, error) {
	val, err := db.GetSetting(ctx, "last_sweep_at")
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("setting last_sweep_at: %w", err)
	}
	return t, nil
}

// SetLastSweep records when the sweep last ran
func (db *DB) SetLastSweep(ctx context.Context, t time.Time) error {
	return db.SetSetting(ctx, "last_sweep_at", t.UTC().Format(time.RFC3339Nano))
}

// UpsertEnterprise creates or updates an enterprise
func (db *DB) UpsertEnterprise(ctx context.Context, e *Enterprise) error {
	if e.TimeZone == "" {
		e.TimeZone = "UTC"
	}
	if _, err := time.LoadLocation(e.TimeZone); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimeZone, e.TimeZone)
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO enterprises (id, name, time_zone) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, time_zone = excluded.time_zone
	`, e.ID, e.Name, e.TimeZone)
	return err
}

// GetEnterprise retrieves an enterprise by ID
func (db *DB) GetEnterprise(ctx context.Context, id string) (*Enterprise, error) {
	e := &Enterprise{}
	err := db.conn.QueryRowContext(ctx, "SELECT id, name, time_zone FROM enterprises WHERE id = ?", id).
		Scan(&e.ID, &e.Name, &e.TimeZone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enterprise %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// EnterpriseTimeZone returns the zone an enterprise evaluates dates in.
// Enterprises without a configured zone use the default zone.
func (db *DB) EnterpriseTimeZone(ctx context.Context, enterpriseID string) (*time.Location, error) {
	e, err := db.GetEnterprise(ctx, enterpriseID)
	if errors.Is(err, ErrNotFound) {
		return db.defaultZone, nil
	}
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(e.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("enterprise %s: %w: %q", enterpriseID, ErrInvalidTimeZone, e.TimeZone)
	}
	return loc, nil
}
