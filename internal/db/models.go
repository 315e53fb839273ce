package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/kylemclaren/patrol-tasks/internal/geo"
	"github.com/kylemclaren/patrol-tasks/internal/matcher"
	"github.com/kylemclaren/patrol-tasks/internal/recurrence"
)

// TaskType is the kind of route a task describes
type TaskType int

const (
	TaskTypePatrol TaskType = iota
	TaskTypeQuadrant
	TaskTypeArrivalPoint
)

var taskTypeNames = map[TaskType]string{
	TaskTypePatrol:       "patrol",
	TaskTypeQuadrant:     "quadrant",
	TaskTypeArrivalPoint: "arrival_point",
}

func (t TaskType) String() string {
	if name, ok := taskTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseTaskType parses a task type name
func ParseTaskType(s string) (TaskType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for t, n := range taskTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown task type %q", s)
}

func (t TaskType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TaskType) UnmarshalText(text []byte) error {
	parsed, err := ParseTaskType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Status is the evaluated state of an occurrence
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusMissed     Status = "missed"
)

// Task represents a recurring patrol or inspection task
type Task struct {
	ID            string               `json:"id"`
	Title         string               `json:"title"`
	Type          TaskType             `json:"type"`
	Enterprise    string               `json:"enterprise"`
	CreatedBy     string               `json:"created_by"`
	AssignedTo    string               `json:"assigned_to"`
	StartTime     recurrence.TimeOfDay `json:"start_time"`
	EndTime       recurrence.TimeOfDay `json:"end_time"`
	Repeat        bool                 `json:"repeat"`
	DaysOfWeek    recurrence.Weekdays  `json:"days_of_week"`
	ScheduledDate *recurrence.Date     `json:"scheduled_date,omitempty"`
	Finished      bool                 `json:"finished"`
	// StatusTask caches the last evaluated occurrence status. It is
	// refreshed by the sweep and never read as a source of truth.
	StatusTask     Status       `json:"status_task"`
	DiscordWebhook string       `json:"discord_webhook,omitempty"`
	SlackWebhook   string       `json:"slack_webhook,omitempty"`
	Checkpoints    []Checkpoint `json:"checkpoints"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	DeletedAt      *time.Time   `json:"deleted_at,omitempty"`
}

// Checkpoint is a planned point of a task
type Checkpoint struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	Seq       int     `json:"seq"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// IsOneOff returns true if the task is due on a single date
func (t *Task) IsOneOff() bool {
	return !t.Repeat
}

// Rule builds the recurrence rule of the task in the given zone
func (t *Task) Rule(loc *time.Location) (recurrence.Rule, error) {
	spec := recurrence.Spec{
		Repeat:   t.Repeat,
		Days:     t.DaysOfWeek,
		Start:    t.StartTime,
		End:      t.EndTime,
		Location: loc,
	}
	if t.ScheduledDate != nil {
		spec.Date = *t.ScheduledDate
	}
	return recurrence.NewRule(spec)
}

// CheckpointSet builds the immutable checkpoint set of the task
func (t *Task) CheckpointSet() (*geo.CheckpointSet, error) {
	cps := make([]geo.Checkpoint, len(t.Checkpoints))
	for i, cp := range t.Checkpoints {
		cps[i] = geo.Checkpoint{ID: cp.ID, Point: geo.Point{Lat: cp.Latitude, Lng: cp.Longitude}}
	}
	return geo.NewCheckpointSet(cps)
}

// Schedule describes the recurrence for display
func (t *Task) Schedule() string {
	window := fmt.Sprintf("%s-%s", t.StartTime, t.EndTime)
	if t.Repeat {
		return t.DaysOfWeek.Short() + " " + window
	}
	if t.ScheduledDate != nil {
		return t.ScheduledDate.String() + " " + window
	}
	return "once " + window
}

// ExecutionRecord is the persisted trace of one executed occurrence
type ExecutionRecord struct {
	TaskID  string           `json:"task_id"`
	Date    recurrence.Date  `json:"date"`
	Samples []matcher.Sample `json:"samples"`
	// Completion is only stored once the record is sealed.
	Completion matcher.Completion `json:"completion,omitempty"`
	Sealed     bool               `json:"sealed"`
	SealedAt   *time.Time         `json:"sealed_at,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// RecordKey identifies an execution record
type RecordKey struct {
	TaskID string
	Date   recurrence.Date
}

// Enterprise is a tenant and its configured time zone
type Enterprise struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	TimeZone string `json:"time_zone"`
}

// TaskFilter narrows ListTasks
type TaskFilter struct {
	Enterprise string
	AssignedTo string
	// IncludeFinished lists finished tasks too.
	IncludeFinished bool
}
