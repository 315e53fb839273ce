package api

import (
	"time"

	"github.com/kylemclaren/patrol-tasks/internal/db"
	"github.com/kylemclaren/patrol-tasks/internal/recurrence"
)

// CheckpointRequest is one planned point of a task
type CheckpointRequest struct {
	Latitude  *float64 `json:"latitude" validate:"required,min=-90,max=90"`
	Longitude *float64 `json:"longitude" validate:"required,min=-180,max=180"`
}

// TaskRequest represents a task creation/update request
type TaskRequest struct {
	Title      string `json:"title" validate:"required,max=200"`
	Type       string `json:"type" validate:"omitempty,oneof=patrol quadrant arrival_point"`
	AssignedTo string `json:"assigned_to"`
	StartTime  string `json:"start_time" validate:"required,timeofday"`
	EndTime    string `json:"end_time" validate:"required,timeofday"`
	Repeat     bool   `json:"repeat"`
	// DaysOfWeek accepts an array of names or a comma separated string.
	DaysOfWeek     recurrence.Weekdays `json:"days_of_week"`
	ScheduledDate  string              `json:"scheduled_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	DiscordWebhook string              `json:"discord_webhook,omitempty" validate:"omitempty,url"`
	SlackWebhook   string              `json:"slack_webhook,omitempty" validate:"omitempty,url"`
	Checkpoints    []CheckpointRequest `json:"checkpoints" validate:"max=500,dive"`
}

// TaskResponse represents a task in API responses
type TaskResponse struct {
	*db.Task
	Schedule string `json:"schedule"`
	IsOneOff bool   `json:"is_one_off"`
}

// TaskListResponse represents a list of tasks
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Total int            `json:"total"`
}

// FinishRequest toggles the finished flag of a task
type FinishRequest struct {
	Finished *bool `json:"finished"`
}

// DueResponse reports whether a task is due on a date
type DueResponse struct {
	TaskID     string                 `json:"task_id"`
	Date       recurrence.Date        `json:"date"`
	Due        bool                   `json:"due"`
	Occurrence *recurrence.Occurrence `json:"occurrence,omitempty"`
}

// OccurrencesResponse represents a list of occurrences
type OccurrencesResponse struct {
	Occurrences []recurrence.Occurrence `json:"occurrences"`
	Total       int                     `json:"total"`
}

// SamplePayload is one recorded position
type SamplePayload struct {
	Latitude  *float64  `json:"latitude" validate:"required,min=-90,max=90"`
	Longitude *float64  `json:"longitude" validate:"required,min=-180,max=180"`
	Timestamp time.Time `json:"timestamp"`
}

// SamplesRequest appends samples to an occurrence. Without a date the
// occurrence is inferred from the earliest timestamp.
type SamplesRequest struct {
	Date    string          `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Samples []SamplePayload `json:"samples" validate:"required,min=1,max=5000,dive"`
}

// SettingsResponse represents the settings
type SettingsResponse struct {
	MatchRadiusMeters float64 `json:"match_radius_meters"`
}

// SettingsRequest represents a settings update request
type SettingsRequest struct {
	MatchRadiusMeters float64 `json:"match_radius_meters" validate:"gt=0,lte=10000"`
}

// EnterpriseRequest configures an enterprise
type EnterpriseRequest struct {
	Name     string `json:"name" validate:"max=200"`
	TimeZone string `json:"time_zone" validate:"required,timezone"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
