package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kylemclaren/patrol-tasks/internal/db"
	"github.com/kylemclaren/patrol-tasks/internal/geo"
	"github.com/kylemclaren/patrol-tasks/internal/ingest"
	"github.com/kylemclaren/patrol-tasks/internal/matcher"
	"github.com/kylemclaren/patrol-tasks/internal/recurrence"
	"github.com/kylemclaren/patrol-tasks/internal/version"
)

// maxRangeDays bounds occurrence and analysis queries
const maxRangeDays = 366

// HealthCheck handles GET /api/v1/health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Version,
	})
}

// ListTasks handles GET /api/v1/tasks
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	includeFinished, _ := strconv.ParseBool(r.URL.Query().Get("include_finished"))
	filter := db.TaskFilter{
		Enterprise:      CallerFrom(r.Context()).EnterpriseID,
		AssignedTo:      r.URL.Query().Get("assigned_to"),
		IncludeFinished: includeFinished,
	}

	tasks, err := s.db.ListTasks(r.Context(), filter)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch tasks", err)
		return
	}

	response := TaskListResponse{
		Tasks: make([]TaskResponse, len(tasks)),
		Total: len(tasks),
	}
	for i, task := range tasks {
		response.Tasks[i] = taskToResponse(task)
	}

	s.jsonResponse(w, http.StatusOK, response)
}

// CreateTask handles POST /api/v1/tasks
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	caller := CallerFrom(r.Context())
	if caller.EnterpriseID == "" {
		s.errorResponse(w, http.StatusBadRequest, string(errMissingEnterprise), nil)
		return
	}

	var req TaskRequest
	if !s.decode(w, r, &req) {
		return
	}

	task := &db.Task{Enterprise: caller.EnterpriseID, CreatedBy: caller.UserID}
	if err := applyTaskRequest(task, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.checkRule(r, task); err != nil {
		s.fail(w, err)
		return
	}

	if err := s.db.CreateTask(r.Context(), task); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to create task", err)
		return
	}

	s.jsonResponse(w, http.StatusCreated, taskToResponse(task))
}

// GetTask handles GET /api/v1/tasks/{id}
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, taskToResponse(task))
}

// UpdateTask handles PUT /api/v1/tasks/{id}
func (s *Server) UpdateTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	var req TaskRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := applyTaskRequest(task, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.checkRule(r, task); err != nil {
		s.fail(w, err)
		return
	}

	if err := s.db.UpdateTask(r.Context(), task); err != nil {
		s.fail(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, taskToResponse(task))
}

// DeleteTask handles DELETE /api/v1/tasks/{id}
func (s *Server) DeleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	if err := s.db.DeleteTask(r.Context(), task.ID); err != nil {
		s.fail(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Task deleted",
	})
}

// FinishTask handles POST /api/v1/tasks/{id}/finish
func (s *Server) FinishTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	// an empty body finishes the task
	finished := true
	var req FinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Finished != nil {
		finished = *req.Finished
	}

	if err := s.db.SetFinished(r.Context(), task.ID, finished); err != nil {
		s.fail(w, err)
		return
	}
	task.Finished = finished

	s.jsonResponse(w, http.StatusOK, taskToResponse(task))
}

// GetDue handles GET /api/v1/tasks/{id}/due?date=YYYY-MM-DD
func (s *Server) GetDue(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	plan, err := s.analyzer.Plan(r.Context(), task)
	if err != nil {
		s.fail(w, err)
		return
	}

	date := plan.Rule.DateAt(s.now())
	if raw := r.URL.Query().Get("date"); raw != "" {
		if date, err = recurrence.ParseDate(raw); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
	}

	resp := DueResponse{TaskID: task.ID, Date: date}
	if occ, due := plan.Rule.Occurrence(task.ID, date); due {
		resp.Due = true
		resp.Occurrence = &occ
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// ListOccurrences handles GET /api/v1/tasks/{id}/occurrences?from=&to=
// Bounds are dates (YYYY-MM-DD) or RFC3339 instants.
func (s *Server) ListOccurrences(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	plan, err := s.analyzer.Plan(r.Context(), task)
	if err != nil {
		s.fail(w, err)
		return
	}

	q := r.URL.Query()
	fromInstant, errFrom := time.Parse(time.RFC3339, q.Get("from"))
	toInstant, errTo := time.Parse(time.RFC3339, q.Get("to"))

	var occurrences []recurrence.Occurrence
	if errFrom == nil && errTo == nil {
		if toInstant.Sub(fromInstant) > maxRangeDays*24*time.Hour {
			s.errorResponse(w, http.StatusBadRequest, string(errRangeTooLarge), nil)
			return
		}
		seq, err := recurrence.Span(task.ID, plan.Rule, fromInstant, toInstant)
		if err != nil {
			s.fail(w, err)
			return
		}
		occurrences = slices.Collect(seq)
	} else {
		from, to, err := s.dateRange(r, plan.Rule)
		if err != nil {
			s.fail(w, err)
			return
		}
		seq, err := recurrence.Occurrences(task.ID, plan.Rule, from, to)
		if err != nil {
			s.fail(w, err)
			return
		}
		occurrences = slices.Collect(seq)
	}
	if occurrences == nil {
		occurrences = []recurrence.Occurrence{}
	}

	s.jsonResponse(w, http.StatusOK, OccurrencesResponse{
		Occurrences: occurrences,
		Total:       len(occurrences),
	})
}

// RecordSamples handles POST /api/v1/tasks/{id}/samples
func (s *Server) RecordSamples(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	var req SamplesRequest
	if !s.decode(w, r, &req) {
		return
	}

	var date *recurrence.Date
	if req.Date != "" {
		d, err := recurrence.ParseDate(req.Date)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
		date = &d
	}

	samples := make([]matcher.Sample, len(req.Samples))
	for i, p := range req.Samples {
		samples[i] = matcher.Sample{
			Point:     geo.Point{Lat: *p.Latitude, Lng: *p.Longitude},
			Timestamp: p.Timestamp,
		}
	}

	entry, err := s.ingest.Record(r.Context(), task.ID, date, samples...)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, entry)
}

// GetAnalysis handles GET /api/v1/tasks/{id}/analysis?from=&to=
func (s *Server) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	plan, err := s.analyzer.Plan(r.Context(), task)
	if err != nil {
		s.fail(w, err)
		return
	}
	from, to, err := s.dateRange(r, plan.Rule)
	if err != nil {
		s.fail(w, err)
		return
	}

	report, err := s.analyzer.AnalyzeTask(r.Context(), task, from, to)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, report)
}

// GetSettings handles GET /api/v1/settings
func (s *Server) GetSettings(w http.ResponseWriter, r *http.Request) {
	radius, err := s.db.GetMatchRadius(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch settings", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, SettingsResponse{
		MatchRadiusMeters: radius,
	})
}

// UpdateSettings handles PUT /api/v1/settings
func (s *Server) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.db.SetMatchRadius(r.Context(), req.MatchRadiusMeters); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to update settings", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, SettingsResponse(req))
}

// UpsertEnterprise handles PUT /api/v1/enterprises/{id}
func (s *Server) UpsertEnterprise(w http.ResponseWriter, r *http.Request) {
	var req EnterpriseRequest
	if !s.decode(w, r, &req) {
		return
	}

	enterprise := &db.Enterprise{
		ID:       chi.URLParam(r, "id"),
		Name:     req.Name,
		TimeZone: req.TimeZone,
	}
	if err := s.db.UpsertEnterprise(r.Context(), enterprise); err != nil {
		s.fail(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, enterprise)
}

// Helper functions

func taskToResponse(task *db.Task) TaskResponse {
	return TaskResponse{
		Task:     task,
		Schedule: task.Schedule(),
		IsOneOff: task.IsOneOff(),
	}
}

func applyTaskRequest(task *db.Task, req *TaskRequest) error {
	var err error
	task.Title = req.Title
	task.AssignedTo = req.AssignedTo
	task.Repeat = req.Repeat
	task.DaysOfWeek = 0
	if req.Repeat {
		task.DaysOfWeek = req.DaysOfWeek
	}
	task.DiscordWebhook = req.DiscordWebhook
	task.SlackWebhook = req.SlackWebhook

	task.Type = db.TaskTypePatrol
	if req.Type != "" {
		if task.Type, err = db.ParseTaskType(req.Type); err != nil {
			return validationError(err.Error())
		}
	}
	if task.StartTime, err = recurrence.ParseTimeOfDay(req.StartTime); err != nil {
		return validationError(err.Error())
	}
	if task.EndTime, err = recurrence.ParseTimeOfDay(req.EndTime); err != nil {
		return validationError(err.Error())
	}

	task.ScheduledDate = nil
	if req.ScheduledDate != "" {
		d, err := recurrence.ParseDate(req.ScheduledDate)
		if err != nil {
			return validationError(err.Error())
		}
		task.ScheduledDate = &d
	}

	checkpoints := make([]db.Checkpoint, len(req.Checkpoints))
	for i, cp := range req.Checkpoints {
		checkpoints[i] = db.Checkpoint{Latitude: *cp.Latitude, Longitude: *cp.Longitude}
	}
	task.Checkpoints = checkpoints
	return nil
}

// checkRule rejects tasks whose recurrence cannot be evaluated
func (s *Server) checkRule(r *http.Request, task *db.Task) error {
	loc, err := s.db.EnterpriseTimeZone(r.Context(), task.Enterprise)
	if err != nil {
		return err
	}
	_, err = task.Rule(loc)
	return err
}

// loadTask fetches the {id} task, hiding tasks of other enterprises
func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*db.Task, bool) {
	id := chi.URLParam(r, "id")
	task, err := s.db.GetTask(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	if ent := CallerFrom(r.Context()).EnterpriseID; ent != "" && ent != task.Enterprise {
		s.fail(w, fmt.Errorf("task %s: %w", id, db.ErrNotFound))
		return nil, false
	}
	return task, true
}

// dateRange parses ?from=&to= dates. Defaults cover the last week up to
// today in the rule's zone.
func (s *Server) dateRange(r *http.Request, rule recurrence.Rule) (recurrence.Date, recurrence.Date, error) {
	today := rule.DateAt(s.now())
	from, to := today.AddDays(-6), today

	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = recurrence.ParseDate(raw); err != nil {
			return from, to, validationError("Invalid from date (use YYYY-MM-DD)")
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = recurrence.ParseDate(raw); err != nil {
			return from, to, validationError("Invalid to date (use YYYY-MM-DD)")
		}
	}
	if from.DaysUntil(to) > maxRangeDays {
		return from, to, errRangeTooLarge
	}
	return from, to, nil
}

// decode reads and validates a JSON body, writing the error response itself
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.fail(w, err)
		return false
	}
	return true
}

// fail maps domain errors to HTTP responses
func (s *Server) fail(w http.ResponseWriter, err error) {
	var (
		verrs validator.ValidationErrors
		verr  validationError
	)
	switch {
	case errors.As(err, &verrs):
		s.errorResponseCode(w, http.StatusBadRequest, "Validation failed", "validation", err)
	case errors.As(err, &verr):
		s.errorResponseCode(w, http.StatusBadRequest, verr.Error(), "validation", nil)
	case errors.Is(err, db.ErrNotFound):
		s.errorResponseCode(w, http.StatusNotFound, "Not found", "not_found", err)
	case errors.Is(err, recurrence.ErrInvalidRule):
		s.errorResponseCode(w, http.StatusBadRequest, "Invalid recurrence", "invalid_rule", err)
	case errors.Is(err, recurrence.ErrInvalidRange):
		s.errorResponseCode(w, http.StatusBadRequest, "Invalid range", "invalid_range", err)
	case errors.Is(err, matcher.ErrInvalidRadius):
		s.errorResponseCode(w, http.StatusBadRequest, "Invalid matching radius", "invalid_radius", err)
	case errors.Is(err, geo.ErrInvalidPoint), errors.Is(err, geo.ErrDuplicateCheckpoint),
		errors.Is(err, ingest.ErrNoSamples), errors.Is(err, ingest.ErrInvalidTime),
		errors.Is(err, db.ErrInvalidTimeZone):
		s.errorResponseCode(w, http.StatusBadRequest, "Invalid request", "validation", err)
	case errors.Is(err, ingest.ErrNotDue):
		s.errorResponseCode(w, http.StatusConflict, "Task is not due on that date", "not_due", err)
	case errors.Is(err, ingest.ErrWindowClosed):
		s.errorResponseCode(w, http.StatusConflict, "Occurrence is closed", "window_closed", err)
	case errors.Is(err, ingest.ErrTaskFinished):
		s.errorResponseCode(w, http.StatusConflict, "Task is finished", "finished", err)
	case errors.Is(err, db.ErrRecordSealed):
		s.errorResponseCode(w, http.StatusConflict, "Occurrence is closed", "sealed", err)
	case errors.Is(err, db.ErrCheckpointsLocked):
		s.errorResponseCode(w, http.StatusConflict, "Checkpoints cannot change after execution", "checkpoints_locked", err)
	default:
		s.log.WithError(err).Error("request failed")
		s.errorResponse(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string, err error) {
	s.errorResponseCode(w, status, message, "", err)
}

func (s *Server) errorResponseCode(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{
		Error: message,
		Code:  code,
	}
	if err != nil {
		resp.Details = err.Error()
	}
	s.jsonResponse(w, status, resp)
}

// Validation errors
type validationError string

func (e validationError) Error() string { return string(e) }

const (
	errMissingEnterprise validationError = "X-Enterprise-ID header is required"
	errRangeTooLarge     validationError = "Range is too large"
)
