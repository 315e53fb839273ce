package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/patrol-tasks/internal/analysis"
	"github.com/kylemclaren/patrol-tasks/internal/db"
	"github.com/kylemclaren/patrol-tasks/internal/logging"
	"github.com/kylemclaren/patrol-tasks/internal/recurrence"
	"github.com/kylemclaren/patrol-tasks/internal/stream"
)

// Monday 2024-01-08 09:30 in Sao Paulo
var fixedNow = time.Date(2024, 1, 8, 12, 30, 0, 0, time.UTC)

type testServer struct {
	t       *testing.T
	db      *db.DB
	streams *stream.Manager
	server  *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, database.UpsertEnterprise(context.Background(),
		&db.Enterprise{ID: "acme", TimeZone: "America/Sao_Paulo"}))

	streams := stream.NewManager()
	s := NewServer(database, streams, logging.Discard(), WithClock(func() time.Time { return fixedNow }))
	return &testServer{t: t, db: database, streams: streams, server: s}
}

func (ts *testServer) do(method, path, enterprise string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "supervisor-1")
	if enterprise != "" {
		req.Header.Set("X-Enterprise-ID", enterprise)
	}
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func mondayRound() map[string]any {
	return map[string]any{
		"title":        "Gate round",
		"type":         "patrol",
		"assigned_to":  "guard-7",
		"start_time":   "09:00",
		"end_time":     "10:00",
		"repeat":       true,
		"days_of_week": []string{"monday"},
		"checkpoints": []map[string]float64{
			{"latitude": 0, "longitude": 0},
			{"latitude": 0.009, "longitude": 0},
		},
	}
}

func (ts *testServer) createTask(body map[string]any) TaskResponse {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/v1/tasks", "acme", body)
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[TaskResponse](ts.t, rec)
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[HealthResponse](t, rec).Status)
}

func TestCreateTaskRequiresEnterprise(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/api/v1/tasks", "", mondayRound())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTaskRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(map[string]any)
		code   string
	}{
		{"missing title", func(b map[string]any) { delete(b, "title") }, "validation"},
		{"bad start time", func(b map[string]any) { b["start_time"] = "9am" }, "validation"},
		{"repeat without days", func(b map[string]any) { b["days_of_week"] = []string{} }, "invalid_rule"},
		{"end before start", func(b map[string]any) { b["end_time"] = "08:00" }, "invalid_rule"},
		{"one-off without date", func(b map[string]any) { b["repeat"] = false }, "invalid_rule"},
		{"latitude out of range", func(b map[string]any) {
			b["checkpoints"] = []map[string]float64{{"latitude": 91, "longitude": 0}}
		}, "validation"},
		{"unknown type", func(b map[string]any) { b["type"] = "sweep" }, "validation"},
	}

	ts := newTestServer(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := mondayRound()
			tc.mutate(body)
			rec := ts.do(http.MethodPost, "/api/v1/tasks", "acme", body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, decodeBody[ErrorResponse](t, rec).Code)
		})
	}
}

func TestTaskLifecycle(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createTask(mondayRound())
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "acme", created.Enterprise)
	assert.Equal(t, "supervisor-1", created.CreatedBy)
	assert.Equal(t, db.TaskTypePatrol, created.Type)
	assert.False(t, created.IsOneOff)
	require.Len(t, created.Checkpoints, 2)

	path := "/api/v1/tasks/" + created.ID

	rec := ts.do(http.MethodGet, path, "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Gate round", decodeBody[TaskResponse](t, rec).Title)

	// other tenants cannot see the task
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, path, "globex", nil).Code)

	body := mondayRound()
	body["title"] = "Gate round (night)"
	rec = ts.do(http.MethodPut, path, "acme", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[TaskResponse](t, rec)
	assert.Equal(t, "Gate round (night)", updated.Title)
	assert.Equal(t, created.Checkpoints[0].ID, updated.Checkpoints[0].ID, "unchanged route keeps checkpoint ids")

	list := decodeBody[TaskListResponse](t, ts.do(http.MethodGet, "/api/v1/tasks?assigned_to=guard-7", "acme", nil))
	assert.Equal(t, 1, list.Total)
	list = decodeBody[TaskListResponse](t, ts.do(http.MethodGet, "/api/v1/tasks", "globex", nil))
	assert.Equal(t, 0, list.Total)

	rec = ts.do(http.MethodPost, path+"/finish", "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[TaskResponse](t, rec).Finished)

	list = decodeBody[TaskListResponse](t, ts.do(http.MethodGet, "/api/v1/tasks", "acme", nil))
	assert.Equal(t, 0, list.Total)
	list = decodeBody[TaskListResponse](t, ts.do(http.MethodGet, "/api/v1/tasks?include_finished=true", "acme", nil))
	assert.Equal(t, 1, list.Total)

	rec = ts.do(http.MethodPost, path+"/finish", "acme", FinishRequest{Finished: new(bool)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[TaskResponse](t, rec).Finished)

	require.Equal(t, http.StatusOK, ts.do(http.MethodDelete, path, "acme", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, path, "acme", nil).Code)
}

func TestOneOffTask(t *testing.T) {
	ts := newTestServer(t)
	body := mondayRound()
	body["repeat"] = false
	body["days_of_week"] = nil
	body["scheduled_date"] = "2024-01-10"
	created := ts.createTask(body)
	assert.True(t, created.IsOneOff)

	due := decodeBody[DueResponse](t, ts.do(http.MethodGet, "/api/v1/tasks/"+created.ID+"/due?date=2024-01-10", "acme", nil))
	assert.True(t, due.Due)
	due = decodeBody[DueResponse](t, ts.do(http.MethodGet, "/api/v1/tasks/"+created.ID+"/due?date=2024-01-17", "acme", nil))
	assert.False(t, due.Due)
}

func TestOneOffTaskDropsWeekdays(t *testing.T) {
	ts := newTestServer(t)
	body := mondayRound()
	body["repeat"] = false
	body["scheduled_date"] = "2024-01-10"
	created := ts.createTask(body)
	assert.True(t, created.DaysOfWeek.Empty())

	stored, err := ts.db.GetTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, stored.DaysOfWeek.Empty())
	assert.Equal(t, "2024-01-10", stored.ScheduledDate.String())
}

func TestDueAndOccurrences(t *testing.T) {
	ts := newTestServer(t)
	task := ts.createTask(mondayRound())
	base := "/api/v1/tasks/" + task.ID

	// defaults to today in the enterprise zone
	due := decodeBody[DueResponse](t, ts.do(http.MethodGet, base+"/due", "acme", nil))
	assert.Equal(t, recurrence.Date{Year: 2024, Month: time.January, Day: 8}, due.Date)
	require.True(t, due.Due)
	assert.True(t, due.Occurrence.DueStart.Equal(time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC)))

	due = decodeBody[DueResponse](t, ts.do(http.MethodGet, base+"/due?date=2024-01-09", "acme", nil))
	assert.False(t, due.Due)
	assert.Nil(t, due.Occurrence)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, base+"/due?date=tuesday", "acme", nil).Code)

	occ := decodeBody[OccurrencesResponse](t, ts.do(http.MethodGet, base+"/occurrences?from=2024-01-01&to=2024-01-14", "acme", nil))
	require.Equal(t, 2, occ.Total)
	assert.Equal(t, 1, occ.Occurrences[0].Date.Day)
	assert.Equal(t, 8, occ.Occurrences[1].Date.Day)

	occ = decodeBody[OccurrencesResponse](t, ts.do(http.MethodGet,
		base+"/occurrences?from=2024-01-08T12:30:00Z&to=2024-01-15T12:30:00Z", "acme", nil))
	assert.Equal(t, 2, occ.Total, "windows overlapping the span")

	rec := ts.do(http.MethodGet, base+"/occurrences?from=2024-01-14&to=2024-01-01", "acme", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(http.MethodGet, base+"/occurrences?from=2020-01-01&to=2024-01-01", "acme", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordSamplesAndAnalysis(t *testing.T) {
	ts := newTestServer(t)
	task := ts.createTask(mondayRound())
	base := "/api/v1/tasks/" + task.ID

	rec := ts.do(http.MethodPost, base+"/samples", "acme", map[string]any{
		"samples": []map[string]any{
			{"latitude": 0, "longitude": 0, "timestamp": "2024-01-08T12:01:00Z"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entry := decodeBody[analysis.Entry](t, rec)
	assert.Equal(t, db.StatusInProgress, entry.Status)
	assert.Equal(t, 1, entry.Concluded)
	assert.Equal(t, 2, entry.Total)

	rec = ts.do(http.MethodPost, base+"/samples", "acme", map[string]any{
		"date":    "2024-01-09",
		"samples": []map[string]any{{"latitude": 0, "longitude": 0, "timestamp": "2024-01-09T12:01:00Z"}},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_due", decodeBody[ErrorResponse](t, rec).Code)

	rec = ts.do(http.MethodPost, base+"/samples", "acme", map[string]any{"samples": []map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// last Monday's window closed a week ago
	rec = ts.do(http.MethodPost, base+"/samples", "acme", map[string]any{
		"samples": []map[string]any{{"latitude": 0, "longitude": 0, "timestamp": "2024-01-01T12:01:00Z"}},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "window_closed", decodeBody[ErrorResponse](t, rec).Code)

	rec = ts.do(http.MethodGet, base+"/analysis?from=2024-01-01&to=2024-01-08", "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[analysis.Report](t, rec)
	require.Len(t, report.Occurrences, 2)
	assert.Equal(t, db.StatusMissed, report.Occurrences[0].Status)
	assert.Equal(t, db.StatusInProgress, report.Occurrences[1].Status)
	assert.Equal(t, "America/Sao_Paulo", report.TimeZone)
	assert.Len(t, report.Checkpoints, 2)

	// the route is locked once an occurrence was executed
	body := mondayRound()
	body["checkpoints"] = []map[string]float64{{"latitude": 1, "longitude": 1}}
	rec = ts.do(http.MethodPut, base, "acme", body)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "checkpoints_locked", decodeBody[ErrorResponse](t, rec).Code)
}

func TestFinishedTaskRejectsSamples(t *testing.T) {
	ts := newTestServer(t)
	task := ts.createTask(mondayRound())
	base := "/api/v1/tasks/" + task.ID
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, base+"/finish", "acme", nil).Code)

	rec := ts.do(http.MethodPost, base+"/samples", "acme", map[string]any{
		"samples": []map[string]any{{"latitude": 0, "longitude": 0, "timestamp": "2024-01-08T12:01:00Z"}},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "finished", decodeBody[ErrorResponse](t, rec).Code)
}

func TestSettings(t *testing.T) {
	ts := newTestServer(t)
	got := decodeBody[SettingsResponse](t, ts.do(http.MethodGet, "/api/v1/settings", "", nil))
	assert.Equal(t, db.DefaultMatchRadius, got.MatchRadiusMeters)

	rec := ts.do(http.MethodPut, "/api/v1/settings", "", SettingsRequest{MatchRadiusMeters: 75})
	require.Equal(t, http.StatusOK, rec.Code)
	got = decodeBody[SettingsResponse](t, ts.do(http.MethodGet, "/api/v1/settings", "", nil))
	assert.Equal(t, 75.0, got.MatchRadiusMeters)

	rec = ts.do(http.MethodPut, "/api/v1/settings", "", SettingsRequest{MatchRadiusMeters: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpsertEnterprise(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPut, "/api/v1/enterprises/globex", "", EnterpriseRequest{Name: "Globex", TimeZone: "Asia/Tokyo"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	loc, err := ts.db.EnterpriseTimeZone(context.Background(), "globex")
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", loc.String())

	rec = ts.do(http.MethodPut, "/api/v1/enterprises/globex", "", EnterpriseRequest{TimeZone: "Mars/Olympus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamReplaysCompletion(t *testing.T) {
	ts := newTestServer(t)
	task := ts.createTask(mondayRound())
	monday := recurrence.Date{Year: 2024, Month: time.January, Day: 8}

	ts.streams.Publish(stream.ProgressEvent{TaskID: task.ID, Date: monday, Status: db.StatusInProgress, SampleCount: 1, Concluded: 1, Total: 2})
	ts.streams.Complete(stream.CompletionEvent{TaskID: task.ID, Date: monday, Status: db.StatusMissed, Concluded: 1, Total: 2})

	srv := httptest.NewServer(ts.server.Router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/tasks/"+task.ID+"/occurrences/2024-01-08/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-Enterprise-ID", "acme")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "event: progress")
	assert.Contains(t, text, "event: complete")
	assert.Less(t, bytes.Index(body, []byte("event: progress")), bytes.Index(body, []byte("event: complete")))
	assert.Contains(t, text, `"status":"missed"`)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	WithCORSOrigins("https://ops.example.com")(ts.server)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/tasks", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/tasks", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
