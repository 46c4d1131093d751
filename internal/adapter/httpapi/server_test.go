package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/himanga/fledge/internal/core/scheduler"
)

// stubEngine implements Engine for handler tests.
type stubEngine struct {
	snapshot  []scheduler.ScheduleStatus
	manualErr error
	manualID  uuid.UUID
	paused    bool
	running   bool
	active    int

	pauseCalls  int
	resumeCalls int
}

func (s *stubEngine) Snapshot() []scheduler.ScheduleStatus { return s.snapshot }

func (s *stubEngine) RunManual(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	if s.manualErr != nil {
		return uuid.Nil, s.manualErr
	}
	return s.manualID, nil
}

func (s *stubEngine) Pause()           { s.pauseCalls++; s.paused = true }
func (s *stubEngine) Resume()          { s.resumeCalls++; s.paused = false }
func (s *stubEngine) Paused() bool     { return s.paused }
func (s *stubEngine) Running() bool    { return s.running }
func (s *stubEngine) ActiveTasks() int { return s.active }

type stubTasks struct {
	tasks []scheduler.TaskRecord
	err   error
}

func (s *stubTasks) RecentTasks(ctx context.Context, limit int) ([]scheduler.TaskRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit < len(s.tasks) {
		return s.tasks[:limit], nil
	}
	return s.tasks, nil
}

func newTestRouter(e *stubEngine, ts *stubTasks) http.Handler {
	return NewRouter(Config{Engine: e, Tasks: ts})
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	e := &stubEngine{running: true, active: 2}
	w := doRequest(t, newTestRouter(e, &stubTasks{}), http.MethodGet, "/healthz")

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["running"])
	assert.EqualValues(t, 2, body["active_tasks"])
}

func TestHealth_StoragePingFailure(t *testing.T) {
	e := &stubEngine{running: true}
	r := NewRouter(Config{
		Engine: e,
		Tasks:  &stubTasks{},
		Ping:   func(ctx context.Context) error { return errors.New("down") },
	})
	w := doRequest(t, r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListSchedules(t *testing.T) {
	repeat := time.Hour
	e := &stubEngine{
		snapshot: []scheduler.ScheduleStatus{{
			Schedule: scheduler.Schedule{
				ID:          uuid.New(),
				Name:        "hourly",
				ProcessName: "ingest",
				Type:        scheduler.ScheduleTimed,
				Repeat:      &repeat,
			},
			NextStart:    time.Date(2024, 6, 1, 3, 15, 0, 0, time.UTC),
			RunningTasks: 1,
		}},
	}
	w := doRequest(t, newTestRouter(e, &stubTasks{}), http.MethodGet, "/v1/schedules")

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Schedules []scheduleResponse `json:"schedules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Schedules, 1)
	got := body.Schedules[0]
	assert.Equal(t, "hourly", got.Name)
	assert.Equal(t, "timed", got.Type)
	assert.Equal(t, float64(3600), got.RepeatSeconds)
	assert.Equal(t, "2024-06-01T03:15:00Z", got.NextStart)
	assert.Equal(t, 1, got.RunningTasks)
}

func TestListTasks(t *testing.T) {
	code := 0
	end := time.Date(2024, 6, 1, 4, 0, 0, 0, time.UTC)
	ts := &stubTasks{tasks: []scheduler.TaskRecord{{
		ID:          uuid.New(),
		ProcessName: "ingest",
		State:       scheduler.TaskComplete,
		StartTime:   time.Date(2024, 6, 1, 3, 15, 0, 0, time.UTC),
		EndTime:     &end,
		PID:         99,
		ExitCode:    &code,
	}}}
	w := doRequest(t, newTestRouter(&stubEngine{}, ts), http.MethodGet, "/v1/tasks")

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Tasks []taskResponse `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, "complete", body.Tasks[0].State)
	assert.Equal(t, 99, body.Tasks[0].PID)
}

func TestListTasks_BadLimit(t *testing.T) {
	w := doRequest(t, newTestRouter(&stubEngine{}, &stubTasks{}), http.MethodGet, "/v1/tasks?limit=0")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, newTestRouter(&stubEngine{}, &stubTasks{}), http.MethodGet, "/v1/tasks?limit=bogus")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTasks_StorageFailure(t *testing.T) {
	ts := &stubTasks{err: errors.New("down")}
	w := doRequest(t, newTestRouter(&stubEngine{}, ts), http.MethodGet, "/v1/tasks")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestStartSchedule(t *testing.T) {
	taskID := uuid.New()
	e := &stubEngine{manualID: taskID}
	w := doRequest(t, newTestRouter(e, &stubTasks{}),
		http.MethodPost, "/v1/schedules/"+uuid.New().String()+"/start")

	require.Equal(t, http.StatusAccepted, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, taskID.String(), body["task_id"])
}

func TestStartSchedule_Errors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{scheduler.ErrScheduleNotFound, http.StatusNotFound},
		{scheduler.ErrTaskRunning, http.StatusConflict},
		{scheduler.ErrPaused, http.StatusConflict},
		{scheduler.ErrNotRunning, http.StatusServiceUnavailable},
		{errors.New("spawn failed"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		e := &stubEngine{manualErr: tc.err}
		w := doRequest(t, newTestRouter(e, &stubTasks{}),
			http.MethodPost, "/v1/schedules/"+uuid.New().String()+"/start")
		assert.Equal(t, tc.code, w.Code, "error %v", tc.err)
	}
}

func TestStartSchedule_InvalidID(t *testing.T) {
	w := doRequest(t, newTestRouter(&stubEngine{}, &stubTasks{}),
		http.MethodPost, "/v1/schedules/not-a-uuid/start")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPauseResume(t *testing.T) {
	e := &stubEngine{}
	r := newTestRouter(e, &stubTasks{})

	w := doRequest(t, r, http.MethodPost, "/v1/scheduler/pause")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, e.pauseCalls)
	assert.True(t, e.paused)

	w = doRequest(t, r, http.MethodPost, "/v1/scheduler/resume")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, e.resumeCalls)
	assert.False(t, e.paused)
}
