package sqlite

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/himanga/fledge/internal/core/scheduler"
	platform "github.com/himanga/fledge/internal/platform/sqlite"
	"github.com/himanga/fledge/migrations"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()

	db, err := platform.NewDB(ctx, filepath.Join(t.TempDir(), "fledge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	schema, err := migrations.SQLite.ReadFile("sqlite/0001_init.up.sql")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, string(schema))
	require.NoError(t, err)

	return NewRepository(db, slog.Default())
}

func TestScheduledProcesses(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scheduled_processes (name, script) VALUES
		('ingest', '["/usr/bin/ingest", "--south"]'),
		('purge', '["/usr/bin/purge"]')`)
	require.NoError(t, err)

	procs, err := r.ScheduledProcesses(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 2)

	byName := map[string][]string{}
	for _, p := range procs {
		byName[p.Name] = p.Script
	}
	assert.Equal(t, []string{"/usr/bin/ingest", "--south"}, byName["ingest"])
	assert.Equal(t, []string{"/usr/bin/purge"}, byName["purge"])
}

func TestScheduledProcesses_BadScript(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scheduled_processes (name, script) VALUES ('broken', 'not json')`)
	require.NoError(t, err)

	_, err = r.ScheduledProcesses(ctx)
	assert.Error(t, err)
}

func TestSchedules_Mapping(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	timedID := uuid.New()
	manualID := uuid.New()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedules
			(id, schedule_name, process_name, schedule_type,
			 schedule_time, schedule_day, schedule_interval, exclusive)
		VALUES
			(?, 'nightly', 'ingest', 1, '03:15:00', 1, 604800, 1),
			(?, 'ondemand', 'purge', 3, NULL, NULL, NULL, 0)`,
		timedID.String(), manualID.String())
	require.NoError(t, err)

	scheds, err := r.Schedules(ctx)
	require.NoError(t, err)
	require.Len(t, scheds, 2)

	byID := map[uuid.UUID]scheduler.Schedule{}
	for _, s := range scheds {
		byID[s.ID] = s
	}

	timed := byID[timedID]
	assert.Equal(t, scheduler.ScheduleTimed, timed.Type)
	assert.Equal(t, scheduler.TimeOfDay{Hour: 3, Minute: 15}, timed.Time)
	assert.Equal(t, 1, timed.Day)
	require.NotNil(t, timed.Repeat)
	assert.Equal(t, 7*24*time.Hour, *timed.Repeat)
	assert.True(t, timed.Exclusive)

	manual := byID[manualID]
	assert.Equal(t, scheduler.ScheduleManual, manual.Type)
	assert.Zero(t, manual.Day)
	assert.Nil(t, manual.Repeat)
	assert.False(t, manual.Exclusive)
}

func TestTaskLifecycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	id := uuid.New()
	start := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, r.InsertTask(ctx, scheduler.TaskRecord{
		ID:          id,
		ProcessName: "ingest",
		State:       scheduler.TaskRunning,
		StartTime:   start,
		PID:         4242,
	}))

	code := 0
	end := start.Add(3 * time.Second)
	require.NoError(t, r.CompleteTask(ctx, id, &code, end))

	tasks, err := r.RecentTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	got := tasks[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, scheduler.TaskComplete, got.State)
	assert.Equal(t, 4242, got.PID)
	require.NotNil(t, got.ExitCode)
	assert.Zero(t, *got.ExitCode)
	require.NotNil(t, got.EndTime)
}

func TestCompleteTask_NilExitCode(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, r.InsertTask(ctx, scheduler.TaskRecord{
		ID: id, ProcessName: "ingest", State: scheduler.TaskRunning,
		StartTime: time.Now(), PID: 1,
	}))
	require.NoError(t, r.CompleteTask(ctx, id, nil, time.Now()))

	tasks, err := r.RecentTasks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Nil(t, tasks[0].ExitCode)
}

func TestInterruptOrphans(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	running := uuid.New()
	finished := uuid.New()
	require.NoError(t, r.InsertTask(ctx, scheduler.TaskRecord{
		ID: running, ProcessName: "ingest", State: scheduler.TaskRunning,
		StartTime: time.Now(), PID: 1,
	}))
	require.NoError(t, r.InsertTask(ctx, scheduler.TaskRecord{
		ID: finished, ProcessName: "ingest", State: scheduler.TaskRunning,
		StartTime: time.Now(), PID: 2,
	}))
	code := 0
	require.NoError(t, r.CompleteTask(ctx, finished, &code, time.Now()))

	n, err := r.InterruptOrphans(ctx, time.Now(), "scheduler restart")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// A second sweep finds nothing.
	n, err = r.InterruptOrphans(ctx, time.Now(), "scheduler restart")
	require.NoError(t, err)
	assert.Zero(t, n)

	tasks, err := r.RecentTasks(ctx, 10)
	require.NoError(t, err)
	states := map[uuid.UUID]scheduler.TaskState{}
	reasons := map[uuid.UUID]string{}
	for _, task := range tasks {
		states[task.ID] = task.State
		reasons[task.ID] = task.Reason
	}
	assert.Equal(t, scheduler.TaskInterrupted, states[running])
	assert.Equal(t, "scheduler restart", reasons[running])
	assert.Equal(t, scheduler.TaskComplete, states[finished])
}

func TestPurgeTasks(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	old := uuid.New()
	fresh := uuid.New()
	live := uuid.New()
	base := time.Now().UTC()

	require.NoError(t, r.InsertTask(ctx, scheduler.TaskRecord{
		ID: old, ProcessName: "ingest", State: scheduler.TaskRunning,
		StartTime: base.Add(-48 * time.Hour), PID: 1,
	}))
	code := 0
	require.NoError(t, r.CompleteTask(ctx, old, &code, base.Add(-47*time.Hour)))

	require.NoError(t, r.InsertTask(ctx, scheduler.TaskRecord{
		ID: fresh, ProcessName: "ingest", State: scheduler.TaskRunning,
		StartTime: base.Add(-time.Hour), PID: 2,
	}))
	require.NoError(t, r.CompleteTask(ctx, fresh, &code, base.Add(-time.Minute)))

	// Still running; a purge must never touch it.
	require.NoError(t, r.InsertTask(ctx, scheduler.TaskRecord{
		ID: live, ProcessName: "ingest", State: scheduler.TaskRunning,
		StartTime: base.Add(-72 * time.Hour), PID: 3,
	}))

	n, err := r.PurgeTasks(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	tasks, err := r.RecentTasks(ctx, 10)
	require.NoError(t, err)
	ids := map[uuid.UUID]bool{}
	for _, task := range tasks {
		ids[task.ID] = true
	}
	assert.False(t, ids[old])
	assert.True(t, ids[fresh])
	assert.True(t, ids[live])
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := parseTimeOfDay("23:59:01")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TimeOfDay{Hour: 23, Minute: 59, Second: 1}, tod)

	_, err = parseTimeOfDay("25:00:00")
	assert.Error(t, err)
}
