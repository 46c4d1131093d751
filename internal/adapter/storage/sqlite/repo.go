// Package sqlite implements the scheduler's storage interface on the
// embedded SQLite backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/himanga/fledge/internal/core/scheduler"
	"github.com/himanga/fledge/pkg/retry"
)

// Repository reads the schedule catalog and writes task rows.
type Repository struct {
	db     *sql.DB
	logger *slog.Logger
	retry  retry.Config
}

var _ scheduler.Storage = (*Repository)(nil)

// NewRepository creates a Repository on the given database handle.
func NewRepository(db *sql.DB, logger *slog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.With("component", "storage_sqlite"),
		retry:  retry.DefaultConfig(),
	}
}

// ScheduledProcesses returns the process catalog. Argv vectors are stored
// as JSON arrays.
func (r *Repository) ScheduledProcesses(ctx context.Context) ([]scheduler.ScheduledProcess, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, script FROM scheduled_processes`)
	if err != nil {
		return nil, fmt.Errorf("query scheduled_processes: %w", err)
	}
	defer rows.Close()

	var out []scheduler.ScheduledProcess
	for rows.Next() {
		var (
			p   scheduler.ScheduledProcess
			raw string
		)
		if err := rows.Scan(&p.Name, &raw); err != nil {
			return nil, fmt.Errorf("scan scheduled_process: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &p.Script); err != nil {
			return nil, fmt.Errorf("decode script for %q: %w", p.Name, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Schedules returns all schedule rows.
func (r *Repository) Schedules(ctx context.Context) ([]scheduler.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, schedule_name, process_name, schedule_type,
		       schedule_time, schedule_day, schedule_interval, exclusive
		FROM schedules`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []scheduler.Schedule
	for rows.Next() {
		var (
			s        scheduler.Schedule
			id       string
			schedTyp int
			schedTim sql.NullString
			day      sql.NullInt64
			interval sql.NullFloat64
		)
		if err := rows.Scan(&id, &s.Name, &s.ProcessName, &schedTyp,
			&schedTim, &day, &interval, &s.Exclusive); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}

		s.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse schedule id %q: %w", id, err)
		}
		s.Type = scheduler.ScheduleType(schedTyp)
		if schedTim.Valid {
			tod, err := parseTimeOfDay(schedTim.String)
			if err != nil {
				return nil, fmt.Errorf("schedule %q: %w", s.Name, err)
			}
			s.Time = tod
		}
		if day.Valid {
			s.Day = int(day.Int64)
		}
		if interval.Valid {
			d := time.Duration(interval.Float64 * float64(time.Second))
			s.Repeat = &d
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertTask records a freshly launched task.
func (r *Repository) InsertTask(ctx context.Context, task scheduler.TaskRecord) error {
	return retry.Do(ctx, r.retry, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO tasks (id, process_name, state, start_time, pid)
			VALUES (?, ?, ?, ?, ?)`,
			task.ID.String(), task.ProcessName, int(task.State), task.StartTime, task.PID)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// CompleteTask finalizes a task row.
func (r *Repository) CompleteTask(ctx context.Context, id uuid.UUID, exitCode *int, endTime time.Time) error {
	return retry.Do(ctx, r.retry, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE tasks SET state = ?, exit_code = ?, end_time = ?
			WHERE id = ?`,
			int(scheduler.TaskComplete), exitCode, endTime, id.String())
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		return nil
	})
}

// InterruptOrphans rewrites rows a previous scheduler left in the running
// state.
func (r *Repository) InterruptOrphans(ctx context.Context, endTime time.Time, reason string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, end_time = ?, reason = ?
		WHERE state = ?`,
		int(scheduler.TaskInterrupted), endTime, reason, int(scheduler.TaskRunning))
	if err != nil {
		return 0, fmt.Errorf("interrupt orphans: %w", err)
	}
	return res.RowsAffected()
}

// PurgeTasks deletes terminal rows that ended before the horizon.
func (r *Repository) PurgeTasks(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE state <> ? AND end_time IS NOT NULL AND end_time < ?`,
		int(scheduler.TaskRunning), before)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return res.RowsAffected()
}

// RecentTasks returns the newest task rows, most recent first.
func (r *Repository) RecentTasks(ctx context.Context, limit int) ([]scheduler.TaskRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, process_name, state, start_time, end_time, pid, exit_code, reason
		FROM tasks
		ORDER BY start_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []scheduler.TaskRecord
	for rows.Next() {
		var (
			t        scheduler.TaskRecord
			id       string
			state    int
			endTime  sql.NullTime
			exitCode sql.NullInt64
			reason   sql.NullString
		)
		if err := rows.Scan(&id, &t.ProcessName, &state, &t.StartTime,
			&endTime, &t.PID, &exitCode, &reason); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse task id %q: %w", id, err)
		}
		t.State = scheduler.TaskState(state)
		if endTime.Valid {
			et := endTime.Time
			t.EndTime = &et
		}
		if exitCode.Valid {
			ec := int(exitCode.Int64)
			t.ExitCode = &ec
		}
		if reason.Valid {
			t.Reason = reason.String
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// parseTimeOfDay parses an HH:MM:SS column value.
func parseTimeOfDay(s string) (scheduler.TimeOfDay, error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		return scheduler.TimeOfDay{}, fmt.Errorf("parse schedule_time %q: %w", s, err)
	}
	return scheduler.TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
}
