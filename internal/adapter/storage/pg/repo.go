// Package pg implements the scheduler's storage interface on PostgreSQL.
package pg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/himanga/fledge/internal/core/scheduler"
	"github.com/himanga/fledge/pkg/retry"
)

// Repository reads the schedule catalog and writes task rows.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	retry  retry.Config
}

var _ scheduler.Storage = (*Repository)(nil)

// NewRepository creates a Repository on the given pool.
func NewRepository(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	cfg := retry.DefaultConfig()
	return &Repository{
		pool:   pool,
		logger: logger.With("component", "storage_pg"),
		retry:  cfg,
	}
}

// ScheduledProcesses returns the process catalog.
func (r *Repository) ScheduledProcesses(ctx context.Context) ([]scheduler.ScheduledProcess, error) {
	rows, err := r.pool.Query(ctx, `SELECT name, script FROM scheduled_processes`)
	if err != nil {
		return nil, fmt.Errorf("query scheduled_processes: %w", err)
	}
	defer rows.Close()

	var out []scheduler.ScheduledProcess
	for rows.Next() {
		var p scheduler.ScheduledProcess
		if err := rows.Scan(&p.Name, &p.Script); err != nil {
			return nil, fmt.Errorf("scan scheduled_process: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Schedules returns all schedule rows.
func (r *Repository) Schedules(ctx context.Context) ([]scheduler.Schedule, error) {
	rows, err := r.pool.Query(ctx, `
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
			schedTyp int16
			schedTim pgtype.Time
			day      pgtype.Int2
			interval pgtype.Interval
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.ProcessName, &schedTyp,
			&schedTim, &day, &interval, &s.Exclusive); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}

		s.Type = scheduler.ScheduleType(schedTyp)
		if schedTim.Valid {
			s.Time = timeOfDay(schedTim)
		}
		if day.Valid {
			s.Day = int(day.Int16)
		}
		if interval.Valid {
			d := intervalDuration(interval)
			s.Repeat = &d
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertTask records a freshly launched task. Transient failures are
// retried; the scheduler treats a final failure as best-effort.
func (r *Repository) InsertTask(ctx context.Context, task scheduler.TaskRecord) error {
	return retry.Do(ctx, r.retry, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO tasks (id, process_name, state, start_time, pid)
			VALUES ($1, $2, $3, $4, $5)`,
			task.ID, task.ProcessName, int(task.State), task.StartTime, task.PID)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// CompleteTask finalizes a task row.
func (r *Repository) CompleteTask(ctx context.Context, id uuid.UUID, exitCode *int, endTime time.Time) error {
	return retry.Do(ctx, r.retry, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `
			UPDATE tasks SET state = $2, exit_code = $3, end_time = $4
			WHERE id = $1`,
			id, int(scheduler.TaskComplete), exitCode, endTime)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		return nil
	})
}

// InterruptOrphans rewrites rows a previous scheduler left in the running
// state.
func (r *Repository) InterruptOrphans(ctx context.Context, endTime time.Time, reason string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks SET state = $1, end_time = $2, reason = $3
		WHERE state = $4`,
		int(scheduler.TaskInterrupted), endTime, reason, int(scheduler.TaskRunning))
	if err != nil {
		return 0, fmt.Errorf("interrupt orphans: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeTasks deletes terminal rows that ended before the horizon.
func (r *Repository) PurgeTasks(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM tasks
		WHERE state <> $1 AND end_time IS NOT NULL AND end_time < $2`,
		int(scheduler.TaskRunning), before)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecentTasks returns the newest task rows, most recent first.
func (r *Repository) RecentTasks(ctx context.Context, limit int) ([]scheduler.TaskRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, process_name, state, start_time, end_time, pid, exit_code, reason
		FROM tasks
		ORDER BY start_time DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []scheduler.TaskRecord
	for rows.Next() {
		var (
			t      scheduler.TaskRecord
			state  int16
			reason *string
		)
		if err := rows.Scan(&t.ID, &t.ProcessName, &state, &t.StartTime,
			&t.EndTime, &t.PID, &t.ExitCode, &reason); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.State = scheduler.TaskState(state)
		if reason != nil {
			t.Reason = *reason
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// timeOfDay converts a TIME column (microseconds since midnight).
func timeOfDay(t pgtype.Time) scheduler.TimeOfDay {
	secs := int(t.Microseconds / 1_000_000)
	return scheduler.TimeOfDay{
		Hour:   secs / 3600,
		Minute: secs % 3600 / 60,
		Second: secs % 60,
	}
}

// intervalDuration flattens an INTERVAL column to a duration, counting a
// day as 24 hours and a month as 30 days.
func intervalDuration(iv pgtype.Interval) time.Duration {
	d := time.Duration(iv.Microseconds) * time.Microsecond
	d += time.Duration(iv.Days) * 24 * time.Hour
	d += time.Duration(iv.Months) * 30 * 24 * time.Hour
	return d
}
