package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Storage is the narrow persistence interface the scheduler requires.
// Catalog reads happen once at start; task writes happen per launch and
// per completion. Implementations live under internal/adapter/storage.
type Storage interface {
	// ScheduledProcesses returns the process catalog (name -> argv).
	ScheduledProcesses(ctx context.Context) ([]ScheduledProcess, error)

	// Schedules returns all schedule rows.
	Schedules(ctx context.Context) ([]Schedule, error)

	// InsertTask records a freshly launched task in state running.
	InsertTask(ctx context.Context, task TaskRecord) error

	// CompleteTask finalizes a task row. exitCode is nil when the exit
	// status could not be collected.
	CompleteTask(ctx context.Context, id uuid.UUID, exitCode *int, endTime time.Time) error

	// InterruptOrphans rewrites rows still marked running to interrupted.
	// Used at startup to close out tasks a dead scheduler left behind.
	InterruptOrphans(ctx context.Context, endTime time.Time, reason string) (int64, error)

	// PurgeTasks deletes terminal task rows that ended before the horizon.
	PurgeTasks(ctx context.Context, before time.Time) (int64, error)

	// RecentTasks returns the newest task rows, most recent first.
	RecentTasks(ctx context.Context, limit int) ([]TaskRecord, error)
}
