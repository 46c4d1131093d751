package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// ScheduleType enumerates schedules.schedule_type. The numeric values are
// part of the persisted contract and must not be renumbered.
type ScheduleType int

const (
	ScheduleTimed    ScheduleType = 1
	ScheduleInterval ScheduleType = 2
	ScheduleManual   ScheduleType = 3
	ScheduleStartup  ScheduleType = 4
)

// String returns the lowercase name used in logs and API responses.
func (t ScheduleType) String() string {
	switch t {
	case ScheduleTimed:
		return "timed"
	case ScheduleInterval:
		return "interval"
	case ScheduleManual:
		return "manual"
	case ScheduleStartup:
		return "startup"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the known schedule types.
func (t ScheduleType) Valid() bool {
	return t >= ScheduleTimed && t <= ScheduleStartup
}

// TaskState enumerates tasks.state. Persisted contract, do not renumber.
type TaskState int

const (
	TaskRunning     TaskState = 1
	TaskComplete    TaskState = 2
	TaskCanceled    TaskState = 3
	TaskInterrupted TaskState = 4
)

func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskComplete:
		return "complete"
	case TaskCanceled:
		return "canceled"
	case TaskInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// TimeOfDay is a wall-clock time within a day, used by timed schedules.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// DaySeconds returns the offset from midnight in seconds.
func (t TimeOfDay) DaySeconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// Schedule is a row of the schedules table. The catalog is immutable for
// the lifetime of a scheduler run.
type Schedule struct {
	ID          uuid.UUID
	Name        string
	ProcessName string
	Type        ScheduleType

	// Time and Day apply to timed schedules. Day is an ISO weekday
	// (Mon=1..Sun=7); zero means any day.
	Time TimeOfDay
	Day  int

	// Repeat is the firing interval. Nil means the schedule does not
	// repeat; a timed schedule without Repeat fires once.
	Repeat *time.Duration

	// Exclusive limits the schedule to one concurrent task.
	Exclusive bool
}

// ScheduledProcess maps a process name to the argv vector spawned for it.
type ScheduledProcess struct {
	Name   string
	Script []string
}

// TaskRecord is a row of the tasks table.
type TaskRecord struct {
	ID          uuid.UUID
	ProcessName string
	State       TaskState
	StartTime   time.Time
	EndTime     *time.Time
	PID         int
	ExitCode    *int
	Reason      string
}

// scheduleExecution tracks the mutable per-schedule state: when the next
// task starts and which tasks are currently alive. Guarded by Scheduler.mu.
type scheduleExecution struct {
	// nextStartTime is the next firing instant; the zero value means the
	// schedule is not planned to fire.
	nextStartTime time.Time

	// taskProcesses maps a task id to its live process handle.
	taskProcesses map[uuid.UUID]Process
}

func newScheduleExecution() *scheduleExecution {
	return &scheduleExecution{taskProcesses: make(map[uuid.UUID]Process)}
}
