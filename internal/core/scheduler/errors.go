package scheduler

import "errors"

var (
	// ErrAlreadyRunning is returned by Start when the scheduler runs.
	ErrAlreadyRunning = errors.New("scheduler already running")

	// ErrNotRunning is returned by operations that need a started scheduler.
	ErrNotRunning = errors.New("scheduler not running")

	// ErrStopTimeout is returned by Stop while tasks are still alive after
	// the grace period. The caller may retry.
	ErrStopTimeout = errors.New("tasks still running")

	// ErrPaused is returned when a launch is requested while paused.
	ErrPaused = errors.New("scheduler paused")

	// ErrScheduleNotFound is returned for an unknown schedule id.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrTaskRunning is returned when an exclusive schedule already has a
	// task in flight.
	ErrTaskRunning = errors.New("schedule has a running task")
)
