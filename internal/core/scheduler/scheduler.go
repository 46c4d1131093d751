// Package scheduler launches and tracks child processes (tasks) on behalf
// of declarative schedules stored in a relational database.
//
// Schedules say when to execute; scheduled processes say what to execute.
// A single main loop wakes when the earliest schedule is due, launches a
// task per due schedule, and goes back to an interruptible sleep. One
// watcher goroutine per live task awaits the child's exit and finalizes
// its state. A mutex serializes all mutation of the execution table, the
// active-task count, and the wake handle.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// maxSleep is the loop's sleep when no schedule has a future firing.
const maxSleep = 9999999 * time.Second

// defaultStopGrace is how long Stop waits for terminated children to exit.
const defaultStopGrace = 100 * time.Millisecond

// Config configures a Scheduler.
type Config struct {
	Storage  Storage
	Launcher Launcher

	// Clock defaults to the system clock.
	Clock Clock
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Registerer receives the scheduler's metrics; nil disables exposure.
	Registerer prometheus.Registerer
	// StopGrace overrides the wait between terminating children and
	// checking that they exited. Defaults to 100ms.
	StopGrace time.Duration
}

// Scheduler is the scheduling engine.
type Scheduler struct {
	storage   Storage
	launcher  Launcher
	clock     Clock
	log       *slog.Logger
	metrics   *metrics
	stopGrace time.Duration

	mu              sync.Mutex
	schedules       map[uuid.UUID]*Schedule
	processScripts  map[string][]string
	executions      map[uuid.UUID]*scheduleExecution
	activeTaskCount int
	paused          bool
	startTime       time.Time

	// wakeCh interrupts the main loop's sleep. Buffered so a wake is never
	// lost and never blocks the sender.
	wakeCh chan struct{}
}

// New creates a Scheduler. Storage and Launcher are required.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("scheduler: storage is required")
	}
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("scheduler: launcher is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	grace := cfg.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}
	return &Scheduler{
		storage:        cfg.Storage,
		launcher:       cfg.Launcher,
		clock:          clock,
		log:            log.With("component", "scheduler"),
		metrics:        newMetrics(cfg.Registerer),
		stopGrace:      grace,
		schedules:      make(map[uuid.UUID]*Schedule),
		processScripts: make(map[string][]string),
		executions:     make(map[uuid.UUID]*scheduleExecution),
		wakeCh:         make(chan struct{}, 1),
	}, nil
}

// Start loads the catalog, plans the first firing for every schedule, and
// launches the main loop in the background. It returns ErrAlreadyRunning
// on a second call and propagates catalog read failures: the scheduler
// cannot run without a catalog.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.startTime.IsZero() {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	start := s.clock.Now()
	s.startTime = start
	s.paused = false
	s.mu.Unlock()

	if err := s.loadCatalog(ctx); err != nil {
		s.mu.Lock()
		s.startTime = time.Time{}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	for _, sched := range s.schedules {
		s.planFirst(sched, start)
	}
	nSchedules, nProcs := len(s.schedules), len(s.processScripts)
	s.mu.Unlock()

	s.log.Info("starting", "schedules", nSchedules, "processes", nProcs)
	go s.run(ctx)
	return nil
}

// Stop prevents new launches, sends the terminate signal to every live
// task, and waits a short grace period. If tasks are still alive after the
// grace it returns ErrStopTimeout; the caller may retry. After a timed-out
// stop the loop keeps running paused and Resume re-enables launches; after
// a successful stop the main loop exits and a new Start is needed.
func (s *Scheduler) Stop() error {
	s.log.Info("stop requested")

	s.mu.Lock()
	s.paused = true
	type liveTask struct {
		schedule *Schedule
		taskID   uuid.UUID
		proc     Process
	}
	var live []liveTask
	for id, exec := range s.executions {
		sched, ok := s.schedules[id]
		if !ok {
			continue
		}
		for taskID, proc := range exec.taskProcesses {
			live = append(live, liveTask{schedule: sched, taskID: taskID, proc: proc})
		}
	}
	s.mu.Unlock()
	s.wake()

	for _, t := range live {
		s.log.Info("terminating task",
			"schedule", t.schedule.Name, "process", t.schedule.ProcessName,
			"task", t.taskID, "pid", t.proc.PID())
		if err := t.proc.Terminate(); err != nil {
			s.log.Warn("terminate failed", "task", t.taskID, "error", err)
		}
	}

	// Children need a moment to exit before the drain check.
	time.Sleep(s.stopGrace)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeTaskCount > 0 {
		return fmt.Errorf("%w: %d in flight", ErrStopTimeout, s.activeTaskCount)
	}
	s.startTime = time.Time{}
	s.wake()
	s.log.Info("stopped")
	return nil
}

// Pause stops the main loop from launching tasks without terminating
// anything. Running tasks finish normally.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Info("paused")
}

// Resume re-enables launches after Pause and wakes the main loop.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.log.Info("resumed")
	s.wake()
}

// Paused reports whether launches are currently suppressed.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.startTime.IsZero()
}

// ActiveTasks returns the number of tasks currently in flight.
func (s *Scheduler) ActiveTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTaskCount
}

// ScheduleStatus is a point-in-time view of one schedule for callers
// outside the engine (the admin API).
type ScheduleStatus struct {
	Schedule     Schedule
	NextStart    time.Time // zero when not planned
	RunningTasks int
}

// Snapshot returns the catalog with each schedule's planned next start and
// live task count, sorted by name.
func (s *Scheduler) Snapshot() []ScheduleStatus {
	s.mu.Lock()
	out := make([]ScheduleStatus, 0, len(s.schedules))
	for id, sched := range s.schedules {
		st := ScheduleStatus{Schedule: *sched}
		if exec, ok := s.executions[id]; ok {
			st.NextStart = exec.nextStartTime
			st.RunningTasks = len(exec.taskProcesses)
		}
		out = append(out, st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Schedule.Name < out[j].Schedule.Name })
	return out
}

// RunManual launches a task for the given schedule on demand. This is the
// external trigger for manual schedules, though any schedule can be run.
// Exclusivity is honored; the launch is refused while paused.
func (s *Scheduler) RunManual(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	if s.startTime.IsZero() {
		s.mu.Unlock()
		return uuid.Nil, ErrNotRunning
	}
	if s.paused {
		s.mu.Unlock()
		return uuid.Nil, ErrPaused
	}
	sched, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return uuid.Nil, ErrScheduleNotFound
	}
	exec, ok := s.executions[id]
	if !ok {
		exec = newScheduleExecution()
		s.executions[id] = exec
	}
	if sched.Exclusive && len(exec.taskProcesses) > 0 {
		s.mu.Unlock()
		return uuid.Nil, ErrTaskRunning
	}
	s.incrementActiveLocked()
	s.mu.Unlock()

	if sched.Type == ScheduleStartup {
		return s.startStartupTask(ctx, sched)
	}
	return s.startRegularTask(ctx, sched)
}

// wake interrupts the main loop's sleep. Safe to call from any goroutine;
// a pending wake is coalesced.
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// run is the main loop: scan, launch, sleep until the earliest next start.
func (s *Scheduler) run(ctx context.Context) {
	for {
		least := s.checkSchedules(ctx)

		s.mu.Lock()
		stopped := s.paused && s.startTime.IsZero()
		s.mu.Unlock()
		if stopped || ctx.Err() != nil {
			s.log.Debug("main loop exiting")
			return
		}

		sleep := maxSleep
		if !least.IsZero() {
			sleep = least.Sub(s.clock.Now())
			if sleep < 0 {
				sleep = 0
			}
		}
		s.log.Debug("sleeping", "duration", sleep)

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-s.wakeCh:
			timer.Stop()
			s.log.Debug("main loop awakened")
		case <-ctx.Done():
			timer.Stop()
			s.log.Debug("main loop canceled")
			return
		}
	}
}

// checkSchedules launches every due schedule and returns the least future
// next start time, or zero when nothing is planned. Iteration runs over a
// snapshot of the execution keys because completion watchers delete
// entries concurrently.
func (s *Scheduler) checkSchedules(ctx context.Context) time.Time {
	var least time.Time

	s.mu.Lock()
	keys := make([]uuid.UUID, 0, len(s.executions))
	for id := range s.executions {
		keys = append(keys, id)
	}

	for _, id := range keys {
		if s.paused {
			s.mu.Unlock()
			return time.Time{}
		}
		sched, ok := s.schedules[id]
		if !ok {
			continue
		}
		exec, ok := s.executions[id]
		if !ok {
			continue
		}
		if sched.Exclusive && len(exec.taskProcesses) > 0 {
			continue
		}
		next := exec.nextStartTime
		if next.IsZero() {
			continue
		}

		if !s.clock.Now().Before(next) {
			// The count is incremented before any suspension point so a
			// concurrent Stop sees this launch in flight. Every path from
			// here to the watcher's decrement must roll back on failure.
			s.incrementActiveLocked()

			// Advance non-exclusive schedules immediately so the same
			// firing cannot be picked up again. Exclusive schedules are
			// re-planned by the completion watcher.
			if !sched.Exclusive && s.planNext(sched) {
				next = exec.nextStartTime
			} else {
				next = time.Time{}
			}

			s.mu.Unlock()
			if sched.Type == ScheduleStartup {
				_, _ = s.startStartupTask(ctx, sched)
			} else {
				_, _ = s.startRegularTask(ctx, sched)
			}
			s.mu.Lock()
		}

		if !next.IsZero() && (least.IsZero() || next.Before(least)) {
			least = next
		}
	}
	s.mu.Unlock()
	return least
}

// startTask spawns the child for one task. On any failure the
// pre-incremented active count is rolled back and the schedule stays
// planned for its next firing.
func (s *Scheduler) startTask(ctx context.Context, sched *Schedule) (uuid.UUID, Process, error) {
	taskID := uuid.New()

	s.mu.Lock()
	argv, ok := s.processScripts[sched.ProcessName]
	s.mu.Unlock()
	if !ok {
		s.rollbackLaunch()
		s.log.Error("process not in catalog",
			"schedule", sched.Name, "process", sched.ProcessName, "task", taskID)
		return uuid.Nil, nil, fmt.Errorf("process %q not in catalog", sched.ProcessName)
	}

	s.log.Info("starting task",
		"schedule", sched.Name, "process", sched.ProcessName,
		"task", taskID, "argv", argv)

	proc, err := s.launcher.Launch(ctx, argv)
	if err != nil {
		s.rollbackLaunch()
		s.log.Error("unable to start task",
			"schedule", sched.Name, "process", sched.ProcessName,
			"task", taskID, "argv", argv, "error", err)
		return uuid.Nil, nil, err
	}

	s.mu.Lock()
	if exec, ok := s.executions[sched.ID]; ok {
		exec.taskProcesses[taskID] = proc
	}
	s.mu.Unlock()

	s.metrics.tasksStarted.WithLabelValues(sched.ProcessName).Inc()
	s.log.Info("started task",
		"schedule", sched.Name, "process", sched.ProcessName,
		"task", taskID, "pid", proc.PID())
	return taskID, proc, nil
}

// startStartupTask launches a task that leaves no row in the tasks table.
func (s *Scheduler) startStartupTask(ctx context.Context, sched *Schedule) (uuid.UUID, error) {
	taskID, proc, err := s.startTask(ctx, sched)
	if err != nil {
		return uuid.Nil, err
	}
	go s.waitForStartupTaskCompletion(sched, taskID, proc)
	return taskID, nil
}

// startRegularTask launches a task and records it in the tasks table. The
// row must exist before the completion watcher runs, so it is inserted
// before the watcher starts.
func (s *Scheduler) startRegularTask(ctx context.Context, sched *Schedule) (uuid.UUID, error) {
	taskID, proc, err := s.startTask(ctx, sched)
	if err != nil {
		return uuid.Nil, err
	}

	rec := TaskRecord{
		ID:          taskID,
		ProcessName: sched.ProcessName,
		State:       TaskRunning,
		StartTime:   s.clock.Now(),
		PID:         proc.PID(),
	}
	if err := s.storage.InsertTask(ctx, rec); err != nil {
		// In-memory state stays authoritative; the row is best-effort.
		s.log.Error("insert task row", "task", taskID, "error", err)
	}

	go s.waitForTaskCompletion(sched, taskID, proc)
	return taskID, nil
}

func (s *Scheduler) waitForStartupTaskCompletion(sched *Schedule, taskID uuid.UUID, proc Process) {
	if _, err := proc.Wait(); err != nil {
		s.log.Warn("wait failed", "task", taskID, "error", err)
	}
	s.onTaskCompletion(sched, proc, taskID)
}

func (s *Scheduler) waitForTaskCompletion(sched *Schedule, taskID uuid.UUID, proc Process) {
	var exitCode *int
	code, err := proc.Wait()
	if err != nil {
		s.log.Warn("wait failed", "task", taskID, "error", err)
	} else {
		exitCode = &code
	}

	s.onTaskCompletion(sched, proc, taskID)

	// Accounting and in-memory cleanup are done; a failed row update must
	// not stall the scheduler. Background context: the run context may
	// already be canceled during shutdown and the final write still counts.
	if err := s.storage.CompleteTask(context.Background(), taskID, exitCode, s.clock.Now()); err != nil {
		s.log.Error("update task row", "task", taskID, "error", err)
	}
}

// onTaskCompletion settles the accounting for one exited task: decrement
// the active count, re-plan exclusive schedules, and drop the execution
// when it has neither a future firing nor live tasks.
func (s *Scheduler) onTaskCompletion(sched *Schedule, proc Process, taskID uuid.UUID) {
	s.log.Info("task exited",
		"schedule", sched.Name, "process", sched.ProcessName,
		"task", taskID, "pid", proc.PID())
	s.metrics.tasksCompleted.Inc()

	s.mu.Lock()
	s.decrementActiveLocked()

	exec, ok := s.executions[sched.ID]
	if !ok {
		s.mu.Unlock()
		return
	}

	wakeLoop := sched.Exclusive && s.planNext(sched)

	delete(exec.taskProcesses, taskID)
	if exec.nextStartTime.IsZero() && len(exec.taskProcesses) == 0 {
		delete(s.executions, sched.ID)
	}
	s.mu.Unlock()

	if wakeLoop {
		s.wake()
	}
}

func (s *Scheduler) incrementActiveLocked() {
	s.activeTaskCount++
	s.metrics.activeTasks.Inc()
}

// decrementActiveLocked lowers the active count, never below zero.
func (s *Scheduler) decrementActiveLocked() {
	if s.activeTaskCount > 0 {
		s.activeTaskCount--
		s.metrics.activeTasks.Dec()
		return
	}
	s.log.Error("active task count would be negative")
}

func (s *Scheduler) rollbackLaunch() {
	s.metrics.spawnFailures.Inc()
	s.mu.Lock()
	s.decrementActiveLocked()
	s.mu.Unlock()
}

func (s *Scheduler) loadCatalog(ctx context.Context) error {
	procs, err := s.storage.ScheduledProcesses(ctx)
	if err != nil {
		return fmt.Errorf("read scheduled processes: %w", err)
	}
	scheds, err := s.storage.Schedules(ctx)
	if err != nil {
		return fmt.Errorf("read schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.processScripts = make(map[string][]string, len(procs))
	for _, p := range procs {
		s.processScripts[p.Name] = p.Script
	}
	s.schedules = make(map[uuid.UUID]*Schedule, len(scheds))
	for i := range scheds {
		sched := scheds[i]
		s.schedules[sched.ID] = &sched
	}
	return nil
}
