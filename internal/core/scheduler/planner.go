package scheduler

import (
	"math"
	"time"
)

// planTimed computes the next firing of a timed schedule from the civil
// time `current`. Hourly schedules (repeat of exactly one hour) keep the
// current hour and take minute/second from the target; daily and weekly
// schedules take the full target time of day. The weekday walk advances
// one civil day at a time until the schedule's day matches.
func planTimed(sched *Schedule, current time.Time) time.Time {
	target := sched.Time
	loc := current.Location()

	var dt time.Time
	if sched.Repeat != nil && *sched.Repeat == time.Hour {
		dt = time.Date(current.Year(), current.Month(), current.Day(),
			current.Hour(), target.Minute, target.Second, 0, loc)
		if daySeconds(current) > daySeconds(dt) {
			dt = addCivil(dt, time.Hour)
		}
	} else {
		dt = time.Date(current.Year(), current.Month(), current.Day(),
			target.Hour, target.Minute, target.Second, 0, loc)
		if daySeconds(current) > target.DaySeconds() {
			dt = addCivil(dt, 24*time.Hour)
		}
	}

	if sched.Day != 0 {
		for isoWeekday(dt) != sched.Day {
			dt = addCivil(dt, 24*time.Hour)
		}
	}
	return dt
}

// planFirst computes the first firing for a schedule loaded from the
// catalog and registers its execution. Manual schedules are never planned;
// they get an execution lazily when triggered. Caller holds s.mu.
func (s *Scheduler) planFirst(sched *Schedule, startTime time.Time) {
	if sched.Type == ScheduleManual {
		return
	}

	exec := newScheduleExecution()
	switch sched.Type {
	case ScheduleInterval:
		if sched.Repeat != nil {
			exec.nextStartTime = startTime.Add(*sched.Repeat)
		}
	case ScheduleTimed:
		exec.nextStartTime = planTimed(sched, startTime)
	case ScheduleStartup:
		exec.nextStartTime = startTime
	}
	s.executions[sched.ID] = exec

	s.log.Info("schedule planned",
		"schedule", sched.Name, "type", sched.Type.String(),
		"next_start", exec.nextStartTime)
}

// planNext computes the firing after the current one. It clears the next
// start time and returns false when the schedule has no future firing
// (paused, no repeat). Caller holds s.mu.
func (s *Scheduler) planNext(sched *Schedule) bool {
	exec, ok := s.executions[sched.ID]
	if !ok {
		return false
	}
	if s.paused || sched.Repeat == nil {
		exec.nextStartTime = time.Time{}
		return false
	}

	advance := *sched.Repeat
	if sched.Exclusive {
		// The main loop does not advance exclusive schedules; skip the
		// intervals that elapsed while the task was running.
		elapsed := s.clock.Now().Sub(exec.nextStartTime)
		if advance > 0 {
			n := math.Ceil(elapsed.Seconds() / advance.Seconds())
			advance = time.Duration(n) * advance
		} else {
			advance = elapsed
		}
	}

	if sched.Type == ScheduleTimed {
		// Advance in civil time so a wall-clock schedule stays on its
		// wall-clock reading across DST transitions.
		next := addCivil(exec.nextStartTime, advance)
		if sched.Day != 0 && isoWeekday(next) != sched.Day {
			exec.nextStartTime = planTimed(sched, civilDate(next))
		} else {
			exec.nextStartTime = next
		}
	} else {
		exec.nextStartTime = exec.nextStartTime.Add(advance)
	}

	s.log.Info("schedule planned",
		"schedule", sched.Name, "type", sched.Type.String(),
		"next_start", exec.nextStartTime)
	return true
}
