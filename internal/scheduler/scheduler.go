// Package scheduler drives a butler's scheduled_tasks table: parsing cron
// expressions, firing prompt or job dispatch at the right time, and
// recording each run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"switchboard/internal/domain"
	"switchboard/internal/usecase/scheduling"
)

// SessionSpawner spawns a synthetic session from a scheduled prompt.
type SessionSpawner interface {
	Spawn(ctx context.Context, prompt, triggerSource, parentSessionID string) (sessionID string, result string, err error)
}

// JobFunc is an in-process handler registered under a job name for
// dispatch_mode=job tasks.
type JobFunc func(ctx context.Context, args map[string]any) (result string, err error)

// Scheduler loads a butler's ScheduledTask rows and fires them via the
// underlying cron engine, branching on dispatch_mode.
type Scheduler struct {
	store   domain.TaskStore
	sched   *scheduling.Scheduler
	spawner SessionSpawner
	bus     domain.EventBus
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[string]JobFunc
}

// New constructs a Scheduler for one butler's task store.
func New(store domain.TaskStore, spawner SessionSpawner, bus domain.EventBus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		sched:   scheduling.NewScheduler(logger),
		spawner: spawner,
		bus:     bus,
		logger:  logger,
		jobs:    make(map[string]JobFunc),
	}
}

// RegisterJob registers the handler for a dispatch_mode=job task's job_name.
func (s *Scheduler) RegisterJob(name string, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = fn
}

// tzSchedule wraps a cron.Schedule so Next() is evaluated in a fixed
// IANA location rather than the process's local zone.
type tzSchedule struct {
	inner cron.Schedule
	loc   *time.Location
}

func (t tzSchedule) Next(tm time.Time) time.Time {
	local := tm.In(t.loc)
	next := t.inner.Next(local)
	return next.In(time.UTC)
}

func parseTaskSchedule(task domain.ScheduledTask) (cron.Schedule, error) {
	loc := time.UTC
	if task.Timezone != "" {
		l, err := time.LoadLocation(task.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scheduler: invalid timezone %q: %w", task.Timezone, err)
		}
		loc = l
	}
	inner, err := scheduling.ParseSchedule(task.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid cron_expr %q: %w", task.CronExpr, err)
	}
	return tzSchedule{inner: inner, loc: loc}, nil
}

// LoadAndSchedule loads every enabled task and schedules it. Call once at
// startup after RegisterJob calls for every job this butler exposes.
func (s *Scheduler) LoadAndSchedule(ctx context.Context) error {
	tasks, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load: %w", err)
	}

	scheduled := 0
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		if task.UntilAt != nil && !task.UntilAt.After(time.Now()) {
			task.Enabled = false
			task.UpdatedAt = time.Now()
			s.store.Save(ctx, task)
			s.logger.Info("disabled task past until_at", "name", task.Name)
			continue
		}
		if err := s.scheduleTask(task); err != nil {
			s.logger.Warn("failed to schedule task", "name", task.Name, "error", err)
			continue
		}
		scheduled++
	}
	s.logger.Info("scheduled tasks loaded", "total", len(tasks), "scheduled", scheduled)
	return nil
}

// Start begins running the cron engine.
func (s *Scheduler) Start(ctx context.Context) error {
	return s.sched.Start(ctx)
}

// Stop signals the cron engine to stop and waits for in-flight fires.
func (s *Scheduler) Stop() error {
	return s.sched.Stop()
}

// Save validates and persists a task (new or updated), then (re)schedules it.
func (s *Scheduler) Save(ctx context.Context, task domain.ScheduledTask) error {
	if err := s.store.Save(ctx, task); err != nil {
		return err
	}
	s.sched.RemoveDynamicTask(task.ID)
	if task.Enabled {
		return s.scheduleTask(task)
	}
	return nil
}

// Delete removes a task and its schedule.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.sched.RemoveDynamicTask(id)
	return s.store.Delete(ctx, id)
}

// NextRun returns the next fire time for a scheduled task.
func (s *Scheduler) NextRun(id string) *time.Time {
	return s.sched.GetNextRun(id)
}

// List returns every persisted task for this butler.
func (s *Scheduler) List(ctx context.Context) ([]domain.ScheduledTask, error) {
	return s.store.List(ctx)
}

func (s *Scheduler) scheduleTask(task domain.ScheduledTask) error {
	sched, err := parseTaskSchedule(task)
	if err != nil {
		return err
	}
	id := task.ID
	return s.sched.AddDynamicTask(id, sched, func(ctx context.Context) error {
		return s.fire(ctx, id)
	}, false)
}

func (s *Scheduler) fire(ctx context.Context, id string) error {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("scheduler: task %s not found: %w", id, err)
	}

	now := time.Now()
	if task.StartAt != nil && now.Before(*task.StartAt) {
		return nil
	}
	if task.EndAt != nil && !now.Before(*task.EndAt) {
		return nil
	}

	start := time.Now()
	var runErr error
	var result string

	switch task.DispatchMode {
	case domain.DispatchPrompt:
		if s.spawner == nil {
			runErr = fmt.Errorf("scheduler: no session spawner registered")
			break
		}
		_, result, runErr = s.spawner.Spawn(ctx, task.Prompt, "schedule:"+task.Name, "")
	case domain.DispatchJob:
		s.mu.Lock()
		fn, ok := s.jobs[task.JobName]
		s.mu.Unlock()
		if !ok {
			runErr = fmt.Errorf("scheduler: no job registered for %q", task.JobName)
			break
		}
		result, runErr = fn(ctx, task.JobArgs)
	default:
		runErr = fmt.Errorf("scheduler: unknown dispatch_mode %q", task.DispatchMode)
	}

	duration := time.Since(start)
	run := domain.TaskRun{
		TaskID:    task.ID,
		StartedAt: start,
		Duration:  duration.String(),
		Success:   runErr == nil,
	}
	if runErr != nil {
		run.Error = runErr.Error()
		result = runErr.Error()
	}
	if err := s.store.SaveRun(ctx, run); err != nil {
		s.logger.Warn("failed to record task run", "task", task.Name, "error", err)
	}

	task.LastRunAt = &start
	task.LastResult = result
	task.UpdatedAt = time.Now()
	if task.UntilAt != nil && !task.UntilAt.After(time.Now()) {
		task.Enabled = false
	}
	if err := s.store.Save(ctx, *task); err != nil {
		s.logger.Warn("failed to persist task run state", "task", task.Name, "error", err)
	}

	if s.bus != nil {
		s.bus.Publish(ctx, domain.Event{
			Type:      domain.EventCronJobFired,
			Timestamp: time.Now(),
			Payload:   domain.MustMarshalPayload(run),
		})
	}

	return runErr
}
