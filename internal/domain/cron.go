package domain

import (
	"context"
	"time"
)

// DispatchMode selects how a ScheduledTask fires: spawning a session with
// a prompt, or invoking an in-process handler registered by a module.
type DispatchMode string

const (
	DispatchPrompt DispatchMode = "prompt"
	DispatchJob    DispatchMode = "job"
)

// ScheduledTask is a cron-driven task in a butler's scheduled_tasks table.
// Invariants (enforced at the store layer, not just here):
//   - DispatchMode == DispatchPrompt  => Prompt != "" && JobName == ""
//   - DispatchMode == DispatchJob     => JobName != ""
//   - EndAt, if set, is after StartAt
//   - UntilAt, if set, is >= StartAt
type ScheduledTask struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"` // unique per butler schema
	CronExpr     string         `json:"cron_expr"`
	Timezone     string         `json:"timezone"` // IANA zone name, default "UTC"
	DispatchMode DispatchMode   `json:"dispatch_mode"`
	Prompt       string         `json:"prompt,omitempty"`
	JobName      string         `json:"job_name,omitempty"`
	JobArgs      map[string]any `json:"job_args,omitempty"`
	StartAt      *time.Time     `json:"start_at,omitempty"`
	EndAt        *time.Time     `json:"end_at,omitempty"`
	UntilAt      *time.Time     `json:"until_at,omitempty"`
	Enabled      bool           `json:"enabled"`
	NextRunAt    *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time     `json:"last_run_at,omitempty"`
	LastResult   string         `json:"last_result,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TaskRun records one execution of a scheduled task.
type TaskRun struct {
	TaskID    string    `json:"task_id"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// TaskStore provides persistent storage for scheduled tasks and their run
// history, one instance per butler schema.
type TaskStore interface {
	Save(ctx context.Context, task ScheduledTask) error
	Get(ctx context.Context, id string) (*ScheduledTask, error)
	GetByName(ctx context.Context, name string) (*ScheduledTask, error)
	List(ctx context.Context) ([]ScheduledTask, error)
	// Due returns tasks with Enabled && NextRunAt <= now, within any
	// configured start/end window, ordered by NextRunAt ascending.
	Due(ctx context.Context, now time.Time) ([]ScheduledTask, error)
	Delete(ctx context.Context, id string) error
	SaveRun(ctx context.Context, run TaskRun) error
	ListRuns(ctx context.Context, taskID string, limit int) ([]TaskRun, error)
}
