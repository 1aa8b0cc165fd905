package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"switchboard/internal/domain"
)

func migrateScheduledTasks(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	cron_expr     TEXT NOT NULL,
	timezone      TEXT NOT NULL DEFAULT 'UTC',
	dispatch_mode TEXT NOT NULL,
	prompt        TEXT,
	job_name      TEXT,
	job_args      TEXT,
	start_at      TEXT,
	end_at        TEXT,
	until_at      TEXT,
	enabled       INTEGER NOT NULL DEFAULT 1,
	next_run_at   TEXT,
	last_run_at   TEXT,
	last_result   TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS task_runs (
	task_id    TEXT NOT NULL,
	started_at TEXT NOT NULL,
	duration   TEXT NOT NULL,
	success    INTEGER NOT NULL,
	error      TEXT
)`)
	return err
}

// TaskStore is the SQLite-backed domain.TaskStore for a single butler's
// scheduled_tasks table.
type TaskStore struct {
	db *DB
}

// NewTaskStore constructs a TaskStore, migrating its tables if needed.
func NewTaskStore(db *DB) (*TaskStore, error) {
	if err := migrateScheduledTasks(db.conn); err != nil {
		return nil, err
	}
	return &TaskStore{db: db}, nil
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TaskStore) scan(row scanner) (*domain.ScheduledTask, error) {
	var t domain.ScheduledTask
	var prompt, jobName, jobArgs, startAt, endAt, untilAt, nextRunAt, lastRunAt, lastResult sql.NullString
	var enabled int
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.Name, &t.CronExpr, &t.Timezone, &t.DispatchMode,
		&prompt, &jobName, &jobArgs, &startAt, &endAt, &untilAt, &enabled,
		&nextRunAt, &lastRunAt, &lastResult, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Prompt = prompt.String
	t.JobName = jobName.String
	t.LastResult = lastResult.String
	t.Enabled = enabled != 0

	if jobArgs.Valid && jobArgs.String != "" {
		if err := json.Unmarshal([]byte(jobArgs.String), &t.JobArgs); err != nil {
			return nil, fmt.Errorf("unmarshal job_args: %w", err)
		}
	}
	if t.StartAt, err = parseTimePtr(startAt); err != nil {
		return nil, err
	}
	if t.EndAt, err = parseTimePtr(endAt); err != nil {
		return nil, err
	}
	if t.UntilAt, err = parseTimePtr(untilAt); err != nil {
		return nil, err
	}
	if t.NextRunAt, err = parseTimePtr(nextRunAt); err != nil {
		return nil, err
	}
	if t.LastRunAt, err = parseTimePtr(lastRunAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

const taskColumns = `id, name, cron_expr, timezone, dispatch_mode, prompt, job_name, job_args,
	start_at, end_at, until_at, enabled, next_run_at, last_run_at, last_result, created_at, updated_at`

// Save inserts or replaces a scheduled task, validating the
// dispatch_mode/prompt/job_name/window invariants from the data model.
func (s *TaskStore) Save(ctx context.Context, t domain.ScheduledTask) error {
	if err := validateTask(t); err != nil {
		return err
	}

	var jobArgs any
	if t.JobArgs != nil {
		b, err := json.Marshal(t.JobArgs)
		if err != nil {
			return err
		}
		jobArgs = string(b)
	}

	now := time.Now().UTC().Format(timeLayout)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.conn.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO scheduled_tasks (%s)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name=excluded.name, cron_expr=excluded.cron_expr, timezone=excluded.timezone,
	dispatch_mode=excluded.dispatch_mode, prompt=excluded.prompt, job_name=excluded.job_name,
	job_args=excluded.job_args, start_at=excluded.start_at, end_at=excluded.end_at,
	until_at=excluded.until_at, enabled=excluded.enabled, next_run_at=excluded.next_run_at,
	last_run_at=excluded.last_run_at, last_result=excluded.last_result, updated_at=excluded.updated_at
`, taskColumns),
		t.ID, t.Name, t.CronExpr, t.Timezone, string(t.DispatchMode),
		nullIfEmpty(t.Prompt), nullIfEmpty(t.JobName), jobArgs,
		formatTimePtr(t.StartAt), formatTimePtr(t.EndAt), formatTimePtr(t.UntilAt),
		boolToInt(t.Enabled), formatTimePtr(t.NextRunAt), formatTimePtr(t.LastRunAt),
		nullIfEmpty(t.LastResult), t.CreatedAt.UTC().Format(timeLayout), now,
	)
	return err
}

func validateTask(t domain.ScheduledTask) error {
	switch t.DispatchMode {
	case domain.DispatchPrompt:
		if t.Prompt == "" || t.JobName != "" {
			return domain.NewSubSystemError("scheduler", "TaskStore.Save", domain.ErrScheduleInvalid,
				"dispatch_mode=prompt requires prompt set and job_name empty")
		}
	case domain.DispatchJob:
		if t.JobName == "" {
			return domain.NewSubSystemError("scheduler", "TaskStore.Save", domain.ErrScheduleInvalid,
				"dispatch_mode=job requires job_name")
		}
	default:
		return domain.NewSubSystemError("scheduler", "TaskStore.Save", domain.ErrScheduleInvalid,
			fmt.Sprintf("unknown dispatch_mode %q", t.DispatchMode))
	}
	if t.StartAt != nil && t.EndAt != nil && !t.EndAt.After(*t.StartAt) {
		return domain.NewSubSystemError("scheduler", "TaskStore.Save", domain.ErrScheduleInvalid, "end_at must be after start_at")
	}
	if t.StartAt != nil && t.UntilAt != nil && t.UntilAt.Before(*t.StartAt) {
		return domain.NewSubSystemError("scheduler", "TaskStore.Save", domain.ErrScheduleInvalid, "until_at must be >= start_at")
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Get returns a task by ID, or domain.ErrNotFound.
func (s *TaskStore) Get(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	row := s.db.conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM scheduled_tasks WHERE id = ?`, taskColumns), id)
	t, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("scheduler", "TaskStore.Get", domain.ErrNotFound, id)
	}
	return t, err
}

// GetByName returns a task by its unique name, or domain.ErrNotFound.
func (s *TaskStore) GetByName(ctx context.Context, name string) (*domain.ScheduledTask, error) {
	row := s.db.conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM scheduled_tasks WHERE name = ?`, taskColumns), name)
	t, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("scheduler", "TaskStore.GetByName", domain.ErrNotFound, name)
	}
	return t, err
}

// List returns every scheduled task.
func (s *TaskStore) List(ctx context.Context) ([]domain.ScheduledTask, error) {
	rows, err := s.db.conn.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM scheduled_tasks ORDER BY name`, taskColumns))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanAll(rows)
}

// Due returns enabled tasks whose next_run_at has passed and whose
// start_at/end_at window (if any) is currently satisfied, ordered by
// next_run_at ascending — exactly the tick query from the scheduler design.
func (s *TaskStore) Due(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	nowStr := now.UTC().Format(timeLayout)
	rows, err := s.db.conn.QueryContext(ctx, fmt.Sprintf(`
SELECT %s FROM scheduled_tasks
WHERE enabled = 1
  AND next_run_at IS NOT NULL AND next_run_at <= ?
  AND (start_at IS NULL OR start_at <= ?)
  AND (end_at IS NULL OR end_at > ?)
ORDER BY next_run_at ASC
`, taskColumns), nowStr, nowStr, nowStr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanAll(rows)
}

func (s *TaskStore) scanAll(rows *sql.Rows) ([]domain.ScheduledTask, error) {
	var out []domain.ScheduledTask
	for rows.Next() {
		t, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Delete removes a scheduled task by ID.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.conn.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("scheduler", "TaskStore.Delete", domain.ErrNotFound, id)
	}
	return nil
}

// SaveRun appends a run record and updates the parent task's
// last_run_at/last_result.
func (s *TaskStore) SaveRun(ctx context.Context, run domain.TaskRun) error {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result := "ok"
	if !run.Success {
		result = "error: " + run.Error
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_runs (task_id, started_at, duration, success, error) VALUES (?, ?, ?, ?, ?)`,
		run.TaskID, run.StartedAt.UTC().Format(timeLayout), run.Duration, boolToInt(run.Success), nullIfEmpty(run.Error),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE scheduled_tasks SET last_run_at = ?, last_result = ? WHERE id = ?`,
		run.StartedAt.UTC().Format(timeLayout), result, run.TaskID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs for a task, newest first.
func (s *TaskStore) ListRuns(ctx context.Context, taskID string, limit int) ([]domain.TaskRun, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT task_id, started_at, duration, success, error FROM task_runs
		 WHERE task_id = ? ORDER BY started_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskRun
	for rows.Next() {
		var r domain.TaskRun
		var started string
		var success int
		var errStr sql.NullString
		if err := rows.Scan(&r.TaskID, &started, &r.Duration, &success, &errStr); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, err
		}
		r.Success = success != 0
		r.Error = errStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}
