// Package pulse schedules recurring agent runs from cron expressions,
// dispatches them through the Agent Manager (directly or over Relay), and
// keeps a durable history of schedules and runs.
package pulse

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/ids"
	"github.com/dorkos-sh/dorkos/internal/storage"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Schedule statuses.
const (
	StatusActive          = "active"
	StatusPendingApproval = "pending_approval"
	StatusPaused          = "paused"
	StatusErrored         = "errored"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Run triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Run trace event types.
const (
	RunEventSkippedConcurrent = "skipped_concurrent"
	RunEventStateChanged      = "state_changed"
)

// Schedule is a cron-driven recurring agent run.
type Schedule struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Cron           string `json:"cron"`
	Timezone       string `json:"timezone,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	Prompt         string `json:"prompt"`
	PermissionMode string `json:"permissionMode"`
	Model          string `json:"model,omitempty"`
	MaxRuntimeMS   int64  `json:"maxRuntimeMs,omitempty"`
	Concurrency    int    `json:"concurrency"`
	Enabled        bool   `json:"enabled"`
	Status         string `json:"status"`
	Approver       string `json:"approver,omitempty"`
	CreatedBy      string `json:"createdBy,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
	LastRunAt      int64  `json:"lastRunAt,omitempty"`
}

// Runnable reports whether the schedule may dispatch.
func (s Schedule) Runnable() bool {
	return s.Enabled && s.Status == StatusActive
}

// Run is one execution of a schedule.
type Run struct {
	ID         string  `json:"id"`
	ScheduleID string  `json:"scheduleId"`
	Trigger    string  `json:"trigger"`
	Status     string  `json:"status"`
	CreatedAt  int64   `json:"createdAt"`
	StartedAt  int64   `json:"startedAt,omitempty"`
	FinishedAt int64   `json:"finishedAt,omitempty"`
	Summary    string  `json:"summary,omitempty"`
	Error      string  `json:"error,omitempty"`
	SessionID  string  `json:"sessionId,omitempty"`
	CostUSD    float64 `json:"costUsd,omitempty"`
	DurationMS int64   `json:"durationMs,omitempty"`
}

// RunEvent is a trace record attached to a schedule (and optionally a run).
type RunEvent struct {
	ID         string `json:"id"`
	ScheduleID string `json:"scheduleId"`
	RunID      string `json:"runId,omitempty"`
	Type       string `json:"type"`
	Detail     string `json:"detail,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	ScheduleID string
	Status     string
	Limit      int
	Offset     int
}

// ScheduleUpdate is a partial schedule edit. Nil fields keep current values.
type ScheduleUpdate struct {
	Name           *string `json:"name,omitempty"`
	Cron           *string `json:"cron,omitempty"`
	Timezone       *string `json:"timezone,omitempty"`
	Cwd            *string `json:"cwd,omitempty"`
	Prompt         *string `json:"prompt,omitempty"`
	PermissionMode *string `json:"permissionMode,omitempty"`
	Model          *string `json:"model,omitempty"`
	MaxRuntimeMS   *int64  `json:"maxRuntimeMs,omitempty"`
	Enabled        *bool   `json:"enabled,omitempty"`
	Status         *string `json:"status,omitempty"`
}

// Store is the durable pulse database.
type Store struct {
	db     *sql.DB
	gen    *ids.Generator
	logger *slog.Logger
	now    func() time.Time

	closeOnce sync.Once
}

// NewStore opens (creating if needed) the pulse database at path.
func NewStore(path string, gen *ids.Generator, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(db, migrationFS, "migrations"); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, gen: gen, logger: logger.With("component", "pulse"), now: time.Now}, nil
}

// Close closes the database. Idempotent.
func (st *Store) Close() error {
	var err error
	st.closeOnce.Do(func() { err = st.db.Close() })
	return err
}

// CreateSchedule validates and inserts a schedule. Agent-created schedules
// always start pending approval regardless of the requested status.
func (st *Store) CreateSchedule(s Schedule, agentCreated bool) (Schedule, error) {
	if s.Name == "" || s.Prompt == "" {
		return Schedule{}, dorkerr.New(dorkerr.CodeValidationFailed, "name and prompt are required")
	}
	if !gronx.New().IsValid(s.Cron) {
		return Schedule{}, dorkerr.New(dorkerr.CodeValidationFailed, "bad cron expression %q", s.Cron)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return Schedule{}, dorkerr.New(dorkerr.CodeValidationFailed, "unknown timezone %q", s.Timezone)
		}
	}
	if s.PermissionMode == "" {
		s.PermissionMode = "default"
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 1
	}
	if s.Status == "" {
		s.Status = StatusActive
	}
	if agentCreated {
		s.Status = StatusPendingApproval
		s.Enabled = true
	}

	s.ID = st.gen.New()
	s.CreatedAt = st.now().UnixMilli()
	s.UpdatedAt = s.CreatedAt

	_, err := st.db.Exec(
		`INSERT INTO schedules (id, name, cron, timezone, cwd, prompt, permission_mode, model,
		   max_runtime_ms, concurrency, enabled, status, approver, created_by, created_at, updated_at, last_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		s.ID, s.Name, s.Cron, s.Timezone, nullable(s.Cwd), s.Prompt, s.PermissionMode, s.Model,
		s.MaxRuntimeMS, s.Concurrency, boolInt(s.Enabled), s.Status, s.Approver, s.CreatedBy,
		s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	st.logger.Info("pulse.schedule.created", "id", s.ID, "name", s.Name, "status", s.Status)
	return s, nil
}

// UpdateSchedule applies a partial edit.
func (st *Store) UpdateSchedule(id string, u ScheduleUpdate) (Schedule, error) {
	s, err := st.GetSchedule(id)
	if err != nil {
		return Schedule{}, err
	}
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.Cron != nil {
		if !gronx.New().IsValid(*u.Cron) {
			return Schedule{}, dorkerr.New(dorkerr.CodeValidationFailed, "bad cron expression %q", *u.Cron)
		}
		s.Cron = *u.Cron
	}
	if u.Timezone != nil {
		if *u.Timezone != "" {
			if _, err := time.LoadLocation(*u.Timezone); err != nil {
				return Schedule{}, dorkerr.New(dorkerr.CodeValidationFailed, "unknown timezone %q", *u.Timezone)
			}
		}
		s.Timezone = *u.Timezone
	}
	if u.Cwd != nil {
		s.Cwd = *u.Cwd
	}
	if u.Prompt != nil {
		s.Prompt = *u.Prompt
	}
	if u.PermissionMode != nil {
		s.PermissionMode = *u.PermissionMode
	}
	if u.Model != nil {
		s.Model = *u.Model
	}
	if u.MaxRuntimeMS != nil {
		s.MaxRuntimeMS = *u.MaxRuntimeMS
	}
	if u.Enabled != nil {
		s.Enabled = *u.Enabled
	}
	if u.Status != nil {
		switch *u.Status {
		case StatusActive, StatusPaused, StatusPendingApproval, StatusErrored:
		default:
			return Schedule{}, dorkerr.New(dorkerr.CodeValidationFailed, "unknown status %q", *u.Status)
		}
		s.Status = *u.Status
	}
	s.UpdatedAt = st.now().UnixMilli()

	_, err = st.db.Exec(
		`UPDATE schedules SET name = ?, cron = ?, timezone = ?, cwd = ?, prompt = ?,
		   permission_mode = ?, model = ?, max_runtime_ms = ?, enabled = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		s.Name, s.Cron, s.Timezone, nullable(s.Cwd), s.Prompt,
		s.PermissionMode, s.Model, s.MaxRuntimeMS, boolInt(s.Enabled), s.Status, s.UpdatedAt, id)
	if err != nil {
		return Schedule{}, fmt.Errorf("update schedule: %w", err)
	}
	return s, nil
}

// DeleteSchedule removes a schedule and its run history.
func (st *Store) DeleteSchedule(id string) error {
	if _, err := st.db.Exec(`DELETE FROM runs WHERE schedule_id = ?`, id); err != nil {
		return fmt.Errorf("delete runs: %w", err)
	}
	if _, err := st.db.Exec(`DELETE FROM run_events WHERE schedule_id = ?`, id); err != nil {
		return fmt.Errorf("delete run events: %w", err)
	}
	if _, err := st.db.Exec(`DELETE FROM schedules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

// Approve flips pending_approval to active.
func (st *Store) Approve(id, approver string) (Schedule, error) {
	s, err := st.GetSchedule(id)
	if err != nil {
		return Schedule{}, err
	}
	if s.Status != StatusPendingApproval {
		return Schedule{}, dorkerr.New(dorkerr.CodeValidationFailed, "schedule %s is not pending approval", id)
	}
	now := st.now().UnixMilli()
	if _, err := st.db.Exec(
		`UPDATE schedules SET status = ?, approver = ?, updated_at = ? WHERE id = ?`,
		StatusActive, approver, now, id); err != nil {
		return Schedule{}, fmt.Errorf("approve schedule: %w", err)
	}
	s.Status = StatusActive
	s.Approver = approver
	s.UpdatedAt = now
	st.RunTrace(id, "", RunEventStateChanged, StatusPendingApproval+"->"+StatusActive)
	return s, nil
}

// Reject deletes a pending schedule.
func (st *Store) Reject(id string) error {
	s, err := st.GetSchedule(id)
	if err != nil {
		return err
	}
	if s.Status != StatusPendingApproval {
		return dorkerr.New(dorkerr.CodeValidationFailed, "schedule %s is not pending approval", id)
	}
	return st.DeleteSchedule(id)
}

// GetSchedule returns one schedule.
func (st *Store) GetSchedule(id string) (Schedule, error) {
	rows, err := st.querySchedules(`SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	if err != nil {
		return Schedule{}, err
	}
	if len(rows) == 0 {
		return Schedule{}, dorkerr.New(dorkerr.CodeNotFound, "no schedule %s", id)
	}
	return rows[0], nil
}

// ListSchedules returns every schedule ordered by creation time descending.
func (st *Store) ListSchedules() ([]Schedule, error) {
	return st.querySchedules(`SELECT ` + scheduleCols + ` FROM schedules ORDER BY created_at DESC`)
}

// SchedulesForCwd counts schedules targeting a working directory. Used by
// the Mesh topology enrichment.
func (st *Store) SchedulesForCwd(cwd string) int {
	var n int
	if err := st.db.QueryRow(`SELECT COUNT(*) FROM schedules WHERE cwd = ?`, cwd).Scan(&n); err != nil {
		return 0
	}
	return n
}

// TouchLastRun records the dispatch time cron evaluation resumes from.
func (st *Store) TouchLastRun(id string, t time.Time) error {
	_, err := st.db.Exec(`UPDATE schedules SET last_run_at = ? WHERE id = ?`, t.UnixMilli(), id)
	return err
}

// CreateRun inserts a running run row.
func (st *Store) CreateRun(scheduleID, trigger string) (Run, error) {
	now := st.now().UnixMilli()
	run := Run{
		ID:         st.gen.New(),
		ScheduleID: scheduleID,
		Trigger:    trigger,
		Status:     RunRunning,
		CreatedAt:  now,
		StartedAt:  now,
	}
	_, err := st.db.Exec(
		`INSERT INTO runs (id, schedule_id, trigger_by, status, created_at, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.ScheduleID, run.Trigger, run.Status, run.CreatedAt, run.StartedAt)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// FinishRun persists the terminal state of a run.
func (st *Store) FinishRun(run Run) error {
	run.FinishedAt = st.now().UnixMilli()
	if run.StartedAt > 0 {
		run.DurationMS = run.FinishedAt - run.StartedAt
	}
	_, err := st.db.Exec(
		`UPDATE runs SET status = ?, finished_at = ?, summary = ?, error = ?, session_id = ?, cost_usd = ?, duration_ms = ?
		 WHERE id = ?`,
		run.Status, run.FinishedAt, run.Summary, run.Error, run.SessionID, run.CostUSD, run.DurationMS, run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	st.RunTrace(run.ScheduleID, run.ID, RunEventStateChanged, RunRunning+"->"+run.Status)
	return nil
}

// GetRun returns one run.
func (st *Store) GetRun(id string) (Run, error) {
	runs, err := st.queryRuns(`SELECT `+runCols+` FROM runs WHERE id = ?`, id)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, dorkerr.New(dorkerr.CodeNotFound, "no run %s", id)
	}
	return runs[0], nil
}

// RunningCount returns the number of in-flight runs for a schedule.
func (st *Store) RunningCount(scheduleID string) (int, error) {
	var n int
	err := st.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE schedule_id = ? AND status = ?`,
		scheduleID, RunRunning).Scan(&n)
	return n, err
}

// ListRuns returns paginated runs ordered by createdAt descending.
func (st *Store) ListRuns(filter RunFilter) ([]Run, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	query := `SELECT ` + runCols + ` FROM runs`
	var conds []string
	var args []any
	if filter.ScheduleID != "" {
		conds = append(conds, `schedule_id = ?`)
		args = append(args, filter.ScheduleID)
	}
	if filter.Status != "" {
		conds = append(conds, `status = ?`)
		args = append(args, filter.Status)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)
	return st.queryRuns(query, args...)
}

// RunTrace records a trace event. Failures are logged, never returned.
func (st *Store) RunTrace(scheduleID, runID, typ, detail string) {
	_, err := st.db.Exec(
		`INSERT INTO run_events (id, schedule_id, run_id, type, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		st.gen.New(), scheduleID, runID, typ, detail, st.now().UnixMilli())
	if err != nil {
		st.logger.Warn("pulse.trace.write_failed", "type", typ, "error", err)
	}
}

// RunEvents returns the most recent trace events for a schedule.
func (st *Store) RunEvents(scheduleID string, limit int) ([]RunEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := st.db.Query(
		`SELECT id, schedule_id, run_id, type, detail, created_at FROM run_events
		 WHERE schedule_id = ? ORDER BY created_at DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var e RunEvent
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.RunID, &e.Type, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const scheduleCols = `id, name, cron, timezone, cwd, prompt, permission_mode, model,
	max_runtime_ms, concurrency, enabled, status, approver, created_by, created_at, updated_at, last_run_at`

const runCols = `id, schedule_id, trigger_by, status, created_at, started_at, finished_at,
	summary, error, session_id, cost_usd, duration_ms`

func (st *Store) querySchedules(query string, args ...any) ([]Schedule, error) {
	rows, err := st.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var (
			s       Schedule
			cwd     sql.NullString
			enabled int
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.Cron, &s.Timezone, &cwd, &s.Prompt, &s.PermissionMode,
			&s.Model, &s.MaxRuntimeMS, &s.Concurrency, &enabled, &s.Status, &s.Approver, &s.CreatedBy,
			&s.CreatedAt, &s.UpdatedAt, &s.LastRunAt); err != nil {
			return nil, err
		}
		s.Cwd = cwd.String
		s.Enabled = enabled != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

func (st *Store) queryRuns(query string, args ...any) ([]Run, error) {
	rows, err := st.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			started  sql.NullInt64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.ScheduleID, &r.Trigger, &r.Status, &r.CreatedAt, &started,
			&finished, &r.Summary, &r.Error, &r.SessionID, &r.CostUSD, &r.DurationMS); err != nil {
			return nil, err
		}
		r.StartedAt = started.Int64
		r.FinishedAt = finished.Int64
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
