package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	_ "modernc.org/sqlite"

	"github.com/swarmguard/taskengine/internal/taskerrors"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCronExpression checks a five-field "min hr dom mon dow" string.
func ValidateCronExpression(expr string) error {
	_, err := cronParser.Parse(expr)
	if err != nil {
		return taskerrors.Wrap(taskerrors.ErrValidation, "invalid cron expression", err)
	}
	return nil
}

// TaskStore is the durable source of truth for tasks and executions, and
// the sole path through which their state may transition. Reads used for
// control-flag polling always hit the backing store, never a cache — the
// in-process memory cache the teacher's persistence.go keeps for workflow
// definitions is deliberately NOT replicated here for execution rows,
// since spec.md requires the Runtime to observe pause/terminate within one
// progress-poll tick.
type TaskStore struct {
	db           *sql.DB
	maxResultSize int

	// newExecMu serializes the single-instance check-and-insert across
	// goroutines in this process; the transaction itself additionally
	// protects against concurrent processes sharing the same database file.
	newExecMu sync.Mutex

	tracer  trace.Tracer
	readMS  metric.Float64Histogram
	writeMS metric.Float64Histogram
}

// Option configures a TaskStore at construction.
type Option func(*TaskStore)

// WithMaxResultSize overrides the default 60,000-character compaction
// threshold.
func WithMaxResultSize(n int) Option {
	return func(s *TaskStore) { s.maxResultSize = n }
}

// Open creates/opens the sqlite-backed store at path and ensures the schema
// exists. path may be ":memory:" style DSNs for tests.
func Open(path string, opts ...Option) (*TaskStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.ErrInfrastructure, "open store", err)
	}
	db.SetMaxOpenConns(1) // sqlite: serialize writers, matches newExecMu's intent
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, taskerrors.Wrap(taskerrors.ErrInfrastructure, "create schema", err)
	}
	meter := otel.Meter("taskengine-store")
	readMS, _ := meter.Float64Histogram("taskengine_store_read_ms")
	writeMS, _ := meter.Float64Histogram("taskengine_store_write_ms")
	s := &TaskStore{
		db:            db,
		maxResultSize: DefaultMaxResultSize,
		tracer:        otel.Tracer("taskengine-store"),
		readMS:        readMS,
		writeMS:       writeMS,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *TaskStore) Close() error { return s.db.Close() }

// TaskSpec is the input to CreateTask.
type TaskSpec struct {
	Name            string
	Kind            TaskKind
	CronExpression  string
	IntervalSeconds int
	Enabled         bool
	Paused          bool
	ConfigJSON      string
	MaxRetries      int
	RetryInterval   int
	CreatedBy       string
}

// CreateTask validates spec and inserts a new Task row.
func (s *TaskStore) CreateTask(ctx context.Context, spec TaskSpec) (Task, error) {
	ctx, span := s.tracer.Start(ctx, "store.create_task", trace.WithAttributes(attribute.String("name", spec.Name)))
	defer span.End()

	if err := s.validateTaskSpec(ctx, spec); err != nil {
		return Task{}, err
	}

	now := time.Now().UTC()
	jobID := uuid.NewString()
	if spec.ConfigJSON == "" {
		spec.ConfigJSON = "{}"
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
			(name, job_id, task_type, cron_expression, interval_seconds, enabled, paused,
			 config_json, max_retries, retry_interval, created_by, created_time, updated_by, updated_time)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		spec.Name, jobID, string(spec.Kind), spec.CronExpression, spec.IntervalSeconds,
		boolToInt(spec.Enabled), boolToInt(spec.Paused), spec.ConfigJSON,
		spec.MaxRetries, spec.RetryInterval, spec.CreatedBy, now, spec.CreatedBy, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Task{}, taskerrors.Wrap(taskerrors.ErrValidation, "duplicate task name", err)
		}
		return Task{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "insert task", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Task{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "insert task id", err)
	}
	return s.GetTask(ctx, id)
}

func (s *TaskStore) validateTaskSpec(ctx context.Context, spec TaskSpec) error {
	if spec.Name == "" {
		return taskerrors.Wrap(taskerrors.ErrValidation, "task name required", fmt.Errorf("empty name"))
	}
	switch spec.Kind {
	case KindManual:
		if spec.CronExpression != "" || spec.IntervalSeconds != 0 {
			return taskerrors.Wrap(taskerrors.ErrValidation, "manual task must not carry a schedule", fmt.Errorf("manual task %q has schedule", spec.Name))
		}
	case KindCommon:
		if spec.CronExpression != "" {
			if err := ValidateCronExpression(spec.CronExpression); err != nil {
				return err
			}
		} else if spec.IntervalSeconds < 0 {
			return taskerrors.Wrap(taskerrors.ErrValidation, "interval_seconds must be >= 1", fmt.Errorf("got %d", spec.IntervalSeconds))
		}
	case KindWorkflow:
		if spec.CronExpression != "" {
			if err := ValidateCronExpression(spec.CronExpression); err != nil {
				return err
			}
		}
		_, _, wf, err := ParseConfig(spec.ConfigJSON)
		if err != nil {
			return taskerrors.Wrap(taskerrors.ErrValidation, "invalid workflow config json", err)
		}
		if wf == nil {
			return taskerrors.Wrap(taskerrors.ErrValidation, "workflow task requires workflow_type config", fmt.Errorf("missing workflow config"))
		}
		if err := s.ValidateWorkflowDAG(ctx, *wf); err != nil {
			return err
		}
	default:
		return taskerrors.Wrap(taskerrors.ErrValidation, "unknown task kind", fmt.Errorf("kind %q", spec.Kind))
	}
	return nil
}

// ValidateWorkflowDAG checks that every child task_id exists and is
// enabled, every dependency points into the child set, and the graph has
// no cycles (DFS with three-color marking). Called at create/update time
// and re-checked by the Orchestrator immediately before execution in case
// the config changed since.
func (s *TaskStore) ValidateWorkflowDAG(ctx context.Context, wf WorkflowConfig) error {
	if wf.WorkflowType != "serial" && wf.WorkflowType != "parallel" {
		return taskerrors.Wrap(taskerrors.ErrValidation, "workflow_type must be serial or parallel", fmt.Errorf("got %q", wf.WorkflowType))
	}
	if wf.OnFailure != "stop" && wf.OnFailure != "continue" {
		return taskerrors.Wrap(taskerrors.ErrValidation, "on_failure must be stop or continue", fmt.Errorf("got %q", wf.OnFailure))
	}
	children := make(map[string]bool, len(wf.Tasks))
	deps := make(map[string][]string, len(wf.Tasks))
	for _, c := range wf.Tasks {
		children[c.TaskID] = true
		deps[c.TaskID] = c.Dependencies
	}
	for id, task := range children {
		_ = task
		for _, dep := range deps[id] {
			if !children[dep] {
				return taskerrors.Wrap(taskerrors.ErrValidation, "workflow references unknown dependency", fmt.Errorf("task %q depends on unknown %q", id, dep))
			}
		}
	}
	for id := range children {
		row := s.db.QueryRowContext(ctx, `SELECT enabled FROM scheduled_tasks WHERE name = ?`, id)
		var enabled int
		if err := row.Scan(&enabled); err != nil {
			if err == sql.ErrNoRows {
				return taskerrors.Wrap(taskerrors.ErrValidation, "workflow references unknown task", fmt.Errorf("child task %q does not exist", id))
			}
			return taskerrors.Wrap(taskerrors.ErrInfrastructure, "lookup workflow child", err)
		}
		if enabled == 0 {
			return taskerrors.Wrap(taskerrors.ErrValidation, "workflow references disabled task", fmt.Errorf("child task %q is disabled", id))
		}
	}
	return detectCycle(deps)
}

// detectCycle runs DFS with three-color marking (white/gray/black) over the
// dependency adjacency map.
func detectCycle(deps map[string][]string) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))
	var visit func(node string) error
	visit = func(node string) error {
		color[node] = gray
		for _, dep := range deps[node] {
			switch color[dep] {
			case gray:
				return taskerrors.Wrap(taskerrors.ErrValidation, "cyclic workflow dependency", fmt.Errorf("cycle through %q", dep))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[node] = black
		return nil
	}
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic traversal order
	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// TaskPatch is a partial update to a Task; nil fields are left unchanged.
type TaskPatch struct {
	CronExpression  *string
	IntervalSeconds *int
	ConfigJSON      *string
	MaxRetries      *int
	RetryInterval   *int
	UpdatedBy       string
}

// UpdateTask applies patch to the task identified by id.
func (s *TaskStore) UpdateTask(ctx context.Context, id int64, patch TaskPatch) (Task, error) {
	ctx, span := s.tracer.Start(ctx, "store.update_task")
	defer span.End()

	existing, err := s.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if patch.CronExpression != nil {
		existing.CronExpression = *patch.CronExpression
	}
	if patch.IntervalSeconds != nil {
		existing.IntervalSeconds = *patch.IntervalSeconds
	}
	if patch.ConfigJSON != nil {
		existing.ConfigJSON = *patch.ConfigJSON
	}
	if patch.MaxRetries != nil {
		existing.MaxRetries = *patch.MaxRetries
	}
	if patch.RetryInterval != nil {
		existing.RetryInterval = *patch.RetryInterval
	}
	if err := s.validateTaskSpec(ctx, TaskSpec{
		Name: existing.Name, Kind: existing.Kind, CronExpression: existing.CronExpression,
		IntervalSeconds: existing.IntervalSeconds, ConfigJSON: existing.ConfigJSON,
	}); err != nil {
		return Task{}, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET cron_expression=?, interval_seconds=?, config_json=?,
			max_retries=?, retry_interval=?, updated_by=?, updated_time=?
		WHERE id=?`,
		existing.CronExpression, existing.IntervalSeconds, existing.ConfigJSON,
		existing.MaxRetries, existing.RetryInterval, patch.UpdatedBy, now, id,
	)
	if err != nil {
		return Task{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "update task", err)
	}
	return s.GetTask(ctx, id)
}

// DeleteTask removes a task. Executions are soft-decoupled — no cascade.
func (s *TaskStore) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return taskerrors.Wrap(taskerrors.ErrInfrastructure, "delete task", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return taskerrors.Wrap(taskerrors.ErrNotFound, "task not found", fmt.Errorf("id %d", id))
	}
	return nil
}

// GetTask fetches a task by id.
func (s *TaskStore) GetTask(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, job_id, task_type, cron_expression, interval_seconds, enabled, paused,
		       config_json, max_retries, retry_interval, created_by, created_time, updated_by, updated_time
		FROM scheduled_tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetTaskByName fetches a task by its unique name — used by the Orchestrator
// to resolve workflow child references, which are stored as names.
func (s *TaskStore) GetTaskByName(ctx context.Context, name string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, job_id, task_type, cron_expression, interval_seconds, enabled, paused,
		       config_json, max_retries, retry_interval, created_by, created_time, updated_by, updated_time
		FROM scheduled_tasks WHERE name = ?`, name)
	return scanTask(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var kind string
	var enabled, paused int
	err := row.Scan(&t.ID, &t.Name, &t.JobID, &kind, &t.CronExpression, &t.IntervalSeconds,
		&enabled, &paused, &t.ConfigJSON, &t.MaxRetries, &t.RetryInterval,
		&t.CreatedBy, &t.CreatedTime, &t.UpdatedBy, &t.UpdatedTime)
	if err != nil {
		if err == sql.ErrNoRows {
			return Task{}, taskerrors.Wrap(taskerrors.ErrNotFound, "task not found", err)
		}
		return Task{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "scan task", err)
	}
	t.Kind = TaskKind(kind)
	t.Enabled = enabled != 0
	t.Paused = paused != 0
	return t, nil
}

// ListTasks returns tasks matching filters, ordered per sort, paged.
func (s *TaskStore) ListTasks(ctx context.Context, filters Filters, srt Sort, paging Paging) ([]Task, error) {
	qb := sq.Select("id, name, job_id, task_type, cron_expression, interval_seconds, enabled, paused",
		"config_json, max_retries, retry_interval, created_by, created_time, updated_by, updated_time").
		From("scheduled_tasks")

	if filters.Kind != nil {
		qb = qb.Where(sq.Eq{"task_type": string(*filters.Kind)})
	}
	if filters.Enabled != nil {
		qb = qb.Where(sq.Eq{"enabled": boolToInt(*filters.Enabled)})
	}
	if filters.Paused != nil {
		qb = qb.Where(sq.Eq{"paused": boolToInt(*filters.Paused)})
	}
	if filters.NamePart != "" {
		qb = qb.Where(sq.Like{"name": "%" + filters.NamePart + "%"})
	}

	field := srt.Field
	if field == "" {
		field = "created_time"
	}
	dir := "ASC"
	if srt.Desc {
		dir = "DESC"
	}
	qb = qb.OrderBy(fmt.Sprintf("%s %s", field, dir))

	if paging.Limit > 0 {
		qb = qb.Limit(uint64(paging.Limit))
	}
	if paging.Offset > 0 {
		qb = qb.Offset(uint64(paging.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.ErrInfrastructure, "build list query", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.ErrInfrastructure, "list tasks", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetEnabled flips the enabled flag with timestamp and auditor.
func (s *TaskStore) SetEnabled(ctx context.Context, id int64, enabled bool, updatedBy string) (Task, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET enabled=?, updated_by=?, updated_time=? WHERE id=?`,
		boolToInt(enabled), updatedBy, time.Now().UTC(), id)
	if err != nil {
		return Task{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "set enabled", err)
	}
	return s.GetTask(ctx, id)
}

// SetPaused flips the paused flag with timestamp and auditor.
func (s *TaskStore) SetPaused(ctx context.Context, id int64, paused bool, updatedBy string) (Task, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET paused=?, updated_by=?, updated_time=? WHERE id=?`,
		boolToInt(paused), updatedBy, time.Now().UTC(), id)
	if err != nil {
		return Task{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "set paused", err)
	}
	return s.GetTask(ctx, id)
}

// NewExecutionFields seeds a new execution row.
type NewExecutionFields struct {
	ResumeFromExecutionID *int64
	CreatedBy             string
	RetryCount            int
}

// NewExecution runs inside a transaction that first asserts no active
// execution exists for task_id, and fails with ErrConflict otherwise. This
// is the single-instance gate: the only place in the engine where a
// TaskExecution transitions into existence.
func (s *TaskStore) NewExecution(ctx context.Context, taskID int64, fields NewExecutionFields) (TaskExecution, error) {
	ctx, span := s.tracer.Start(ctx, "store.new_execution", trace.WithAttributes(attribute.Int64("task_id", taskID)))
	defer span.End()

	s.newExecMu.Lock()
	defer s.newExecMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TaskExecution{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_executions WHERE task_id = ? AND status IN (?,?)`,
		taskID, string(StatusRunning), string(StatusPaused))
	var active int
	if err := row.Scan(&active); err != nil {
		return TaskExecution{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "check active execution", err)
	}
	if active > 0 {
		return TaskExecution{}, taskerrors.Wrap(taskerrors.ErrConflict, "active execution already exists", fmt.Errorf("task_id %d", taskID))
	}

	createdBy := fields.CreatedBy
	if createdBy == "" {
		createdBy = "scheduler"
	}
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_executions
			(task_id, status, start_time, progress_percent, total_items, processed_items,
			 is_paused, terminate_requested, retry_count, resume_from_execution_id, created_by, updated_by)
		VALUES (?,?,?,0,0,0,0,0,?,?,?,?)`,
		taskID, string(StatusRunning), now, fields.RetryCount, fields.ResumeFromExecutionID, createdBy, createdBy,
	)
	if err != nil {
		return TaskExecution{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "insert execution", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return TaskExecution{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "insert execution id", err)
	}
	if err := tx.Commit(); err != nil {
		return TaskExecution{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "commit execution", err)
	}
	return s.GetExecution(ctx, id)
}

// UpdateExecutionProgress partially writes progress fields. Safe to call at
// high frequency from the Runtime.
func (s *TaskStore) UpdateExecutionProgress(ctx context.Context, execID int64, upd ProgressUpdate) error {
	set := []string{}
	args := []any{}
	if upd.ProgressPercent != nil {
		set = append(set, "progress_percent = ?")
		args = append(args, *upd.ProgressPercent)
	}
	if upd.CurrentItem != nil {
		set = append(set, "current_item = ?")
		args = append(args, *upd.CurrentItem)
	}
	if upd.TotalItems != nil {
		set = append(set, "total_items = ?")
		args = append(args, *upd.TotalItems)
	}
	if upd.ProcessedItems != nil {
		set = append(set, "processed_items = ?")
		args = append(args, *upd.ProcessedItems)
	}
	if upd.EstimatedEndTime != nil {
		set = append(set, "estimated_end_time = ?")
		args = append(args, *upd.EstimatedEndTime)
	}
	if len(set) == 0 {
		return nil
	}
	query := "UPDATE task_executions SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE id = ?"
	args = append(args, execID)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return taskerrors.Wrap(taskerrors.ErrInfrastructure, "update progress", err)
	}
	return nil
}

// FinishExecution writes end_time, duration_seconds, compacts an oversized
// result, and sets progress_percent=100 on success.
func (s *TaskStore) FinishExecution(ctx context.Context, execID int64, status ExecutionStatus, resultJSON, errMsg *string) error {
	exec, err := s.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	end := time.Now().UTC()
	duration := end.Sub(exec.StartTime).Seconds()

	var compacted *string
	if resultJSON != nil {
		c := compactResult(*resultJSON, s.maxResultSize)
		compacted = &c
	}
	progress := exec.ProgressPercent
	if status == StatusSuccess {
		progress = 100
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE task_executions
		SET status=?, end_time=?, duration_seconds=?, progress_percent=?, result_json=?, error_message=?
		WHERE id=?`,
		string(status), end, duration, progress, compacted, errMsg, execID,
	)
	if err != nil {
		return taskerrors.Wrap(taskerrors.ErrInfrastructure, "finish execution", err)
	}
	return nil
}

// SetExecutionControl sets the cooperative pause/terminate flags.
// terminate_requested is monotonic: once true it is never cleared.
func (s *TaskStore) SetExecutionControl(ctx context.Context, execID int64, upd ControlUpdate) error {
	if upd.Terminate != nil && *upd.Terminate {
		if _, err := s.db.ExecContext(ctx, `UPDATE task_executions SET terminate_requested = 1, is_paused = 0 WHERE id = ?`, execID); err != nil {
			return taskerrors.Wrap(taskerrors.ErrInfrastructure, "set terminate", err)
		}
	}
	if upd.Pause != nil {
		exec, err := s.GetExecution(ctx, execID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return taskerrors.Wrap(taskerrors.ErrValidation, "execution already terminal", fmt.Errorf("id %d status %s", execID, exec.Status))
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE task_executions SET is_paused = ? WHERE id = ?`, boolToInt(*upd.Pause), execID); err != nil {
			return taskerrors.Wrap(taskerrors.ErrInfrastructure, "set paused flag", err)
		}
	}
	return nil
}

// GetExecution fetches an execution by id, always reading through to the
// backing store — there is no cache layer between this call and the
// database, so control-flag polls observe writes within one round trip.
func (s *TaskStore) GetExecution(ctx context.Context, id int64) (TaskExecution, error) {
	row := s.db.QueryRowContext(ctx, executionSelectColumns+` FROM task_executions WHERE id = ?`, id)
	return scanExecution(row)
}

const executionSelectColumns = `
SELECT id, task_id, status, start_time, end_time, duration_seconds, progress_percent,
       current_item, total_items, processed_items, estimated_end_time, is_paused,
       terminate_requested, result_json, error_message, retry_count, resume_from_execution_id,
       created_by, updated_by`

func scanExecution(row rowScanner) (TaskExecution, error) {
	var e TaskExecution
	var status string
	var isPaused, terminateRequested int
	err := row.Scan(&e.ID, &e.TaskID, &status, &e.StartTime, &e.EndTime, &e.DurationSeconds,
		&e.ProgressPercent, &e.CurrentItem, &e.TotalItems, &e.ProcessedItems, &e.EstimatedEndTime,
		&isPaused, &terminateRequested, &e.ResultJSON, &e.ErrorMessage, &e.RetryCount,
		&e.ResumeFromExecutionID, &e.CreatedBy, &e.UpdatedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return TaskExecution{}, taskerrors.Wrap(taskerrors.ErrNotFound, "execution not found", err)
		}
		return TaskExecution{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "scan execution", err)
	}
	e.Status = ExecutionStatus(status)
	e.IsPaused = isPaused != 0
	e.TerminateRequested = terminateRequested != 0
	return e, nil
}

// ListExecutionsByTask returns executions for one task, newest first.
func (s *TaskStore) ListExecutionsByTask(ctx context.Context, taskID int64, paging Paging) ([]TaskExecution, error) {
	limit := paging.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, executionSelectColumns+`
		FROM task_executions WHERE task_id = ? ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`,
		taskID, limit, paging.Offset)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.ErrInfrastructure, "list executions", err)
	}
	defer rows.Close()
	var out []TaskExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetLatestExecution returns the most recent execution for a task, if any.
func (s *TaskStore) GetLatestExecution(ctx context.Context, taskID int64) (*TaskExecution, error) {
	row := s.db.QueryRowContext(ctx, executionSelectColumns+`
		FROM task_executions WHERE task_id = ? ORDER BY start_time DESC, id DESC LIMIT 1`, taskID)
	e, err := scanExecution(row)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// HasActiveExecution reports whether task_id currently occupies the
// single-instance slot ({running, paused}).
func (s *TaskStore) HasActiveExecution(ctx context.Context, taskID int64) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_executions WHERE task_id = ? AND status IN (?,?)`,
		taskID, string(StatusRunning), string(StatusPaused))
	var n int
	if err := row.Scan(&n); err != nil {
		return false, taskerrors.Wrap(taskerrors.ErrInfrastructure, "check active execution", err)
	}
	return n > 0, nil
}

// ListActiveExecutions returns every execution currently in {running,
// paused}, across all tasks — the Recovery Sweeper's scan target.
func (s *TaskStore) ListActiveExecutions(ctx context.Context) ([]TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx, executionSelectColumns+`
		FROM task_executions WHERE status IN (?,?)`, string(StatusRunning), string(StatusPaused))
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.ErrInfrastructure, "list active executions", err)
	}
	defer rows.Close()
	var out []TaskExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats aggregates success/failure counts, optionally scoped to one task.
func (s *TaskStore) Stats(ctx context.Context, taskID *int64) (Stats, error) {
	where := ""
	args := []any{}
	if taskID != nil {
		where = "WHERE task_id = ?"
		args = append(args, *taskID)
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('failed','terminated') THEN 1 ELSE 0 END), 0),
			COUNT(1)
		FROM task_executions %s`, where), args...)
	var st Stats
	st.TaskID = taskID
	if err := row.Scan(&st.SuccessCount, &st.FailedCount, &st.TotalCount); err != nil {
		return Stats{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "stats", err)
	}
	if taskID != nil {
		latest, err := s.GetLatestExecution(ctx, *taskID)
		if err != nil {
			return Stats{}, err
		}
		st.LastExecution = latest
	}
	return st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, taskerrors.ErrNotFound)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "UNIQUE constraint failed", "constraint failed: UNIQUE")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
