// Package store is the durable source of truth for tasks and executions,
// and the only path through which their state may transition. It is
// grounded on the teacher's persistence.go (bucket layout, versioning,
// caching) adapted onto a relational schema per spec, using modernc.org/sqlite
// as the embedded driver and Masterminds/squirrel as the query builder.
package store

import (
	"encoding/json"
	"time"
)

// TaskKind discriminates the three task shapes.
type TaskKind string

const (
	KindManual   TaskKind = "manual"
	KindCommon   TaskKind = "common"
	KindWorkflow TaskKind = "workflow"
)

// ExecutionStatus is the lifecycle state of one TaskExecution.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "pending"
	StatusRunning    ExecutionStatus = "running"
	StatusPaused     ExecutionStatus = "paused"
	StatusSuccess    ExecutionStatus = "success"
	StatusFailed     ExecutionStatus = "failed"
	StatusCompleted  ExecutionStatus = "completed"
	StatusTerminated ExecutionStatus = "terminated"
)

// Terminal reports whether status is one of the terminal set.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTerminated, StatusCompleted:
		return true
	default:
		return false
	}
}

// Active reports whether status occupies the single-instance slot.
func (s ExecutionStatus) Active() bool {
	return s == StatusRunning || s == StatusPaused
}

// Task is the schedulable unit.
type Task struct {
	ID              int64
	Name            string
	JobID           string
	Kind            TaskKind
	CronExpression  string
	IntervalSeconds int
	Enabled         bool
	Paused          bool
	ConfigJSON      string
	MaxRetries      int
	RetryInterval   int
	CreatedBy       string
	CreatedTime     time.Time
	UpdatedBy       string
	UpdatedTime     time.Time
}

// HasSchedule reports whether the task has a cron or interval trigger.
func (t Task) HasSchedule() bool {
	return t.CronExpression != "" || t.IntervalSeconds > 0
}

// CommandConfig is the `{command, timeout_seconds?}` config shape.
type CommandConfig struct {
	Command        string `json:"command"`
	TimeoutSeconds *int   `json:"timeout_seconds,omitempty"`
}

// ActionConfig is the `{task_action, ...}` config shape. Extra is the
// full raw payload (task_action included) handed to the registered Executor.
type ActionConfig struct {
	TaskAction string          `json:"task_action"`
	Extra      json.RawMessage `json:"-"`
}

// WorkflowChildRef is one entry in a workflow's task list. Condition is a
// minimal `task_id.output.field == value` (or `!=`) expression evaluated
// against already-completed sibling results; when it evaluates false the
// child and everything reachable from it is marked skipped instead of run.
// Cacheable opts this child into the orchestrator's result cache, keyed on
// the child's task name and kept for the life of the process, so a later
// run reuses the first success even if the child's config has changed.
type WorkflowChildRef struct {
	TaskID       string   `json:"task_id"`
	Dependencies []string `json:"dependencies"`
	Condition    string   `json:"condition,omitempty"`
	Cacheable    bool     `json:"cacheable,omitempty"`
}

// WorkflowConfig is the `{workflow_type, tasks, on_failure, resume_from_execution_id?}`
// config shape.
type WorkflowConfig struct {
	WorkflowType          string             `json:"workflow_type"`
	Tasks                 []WorkflowChildRef `json:"tasks"`
	OnFailure             string             `json:"on_failure"`
	ResumeFromExecutionID *int64             `json:"resume_from_execution_id,omitempty"`
}

// ParseConfig inspects config_json and returns whichever of the three
// recognized shapes is present, matching the Runtime's resolution order:
// command, then task_action, then workflow.
func ParseConfig(raw string) (cmd *CommandConfig, action *ActionConfig, workflow *WorkflowConfig, err error) {
	var probe struct {
		Command      string `json:"command"`
		TaskAction   string `json:"task_action"`
		WorkflowType string `json:"workflow_type"`
	}
	if err = json.Unmarshal([]byte(raw), &probe); err != nil {
		return nil, nil, nil, err
	}
	switch {
	case probe.Command != "":
		var c CommandConfig
		if err = json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, nil, nil, err
		}
		return &c, nil, nil, nil
	case probe.TaskAction != "":
		var a ActionConfig
		if err = json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, nil, nil, err
		}
		a.Extra = json.RawMessage(raw)
		return nil, &a, nil, nil
	case probe.WorkflowType != "":
		var w WorkflowConfig
		if err = json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, nil, nil, err
		}
		return nil, nil, &w, nil
	default:
		return nil, nil, nil, nil
	}
}

// TaskExecution is one attempt at running a task.
type TaskExecution struct {
	ID                     int64
	TaskID                 int64
	Status                 ExecutionStatus
	StartTime              time.Time
	EndTime                *time.Time
	DurationSeconds        *float64
	ProgressPercent        float64
	CurrentItem            *string
	TotalItems             int
	ProcessedItems         int
	EstimatedEndTime       *time.Time
	IsPaused               bool
	TerminateRequested     bool
	ResultJSON             *string
	ErrorMessage           *string
	RetryCount             int
	ResumeFromExecutionID  *int64
	CreatedBy              string
	UpdatedBy              string
}

// ProgressUpdate is a partial write accepted by UpdateExecutionProgress.
type ProgressUpdate struct {
	ProgressPercent  *float64
	CurrentItem      *string
	TotalItems       *int
	ProcessedItems   *int
	EstimatedEndTime *time.Time
}

// ControlUpdate sets the cooperative pause/terminate flags.
type ControlUpdate struct {
	Pause     *bool
	Terminate *bool
}

// Filters narrows ListTasks.
type Filters struct {
	Kind     *TaskKind
	Enabled  *bool
	Paused   *bool
	NamePart string
}

// Sort picks the ListTasks ordering; ListExecutionsByTask always returns
// newest first.
type Sort struct {
	Field string // "created_time", "name", "start_time", ...
	Desc  bool
}

// Paging is a limit/offset page request.
type Paging struct {
	Limit  int
	Offset int
}

// Stats is the aggregate returned by TaskStore.Stats.
type Stats struct {
	TaskID        *int64
	SuccessCount  int
	FailedCount   int
	TotalCount    int
	LastExecution *TaskExecution
}
