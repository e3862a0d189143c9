// Package runtime is the execution runtime: given a due task and its
// freshly created execution row, it resolves the task's config shape
// (command, then task_action, then workflow), runs it, and translates the
// outcome into a terminal store write. It is grounded on the teacher's
// task_executor.go MultiTaskExecutor dispatch and cancellation.go's
// cooperative-cancel model, generalized from the teacher's fixed TaskType
// switch to the engine's command/task_action/workflow resolution order and
// from preemptive goroutine cancellation to control-flag polling, since
// spec.md requires pause/terminate to be observed by the running action
// itself rather than forced on it from outside.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskengine/internal/liveness"
	"github.com/swarmguard/taskengine/internal/registry"
	"github.com/swarmguard/taskengine/internal/retryqueue"
	"github.com/swarmguard/taskengine/internal/store"
	"github.com/swarmguard/taskengine/internal/taskerrors"
	"github.com/swarmguard/taskengine/internal/workflow"
)

// controlPollInterval is how often the Runtime re-reads an execution's
// control flags while an action is in flight.
const controlPollInterval = 2 * time.Second

// Runtime executes tasks and owns the terminal store write for every
// execution it runs.
type Runtime struct {
	store        *store.TaskStore
	registry     *registry.Registry
	retryQ       *retryqueue.Queue
	liveness     *liveness.Registry
	orchestrator *workflow.Orchestrator
	scriptRunner *registry.ScriptRunner

	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// New wires a Runtime from its collaborators.
func New(taskStore *store.TaskStore, reg *registry.Registry, retryQ *retryqueue.Queue, live *liveness.Registry) *Runtime {
	meter := otel.Meter("taskengine-runtime")
	duration, _ := meter.Float64Histogram("taskengine_runtime_execution_duration_seconds")
	return &Runtime{
		store:        taskStore,
		registry:     reg,
		retryQ:       retryQ,
		liveness:     live,
		orchestrator: workflow.New(),
		scriptRunner: registry.NewScriptRunner(),
		tracer:       otel.Tracer("taskengine-runtime"),
		duration:     duration,
	}
}

// Run executes one TaskExecution end to end: resolves the config shape,
// runs it, writes the terminal outcome, and schedules a retry if the
// task's policy allows one. It never returns an error to the caller —
// every failure path is captured in the store so the dispatcher's job
// ends the moment the execution is handed off.
func (rt *Runtime) Run(ctx context.Context, task store.Task, exec store.TaskExecution) {
	start := time.Now()
	ctx, span := rt.tracer.Start(ctx, "runtime.run", trace.WithAttributes(
		attribute.Int64("task_id", task.ID), attribute.Int64("execution_id", exec.ID)))
	defer span.End()

	token := rt.liveness.Register(exec.ID)
	defer rt.liveness.Deregister(exec.ID, token)

	runCtx, cancel := context.WithCancel(registry.WithExecutionID(ctx, exec.ID))
	defer cancel()
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go rt.watchControl(exec.ID, cancel, stopWatch)

	status, resultJSON, errMsg := rt.execute(runCtx, task, exec)

	rt.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.Int64("task_id", task.ID), attribute.String("status", string(status))))

	if err := rt.store.FinishExecution(ctx, exec.ID, status, resultJSON, errMsg); err != nil {
		span.RecordError(err)
	}

	if status == store.StatusFailed {
		rt.maybeScheduleRetry(ctx, task, exec)
	}
}

// watchControl polls the execution's terminate flag and cancels runCtx the
// moment it is observed, so an in-flight action unwinds promptly. It reads
// straight from the store — never a cache — so a terminate written from
// another process is seen within one poll tick.
func (rt *Runtime) watchControl(execID int64, cancel context.CancelFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(controlPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fresh, err := rt.store.GetExecution(context.Background(), execID)
			if err != nil {
				continue
			}
			if fresh.TerminateRequested {
				cancel()
				return
			}
		}
	}
}

func (rt *Runtime) isTerminated(execID int64) bool {
	fresh, err := rt.store.GetExecution(context.Background(), execID)
	return err == nil && fresh.TerminateRequested
}

func (rt *Runtime) isPaused(execID int64) bool {
	fresh, err := rt.store.GetExecution(context.Background(), execID)
	return err == nil && fresh.IsPaused && !fresh.TerminateRequested
}

// waitWhilePaused spins until the execution is unpaused or terminated,
// the one place outside the workflow package a single command/task_action
// task observes pause — between "about to start" and "started", since
// neither the Script Runner nor a registered action can suspend mid-flight.
func (rt *Runtime) waitWhilePaused(ctx context.Context, execID int64) (terminated bool) {
	for rt.isPaused(execID) {
		if rt.isTerminated(execID) {
			return true
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(controlPollInterval):
		}
	}
	return rt.isTerminated(execID)
}

func (rt *Runtime) progressFunc(execID int64) registry.ProgressFunc {
	return func(processed, total int, currentItem string) {
		item := currentItem
		_ = rt.store.UpdateExecutionProgress(context.Background(), execID, store.ProgressUpdate{
			ProcessedItems: &processed,
			TotalItems:     &total,
			CurrentItem:    &item,
		})
	}
}

// execute resolves the task's config shape and runs it, returning the
// terminal status/result/error to be written.
func (rt *Runtime) execute(ctx context.Context, task store.Task, exec store.TaskExecution) (status store.ExecutionStatus, resultJSON *string, errMsg *string) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("%v: action panicked: %v", taskerrors.ErrActionFailed, r)
			status, resultJSON, errMsg = store.StatusFailed, nil, &msg
		}
	}()
	if rt.waitWhilePaused(ctx, exec.ID) {
		msg := "terminated"
		return store.StatusTerminated, nil, &msg
	}

	cmd, action, wf, err := store.ParseConfig(task.ConfigJSON)
	if err != nil {
		msg := err.Error()
		return store.StatusFailed, nil, &msg
	}

	switch {
	case cmd != nil:
		return rt.runCommand(ctx, exec.ID, *cmd)
	case action != nil:
		return rt.runAction(ctx, exec.ID, *action)
	case wf != nil:
		return rt.runWorkflow(ctx, task, exec, *wf)
	default:
		msg := "task config matches neither command, task_action, nor workflow shape"
		return store.StatusFailed, nil, &msg
	}
}

func (rt *Runtime) runCommand(ctx context.Context, execID int64, cmd store.CommandConfig) (store.ExecutionStatus, *string, *string) {
	result, err := rt.scriptRunner.Run(ctx, cmd.Command, "", cmd.TimeoutSeconds, rt.progressFunc(execID))
	return classify(result, err)
}

func (rt *Runtime) runAction(ctx context.Context, execID int64, action store.ActionConfig) (store.ExecutionStatus, *string, *string) {
	result, err := rt.registry.Execute(ctx, action.TaskAction, string(action.Extra), rt.progressFunc(execID))
	return classify(result, err)
}

func classify(result registry.Result, err error) (store.ExecutionStatus, *string, *string) {
	out, _ := json.Marshal(map[string]any{
		"success":   result.Success,
		"exit_code": result.ExitCode,
		"message":   result.Message,
		"output":    result.Output,
	})
	resultStr := string(out)
	if err != nil {
		msg := err.Error()
		status := store.StatusFailed
		if errors.Is(err, taskerrors.ErrCancelled) {
			status = store.StatusTerminated
		}
		if result.Output == nil {
			return status, nil, &msg
		}
		return status, &resultStr, &msg
	}
	return store.StatusSuccess, &resultStr, nil
}

// runWorkflow delegates to the orchestrator, running each child through
// rt.runChild so every child task gets its own TaskExecution row, its own
// retry policy, and its own single-instance gate.
func (rt *Runtime) runWorkflow(ctx context.Context, task store.Task, exec store.TaskExecution, wf store.WorkflowConfig) (store.ExecutionStatus, *string, *string) {
	if err := rt.store.ValidateWorkflowDAG(ctx, wf); err != nil {
		msg := err.Error()
		return store.StatusFailed, nil, &msg
	}

	resumeFrom := exec.ResumeFromExecutionID
	if resumeFrom == nil {
		resumeFrom = wf.ResumeFromExecutionID // config-level fallback, accepted for forward compatibility
	}
	prior := rt.loadPriorResults(ctx, resumeFrom)

	ctrl := workflow.ControlFuncs{
		IsPaused:     func() bool { return rt.isPaused(exec.ID) },
		IsTerminated: func() bool { return rt.isTerminated(exec.ID) },
	}
	progress := func(processed, total int, currentItem string) {
		rt.progressFunc(exec.ID)(processed, total, currentItem)
	}

	outcome, err := rt.orchestrator.Execute(ctx, wf, rt.runChild, ctrl, progress, prior)
	out, _ := json.Marshal(outcome)
	resultStr := string(out)

	if err == nil {
		return store.StatusSuccess, &resultStr, nil
	}
	status := store.StatusFailed
	if errors.Is(err, taskerrors.ErrCancelled) {
		status = store.StatusTerminated
	}
	msg := err.Error()
	return status, &resultStr, &msg
}

func (rt *Runtime) loadPriorResults(ctx context.Context, resumeFrom *int64) map[string]workflow.ChildResult {
	if resumeFrom == nil {
		return nil
	}
	prior, err := rt.store.GetExecution(ctx, *resumeFrom)
	if err != nil || prior.ResultJSON == nil {
		return nil
	}
	var outcome workflow.Outcome
	if err := json.Unmarshal([]byte(*prior.ResultJSON), &outcome); err != nil {
		return nil
	}
	return outcome.TaskResults
}

// runChild runs one workflow child task through the single-instance gate
// and the normal Runtime.Run path, then reports its terminal outcome back
// to the orchestrator.
func (rt *Runtime) runChild(ctx context.Context, taskName string) (workflow.ChildResult, error) {
	childTask, err := rt.store.GetTaskByName(ctx, taskName)
	if err != nil {
		return workflow.ChildResult{TaskID: taskName, Status: workflow.ChildFailed, Error: err.Error()}, err
	}
	childExec, err := rt.store.NewExecution(ctx, childTask.ID, store.NewExecutionFields{CreatedBy: "workflow"})
	if err != nil {
		return workflow.ChildResult{TaskID: taskName, Status: workflow.ChildFailed, Error: err.Error()}, err
	}

	rt.Run(ctx, childTask, childExec)

	final, err := rt.store.GetExecution(ctx, childExec.ID)
	if err != nil {
		return workflow.ChildResult{TaskID: taskName, Status: workflow.ChildFailed, Error: err.Error()}, err
	}
	if final.Status == store.StatusSuccess {
		var output json.RawMessage
		if final.ResultJSON != nil {
			output = json.RawMessage(*final.ResultJSON)
		}
		return workflow.ChildResult{TaskID: taskName, Status: workflow.ChildSuccess, Output: output}, nil
	}
	errMsg := ""
	if final.ErrorMessage != nil {
		errMsg = *final.ErrorMessage
	}
	return workflow.ChildResult{TaskID: taskName, Status: workflow.ChildFailed, Error: errMsg},
		taskerrors.Wrap(taskerrors.ErrActionFailed, fmt.Sprintf("child task %q failed", taskName), fmt.Errorf("%s", errMsg))
}

// maybeScheduleRetry enqueues a durable retry when the failed task still
// has attempts remaining. Workflow tasks never get an outer retry here —
// only their own on_failure policy, already applied inside the
// orchestrator, governs partial failure; retrying the whole workflow from
// scratch would re-run already-succeeded children without the resume path.
func (rt *Runtime) maybeScheduleRetry(ctx context.Context, task store.Task, exec store.TaskExecution) {
	if task.Kind == store.KindWorkflow {
		return
	}
	if exec.RetryCount >= task.MaxRetries {
		return
	}
	interval := task.RetryInterval
	if interval <= 0 {
		interval = 30
	}
	// retry_interval is a fixed sleep, not an exponentially growing one:
	// the engine retries the same action with the same config, and a
	// flat interval keeps retry timing predictable for schedule-adjacent
	// tooling (sweepers, dashboards) that reason about "next retry at".
	due := time.Now().UTC().Add(time.Duration(interval) * time.Second)
	item := retryqueue.Item{TaskID: task.ID, ExecutionID: exec.ID, Attempt: exec.RetryCount + 1, DueAt: due}
	if err := rt.retryQ.Enqueue(ctx, item); err != nil {
		slog.Warn("retry enqueue failed", "task_id", task.ID, "execution_id", exec.ID, "error", err)
	}
}
