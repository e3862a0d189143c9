// Package dispatcher is the bounded worker pool that turns a schedule fire,
// a manual trigger, or a due retry into a running Runtime execution. It is
// grounded on the teacher's main.go wiring (a fixed-size worker pool
// consuming fire events) and scheduler.go's concurrency-limited dispatch,
// generalized from per-workflow concurrency limits to the engine's global
// single-instance-per-task gate plus a bounded pool shared by every task.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskengine/internal/retryqueue"
	"github.com/swarmguard/taskengine/internal/runtime"
	"github.com/swarmguard/taskengine/internal/store"
	"github.com/swarmguard/taskengine/internal/taskerrors"
)

// retryPollInterval is how often the dispatcher checks the durable retry
// queue for items that have come due.
const retryPollInterval = 5 * time.Second

// DefaultMaxWorkers matches spec.md's default bounded pool size.
const DefaultMaxWorkers = 10

// Dispatcher hands off due work to the Runtime, bounded by a fixed-size
// worker pool.
type Dispatcher struct {
	store  *store.TaskStore
	rt     *runtime.Runtime
	retryQ *retryqueue.Queue
	logger *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	stop chan struct{}

	fireCounter    metric.Int64Counter
	conflictDrops  metric.Int64Counter
	queueRejection metric.Int64Counter
}

// New constructs a Dispatcher with the given worker pool size.
func New(taskStore *store.TaskStore, rt *runtime.Runtime, retryQ *retryqueue.Queue, maxWorkers int, logger *slog.Logger) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	meter := otel.Meter("taskengine-dispatcher")
	fireCounter, _ := meter.Int64Counter("taskengine_dispatcher_dispatches_total")
	conflictDrops, _ := meter.Int64Counter("taskengine_dispatcher_conflict_drops_total")
	queueRejection, _ := meter.Int64Counter("taskengine_dispatcher_pool_saturated_total")
	return &Dispatcher{
		store:          taskStore,
		rt:             rt,
		retryQ:         retryQ,
		logger:         logger,
		sem:            make(chan struct{}, maxWorkers),
		stop:           make(chan struct{}),
		fireCounter:    fireCounter,
		conflictDrops:  conflictDrops,
		queueRejection: queueRejection,
	}
}

// Start begins the background retry-poll loop. Call Stop to drain it.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.retryLoop()
}

// Stop signals the retry loop to exit and waits for in-flight work to
// finish.
func (d *Dispatcher) Stop(ctx context.Context) error {
	close(d.stop)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FireScheduled handles a schedule-source fire: a conflict (an execution
// already active) is logged and dropped rather than surfaced, since no
// caller is waiting synchronously on a cron tick.
func (d *Dispatcher) FireScheduled(ctx context.Context, taskID int64) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		d.logger.Warn("scheduled fire: task lookup failed", "task_id", taskID, "error", err)
		return
	}
	if !task.Enabled || task.Paused {
		return
	}
	exec, err := d.store.NewExecution(ctx, taskID, store.NewExecutionFields{CreatedBy: "scheduler"})
	if err != nil {
		if errors.Is(err, taskerrors.ErrConflict) {
			d.conflictDrops.Add(ctx, 1, metric.WithAttributes(attribute.Int64("task_id", taskID)))
			d.logger.Warn("scheduled fire dropped: execution already active", "task_id", taskID)
			return
		}
		d.logger.Warn("scheduled fire: could not start execution", "task_id", taskID, "error", err)
		return
	}
	d.dispatch(task, exec)
}

// TriggerManual handles an operator-initiated run: unlike a scheduled
// fire, a conflict is returned to the caller rather than silently dropped.
func (d *Dispatcher) TriggerManual(ctx context.Context, taskID int64) (store.TaskExecution, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return store.TaskExecution{}, err
	}
	if !task.Enabled {
		return store.TaskExecution{}, taskerrors.Wrap(taskerrors.ErrValidation, "task is disabled", errDisabled)
	}
	exec, err := d.store.NewExecution(ctx, taskID, store.NewExecutionFields{CreatedBy: "manual"})
	if err != nil {
		return store.TaskExecution{}, err
	}
	d.dispatch(task, exec)
	return exec, nil
}

// ResumeExecution starts a new execution of task, seeded with
// resumeFromExecutionID so a workflow Runtime run skips children that
// already succeeded in the execution being resumed. Valid for workflow
// tasks; the Runtime silently ignores the hint for any other kind.
func (d *Dispatcher) ResumeExecution(ctx context.Context, taskID, resumeFromExecutionID int64) (store.TaskExecution, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return store.TaskExecution{}, err
	}
	if !task.Enabled {
		return store.TaskExecution{}, taskerrors.Wrap(taskerrors.ErrValidation, "task is disabled", errDisabled)
	}
	resumeID := resumeFromExecutionID
	exec, err := d.store.NewExecution(ctx, taskID, store.NewExecutionFields{
		CreatedBy: "resume", ResumeFromExecutionID: &resumeID,
	})
	if err != nil {
		return store.TaskExecution{}, err
	}
	d.dispatch(task, exec)
	return exec, nil
}

var errDisabled = errors.New("disabled")

// dispatch hands the execution to a worker, blocking briefly to acquire a
// pool slot. The pool bound protects downstream collaborators (databases,
// HTTP services) from an unbounded burst of simultaneous task starts.
func (d *Dispatcher) dispatch(task store.Task, exec store.TaskExecution) {
	d.fireCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("task_kind", string(task.Kind))))
	d.wg.Add(1)
	select {
	case d.sem <- struct{}{}:
	default:
		d.queueRejection.Add(context.Background(), 1, metric.WithAttributes(attribute.String("task_kind", string(task.Kind))))
		d.sem <- struct{}{} // pool is saturated; still start once a slot frees up
	}
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()
		d.rt.Run(context.Background(), task, exec)
	}()
}

func (d *Dispatcher) retryLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(retryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.drainDueRetries()
		}
	}
}

func (d *Dispatcher) drainDueRetries() {
	ctx := context.Background()
	items, err := d.retryQ.DueItems(ctx, time.Now().UTC())
	if err != nil {
		d.logger.Warn("retry scan failed", "error", err)
		return
	}
	for _, item := range items {
		task, err := d.store.GetTask(ctx, item.TaskID)
		if err != nil || !task.Enabled {
			_ = d.retryQ.Remove(ctx, item)
			continue
		}
		exec, err := d.store.NewExecution(ctx, item.TaskID, store.NewExecutionFields{
			CreatedBy: "retry", RetryCount: item.Attempt,
		})
		if err != nil {
			if errors.Is(err, taskerrors.ErrConflict) {
				continue // leave it queued; try again next poll
			}
			_ = d.retryQ.Remove(ctx, item)
			continue
		}
		_ = d.retryQ.Remove(ctx, item)
		d.dispatch(task, exec)
	}
}
