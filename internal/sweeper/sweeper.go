// Package sweeper is the recovery sweeper: it periodically scans every
// {running, paused} execution and, for any whose owning process is no
// longer alive in this deployment's liveness registry, flips it to
// terminated. It is grounded on the teacher's cancellation.go Cleanup/
// StartCleanupLoop lifecycle, repurposed from "expire old cancellation
// records" to "detect orphaned executions after a crash or restart",
// exactly the liveness-registry approach spec.md's Design Notes prefer
// over scanning OS thread names.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskengine/internal/liveness"
	"github.com/swarmguard/taskengine/internal/store"
)

// orphanMessage is the fixed message spec.md requires for a
// sweeper-recovered execution.
const orphanMessage = "运行线程已丢失（可能由于系统重启）"

// DefaultInterval is how often the sweeper scans for orphaned executions.
const DefaultInterval = 60 * time.Second

// Sweeper periodically reconciles {running, paused} executions against
// the liveness registry.
type Sweeper struct {
	store    *store.TaskStore
	liveness *liveness.Registry
	interval time.Duration
	logger   *slog.Logger

	recovered metric.Int64Counter

	stop chan struct{}
	done chan struct{}
}

// New constructs a Sweeper with the given scan interval (DefaultInterval
// if zero).
func New(taskStore *store.TaskStore, live *liveness.Registry, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	meter := otel.Meter("taskengine-sweeper")
	recovered, _ := meter.Int64Counter("taskengine_sweeper_recovered_total")
	return &Sweeper{
		store:     taskStore,
		liveness:  live,
		interval:  interval,
		logger:    logger,
		recovered: recovered,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the sweep loop in a background goroutine. It sweeps once
// immediately, so orphans from a prior crash are recovered before the
// first interval elapses.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		s.sweepOnce()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.sweepOnce()
			}
		}
	}()
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	close(s.stop)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) sweepOnce() {
	ctx := context.Background()
	active, err := s.store.ListActiveExecutions(ctx)
	if err != nil {
		s.logger.Warn("sweep: list active executions failed", "error", err)
		return
	}
	for _, exec := range active {
		if s.liveness.IsAlive(exec.ID) {
			continue
		}
		s.recover(ctx, exec)
	}
}

// recover flips an orphaned execution to terminated. Per spec's decided
// open question, an execution caught paused when its worker vanished
// resolves to terminated too — there is no live worker left to ever honor
// a resume, so leaving it paused would strand it forever.
func (s *Sweeper) recover(ctx context.Context, exec store.TaskExecution) {
	terminate := true
	unpause := false
	if err := s.store.SetExecutionControl(ctx, exec.ID, store.ControlUpdate{Terminate: &terminate, Pause: &unpause}); err != nil {
		s.logger.Warn("sweep: set control failed", "execution_id", exec.ID, "error", err)
		return
	}
	msg := orphanMessage
	if err := s.store.FinishExecution(ctx, exec.ID, store.StatusTerminated, nil, &msg); err != nil {
		s.logger.Warn("sweep: finish execution failed", "execution_id", exec.ID, "error", err)
		return
	}
	s.recovered.Add(ctx, 1)
	s.logger.Warn("recovered orphaned execution", "execution_id", exec.ID, "task_id", exec.TaskID)
}
