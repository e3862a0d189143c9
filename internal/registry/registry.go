// Package registry is the action registry: a name -> Executor map that the
// Runtime consults when a task's config names a task_action, plus the
// built-in executors every deployment gets for free (the Script Runner and
// a demo HTTP action). It is grounded on the teacher's plugins.go
// (PluginExecutor/PluginRegistry discriminator pattern) and task_executor.go
// (HTTP execution, template resolution), generalized from a fixed TaskType
// enum to an open string-keyed registry so operators can add their own
// actions without touching this package.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskengine/internal/resilience"
	"github.com/swarmguard/taskengine/internal/taskerrors"
)

// ProgressFunc reports incremental progress back to the store. Actions that
// process a bounded list of items should call it as they go; actions that
// don't have a natural notion of progress may ignore it.
type ProgressFunc func(processed, total int, currentItem string)

// Result is an action's bounded outcome. Output, if present, must already
// be reasonably sized — the store additionally compacts anything that
// still exceeds the configured threshold.
type Result struct {
	Success  bool
	ExitCode *int
	Message  string
	Output   json.RawMessage
}

// Executor runs one task_action. ctx is cancelled when the Runtime observes
// terminate_requested; a well-behaved Executor returns promptly afterward.
type Executor interface {
	Execute(ctx context.Context, configJSON string, progress ProgressFunc) (Result, error)
}

// Registry maps task_action names to Executors, and keeps one circuit
// breaker per name so a misbehaving collaborator can't be hammered by
// every scheduled fire while it is failing.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	breakers  map[string]*resilience.CircuitBreaker

	tracer    trace.Tracer
	execCount metric.Int64Counter
	execFail  metric.Int64Counter
}

// New constructs an empty Registry. Call RegisterBuiltins to add the
// Script Runner and demo HTTP action.
func New() *Registry {
	meter := otel.Meter("taskengine-registry")
	execCount, _ := meter.Int64Counter("taskengine_registry_executions_total")
	execFail, _ := meter.Int64Counter("taskengine_registry_execution_failures_total")
	return &Registry{
		executors: make(map[string]Executor),
		breakers:  make(map[string]*resilience.CircuitBreaker),
		tracer:    otel.Tracer("taskengine-registry"),
		execCount: execCount,
		execFail:  execFail,
	}
}

// Register adds or replaces the Executor for name.
func (r *Registry) Register(name string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = ex
	if _, ok := r.breakers[name]; !ok {
		r.breakers[name] = resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 20*time.Second, 3)
	}
}

// RegisterBuiltins wires the Script Runner as "shell" and the demo HTTP
// action as "http" — the two built-in actions every deployment gets
// without further configuration.
func (r *Registry) RegisterBuiltins() {
	r.Register("shell", NewScriptRunner())
	r.Register("http", NewHTTPExecutor(nil))
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[name]
	return ok
}

// Execute runs the named action through its circuit breaker, translating a
// tripped breaker into ErrInfrastructure (the call never reached the
// action) and a returned action error into ErrActionFailed.
func (r *Registry) Execute(ctx context.Context, name string, configJSON string, progress ProgressFunc) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "registry.execute", trace.WithAttributes(attribute.String("task_action", name)))
	defer span.End()

	r.mu.RLock()
	ex, ok := r.executors[name]
	breaker := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, taskerrors.Wrap(taskerrors.ErrValidation, "unknown task_action", fmt.Errorf("%q is not registered", name))
	}
	if breaker != nil && !breaker.Allow() {
		r.execFail.Add(ctx, 1, metric.WithAttributes(attribute.String("task_action", name)))
		return Result{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "circuit open", fmt.Errorf("task_action %q is tripped", name))
	}

	result, err := ex.Execute(ctx, configJSON, progress)

	r.execCount.Add(ctx, 1, metric.WithAttributes(attribute.String("task_action", name)))
	if breaker != nil {
		breaker.RecordResult(err == nil && result.Success)
	}
	if err != nil {
		r.execFail.Add(ctx, 1, metric.WithAttributes(attribute.String("task_action", name)))
		return Result{}, taskerrors.Wrap(taskerrors.ErrActionFailed, fmt.Sprintf("task_action %q failed", name), err)
	}
	if !result.Success {
		r.execFail.Add(ctx, 1, metric.WithAttributes(attribute.String("task_action", name)))
		return result, taskerrors.Wrap(taskerrors.ErrActionFailed, fmt.Sprintf("task_action %q reported failure", name), fmt.Errorf("%s", result.Message))
	}
	return result, nil
}
