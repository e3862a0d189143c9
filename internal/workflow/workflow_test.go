package workflow

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskengine/internal/store"
)

func TestExecuteSerialHappyPath(t *testing.T) {
	o := New()
	wf := store.WorkflowConfig{
		WorkflowType: "serial",
		OnFailure:    "stop",
		Tasks: []store.WorkflowChildRef{
			{TaskID: "a"},
			{TaskID: "b", Dependencies: []string{"a"}},
			{TaskID: "c", Dependencies: []string{"b"}},
		},
	}
	var order []string
	runChild := func(ctx context.Context, name string) (ChildResult, error) {
		order = append(order, name)
		return ChildResult{TaskID: name, Status: ChildSuccess}, nil
	}
	out, err := o.Execute(context.Background(), wf, runChild, ControlFuncs{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out.FailedCount)
	assert.Equal(t, 3, out.SuccessCount)
	assert.Equal(t, 3, out.TotalTasks)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestExecuteSerialStopOnFailure(t *testing.T) {
	o := New()
	wf := store.WorkflowConfig{
		WorkflowType: "serial",
		OnFailure:    "stop",
		Tasks: []store.WorkflowChildRef{
			{TaskID: "a"},
			{TaskID: "b", Dependencies: []string{"a"}},
			{TaskID: "c", Dependencies: []string{"b"}},
		},
	}
	runChild := func(ctx context.Context, name string) (ChildResult, error) {
		if name == "a" {
			return ChildResult{TaskID: name, Status: ChildFailed, Error: "boom"}, nil
		}
		return ChildResult{TaskID: name, Status: ChildSuccess}, nil
	}
	out, err := o.Execute(context.Background(), wf, runChild, ControlFuncs{}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, out.FailedCount)
	assert.Equal(t, []string{"a"}, out.FailedTaskIDs)
	assert.Equal(t, ChildSkipped, out.TaskResults["b"].Status)
	assert.Equal(t, ChildSkipped, out.TaskResults["c"].Status)
}

func TestExecuteSerialContinueOnFailureRunsOtherBranches(t *testing.T) {
	o := New()
	wf := store.WorkflowConfig{
		WorkflowType: "serial",
		OnFailure:    "continue",
		Tasks: []store.WorkflowChildRef{
			{TaskID: "a"},
			{TaskID: "b"},
			{TaskID: "c", Dependencies: []string{"a"}},
		},
	}
	runChild := func(ctx context.Context, name string) (ChildResult, error) {
		if name == "a" {
			return ChildResult{TaskID: name, Status: ChildFailed, Error: "boom"}, nil
		}
		return ChildResult{TaskID: name, Status: ChildSuccess}, nil
	}
	out, err := o.Execute(context.Background(), wf, runChild, ControlFuncs{}, nil, nil)
	require.Error(t, err) // overall outcome still reflects the failure
	assert.Equal(t, []string{"a"}, out.FailedTaskIDs)
	assert.Equal(t, ChildSuccess, out.TaskResults["b"].Status)
	assert.Equal(t, ChildSkipped, out.TaskResults["c"].Status)
}

func TestExecuteParallelFanOut(t *testing.T) {
	o := New()
	wf := store.WorkflowConfig{
		WorkflowType: "parallel",
		OnFailure:    "stop",
		Tasks: []store.WorkflowChildRef{
			{TaskID: "a"},
			{TaskID: "b"},
			{TaskID: "c"},
			{TaskID: "join", Dependencies: []string{"a", "b", "c"}},
		},
	}
	var concurrent int32
	var maxConcurrent int32
	runChild := func(ctx context.Context, name string) (ChildResult, error) {
		if name == "join" {
			return ChildResult{TaskID: name, Status: ChildSuccess}, nil
		}
		n := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond) // stay in flight so siblings of the same wave overlap
		atomic.AddInt32(&concurrent, -1)
		return ChildResult{TaskID: name, Status: ChildSuccess}, nil
	}
	out, err := o.Execute(context.Background(), wf, runChild, ControlFuncs{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out.FailedCount)
	assert.GreaterOrEqual(t, maxConcurrent, int32(2))
}

func TestConditionSkipsDescendants(t *testing.T) {
	o := New()
	wf := store.WorkflowConfig{
		WorkflowType: "serial",
		OnFailure:    "stop",
		Tasks: []store.WorkflowChildRef{
			{TaskID: "check"},
			{TaskID: "only-if-ok", Dependencies: []string{"check"}, Condition: `check.output.status == "ok"`},
		},
	}
	runChild := func(ctx context.Context, name string) (ChildResult, error) {
		if name == "check" {
			output, _ := json.Marshal(map[string]string{"status": "not-ok"})
			return ChildResult{TaskID: name, Status: ChildSuccess, Output: output}, nil
		}
		t.Fatal("only-if-ok should have been skipped")
		return ChildResult{}, nil
	}
	out, err := o.Execute(context.Background(), wf, runChild, ControlFuncs{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ChildSkipped, out.TaskResults["only-if-ok"].Status)
}

func TestCacheableChildReusesResultAcrossExecutions(t *testing.T) {
	o := New()
	wf := store.WorkflowConfig{
		WorkflowType: "serial",
		OnFailure:    "stop",
		Tasks: []store.WorkflowChildRef{
			{TaskID: "shared", Cacheable: true},
		},
	}
	var runs int
	runChild := func(ctx context.Context, name string) (ChildResult, error) {
		runs++
		output, _ := json.Marshal(map[string]int{"n": runs})
		return ChildResult{TaskID: name, Status: ChildSuccess, Output: output}, nil
	}

	out1, err := o.Execute(context.Background(), wf, runChild, ControlFuncs{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, runs)

	out2, err := o.Execute(context.Background(), wf, runChild, ControlFuncs{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, runs, "second execution should reuse the cached result instead of re-running")
	assert.Equal(t, out1.TaskResults["shared"].Output, out2.TaskResults["shared"].Output)
}

func TestResumeSkipsPriorSuccesses(t *testing.T) {
	o := New()
	wf := store.WorkflowConfig{
		WorkflowType: "serial",
		OnFailure:    "stop",
		Tasks: []store.WorkflowChildRef{
			{TaskID: "a"},
			{TaskID: "b", Dependencies: []string{"a"}},
		},
	}
	var ran []string
	runChild := func(ctx context.Context, name string) (ChildResult, error) {
		ran = append(ran, name)
		return ChildResult{TaskID: name, Status: ChildSuccess}, nil
	}
	prior := map[string]ChildResult{"a": {TaskID: "a", Status: ChildSuccess}}
	out, err := o.Execute(context.Background(), wf, runChild, ControlFuncs{}, nil, prior)
	require.NoError(t, err)
	assert.Equal(t, 0, out.FailedCount)
	assert.Equal(t, []string{"b"}, ran, "resumed execution should not re-run a prior success")
	assert.True(t, out.TaskResults["a"].Skipped, "resumed prior success should carry a skip marker")
	assert.False(t, out.TaskResults["b"].Skipped)
}
