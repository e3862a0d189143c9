package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *TaskStore {
	t.Helper()
	s, err := Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateTaskRejectsManualWithSchedule(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateTask(context.Background(), TaskSpec{
		Name: "bad-manual", Kind: KindManual, CronExpression: "0 0 * * *",
		ConfigJSON: `{"command":"echo hi"}`,
	})
	require.Error(t, err)
}

func TestCreateTaskRejectsBadCron(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateTask(context.Background(), TaskSpec{
		Name: "bad-cron", Kind: KindCommon, CronExpression: "not a cron",
		ConfigJSON: `{"command":"echo hi"}`,
	})
	require.Error(t, err)
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(context.Background(), TaskSpec{
		Name: "nightly-export", Kind: KindCommon, CronExpression: "0 2 * * *",
		Enabled: true, ConfigJSON: `{"command":"echo hi"}`, CreatedBy: "alice",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, task.JobID)
	assert.Equal(t, KindCommon, task.Kind)

	fetched, err := s.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Name, fetched.Name)
}

func TestCreateTaskDuplicateName(t *testing.T) {
	s := newTestStore(t)
	spec := TaskSpec{Name: "dup", Kind: KindManual, ConfigJSON: `{"command":"echo hi"}`}
	_, err := s.CreateTask(context.Background(), spec)
	require.NoError(t, err)
	_, err = s.CreateTask(context.Background(), spec)
	require.Error(t, err)
}

func TestWorkflowDAGValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateTask(ctx, TaskSpec{Name: "step-a", Kind: KindManual, Enabled: true, ConfigJSON: `{"command":"echo a"}`})
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, TaskSpec{Name: "step-b", Kind: KindManual, Enabled: true, ConfigJSON: `{"command":"echo b"}`})
	require.NoError(t, err)

	good := WorkflowConfig{
		WorkflowType: "serial",
		OnFailure:    "stop",
		Tasks: []WorkflowChildRef{
			{TaskID: "step-a"},
			{TaskID: "step-b", Dependencies: []string{"step-a"}},
		},
	}
	require.NoError(t, s.ValidateWorkflowDAG(ctx, good))

	cyclic := good
	cyclic.Tasks = []WorkflowChildRef{
		{TaskID: "step-a", Dependencies: []string{"step-b"}},
		{TaskID: "step-b", Dependencies: []string{"step-a"}},
	}
	require.Error(t, s.ValidateWorkflowDAG(ctx, cyclic))

	unknown := good
	unknown.Tasks = []WorkflowChildRef{{TaskID: "step-a", Dependencies: []string{"ghost"}}}
	require.Error(t, s.ValidateWorkflowDAG(ctx, unknown))
}

func TestNewExecutionSingleInstanceGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task, err := s.CreateTask(ctx, TaskSpec{Name: "solo", Kind: KindManual, Enabled: true, ConfigJSON: `{"command":"echo hi"}`})
	require.NoError(t, err)

	exec, err := s.NewExecution(ctx, task.ID, NewExecutionFields{CreatedBy: "tester"})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, exec.Status)

	_, err = s.NewExecution(ctx, task.ID, NewExecutionFields{CreatedBy: "tester"})
	require.Error(t, err)

	require.NoError(t, s.FinishExecution(ctx, exec.ID, StatusSuccess, strPtr(`{"success":true}`), nil))

	_, err = s.NewExecution(ctx, task.ID, NewExecutionFields{CreatedBy: "tester"})
	require.NoError(t, err, "slot frees up once the prior execution reaches a terminal status")
}

func TestSetExecutionControl(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task, err := s.CreateTask(ctx, TaskSpec{Name: "pausable", Kind: KindManual, Enabled: true, ConfigJSON: `{"command":"echo hi"}`})
	require.NoError(t, err)
	exec, err := s.NewExecution(ctx, task.ID, NewExecutionFields{})
	require.NoError(t, err)

	truthy := true
	require.NoError(t, s.SetExecutionControl(ctx, exec.ID, ControlUpdate{Pause: &truthy}))
	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPaused)

	require.NoError(t, s.SetExecutionControl(ctx, exec.ID, ControlUpdate{Terminate: &truthy}))
	got, err = s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, got.TerminateRequested)
	assert.False(t, got.IsPaused, "terminate always clears the paused flag")
}

func TestFinishExecutionCompactsOversizedResult(t *testing.T) {
	s := newTestStore(t)
	s.maxResultSize = 64
	ctx := context.Background()
	task, err := s.CreateTask(ctx, TaskSpec{Name: "chatty", Kind: KindManual, Enabled: true, ConfigJSON: `{"command":"echo hi"}`})
	require.NoError(t, err)
	exec, err := s.NewExecution(ctx, task.ID, NewExecutionFields{})
	require.NoError(t, err)

	huge := `{"success":true,"exit_code":0,"stdout":"` + stringOfLen(500) + `"}`
	require.NoError(t, s.FinishExecution(ctx, exec.ID, StatusSuccess, &huge, nil))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResultJSON)
	assert.LessOrEqual(t, len(*got.ResultJSON), 200)
	assert.Equal(t, float64(100), got.ProgressPercent)
}

func TestListTasksFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateTask(ctx, TaskSpec{Name: "enabled-one", Kind: KindManual, Enabled: true, ConfigJSON: `{"command":"echo 1"}`})
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, TaskSpec{Name: "disabled-one", Kind: KindManual, Enabled: false, ConfigJSON: `{"command":"echo 2"}`})
	require.NoError(t, err)

	enabled := true
	tasks, err := s.ListTasks(ctx, Filters{Enabled: &enabled}, Sort{}, Paging{})
	require.NoError(t, err)
	for _, tk := range tasks {
		assert.True(t, tk.Enabled)
	}
}

func strPtr(s string) *string { return &s }

func stringOfLen(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}
