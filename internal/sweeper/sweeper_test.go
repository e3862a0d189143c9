package sweeper

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskengine/internal/liveness"
	"github.com/swarmguard/taskengine/internal/store"
)

func TestSweepRecoversOrphanedExecution(t *testing.T) {
	ts, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })

	ctx := context.Background()
	task, err := ts.CreateTask(ctx, store.TaskSpec{
		Name: "orphan-candidate", Kind: store.KindManual, Enabled: true,
		ConfigJSON: `{"command":"echo hi"}`,
	})
	require.NoError(t, err)
	exec, err := ts.NewExecution(ctx, task.ID, store.NewExecutionFields{})
	require.NoError(t, err)

	live := liveness.New() // deliberately never registered: simulates a crashed worker
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := New(ts, live, 20*time.Millisecond, logger)
	s.Start()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		got, err := ts.GetExecution(ctx, exec.ID)
		return err == nil && got.Status == store.StatusTerminated
	}, time.Second, 10*time.Millisecond)

	final, err := ts.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, final.TerminateRequested)
	assert.False(t, final.IsPaused)
	require.NotNil(t, final.ErrorMessage)
	assert.Equal(t, orphanMessage, *final.ErrorMessage)
}

func TestSweepLeavesLiveExecutionAlone(t *testing.T) {
	ts, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })

	ctx := context.Background()
	task, err := ts.CreateTask(ctx, store.TaskSpec{
		Name: "alive-task", Kind: store.KindManual, Enabled: true,
		ConfigJSON: `{"command":"echo hi"}`,
	})
	require.NoError(t, err)
	exec, err := ts.NewExecution(ctx, task.ID, store.NewExecutionFields{})
	require.NoError(t, err)

	live := liveness.New()
	live.Register(exec.ID)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := New(ts, live, 20*time.Millisecond, logger)
	s.Start()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	time.Sleep(100 * time.Millisecond)
	got, err := ts.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
}
