package dispatcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskengine/internal/liveness"
	"github.com/swarmguard/taskengine/internal/registry"
	"github.com/swarmguard/taskengine/internal/retryqueue"
	"github.com/swarmguard/taskengine/internal/runtime"
	"github.com/swarmguard/taskengine/internal/store"
)

func newFixture(t *testing.T) (*store.TaskStore, *Dispatcher) {
	t.Helper()
	ts, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })

	rq, err := retryqueue.Open(filepath.Join(t.TempDir(), "retry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rq.Close() })

	reg := registry.New()
	reg.RegisterBuiltins()
	live := liveness.New()
	rt := runtime.New(ts, reg, rq, live)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	d := New(ts, rt, rq, 4, logger)
	d.Start()
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	return ts, d
}

func TestTriggerManualRunsToCompletion(t *testing.T) {
	ts, d := newFixture(t)
	ctx := context.Background()

	task, err := ts.CreateTask(ctx, store.TaskSpec{
		Name: "manual-echo", Kind: store.KindManual, Enabled: true,
		ConfigJSON: `{"command":"echo hi"}`,
	})
	require.NoError(t, err)

	exec, err := d.TriggerManual(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, exec.Status)

	require.Eventually(t, func() bool {
		got, err := ts.GetExecution(ctx, exec.ID)
		return err == nil && got.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	final, err := ts.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, final.Status)
}

func TestTriggerManualConflictSurfacesToCaller(t *testing.T) {
	ts, d := newFixture(t)
	ctx := context.Background()

	task, err := ts.CreateTask(ctx, store.TaskSpec{
		Name: "slow-task", Kind: store.KindManual, Enabled: true,
		ConfigJSON: `{"command":"sleep 2"}`,
	})
	require.NoError(t, err)

	_, err = d.TriggerManual(ctx, task.ID)
	require.NoError(t, err)

	_, err = d.TriggerManual(ctx, task.ID)
	require.Error(t, err, "a second trigger while one is active must fail, not queue silently")
}

func TestFireScheduledDropsOnConflictWithoutError(t *testing.T) {
	ts, d := newFixture(t)
	ctx := context.Background()

	task, err := ts.CreateTask(ctx, store.TaskSpec{
		Name: "cron-slow", Kind: store.KindCommon, Enabled: true, CronExpression: "0 0 1 1 *",
		ConfigJSON: `{"command":"sleep 2"}`,
	})
	require.NoError(t, err)

	d.FireScheduled(ctx, task.ID)
	time.Sleep(50 * time.Millisecond)
	d.FireScheduled(ctx, task.ID) // should log+drop, not panic or block

	active, err := ts.HasActiveExecution(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, active)
}
