package schedule

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskengine/internal/retryqueue"
	"github.com/swarmguard/taskengine/internal/store"
)

func newFixture(t *testing.T) (*store.TaskStore, *retryqueue.Queue) {
	t.Helper()
	s, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	q, err := retryqueue.Open(filepath.Join(t.TempDir(), "retry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return s, q
}

func TestStartRegistersCronEntriesAndCatchesUpMissedFire(t *testing.T) {
	ts, rq := newFixture(t)
	ctx := context.Background()

	task, err := ts.CreateTask(ctx, store.TaskSpec{
		Name: "every-minute", Kind: store.KindCommon, CronExpression: "* * * * *",
		Enabled: true, ConfigJSON: `{"command":"echo hi"}`,
	})
	require.NoError(t, err)

	// the last recorded fire is two minutes old, so at least one minute
	// instant was missed and the most recent one is within the grace window
	prior := time.Now().Add(-2 * time.Minute).UTC()
	require.NoError(t, rq.RecordFire(ctx, task.ID, prior))

	var fired int32
	src := New(ts, rq, func(ctx context.Context, taskID int64) {
		atomic.AddInt32(&fired, 1)
	}, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	require.NoError(t, src.Start(ctx))
	defer src.Stop(context.Background())

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) >= 1
	}, 2*time.Second, 10*time.Millisecond, "expected missed-fire catch-up to dispatch once at startup")

	last, err := rq.LastFire(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, last.After(prior))
}

func TestReloadReplacesCronEntry(t *testing.T) {
	ts, rq := newFixture(t)
	ctx := context.Background()

	task, err := ts.CreateTask(ctx, store.TaskSpec{
		Name: "reload-me", Kind: store.KindCommon, CronExpression: "0 0 1 1 *",
		Enabled: true, ConfigJSON: `{"command":"echo hi"}`,
	})
	require.NoError(t, err)

	src := New(ts, rq, func(ctx context.Context, taskID int64) {}, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, src.Start(ctx))
	defer src.Stop(context.Background())

	task.CronExpression = "0 0 2 1 *"
	require.NoError(t, src.Reload(ctx, task))

	src.mu.Lock()
	_, stillThere := src.cronEntries[task.ID]
	src.mu.Unlock()
	require.True(t, stillThere)
}
