package retryqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "retry.db")
	q, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueAndDueItems(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	require.NoError(t, q.Enqueue(ctx, Item{TaskID: 1, ExecutionID: 10, Attempt: 1, DueAt: past}))
	require.NoError(t, q.Enqueue(ctx, Item{TaskID: 2, ExecutionID: 20, Attempt: 1, DueAt: future}))

	due, err := q.DueItems(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(10), due[0].ExecutionID)
}

func TestRemoveRetryItem(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	due := time.Now().Add(-time.Second)
	require.NoError(t, q.Enqueue(ctx, Item{TaskID: 1, ExecutionID: 5, Attempt: 1, DueAt: due}))

	items, err := q.DueItems(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, q.Remove(ctx, items[0]))

	items, err = q.DueItems(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestScheduleFireBookkeeping(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	zero, err := q.LastFire(ctx, 42)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	now := time.Now().Truncate(time.Second)
	require.NoError(t, q.RecordFire(ctx, 42, now))

	got, err := q.LastFire(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, now.Unix(), got.Unix())
}
