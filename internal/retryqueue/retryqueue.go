// Package retryqueue is a durable, bbolt-backed queue of pending task
// retries and a small ledger of schedule-source fire bookkeeping. It is
// grounded on the teacher's persistence.go bucket-per-concern layout,
// repurposed here to a narrower scope than the teacher's workflow store:
// bbolt stays in the tree as the retry/fire ledger rather than the
// authoritative task record, which lives in the relational store.
package retryqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/taskengine/internal/taskerrors"
)

var (
	bucketPendingRetries = []byte("pending_retries")
	bucketScheduleFires  = []byte("schedule_fires")
)

// Item is one pending retry: the execution that failed, the attempt number
// it is about to become, and when it becomes due.
type Item struct {
	TaskID      int64     `json:"task_id"`
	ExecutionID int64     `json:"execution_id"`
	Attempt     int       `json:"attempt"`
	DueAt       time.Time `json:"due_at"`

	// key is the bbolt key this item was stored under; set on read, used
	// by Remove after the retry has been dispatched.
	key []byte `json:"-"`
}

// Queue is the durable retry queue and schedule-fire ledger.
type Queue struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures its
// buckets exist.
func Open(path string) (*Queue, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.ErrInfrastructure, "open retry queue", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPendingRetries); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketScheduleFires)
		return err
	})
	if err != nil {
		db.Close()
		return nil, taskerrors.Wrap(taskerrors.ErrInfrastructure, "init retry queue buckets", err)
	}
	return &Queue{db: db}, nil
}

// Close releases the bbolt file handle.
func (q *Queue) Close() error { return q.db.Close() }

// retryKey orders entries by due time first so DueItems can do a forward
// prefix scan, then by execution id to keep keys unique across retries of
// the same task that happen to land on the same due instant.
func retryKey(dueAt time.Time, executionID int64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(dueAt.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], uint64(executionID))
	return key
}

// Enqueue persists a pending retry so a process restart mid-backoff does
// not lose it.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return taskerrors.Wrap(taskerrors.ErrInfrastructure, "marshal retry item", err)
	}
	key := retryKey(item.DueAt, item.ExecutionID)
	err = q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPendingRetries).Put(key, payload)
	})
	if err != nil {
		return taskerrors.Wrap(taskerrors.ErrInfrastructure, "enqueue retry", err)
	}
	return nil
}

// DueItems returns every pending retry whose due time is at or before now,
// oldest first.
func (q *Queue) DueItems(ctx context.Context, now time.Time) ([]Item, error) {
	var out []Item
	err := q.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPendingRetries).Cursor()
		cutoff := retryKey(now, ^int64(0))
		for k, v := c.First(); k != nil && string(k) <= string(cutoff); k, v = c.Next() {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				continue // a corrupt single entry should not wedge the whole sweep
			}
			item.key = append([]byte(nil), k...)
			out = append(out, item)
		}
		return nil
	})
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.ErrInfrastructure, "scan due retries", err)
	}
	return out, nil
}

// Remove deletes a retry item once it has been dispatched (or superseded).
func (q *Queue) Remove(ctx context.Context, item Item) error {
	if item.key == nil {
		return nil
	}
	err := q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPendingRetries).Delete(item.key)
	})
	if err != nil {
		return taskerrors.Wrap(taskerrors.ErrInfrastructure, "remove retry item", err)
	}
	return nil
}

// RecordFire stores the unix timestamp of a schedule source's most recent
// fire for taskID, used to coalesce missed fires after downtime into at
// most one catch-up run.
func (q *Queue) RecordFire(ctx context.Context, taskID int64, at time.Time) error {
	key := []byte(fmt.Sprintf("%d", taskID))
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(at.Unix()))
	err := q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketScheduleFires).Put(key, val)
	})
	if err != nil {
		return taskerrors.Wrap(taskerrors.ErrInfrastructure, "record schedule fire", err)
	}
	return nil
}

// LastFire returns the last recorded fire time for taskID, or the zero
// time if none is recorded.
func (q *Queue) LastFire(ctx context.Context, taskID int64) (time.Time, error) {
	key := []byte(fmt.Sprintf("%d", taskID))
	var at time.Time
	err := q.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketScheduleFires).Get(key)
		if v == nil {
			return nil
		}
		at = time.Unix(int64(binary.BigEndian.Uint64(v)), 0).UTC()
		return nil
	})
	if err != nil {
		return time.Time{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "read schedule fire", err)
	}
	return at, nil
}
