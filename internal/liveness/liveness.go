// Package liveness is the in-memory {execution_id -> liveness token}
// registry the Recovery Sweeper consults to tell an execution whose owning
// process has crashed from one that is still genuinely running in this
// process. It is grounded on, and replaces, the teacher's cancellation.go
// CancellationManager: same register/lookup/deregister shape, repurposed
// from "track cancellable workflow runs for CancelAll" to "prove an
// execution row still has a live worker behind it", per spec's Design
// Notes preference for a liveness registry over thread-name scanning.
package liveness

import (
	"sync"

	"github.com/google/uuid"
)

// Registry tracks which executions this process is actively running.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]string // execution id -> liveness token
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[int64]string)}
}

// Register marks executionID as alive and returns a token the caller must
// present to Deregister. The token guards against a slow, already-replaced
// worker goroutine clearing an entry that a newer attempt (after a resume)
// re-registered under the same id.
func (r *Registry) Register(executionID int64) string {
	token := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[executionID] = token
	return token
}

// Deregister removes executionID only if token matches the current
// registration, reporting whether it did.
func (r *Registry) Deregister(executionID int64, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.entries[executionID]; ok && current == token {
		delete(r.entries, executionID)
		return true
	}
	return false
}

// IsAlive reports whether executionID currently has a live registration.
func (r *Registry) IsAlive(executionID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[executionID]
	return ok
}

// Snapshot returns the set of execution ids currently registered as alive.
func (r *Registry) Snapshot() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}
