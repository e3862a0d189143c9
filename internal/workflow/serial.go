package workflow

import (
	"context"
	"sort"
	"time"

	"github.com/swarmguard/taskengine/internal/taskerrors"
)

// pausePollInterval is how often executeSerial and executeParallel
// re-check IsPaused between topological steps.
const pausePollInterval = 200 * time.Millisecond

// waitWhilePaused blocks the next step until unpaused or terminated,
// matching the engine's cooperative (checkpoint-based) pause model: a
// workflow only ever suspends between children, never mid-child.
func waitWhilePaused(ctx context.Context, ctrl ControlFuncs) bool {
	if ctrl.IsPaused == nil {
		return false
	}
	for ctrl.IsPaused() {
		if ctrl.IsTerminated != nil && ctrl.IsTerminated() {
			return true
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(pausePollInterval):
		}
	}
	return false
}

// markAllUnresolvedSkipped marks every node without a recorded result as
// skipped — used when on_failure=stop ends the workflow early.
func markAllUnresolvedSkipped(nodes map[string]*dagNode, results *resultSet) {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, done := results.get(id); !done {
			results.set(id, ChildResult{TaskID: id, Status: ChildSkipped})
		}
	}
}

func (o *Orchestrator) executeSerial(
	ctx context.Context,
	nodes map[string]*dagNode,
	roots []string,
	runChild RunChildFunc,
	ctrl ControlFuncs,
	results *resultSet,
	reportProgress func(currentItem string),
	onFailure string,
) error {
	inDegree := make(map[string]int, len(nodes))
	for id, n := range nodes {
		inDegree[id] = n.inDegree
	}

	queue := append([]string(nil), roots...)
	var firstErr error

	for len(queue) > 0 {
		sort.Strings(queue)
		id := queue[0]
		queue = queue[1:]

		if ctrl.IsTerminated != nil && ctrl.IsTerminated() {
			markAllUnresolvedSkipped(nodes, results)
			return taskerrors.Wrap(taskerrors.ErrCancelled, "workflow terminated", context.Canceled)
		}
		if waitWhilePaused(ctx, ctrl) {
			markAllUnresolvedSkipped(nodes, results)
			return taskerrors.Wrap(taskerrors.ErrCancelled, "workflow terminated while paused", context.Canceled)
		}

		node := nodes[id]
		if _, done := results.get(id); done {
			// Already resolved before this wave (e.g. seeded as a prior
			// success on resume) — still advance its children's in-degree.
			enqueueReady(nodes, node, inDegree, &queue)
			continue
		}
		if !evaluateCondition(node.ref.Condition, results) {
			skipChildren(nodes, id, results)
			reportProgress(id)
			enqueueReady(nodes, node, inDegree, &queue)
			continue
		}

		var res ChildResult
		var err error
		if node.ref.Cacheable {
			if cached, hit := o.cachedResult(id); hit {
				o.cacheHits.Add(ctx, 1)
				res = cached
			}
		}
		if res.Status == "" {
			res, err = runChild(ctx, id)
			if err != nil && res.Status == "" {
				res = ChildResult{TaskID: id, Status: ChildFailed, Error: err.Error()}
			}
			if node.ref.Cacheable && res.Status == ChildSuccess {
				o.storeCachedResult(id, res)
			}
		}
		results.set(id, res)
		reportProgress(id)

		if res.Status == ChildFailed {
			skipChildren(nodes, id, results)
			if firstErr == nil {
				firstErr = taskerrors.Wrap(taskerrors.ErrActionFailed, "workflow child failed", err)
			}
			if onFailure == "stop" {
				markAllUnresolvedSkipped(nodes, results)
				return firstErr
			}
			continue
		}

		enqueueReady(nodes, node, inDegree, &queue)
	}

	return firstErr
}

func enqueueReady(nodes map[string]*dagNode, node *dagNode, inDegree map[string]int, queue *[]string) {
	for _, child := range node.children {
		inDegree[child]--
		if inDegree[child] == 0 {
			*queue = append(*queue, child)
		}
	}
}
