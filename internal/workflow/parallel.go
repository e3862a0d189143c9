package workflow

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/swarmguard/taskengine/internal/taskerrors"
)

// executeParallel runs ready nodes of each wave concurrently via errgroup,
// waiting for the whole wave (fan-out/fan-in) before computing the next
// one. A stop-policy failure cancels the wave's shared context so
// not-yet-started siblings in the same wave bail out instead of starting
// work that will only be discarded.
func (o *Orchestrator) executeParallel(
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

	wave := append([]string(nil), roots...)
	sort.Strings(wave)
	var firstErr error

	for len(wave) > 0 {
		if ctrl.IsTerminated != nil && ctrl.IsTerminated() {
			markAllUnresolvedSkipped(nodes, results)
			return taskerrors.Wrap(taskerrors.ErrCancelled, "workflow terminated", context.Canceled)
		}
		if waitWhilePaused(ctx, ctrl) {
			markAllUnresolvedSkipped(nodes, results)
			return taskerrors.Wrap(taskerrors.ErrCancelled, "workflow terminated while paused", context.Canceled)
		}

		if o.parallelism != nil {
			o.parallelism.Record(ctx, int64(len(wave)))
		}

		g, gctx := errgroup.WithContext(ctx)
		stopRequested := onFailure == "stop"

		for _, id := range wave {
			id := id
			if _, done := results.get(id); done {
				continue
			}
			node := nodes[id]
			if !evaluateCondition(node.ref.Condition, results) {
				skipChildren(nodes, id, results)
				reportProgress(id)
				continue
			}
			g.Go(func() error {
				select {
				case <-gctx.Done():
					return nil // cancelled before starting: leave unresolved for the post-wave sweep
				default:
				}
				var res ChildResult
				var err error
				if node.ref.Cacheable {
					if cached, hit := o.cachedResult(id); hit {
						o.cacheHits.Add(gctx, 1)
						res = cached
					}
				}
				if res.Status == "" {
					res, err = runChild(gctx, id)
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
					if stopRequested {
						return taskerrors.Wrap(taskerrors.ErrActionFailed, "workflow child failed", err)
					}
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if stopRequested {
				markAllUnresolvedSkipped(nodes, results)
				return firstErr
			}
		}

		next := make(map[string]struct{})
		for _, id := range wave {
			node, ok := nodes[id]
			if !ok {
				continue
			}
			if _, done := results.get(id); !done {
				continue // still unresolved (e.g. cancelled before starting); do not advance its children
			}
			for _, child := range node.children {
				inDegree[child]--
				if inDegree[child] == 0 {
					next[child] = struct{}{}
				}
			}
		}
		wave = wave[:0]
		for id := range next {
			wave = append(wave, id)
		}
		sort.Strings(wave)
	}

	return firstErr
}
