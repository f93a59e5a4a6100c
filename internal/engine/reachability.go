package engine

import (
	"context"

	"github.com/rendis/opflow/internal/store"
)

// Reachable returns every node reachable from seeds through at least one
// edge, in BFS order. Seeds are never part of the result, even when a cycle
// leads back to them.
func (g *Graph) Reachable(seeds []string) []string {
	isSeed := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		isSeed[s] = true
	}

	visited := make(map[string]bool, len(g.nodes))
	queue := append([]string(nil), seeds...)
	var reached []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.outbound[id] {
			if visited[e.To] {
				continue
			}
			visited[e.To] = true
			queue = append(queue, e.To)
			if !isSeed[e.To] {
				reached = append(reached, e.To)
			}
		}
	}
	return reached
}

// Invalidation is the outcome of InvalidateReachable.
type Invalidation struct {
	Nodes       []string               // nodes reachable from the seeds
	Invalidated int64                  // latest executions flipped to is_latest=false
	InProgress  []*store.NodeExecution // invalidated executions that had not finished
}

// InvalidateReachable marks the latest execution of every node reachable
// from seeds as superseded, so gates and status aggregation treat that part
// of the run as not yet executed. Executions still in progress are returned
// for cancellation.
func InvalidateReachable(ctx context.Context, s store.Store, g *Graph, runID string, seeds []string) (*Invalidation, error) {
	inv := &Invalidation{Nodes: g.Reachable(seeds)}
	if len(inv.Nodes) == 0 {
		return inv, nil
	}

	reached := make(map[string]bool, len(inv.Nodes))
	for _, id := range inv.Nodes {
		reached[id] = true
	}
	running, err := s.ListNodeExecutions(ctx, store.NodeExecutionFilter{RunID: runID, LatestOnly: true, InProgressOnly: true})
	if err != nil {
		return nil, err
	}
	for _, ne := range running {
		if reached[ne.NodeID] {
			inv.InProgress = append(inv.InProgress, ne)
		}
	}

	n, err := s.InvalidateNodeExecutions(ctx, runID, inv.Nodes)
	if err != nil {
		return nil, err
	}
	inv.Invalidated = n
	return inv, nil
}
