package validation

import (
	"fmt"

	"github.com/rendis/opflow/pkg/schema"
)

// validateGraph analyses the edge graph. Cycles are legal, since loops are
// bounded at run time by max_complete_executions, so both findings here are
// warnings: nodes on a cycle without that bound, and nodes no root reaches.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	out := make(map[string][]string, len(def.Nodes))
	inDegree := make(map[string]int, len(def.Nodes))
	for _, n := range def.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range def.Edges {
		out[e.From] = append(out[e.From], e.To)
		inDegree[e.To]++
	}

	// Kahn's algorithm: whatever is never dequeued sits on or behind a cycle.
	remaining := make(map[string]int, len(inDegree))
	var queue []string
	for _, n := range def.Nodes {
		remaining[n.ID] = inDegree[n.ID]
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	roots := append([]string(nil), queue...)
	acyclic := make(map[string]bool, len(def.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		acyclic[id] = true
		for _, to := range out[id] {
			remaining[to]--
			if remaining[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	reachable := make(map[string]bool, len(def.Nodes))
	bfs := append([]string(nil), roots...)
	for _, r := range roots {
		reachable[r] = true
	}
	for len(bfs) > 0 {
		id := bfs[0]
		bfs = bfs[1:]
		for _, to := range out[id] {
			if !reachable[to] {
				reachable[to] = true
				bfs = append(bfs, to)
			}
		}
	}

	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if !reachable[n.ID] {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from any root node", n.ID))
			continue
		}
		if !acyclic[n.ID] && onCycle(n.ID, out) && n.MaxCompleteExecutions == 0 {
			result.AddWarning(path+".max_complete_executions", schema.ErrCodeValidation,
				fmt.Sprintf("node %q is on a cycle without max_complete_executions; the loop is unbounded", n.ID))
		}
	}
	return result
}

// onCycle reports whether id can reach itself.
func onCycle(id string, out map[string][]string) bool {
	seen := map[string]bool{}
	stack := append([]string(nil), out[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == id {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, out[cur]...)
	}
	return false
}
