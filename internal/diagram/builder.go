package diagram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// Build constructs a Model from def. When executions are given, each node is
// overlaid with its latest execution and the number of executions it had.
func Build(def *schema.WorkflowDefinition, executions []*store.NodeExecution) (*Model, error) {
	g, err := engine.NewGraph(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}
	normalized := g.Definition()

	roots := make(map[string]bool)
	for _, id := range g.Roots() {
		roots[id] = true
	}
	overlays := overlayIndex(executions)

	m := &Model{Title: normalized.Name}
	if m.Title == "" {
		m.Title = normalized.ID
	}
	for i := range normalized.Nodes {
		n := &normalized.Nodes[i]
		label := n.ID
		if n.Name != "" {
			label = n.Name
		}
		m.Nodes = append(m.Nodes, &Node{
			ID:     n.ID,
			Label:  label,
			Root:   roots[n.ID],
			Gate:   gateLabel(n),
			Status: overlays[n.ID],
		})
	}
	for _, e := range normalized.Edges {
		m.Edges = append(m.Edges, Edge{From: e.From, To: e.To, Label: ruleLabel(&e)})
	}
	return m, nil
}

func overlayIndex(executions []*store.NodeExecution) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	for _, ne := range executions {
		o, ok := out[ne.NodeID]
		if !ok {
			o = &StatusOverlay{}
			out[ne.NodeID] = o
		}
		o.Executions++
		if ne.IsLatest {
			o.Status = ne.Status
			o.ExitCode = ne.ExitCode
		}
	}
	return out
}

func gateLabel(n *schema.NodeDefinition) string {
	switch n.StartCondition {
	case schema.StartAny:
		return "ANY"
	case schema.StartCountAtLeast:
		return "COUNT >= " + strconv.FormatFloat(n.StartThreshold, 'f', -1, 64)
	case schema.StartRatioAtLeast:
		return "RATIO >= " + strconv.FormatFloat(n.StartThreshold, 'f', -1, 64)
	}
	return ""
}

func ruleLabel(e *schema.EdgeDefinition) string {
	switch e.Rule {
	case schema.RuleAlways, "":
		return ""
	case schema.RuleOnExitCode:
		codes := make([]string, len(e.ExitCodes))
		for i, c := range e.ExitCodes {
			codes[i] = strconv.Itoa(c)
		}
		return "exit " + strings.Join(codes, ",")
	}
	return string(e.Rule)
}
