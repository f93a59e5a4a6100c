package engine

import (
	"fmt"
	"sort"

	"github.com/rendis/opflow/pkg/schema"
)

// Graph is the immutable in-memory snapshot of a workflow definition that a
// run evaluates against. Built once per run; never mutated afterwards.
type Graph struct {
	def      schema.WorkflowDefinition
	nodes    map[string]*schema.NodeDefinition
	edges    map[string]*schema.EdgeDefinition
	outbound map[string][]*schema.EdgeDefinition // node ID → edges leaving it, priority order
	inbound  map[string][]*schema.EdgeDefinition // node ID → edges entering it, declaration order
	roots    []string
	cyclic   map[string]bool // nodes with a path back to themselves
}

// NewGraph normalizes defaults on a copy of def, validates node and edge
// references, and builds adjacency lists. Cycles are permitted; loops are
// bounded by max_complete_executions.
func NewGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	g := &Graph{
		def:      copyDefinition(def),
		nodes:    make(map[string]*schema.NodeDefinition, len(def.Nodes)),
		edges:    make(map[string]*schema.EdgeDefinition, len(def.Edges)),
		outbound: make(map[string][]*schema.EdgeDefinition, len(def.Nodes)),
		inbound:  make(map[string][]*schema.EdgeDefinition, len(def.Nodes)),
	}

	// First pass: register nodes and apply defaults.
	for i := range g.def.Nodes {
		node := &g.def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		normalizeNode(node)
		g.nodes[node.ID] = node
	}

	// Second pass: register edges and check endpoints.
	for i := range g.def.Edges {
		edge := &g.def.Edges[i]
		if edge.ID == "" {
			edge.ID = fmt.Sprintf("%s->%s#%d", edge.From, edge.To, i)
		}
		if _, exists := g.edges[edge.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate edge ID: %s", edge.ID)
		}
		if _, ok := g.nodes[edge.From]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s references unknown source node: %s", edge.ID, edge.From)
		}
		if _, ok := g.nodes[edge.To]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s references unknown destination node: %s", edge.ID, edge.To)
		}
		if edge.Rule == "" {
			edge.Rule = schema.RuleAlways
		}
		g.edges[edge.ID] = edge
		g.outbound[edge.From] = append(g.outbound[edge.From], edge)
		g.inbound[edge.To] = append(g.inbound[edge.To], edge)
	}

	// Third pass: order outbound edges and collect roots.
	for id, out := range g.outbound {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
		g.outbound[id] = out
	}
	for i := range g.def.Nodes {
		id := g.def.Nodes[i].ID
		if len(g.inbound[id]) == 0 {
			g.roots = append(g.roots, id)
		}
	}

	g.cyclic = make(map[string]bool)
	for id := range g.nodes {
		if g.returnsTo(id) {
			g.cyclic[id] = true
		}
	}

	return g, nil
}

// returnsTo reports whether some path leaving id leads back to it.
func (g *Graph) returnsTo(id string) bool {
	visited := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.outbound[cur] {
			if e.To == id {
				return true
			}
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return false
}

func normalizeNode(node *schema.NodeDefinition) {
	if node.StartCondition == "" {
		node.StartCondition = schema.StartAll
	}
	if node.FailureBehavior == "" {
		node.FailureBehavior = schema.FailureFailIfUnhandled
	}
	if node.TimeoutBehavior == "" {
		node.TimeoutBehavior = schema.TimeoutTimeoutIfUnhandled
	}
}

func copyDefinition(def *schema.WorkflowDefinition) schema.WorkflowDefinition {
	cp := *def
	cp.Nodes = append([]schema.NodeDefinition(nil), def.Nodes...)
	cp.Edges = make([]schema.EdgeDefinition, len(def.Edges))
	for i, e := range def.Edges {
		e.ExitCodes = append([]int(nil), e.ExitCodes...)
		cp.Edges[i] = e
	}
	return cp
}

// Definition returns the normalized definition, suitable for storing as a
// run snapshot.
func (g *Graph) Definition() schema.WorkflowDefinition {
	return copyDefinition(&g.def)
}

// Roots returns the nodes without inbound edges, in declaration order.
func (g *Graph) Roots() []string {
	return append([]string(nil), g.roots...)
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (*schema.NodeDefinition, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Edge returns the edge with the given ID.
func (g *Graph) Edge(id string) (*schema.EdgeDefinition, bool) {
	e, ok := g.edges[id]
	return e, ok
}

// OutboundEdges returns the edges leaving node, lowest priority first. Ties
// keep declaration order.
func (g *Graph) OutboundEdges(node string) []*schema.EdgeDefinition {
	return g.outbound[node]
}

// InboundEdges returns the edges entering node in declaration order.
func (g *Graph) InboundEdges(node string) []*schema.EdgeDefinition {
	return g.inbound[node]
}

// OnCycle reports whether node lies on a loop of the graph.
func (g *Graph) OnCycle(node string) bool {
	return g.cyclic[node]
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.def.Nodes)
}
