// Package diagram renders workflow graphs as Mermaid flowcharts, optionally
// overlaid with the state of a run.
package diagram

import "github.com/rendis/opflow/pkg/schema"

// Model is the intermediate representation the renderer consumes.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one workflow node.
type Node struct {
	ID     string
	Label  string
	Root   bool
	Gate   string // empty for the default ALL gate
	Status *StatusOverlay
}

// StatusOverlay carries the run state of a node.
type StatusOverlay struct {
	Status     schema.ExecutionStatus
	Executions int
	ExitCode   *int
}

// Edge is a transition between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
