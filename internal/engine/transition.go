package engine

import (
	"slices"

	"github.com/rendis/opflow/pkg/schema"
)

// Outcome is the finished state of a node execution that transitions are
// evaluated against.
type Outcome struct {
	Status   schema.ExecutionStatus
	ExitCode *int
}

// EvaluateTransition decides whether edge fires for outcome. anyFired reports
// whether a non-DEFAULT outbound edge of the same source already fired; it is
// only consulted for DEFAULT edges, which must be evaluated last.
func EvaluateTransition(edge *schema.EdgeDefinition, outcome Outcome, anyFired bool) (bool, error) {
	switch edge.Rule {
	case schema.RuleAlways, "":
		return true, nil
	case schema.RuleOnSuccess:
		return outcome.Status == schema.ExecutionStatusSucceeded, nil
	case schema.RuleOnFailure:
		return outcome.Status == schema.ExecutionStatusFailed, nil
	case schema.RuleOnTimeout:
		return outcome.Status == schema.ExecutionStatusTimedOut, nil
	case schema.RuleOnExitCode:
		if outcome.ExitCode == nil {
			return false, nil
		}
		return slices.Contains(edge.ExitCodes, *outcome.ExitCode), nil
	case schema.RuleDefault:
		return !anyFired, nil
	case schema.RuleThreshold, schema.RuleCustom:
		return false, schema.NewErrorf(schema.ErrCodeUnsupportedRule,
			"transition rule %s on edge %s is not supported", edge.Rule, edge.ID).
			WithDetails(map[string]any{"edge_id": edge.ID, "rule_type": string(edge.Rule)})
	default:
		return false, schema.NewErrorf(schema.ErrCodeUnsupportedRule,
			"unknown transition rule %q on edge %s", edge.Rule, edge.ID).
			WithDetails(map[string]any{"edge_id": edge.ID, "rule_type": string(edge.Rule)})
	}
}

// orderForEvaluation returns edges with every DEFAULT edge moved after the
// others, preserving relative order.
func orderForEvaluation(edges []*schema.EdgeDefinition) []*schema.EdgeDefinition {
	out := make([]*schema.EdgeDefinition, 0, len(edges))
	var defaults []*schema.EdgeDefinition
	for _, e := range edges {
		if e.Rule == schema.RuleDefault {
			defaults = append(defaults, e)
			continue
		}
		out = append(out, e)
	}
	return append(out, defaults...)
}
