package validation

import (
	"fmt"
	"math"

	"github.com/rendis/opflow/pkg/schema"
)

// validateSemantic checks what the structural schema cannot express:
// unique IDs, edge endpoints, gate thresholds against the inbound edge count,
// and rule types the engine will refuse to evaluate.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]int, len(def.Nodes))
	for i, n := range def.Nodes {
		if prev, dup := nodes[n.ID]; dup {
			result.AddError(fmt.Sprintf("nodes[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q (first at nodes[%d])", n.ID, prev))
			continue
		}
		nodes[n.ID] = i
	}

	inbound := make(map[string]int, len(def.Nodes))
	defaults := make(map[string]int)
	edgeIDs := make(map[string]bool, len(def.Edges))
	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if e.ID != "" {
			if edgeIDs[e.ID] {
				result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate edge id %q", e.ID))
			}
			edgeIDs[e.ID] = true
		}
		_, fromOK := nodes[e.From]
		if !fromOK {
			result.AddError(path+".from", schema.ErrCodeValidation, fmt.Sprintf("references non-existent node %q", e.From))
		}
		if _, ok := nodes[e.To]; !ok {
			result.AddError(path+".to", schema.ErrCodeValidation, fmt.Sprintf("references non-existent node %q", e.To))
		} else {
			inbound[e.To]++
		}

		switch e.Rule {
		case schema.RuleThreshold, schema.RuleCustom:
			result.AddWarning(path+".rule_type", schema.ErrCodeUnsupportedRule,
				fmt.Sprintf("rule %s is not supported; evaluating this edge fails at run time", e.Rule))
		case schema.RuleOnExitCode:
			if len(e.ExitCodes) == 0 {
				result.AddWarning(path+".exit_codes", schema.ErrCodeValidation,
					"ON_EXIT_CODE edge without exit_codes never fires")
			}
		case schema.RuleDefault:
			if fromOK {
				defaults[e.From]++
				if defaults[e.From] == 2 {
					result.AddWarning(path+".rule_type", schema.ErrCodeValidation,
						fmt.Sprintf("node %q has more than one DEFAULT edge; all of them fire together", e.From))
				}
			}
		}
	}

	for i, n := range def.Nodes {
		validateGate(&n, fmt.Sprintf("nodes[%d]", i), inbound[n.ID], result)
	}
	return result
}

func validateGate(n *schema.NodeDefinition, path string, inbound int, result *schema.ValidationResult) {
	switch n.StartCondition {
	case schema.StartCountAtLeast:
		k := n.StartThreshold
		switch {
		case k <= 0:
			result.AddError(path+".start_threshold", schema.ErrCodeValidation,
				"COUNT_AT_LEAST requires a positive start_threshold")
		case k != math.Trunc(k):
			result.AddError(path+".start_threshold", schema.ErrCodeValidation,
				fmt.Sprintf("COUNT_AT_LEAST start_threshold must be an integer, got %v", k))
		case int(k) > inbound:
			result.AddWarning(path+".start_threshold", schema.ErrCodeValidation,
				fmt.Sprintf("start_threshold %d exceeds the %d inbound edges; node never activates", int(k), inbound))
		}
	case schema.StartRatioAtLeast:
		if r := n.StartThreshold; r <= 0 || r > 1 {
			result.AddError(path+".start_threshold", schema.ErrCodeValidation,
				fmt.Sprintf("RATIO_AT_LEAST start_threshold must be in (0, 1], got %v", r))
		}
	case schema.StartAll, schema.StartAny, "":
		if n.StartThreshold != 0 {
			result.AddWarning(path+".start_threshold", schema.ErrCodeValidation,
				"start_threshold is ignored for ALL and ANY")
		}
	}
}
