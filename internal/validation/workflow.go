package validation

import "github.com/rendis/opflow/pkg/schema"

// WorkflowValidator runs the definition checks in order:
// 1. Structural (JSON Schema)
// 2. Semantic (IDs, edge endpoints, gate thresholds, rule support)
// 3. Graph (unbounded cycles, unreachable nodes)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv}, nil
}

// Validate runs every stage and aggregates the issues. Structural errors
// skip the later stages; semantic errors skip the graph stage.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	if err := wv.jsonSchema.ValidateDefinition(def); err != nil {
		addSchemaError(result, err)
		return result
	}

	result.Merge(validateSemantic(def))
	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateDefinition returns the result of Validate as a single error.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

func addSchemaError(result *schema.ValidationResult, err error) {
	oe, ok := err.(*schema.OpcodeError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	violations, _ := oe.Details["violations"].([]string)
	if len(violations) == 0 {
		result.AddError("/", oe.Code, oe.Message)
		return
	}
	for _, v := range violations {
		result.AddError("/", oe.Code, v)
	}
}
