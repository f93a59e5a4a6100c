package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/opflow/pkg/schema"
)

const workflowSchemaURL = "https://opflow.dev/schemas/workflow.json"

// workflowSchemaJSON is the structural schema of a WorkflowDefinition.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://opflow.dev/schemas/workflow.json",
  "type": "object",
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "nodes": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    },
    "timeout_seconds": { "type": "integer", "minimum": 0 },
    "max_retries": { "type": "integer", "minimum": 0 },
    "postponement": { "$ref": "#/$defs/postponement" },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "task": { "type": "string" },
        "start_transition_condition": {
          "type": "string",
          "enum": ["ALL", "ANY", "COUNT_AT_LEAST", "RATIO_AT_LEAST"]
        },
        "start_threshold": { "type": "number", "minimum": 0 },
        "failure_behavior": {
          "type": "string",
          "enum": ["IGNORE", "FAIL_IF_UNHANDLED", "FAIL_ALWAYS"]
        },
        "timeout_behavior": {
          "type": "string",
          "enum": ["IGNORE", "FAIL_IF_UNHANDLED", "FAIL_ALWAYS", "TIMEOUT_IF_UNHANDLED", "TIMEOUT_ALWAYS"]
        },
        "allow_execution_after_failure": { "type": "boolean" },
        "allow_execution_after_timeout": { "type": "boolean" },
        "max_complete_executions": { "type": "integer", "minimum": 0 },
        "should_eval_transitions_after_first_execution": { "type": "boolean" },
        "postponement": { "$ref": "#/$defs/postponement" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "id": { "type": "string" },
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 },
        "rule_type": {
          "type": "string",
          "enum": ["ALWAYS", "ON_SUCCESS", "ON_FAILURE", "ON_TIMEOUT", "ON_EXIT_CODE", "THRESHOLD", "CUSTOM", "DEFAULT"]
        },
        "exit_codes": { "type": "array", "items": { "type": "integer" } },
        "threshold": { "type": "number" },
        "expression": { "type": "string" },
        "priority": { "type": "integer" }
      },
      "additionalProperties": false
    },
    "postponement": {
      "type": "object",
      "properties": {
        "failure": { "$ref": "#/$defs/postponement_rule" },
        "timeout": { "$ref": "#/$defs/postponement_rule" }
      },
      "additionalProperties": false
    },
    "postponement_rule": {
      "type": "object",
      "properties": {
        "postponed_before_success_seconds": { "type": "integer", "minimum": 0 },
        "max_postponed_count": { "type": "integer", "minimum": 0 },
        "required_success_count_to_clear": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks the structure of a WorkflowDefinition against
// the embedded Draft 2020-12 schema. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: compiled}, nil
}

// ValidateDefinition validates def against the workflow schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toOpcodeError(err)
	}
	return nil
}

// ValidateRaw validates an already decoded JSON document, so unknown fields
// are reported instead of being dropped by unmarshalling.
func (v *JSONSchemaValidator) ValidateRaw(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "definition is not valid JSON").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toOpcodeError(err)
	}
	return nil
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toOpcodeError flattens a jsonschema.ValidationError into a VALIDATION_ERROR
// listing every leaf violation with its instance location.
func toOpcodeError(err error) *schema.OpcodeError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
