package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

type completeCmd struct {
	NodeExecutionID string                 `validate:"required"`
	Status          schema.ExecutionStatus `validate:"required,oneof=SUCCEEDED FAILED"`
}

type startNodesCmd struct {
	RunID   string   `validate:"required"`
	NodeIDs []string `validate:"required,min=1,dive,required"`
}

func TestValidateCommand_Valid(t *testing.T) {
	assert.NoError(t, ValidateCommand(completeCmd{NodeExecutionID: "ne-1", Status: schema.ExecutionStatusFailed}))
	assert.NoError(t, ValidateCommand(startNodesCmd{RunID: "r", NodeIDs: []string{"a"}}))
}

func TestValidateCommand_Required(t *testing.T) {
	err := ValidateCommand(completeCmd{Status: schema.ExecutionStatusSucceeded})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "NodeExecutionID is required")
}

func TestValidateCommand_OneOf(t *testing.T) {
	err := ValidateCommand(completeCmd{NodeExecutionID: "ne-1", Status: schema.ExecutionStatusRunning})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be one of")
}

func TestValidateCommand_MultipleViolations(t *testing.T) {
	err := ValidateCommand(startNodesCmd{NodeIDs: []string{"a", ""}})
	require.Error(t, err)

	var oe *schema.OpcodeError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "command has 2 invalid fields", oe.Message)
	assert.Len(t, oe.Details["violations"], 2)
}

func TestValidateCommand_NotAStruct(t *testing.T) {
	err := ValidateCommand("start")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
