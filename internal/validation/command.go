package validation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/opflow/pkg/schema"
)

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
)

func commandValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		structValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return structValidator
}

// ValidateCommand checks the `validate` struct tags of an inbound command.
// Violations are reported as a VALIDATION_ERROR listing each failed field.
func ValidateCommand(cmd any) error {
	err := commandValidator().Struct(cmd)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return schema.NewErrorf(schema.ErrCodeValidation, "cannot validate %T", cmd).WithCause(err)
	}

	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	violations := make([]string, 0, len(fields))
	for _, fe := range fields {
		violations = append(violations, describe(fe))
	}
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("command has %d invalid fields", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations}).
		WithCause(err)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Namespace())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", fe.Namespace(), fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("%s must have at least %s item(s)", fe.Namespace(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %q validation", fe.Namespace(), fe.Tag())
	}
}
