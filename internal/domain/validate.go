package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance; it is safe for concurrent
// use and caches struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateTaskMessage checks a task message against the wire contract:
// required identifiers, at least one input, metadata bounds, and a known
// task type.
func ValidateTaskMessage(m TaskMessage) error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown task type %q", ErrSchemaInvalid, m.Type)
	}
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	for i, in := range m.Inputs {
		if in == "" {
			return fmt.Errorf("%w: inputs[%d] is empty", ErrSchemaInvalid, i)
		}
	}
	return nil
}

// ValidateTaskResult checks a result message. Success implies a result
// payload; failure implies error info.
func ValidateTaskResult(r TaskResult) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if r.Success && r.Result == nil {
		return fmt.Errorf("%w: success result without payload", ErrSchemaInvalid)
	}
	if !r.Success && r.Error == nil {
		return fmt.Errorf("%w: failed result without error info", ErrSchemaInvalid)
	}
	return nil
}

// ValidateBatch checks a batch and each task message it carries.
func ValidateBatch(b TaskBatch) error {
	if len(b.Tasks) == 0 {
		return fmt.Errorf("%w: batch has no tasks", ErrSchemaInvalid)
	}
	if err := validate.Struct(b.Options); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	for i, t := range b.Tasks {
		if err := ValidateTaskMessage(t); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
	}
	return nil
}

// ValidateEvent checks a domain event envelope.
func ValidateEvent(e Event) error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	return nil
}
