package validation

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/leaderboard-crawler/internal/quarantine"
)

var (
	// ErrValidation marks a constraint violation.
	ErrValidation = errors.New("validation failed")
	// ErrMissingRequiredField marks an absent or empty required field.
	ErrMissingRequiredField = errors.New("missing required field")
	// ErrDataInconsistency marks values that contradict each other across records.
	ErrDataInconsistency = errors.New("data inconsistency")
)

// FieldError describes one failing field.
type FieldError struct {
	Field string
	Value any
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// QuarantineKind maps a validation failure onto a quarantine kind.
func QuarantineKind(err error) quarantine.Kind {
	switch {
	case errors.Is(err, ErrMissingRequiredField):
		return quarantine.KindMissingField
	case errors.Is(err, ErrDataInconsistency):
		return quarantine.KindInconsistency
	case errors.Is(err, ErrValidation):
		return quarantine.KindValidation
	default:
		return quarantine.KindUnknown
	}
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
