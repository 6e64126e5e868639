package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for missing entities and for entities owned by someone else.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks requests rejected before any state was touched.
	ErrValidation = errors.New("validation failed")
	// ErrConcurrencyConflict indicates that the underlying storage rejected an
	// update because a newer version of the entity is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// Invalid wraps ErrValidation with a formatted reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
