package flags

import (
	"errors"
	"fmt"
)

// Errors returned by registry construction and lookups.
//
// Check them with errors.Is:
//
//	if errors.Is(err, flags.ErrValidation) {
//	    // leave the edit uncommitted
//	}
var (
	// ErrUnknownFlag is returned when a key has no registered definition.
	ErrUnknownFlag = errors.New("unknown flag")

	// ErrValidation is returned when a value does not satisfy its flag's validator.
	ErrValidation = errors.New("flag validation failed")

	// ErrMissingDefault is returned when a definition carries no default value.
	ErrMissingDefault = errors.New("flag has no default")

	// ErrInvalidDefault is returned when a definition's default fails its own validator.
	ErrInvalidDefault = errors.New("flag default does not validate")

	// ErrMissingValidator is returned when a definition has no Parse function.
	ErrMissingValidator = errors.New("flag has no validator")

	// ErrDuplicateFlag is returned when two definitions share a key.
	ErrDuplicateFlag = errors.New("duplicate flag key")
)

// ValidationError describes a value rejected by a flag validator.
type ValidationError struct {
	Key string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value for flag %s: %v", e.Key, e.Err)
}

// Unwrap exposes both ErrValidation and the underlying cause.
func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}
