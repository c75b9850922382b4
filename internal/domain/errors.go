package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that the addressed IP has no active canonical record.
	ErrNotFound = errors.New("threat record not found")

	// ErrBackendUnavailable is the root of every BackendUnavailableError.
	ErrBackendUnavailable = errors.New("no storage backend available")
)

// ValidationError describes malformed input.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// DataProcessingError wraps a storage or batch failure with the failing operation.
type DataProcessingError struct {
	Op  string
	Err error
}

func (e *DataProcessingError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DataProcessingError) Unwrap() error {
	return e.Err
}

// BackendUnavailableError is returned when neither the primary nor the
// secondary backend could serve an operation.
type BackendUnavailableError struct {
	Op        string
	Primary   error
	Secondary error
}

func (e *BackendUnavailableError) Error() string {
	if e.Secondary == nil {
		return fmt.Sprintf("%s: primary backend failed (%v), no secondary configured", e.Op, e.Primary)
	}
	return fmt.Sprintf("%s: primary backend failed (%v), secondary backend failed (%v)", e.Op, e.Primary, e.Secondary)
}

func (e *BackendUnavailableError) Unwrap() []error {
	errs := []error{ErrBackendUnavailable}
	if e.Primary != nil {
		errs = append(errs, e.Primary)
	}
	if e.Secondary != nil {
		errs = append(errs, e.Secondary)
	}
	return errs
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
