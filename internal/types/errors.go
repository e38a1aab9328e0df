package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the registry, the flow engine and the coordinator.
// The gateway maps each of them to a wire error code.
var (
	ErrNotFound     = errors.New("not found")
	ErrNotSupported = errors.New("not supported")
	ErrInvalidState = errors.New("invalid state")
	ErrBusy         = errors.New("busy")
	ErrValidation   = errors.New("validation failed")
)

// ValidationError reports a malformed field in caller-supplied data.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
