package rpc

import (
	"errors"

	"github.com/steveyegge/mend/internal/types"
)

var (
	// ErrServerUnavailable indicates that the mend server could not be reached.
	ErrServerUnavailable = errors.New("server unavailable")

	errUnknownCommand = errors.New("unknown command")
)

// errorCode classifies an error into a wire error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, types.ErrNotSupported):
		return CodeNotSupported
	case errors.Is(err, types.ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, types.ErrBusy):
		return CodeBusy
	case errors.Is(err, types.ErrValidation):
		return CodeInvalidFormat
	case errors.Is(err, errUnknownCommand):
		return CodeUnknownCommand
	}
	return CodeUnknownError
}

// CommandError is returned by the client when the server answers with
// success=false.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return e.Code + ": " + e.Message
}

// Is maps wire codes back onto the shared error taxonomy so callers can use
// errors.Is on client errors too.
func (e *CommandError) Is(target error) bool {
	switch e.Code {
	case CodeNotFound:
		return target == types.ErrNotFound
	case CodeNotSupported:
		return target == types.ErrNotSupported
	case CodeInvalidState:
		return target == types.ErrInvalidState
	case CodeBusy:
		return target == types.ErrBusy
	case CodeInvalidFormat:
		return target == types.ErrValidation
	}
	return false
}
