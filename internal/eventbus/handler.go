package eventbus

import "context"

// Handler processes events on the bus. Handlers are called in priority order
// (lower priority value = called earlier) for matching event types.
type Handler interface {
	// ID returns a unique identifier for this handler.
	ID() string

	// Handles returns the event types this handler processes.
	Handles() []EventType

	// Priority determines call order. Lower values are called first.
	Priority() int

	// Handle processes a single event. Returning an error logs a warning
	// but does not stop the handler chain.
	Handle(ctx context.Context, event *Event) error
}

// Func wraps fn as a handler for the given event types.
func Func(id string, types []EventType, fn func(ctx context.Context, event *Event) error) Handler {
	return &funcHandler{id: id, types: types, fn: fn}
}

type funcHandler struct {
	id       string
	types    []EventType
	priority int
	fn       func(ctx context.Context, event *Event) error
}

func (h *funcHandler) ID() string           { return h.id }
func (h *funcHandler) Handles() []EventType { return h.types }
func (h *funcHandler) Priority() int        { return h.priority }

func (h *funcHandler) Handle(ctx context.Context, event *Event) error {
	if h.fn == nil {
		return nil
	}
	return h.fn(ctx, event)
}
