// Package flow implements a generic step-based state machine. A handler
// contributes a table of named steps; each step either shows a form, which
// names the step that receives the user's answer, or ends the flow.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/steveyegge/mend/internal/idgen"
	"github.com/steveyegge/mend/internal/types"
)

// InitStep is the step every handler must provide. It runs on Start with
// nil input.
const InitStep = "init"

// ErrInvalidHandler is returned by Start when the handler has no init step.
var ErrInvalidHandler = errors.New("invalid flow handler")

// Input is the user's answer to a form. It may be nil.
type Input map[string]any

// StepFunc runs one step of a flow.
type StepFunc func(ctx context.Context, input Input) (Result, error)

// Steps maps step ids to their implementation.
type Steps map[string]StepFunc

// Steps lets a plain step table act as a Handler.
func (s Steps) Steps() Steps { return s }

// Handler is anything that can drive a flow.
type Handler interface {
	Steps() Steps
}

// SessionInfo identifies a session to the finish hook.
type SessionInfo struct {
	FlowID  string
	Handler string
	Context any
}

// FinishFunc is called exactly once when a session reaches a terminal result,
// including client aborts and idle expiry.
type FinishFunc func(ctx context.Context, info SessionInfo, result Result)

const (
	DefaultIdleTimeout       = 30 * time.Minute
	DefaultFinishedRetention = time.Minute
)

// Option customizes an Engine.
type Option func(*Engine)

// WithIdleTimeout sets how long a session may wait for input before the
// sweeper removes it. Zero disables idle expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Engine) { e.idleTimeout = d }
}

// WithFinishedRetention sets how long a finished session is remembered so
// late advances get ErrInvalidState instead of ErrNotFound.
func WithFinishedRetention(d time.Duration) Option {
	return func(e *Engine) { e.finishedRetention = d }
}

// WithFinishHook registers the callback run when a session ends.
func WithFinishHook(fn FinishFunc) Option {
	return func(e *Engine) { e.onFinish = fn }
}

// WithLogger injects a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides flow id generation (tests).
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// Engine owns the table of live flow sessions.
//
// The table lock only guards the map. A session is claimed for the duration
// of a step through its busy flag, so steps never run under a lock and a
// second advance on the same flow fails fast with ErrBusy.
type Engine struct {
	mu       sync.RWMutex
	sessions map[string]*session

	idleTimeout       time.Duration
	finishedRetention time.Duration
	onFinish          FinishFunc
	logger            *slog.Logger
	now               func() time.Time
	newID             func() string
}

type session struct {
	id      string
	handler string
	context any
	steps   Steps

	busy atomic.Bool

	mu         sync.Mutex
	current    Result
	lastActive time.Time
	finishedAt time.Time
}

func (s *session) snapshot() (Result, time.Time, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.lastActive, s.finishedAt
}

// NewEngine creates an empty engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		sessions:          make(map[string]*session),
		idleTimeout:       DefaultIdleTimeout,
		finishedRetention: DefaultFinishedRetention,
		logger:            slog.New(slog.DiscardHandler),
		now:               time.Now,
		newID:             idgen.NewFlowID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Start creates a session for handler and runs its init step. handlerKey and
// flowCtx are opaque to the engine and handed back to the finish hook.
func (e *Engine) Start(ctx context.Context, handlerKey string, handler Handler, flowCtx any) (Result, error) {
	if handler == nil {
		return Result{}, fmt.Errorf("start %s: %w: nil handler", handlerKey, ErrInvalidHandler)
	}
	steps, err := handlerSteps(handler)
	if err != nil {
		e.logger.Error("flow handler failed to list steps", "handler", handlerKey, "error", err)
		return Result{}, fmt.Errorf("start %s: %w: %v", handlerKey, ErrInvalidHandler, err)
	}
	if steps[InitStep] == nil {
		return Result{}, fmt.Errorf("start %s: %w: missing %q step", handlerKey, ErrInvalidHandler, InitStep)
	}

	s := &session{
		handler:    handlerKey,
		context:    flowCtx,
		steps:      steps,
		lastActive: e.now(),
	}
	s.busy.Store(true)

	e.mu.Lock()
	for {
		s.id = e.newID()
		if _, taken := e.sessions[s.id]; !taken {
			break
		}
	}
	e.sessions[s.id] = s
	e.mu.Unlock()

	e.logger.Debug("flow started", "flow_id", s.id, "handler", handlerKey)

	result := e.runStep(ctx, s, InitStep, nil)
	result = e.settle(ctx, s, result)
	s.busy.Store(false)
	return result, nil
}

// Advance feeds input to the step named by the session's current form.
func (e *Engine) Advance(ctx context.Context, flowID string, input Input) (Result, error) {
	s, err := e.lookup(flowID)
	if err != nil {
		return Result{}, err
	}
	if !s.busy.CompareAndSwap(false, true) {
		return Result{}, fmt.Errorf("flow %s: %w", flowID, types.ErrBusy)
	}
	defer s.busy.Store(false)

	current, _, _ := s.snapshot()
	if current.Terminal() {
		return Result{}, fmt.Errorf("flow %s already finished with %s: %w", flowID, current.Type, types.ErrInvalidState)
	}

	s.mu.Lock()
	s.lastActive = e.now()
	s.mu.Unlock()

	result := e.runStep(ctx, s, current.StepID, input)
	return e.settle(ctx, s, result), nil
}

// Abort ends a waiting session on behalf of the client. The finish hook sees
// an abort result.
func (e *Engine) Abort(ctx context.Context, flowID string) error {
	s, err := e.lookup(flowID)
	if err != nil {
		return err
	}
	if !s.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("flow %s: %w", flowID, types.ErrBusy)
	}
	current, _, _ := s.snapshot()
	if current.Terminal() {
		s.busy.Store(false)
		return fmt.Errorf("flow %s already finished with %s: %w", flowID, current.Type, types.ErrInvalidState)
	}

	e.mu.Lock()
	delete(e.sessions, flowID)
	e.mu.Unlock()

	e.logger.Info("flow aborted by client", "flow_id", flowID, "handler", s.handler)
	e.finish(ctx, s, e.stamp(s, Abort("aborted")))
	return nil
}

// Current returns the latest result of a session.
func (e *Engine) Current(flowID string) (Result, error) {
	s, err := e.lookup(flowID)
	if err != nil {
		return Result{}, err
	}
	current, _, _ := s.snapshot()
	return current, nil
}

// Len returns the number of sessions still waiting for input or running a
// step. Finished sessions kept for retention are not counted.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, s := range e.sessions {
		if current, _, _ := s.snapshot(); !current.Terminal() {
			n++
		}
	}
	return n
}

func (e *Engine) lookup(flowID string) (*session, error) {
	e.mu.RLock()
	s, ok := e.sessions[flowID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("flow %s: %w", flowID, types.ErrNotFound)
	}
	return s, nil
}

// handlerSteps reads the step table, turning a panic in module code into an
// error.
func handlerSteps(handler Handler) (steps Steps, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("steps panicked: %v", r)
		}
	}()
	return handler.Steps(), nil
}

// runStep calls a step and converts failures into abort results.
func (e *Engine) runStep(ctx context.Context, s *session, stepID string, input Input) (result Result) {
	fn := s.steps[stepID]
	if fn == nil {
		return Abort(fmt.Sprintf("unknown step %q", stepID))
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("flow step panicked", "flow_id", s.id, "handler", s.handler, "step", stepID, "panic", r)
			result = Abort(fmt.Sprintf("step %s panicked: %v", stepID, r))
		}
	}()

	out, err := fn(ctx, input)
	if err != nil {
		e.logger.Warn("flow step failed", "flow_id", s.id, "handler", s.handler, "step", stepID, "error", err)
		return Abort(fmt.Sprintf("step %s failed: %v", stepID, err))
	}
	switch out.Type {
	case ResultForm:
		if s.steps[out.StepID] == nil {
			return Abort(fmt.Sprintf("step %s returned a form for unknown step %q", stepID, out.StepID))
		}
	case ResultCreateEntry, ResultAbort:
	default:
		return Abort(fmt.Sprintf("step %s returned invalid result type %q", stepID, out.Type))
	}
	return out
}

// settle stores a step's result and fires the finish hook if it is terminal.
// The caller still holds the busy claim.
func (e *Engine) settle(ctx context.Context, s *session, result Result) Result {
	result = e.stamp(s, result)

	s.mu.Lock()
	s.current = result
	s.lastActive = e.now()
	if result.Terminal() {
		s.finishedAt = s.lastActive
	}
	s.mu.Unlock()

	if result.Terminal() {
		e.logger.Debug("flow finished", "flow_id", s.id, "handler", s.handler, "outcome", result.Type)
		e.finish(ctx, s, result)
	}
	return result
}

func (e *Engine) stamp(s *session, result Result) Result {
	result.FlowID = s.id
	result.Handler = s.handler
	return result
}

func (e *Engine) finish(ctx context.Context, s *session, result Result) {
	if e.onFinish == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("flow finish hook panicked", "flow_id", s.id, "panic", r)
		}
	}()
	e.onFinish(ctx, SessionInfo{FlowID: s.id, Handler: s.handler, Context: s.context}, result)
}
