// Package fix bridges reported issues to flow sessions. Modules register a
// factory per domain; the coordinator asks it for a handler when the user
// starts a fix and cleans up the issue once the flow succeeds.
package fix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/steveyegge/mend/internal/eventbus"
	"github.com/steveyegge/mend/internal/flow"
	"github.com/steveyegge/mend/internal/issues"
	"github.com/steveyegge/mend/internal/telemetry"
	"github.com/steveyegge/mend/internal/types"
)

const scopeName = "github.com/steveyegge/mend/fix"

// Factory builds the flow handler that fixes issueID. Returning an error
// means the domain cannot fix that issue.
type Factory func(ctx context.Context, issueID string) (flow.Handler, error)

// RegisterOption customizes a domain registration.
type RegisterOption func(*registration)

// KeepResolved leaves the issue in the registry after its fix flow ends in
// create_entry. By default the issue is removed; modules that re-check the
// condition themselves use this and call Delete when it clears.
func KeepResolved() RegisterOption {
	return func(r *registration) { r.keepResolved = true }
}

type registration struct {
	factory      Factory
	keepResolved bool
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithBus publishes flow lifecycle events.
func WithBus(bus *eventbus.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithLogger injects a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEngineOptions passes options through to the flow engine.
func WithEngineOptions(opts ...flow.Option) Option {
	return func(c *Coordinator) { c.engineOpts = append(c.engineOpts, opts...) }
}

// Coordinator owns the domain -> factory table and the flow engine that runs
// fix sessions.
type Coordinator struct {
	mu        sync.RWMutex
	factories map[string]registration

	registry   *issues.Registry
	engine     *flow.Engine
	engineOpts []flow.Option
	bus        *eventbus.Bus
	logger     *slog.Logger
	rec        *telemetry.Recorder
}

// New creates a coordinator over registry.
func New(registry *issues.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		factories: make(map[string]registration),
		registry:  registry,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	engineOpts := append([]flow.Option{
		flow.WithLogger(c.logger),
	}, c.engineOpts...)
	engineOpts = append(engineOpts, flow.WithFinishHook(c.onFinish))
	c.engine = flow.NewEngine(engineOpts...)
	c.rec = telemetry.NewRecorder(scopeName, "mend.fix")
	return c
}

// Engine exposes the flow engine, e.g. so the caller can run its sweeper.
func (c *Coordinator) Engine() *flow.Engine {
	return c.engine
}

// Register installs the fix factory for domain. A domain can only be
// registered once.
func (c *Coordinator) Register(domain string, factory Factory, opts ...RegisterOption) error {
	if domain == "" {
		return &types.ValidationError{Field: "domain", Reason: "is required"}
	}
	if factory == nil {
		return &types.ValidationError{Field: "factory", Reason: "is required"}
	}
	reg := registration{factory: factory}
	for _, opt := range opts {
		opt(&reg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[domain]; exists {
		return fmt.Errorf("fix handler for domain %q already registered", domain)
	}
	c.factories[domain] = reg
	c.logger.Debug("fix handler registered", "domain", domain, "keep_resolved", reg.keepResolved)
	return nil
}

// Domains returns the domains that can fix issues.
func (c *Coordinator) Domains() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.factories))
	for d := range c.factories {
		out = append(out, d)
	}
	return out
}

func (c *Coordinator) lookup(domain string) (registration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reg, ok := c.factories[domain]
	return reg, ok
}

// build runs the module's factory. A panicking factory is reported as an
// error so the caller sees not_supported.
func (r registration) build(ctx context.Context, issueID string) (handler flow.Handler, err error) {
	defer func() {
		if p := recover(); p != nil {
			handler, err = nil, fmt.Errorf("factory panicked: %v", p)
		}
	}()
	return r.factory(ctx, issueID)
}

// StartFix opens a fix flow for an issue and returns its first result.
func (c *Coordinator) StartFix(ctx context.Context, domain, issueID string) (res flow.Result, err error) {
	ctx, op := c.rec.Start(ctx, "start",
		attribute.String("mend.domain", domain),
		attribute.String("mend.issue_id", issueID),
	)
	defer func() { op.End(err) }()

	issue, err := c.registry.Get(domain, issueID)
	if err != nil {
		return flow.Result{}, err
	}
	reg, ok := c.lookup(domain)
	if !ok {
		return flow.Result{}, fmt.Errorf("domain %s has no fix handler: %w", domain, types.ErrNotSupported)
	}
	if !issue.IsFixable {
		return flow.Result{}, fmt.Errorf("issue %s is not fixable: %w", issue.Key(), types.ErrNotSupported)
	}

	handler, err := reg.build(ctx, issueID)
	if err != nil {
		c.logger.Warn("fix handler unavailable", "domain", domain, "issue_id", issueID, "error", err)
		return flow.Result{}, fmt.Errorf("domain %s cannot fix %s: %v: %w", domain, issueID, err, types.ErrNotSupported)
	}

	res, err = c.engine.Start(ctx, domain, handler, issue.Key())
	if err != nil {
		if errors.Is(err, flow.ErrInvalidHandler) {
			return flow.Result{}, fmt.Errorf("domain %s: %v: %w", domain, err, types.ErrNotSupported)
		}
		return flow.Result{}, err
	}
	op.SetAttributes(attribute.String("mend.flow_id", res.FlowID), attribute.String("mend.result", string(res.Type)))

	c.logger.Info("fix flow started", "domain", domain, "issue_id", issueID, "flow_id", res.FlowID, "result", res.Type)
	if !res.Terminal() {
		c.publish(ctx, eventbus.EventFlowStarted, issue.Key(), res.FlowID, "")
	}
	return res, nil
}

// AdvanceFix feeds user input to a running fix flow.
func (c *Coordinator) AdvanceFix(ctx context.Context, flowID string, input flow.Input) (res flow.Result, err error) {
	ctx, op := c.rec.Start(ctx, "advance", attribute.String("mend.flow_id", flowID))
	defer func() { op.End(err) }()

	res, err = c.engine.Advance(ctx, flowID, input)
	if err != nil {
		return flow.Result{}, err
	}
	op.SetAttributes(attribute.String("mend.result", string(res.Type)))
	return res, nil
}

// AbortFix cancels a running fix flow.
func (c *Coordinator) AbortFix(ctx context.Context, flowID string) (err error) {
	ctx, op := c.rec.Start(ctx, "abort", attribute.String("mend.flow_id", flowID))
	defer func() { op.End(err) }()

	return c.engine.Abort(ctx, flowID)
}

// onFinish runs once per session when it reaches a terminal result.
func (c *Coordinator) onFinish(ctx context.Context, info flow.SessionInfo, res flow.Result) {
	key, ok := info.Context.(types.IssueKey)
	if !ok {
		c.logger.Error("fix flow finished without issue context", "flow_id", info.FlowID)
		return
	}

	if res.Type != flow.ResultCreateEntry {
		c.logger.Info("fix flow aborted", "issue", key.String(), "flow_id", info.FlowID, "reason", res.Reason)
		c.publish(ctx, eventbus.EventFlowAborted, key, info.FlowID, string(res.Type))
		return
	}

	c.logger.Info("fix flow completed", "issue", key.String(), "flow_id", info.FlowID)
	reg, _ := c.lookup(key.Domain)
	if !reg.keepResolved {
		c.registry.Delete(ctx, key.Domain, key.IssueID)
	}
	c.publish(ctx, eventbus.EventFlowFinished, key, info.FlowID, string(res.Type))
}

func (c *Coordinator) publish(ctx context.Context, eventType eventbus.EventType, key types.IssueKey, flowID, outcome string) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Dispatch(context.WithoutCancel(ctx), &eventbus.Event{
		Type:    eventType,
		Domain:  key.Domain,
		IssueID: key.IssueID,
		FlowID:  flowID,
		Outcome: outcome,
	}); err != nil {
		c.logger.Warn("publishing flow event", "event", eventType, "flow_id", flowID, "error", err)
	}
}
