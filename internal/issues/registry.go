// Package issues holds the in-memory registry of problems reported by
// modules. Issues are keyed by (domain, issue_id) and listed in the order
// they were first reported.
package issues

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/steveyegge/mend/internal/eventbus"
	"github.com/steveyegge/mend/internal/types"
)

// Option customizes Registry construction.
type Option func(*Registry)

// WithBus publishes registry changes on the given event bus.
func WithBus(bus *eventbus.Bus) Option {
	return func(r *Registry) {
		r.bus = bus
	}
}

// WithLogger injects a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry is the process-wide issue table. It is safe for concurrent use;
// every mutation holds the write lock for a short critical section and
// readers always see a fully applied report.
type Registry struct {
	mu     sync.RWMutex
	issues map[types.IssueKey]*types.Issue
	order  []types.IssueKey

	// pubMu is taken before mu is released, so events reach the bus in the
	// order their mutations were applied. Bus handlers must not mutate the
	// registry synchronously.
	pubMu sync.Mutex

	hostVersion string
	bus         *eventbus.Bus
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an empty registry. hostVersion is recorded on dismissal.
func New(hostVersion string, opts ...Option) *Registry {
	r := &Registry{
		issues:      make(map[types.IssueKey]*types.Issue),
		hostVersion: hostVersion,
		logger:      slog.New(slog.DiscardHandler),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// HostVersion returns the version string recorded on dismissal.
func (r *Registry) HostVersion() string {
	return r.hostVersion
}

// Report creates or updates an issue. Descriptive fields are replaced;
// dismissal is kept unless report.ResetDismissal is set.
func (r *Registry) Report(ctx context.Context, domain, issueID string, report types.IssueReport) error {
	if err := report.Validate(domain, issueID); err != nil {
		return fmt.Errorf("report %s/%s: %w", domain, issueID, err)
	}

	key := types.Key(domain, issueID)
	eventType := eventbus.EventIssueUpdated

	r.mu.Lock()
	issue, exists := r.issues[key]
	if !exists {
		issue = &types.Issue{
			Domain:  domain,
			IssueID: issueID,
			Created: r.now().UTC(),
		}
		r.issues[key] = issue
		r.order = append(r.order, key)
		eventType = eventbus.EventIssueCreated
	}
	applyReport(issue, report)
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.mu.Unlock()

	r.logger.Debug("issue reported", "domain", domain, "issue_id", issueID,
		"severity", report.Severity, "created", !exists)
	r.publish(ctx, eventType, key)
	return nil
}

func applyReport(issue *types.Issue, report types.IssueReport) {
	// Copy so the caller can reuse its report value.
	src := types.Issue{
		BreaksInVersion:         report.BreaksInVersion,
		LearnMoreURL:            report.LearnMoreURL,
		TranslationPlaceholders: report.TranslationPlaceholders,
	}
	src = src.Clone()

	issue.BreaksInVersion = src.BreaksInVersion
	issue.IsFixable = report.IsFixable
	issue.LearnMoreURL = src.LearnMoreURL
	issue.Severity = report.Severity
	issue.TranslationKey = report.TranslationKey
	issue.TranslationPlaceholders = src.TranslationPlaceholders
	if report.ResetDismissal {
		issue.Dismissed = false
		issue.DismissedVersion = nil
	}
}

// List returns a snapshot of every issue in reporting order, dismissed ones
// included.
func (r *Registry) List() []types.Issue {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Issue, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.issues[key].Clone())
	}
	return out
}

// Get returns a copy of a single issue.
func (r *Registry) Get(domain, issueID string) (types.Issue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	issue, ok := r.issues[types.Key(domain, issueID)]
	if !ok {
		return types.Issue{}, fmt.Errorf("issue %s/%s: %w", domain, issueID, types.ErrNotFound)
	}
	return issue.Clone(), nil
}

// Dismiss marks an issue dismissed at the current host version. Dismissing
// an already dismissed issue succeeds.
func (r *Registry) Dismiss(ctx context.Context, domain, issueID string) error {
	key := types.Key(domain, issueID)

	r.mu.Lock()
	issue, ok := r.issues[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("issue %s: %w", key, types.ErrNotFound)
	}
	version := r.hostVersion
	issue.Dismissed = true
	issue.DismissedVersion = &version
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.mu.Unlock()

	r.logger.Info("issue dismissed", "domain", domain, "issue_id", issueID, "version", version)
	r.publish(ctx, eventbus.EventIssueDismissed, key)
	return nil
}

// Delete removes an issue. It reports whether anything was removed;
// deleting an unknown identity is a no-op.
func (r *Registry) Delete(ctx context.Context, domain, issueID string) bool {
	key := types.Key(domain, issueID)

	r.mu.Lock()
	if _, ok := r.issues[key]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.issues, key)
	if i := slices.Index(r.order, key); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.mu.Unlock()

	r.logger.Info("issue removed", "domain", domain, "issue_id", issueID)
	r.publish(ctx, eventbus.EventIssueRemoved, key)
	return true
}

// Len returns the number of registered issues.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.issues)
}

func (r *Registry) publish(ctx context.Context, eventType eventbus.EventType, key types.IssueKey) {
	if r.bus == nil {
		return
	}
	// Detached from the reporter's cancellation.
	ctx = context.WithoutCancel(ctx)
	if err := r.bus.Dispatch(ctx, &eventbus.Event{
		Type:    eventType,
		Domain:  key.Domain,
		IssueID: key.IssueID,
	}); err != nil {
		r.logger.Warn("publishing issue event", "event", eventType, "issue", key.String(), "error", err)
	}
}
