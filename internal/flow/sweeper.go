package flow

import (
	"context"
	"time"
)

// Sweep drops finished sessions older than the retention window and expires
// sessions that have been waiting for input longer than the idle timeout.
// Sessions with a step in flight are never touched. It returns the number of
// sessions removed.
func (e *Engine) Sweep(ctx context.Context, now time.Time) int {
	var expired []*session

	e.mu.Lock()
	removed := 0
	for id, s := range e.sessions {
		current, lastActive, finishedAt := s.snapshot()
		switch {
		case current.Terminal():
			if now.Sub(finishedAt) >= e.finishedRetention {
				delete(e.sessions, id)
				removed++
			}
		case e.idleTimeout > 0 && now.Sub(lastActive) >= e.idleTimeout:
			// Claim it so a racing advance sees ErrBusy rather than
			// running a step on a session that is going away.
			if !s.busy.CompareAndSwap(false, true) {
				continue
			}
			delete(e.sessions, id)
			expired = append(expired, s)
			removed++
		}
	}
	e.mu.Unlock()

	for _, s := range expired {
		e.logger.Info("flow expired", "flow_id", s.id, "handler", s.handler)
		e.finish(ctx, s, e.stamp(s, Abort("expired")))
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := e.Sweep(ctx, e.now()); n > 0 {
				e.logger.Debug("flow sweep", "removed", n)
			}
		}
	}
}
