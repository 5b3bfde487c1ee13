package prstats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// quotaUnknown marks the remaining counter before the first response
// headers arrive. No throttling happens until quota state is known.
const quotaUnknown = -1

// Governor is the rate-limit-aware gate every outbound API call passes
// through. One instance is shared by all workers in a run; its counters
// are the only cross-worker mutable state and are guarded by a single
// mutex.
type Governor struct {
	mu         sync.Mutex
	remaining  int
	resetAt    time.Time
	retryAfter time.Time
	margin     int
	logger     *slog.Logger
}

// NewGovernor returns a governor that suspends callers once the remaining
// quota drops below margin.
func NewGovernor(margin int, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		remaining: quotaUnknown,
		margin:    margin,
		logger:    logger,
	}
}

// Acquire blocks until quota is available for a request of the given
// cost, or the context is cancelled. The remaining counter is decremented
// optimistically; ReportHeaders corrects it from the next response.
func (g *Governor) Acquire(ctx context.Context, cost int) error {
	for {
		wait := g.tryAcquire(cost)
		if wait <= 0 {
			return nil
		}

		g.logger.InfoContext(ctx, "rate limit governor suspending caller", "wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire takes quota if available, or returns how long to wait.
func (g *Governor) tryAcquire(cost int) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if now.Before(g.retryAfter) {
		return g.retryAfter.Sub(now)
	}
	if g.remaining != quotaUnknown && g.remaining < g.margin && now.Before(g.resetAt) {
		return g.resetAt.Sub(now)
	}
	if g.remaining > 0 {
		g.remaining -= cost
		if g.remaining < 0 {
			g.remaining = 0
		}
	}
	return 0
}

// ReportHeaders updates quota state from the rate-limit headers of the
// last response.
func (g *Governor) ReportHeaders(remaining int, resetAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remaining = remaining
	g.resetAt = resetAt
}

// ReportRetryAfter records a secondary rate-limit hold. All callers are
// suspended until it elapses.
func (g *Governor) ReportRetryAfter(d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(g.retryAfter) {
		g.retryAfter = until
	}
}
