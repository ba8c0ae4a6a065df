package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chaperone-dev/chaperone/internal/domain/guardrail"
)

// ProposalLimiter bounds how fast one principal may submit proposals,
// using GCRA so allowance is smooth rather than windowed. This is the
// orchestrator-boundary backpressure, independent of cartridge
// guardrails.
type ProposalLimiter struct {
	mu sync.Mutex
	// cells holds the Theoretical Arrival Time per principal.
	cells map[string]time.Time

	rate   int
	period time.Duration
	burst  int

	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration
	logger          *slog.Logger
}

var _ guardrail.ProposalLimiter = (*ProposalLimiter)(nil)

// NewProposalLimiter creates a limiter allowing rate proposals per
// period with the given burst. Cleanup runs every 5 minutes and drops
// cells idle for an hour.
func NewProposalLimiter(rate int, period time.Duration, burst int, logger *slog.Logger) *ProposalLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = rate
	}
	return &ProposalLimiter{
		cells:           make(map[string]time.Time),
		rate:            rate,
		period:          period,
		burst:           burst,
		stopChan:        make(chan struct{}),
		cleanupInterval: 5 * time.Minute,
		maxTTL:          time.Hour,
		logger:          logger,
	}
}

// Allow admits or rejects one proposal for a principal.
func (l *ProposalLimiter) Allow(_ context.Context, principalID string) guardrail.LimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	emission := l.period / time.Duration(l.rate)
	burstOffset := time.Duration(l.burst) * emission

	tat, exists := l.cells[principalID]
	if !exists || tat.Before(now) {
		tat = now
	}

	allowAt := tat.Add(-burstOffset)
	if now.Before(allowAt) {
		return guardrail.LimitResult{Allowed: false, RetryAfter: allowAt.Sub(now)}
	}

	newTAT := tat.Add(emission)
	if newTAT.Before(now) {
		newTAT = now.Add(emission)
	}
	l.cells[principalID] = newTAT

	remaining := int((burstOffset - newTAT.Sub(now)) / emission)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > l.burst {
		remaining = l.burst
	}
	return guardrail.LimitResult{Allowed: true, Remaining: remaining}
}

// StartCleanup launches the background sweep. It stops when ctx is
// cancelled or Stop is called.
func (l *ProposalLimiter) StartCleanup(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.cleanup()
			}
		}
	}()
}

func (l *ProposalLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.maxTTL)
	cleaned := 0
	for key, tat := range l.cells {
		if tat.Before(cutoff) {
			delete(l.cells, key)
			cleaned++
		}
	}
	if cleaned > 0 && l.logger != nil {
		l.logger.Debug("proposal limiter cleanup", "removed", cleaned, "remaining", len(l.cells))
	}
}

// Stop terminates the cleanup goroutine and waits for it to exit.
func (l *ProposalLimiter) Stop() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}
