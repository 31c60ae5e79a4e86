// ratelimit.go spaces out the public REST calls the pre-flight check
// makes. Both exchanges rate-limit public endpoints (Bitfinex publishes
// 30 req/min for conf endpoints, Poloniex 6 req/s overall), and resty's
// retry loop can fire several attempts back to back. The pre-flight only
// ever issues a handful of calls, so a minimum interval between them is
// all the throttling this client needs.
package exchange

import (
	"context"
	"sync"
	"time"
)

// requestGate enforces a minimum interval between calls. The first call
// passes immediately; each later call is delayed until the interval
// since the previously granted slot has elapsed.
type requestGate struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time // earliest time the next call may proceed
}

func newRequestGate(interval time.Duration) *requestGate {
	return &requestGate{interval: interval}
}

// wait blocks until the caller's slot opens or ctx is cancelled.
func (g *requestGate) wait(ctx context.Context) error {
	g.mu.Lock()
	now := time.Now()
	slot := g.next
	if slot.Before(now) {
		slot = now
	}
	g.next = slot.Add(g.interval)
	g.mu.Unlock()

	delay := slot.Sub(now)
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
