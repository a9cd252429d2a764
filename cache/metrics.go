// metrics.go wires the cache's event counters to armon/go-metrics.
// Callers that never configure a global sink (via metrics.NewGlobal)
// still get correct, silently-discarded counters; nothing here
// requires a sink to be present.
package cache

import (
	"context"

	"github.com/armon/go-metrics"
	"golang.org/x/time/rate"
)

func (c *Cache) incr(event string) {
	metrics.IncrCounterWithLabels([]string{"upcallcache", event}, 1, c.metricLabels)
}

func (c *Cache) kindMetric(k Kind) string {
	switch k {
	case KindTimedOut:
		return "acquire_timeout"
	case KindInterrupted:
		return "acquire_interrupted"
	case KindRemovedUpstream:
		return "removed_upstream"
	case KindUpcallError:
		return "upcall_error"
	case KindInvalidState:
		return "invalid_state"
	case KindNotFound:
		return "not_found"
	case KindOutOfMemory:
		return "out_of_memory"
	default:
		return "unknown_error"
	}
}

// waitForDispatchSlot applies the optional dispatch-rate limiter
// before a creator is allowed to run DoUpcall. With no limiter
// configured this is a no-op.
func (c *Cache) waitForDispatchSlot(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		c.incr("dispatch_rate_limited")
		return err
	}
	return nil
}

func newLimiter(limit rate.Limit, burst int) *rate.Limiter {
	if limit <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}
