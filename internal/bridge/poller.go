package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nerrad567/kasa-core/internal/history"
	"github.com/nerrad567/kasa-core/internal/kasa"
)

// defaultBreakerFailures applies when the configured threshold is unset.
const defaultBreakerFailures = 3

// PollOnce refreshes every tracked device once and publishes changes.
//
// Each device sits behind its own circuit breaker. A device that fails
// Breaker.Failures polls in a row is skipped until Breaker.OpenTimeout has
// passed, so an unplugged device does not hold the session lock for a full
// connect deadline on every cycle.
func (b *Bridge) PollOnce(ctx context.Context) {
	b.metrics.pollCycles.Add(1)

	for _, snap := range b.devices.Snapshots() {
		if ctx.Err() != nil {
			return
		}

		alias := snap.Alias
		cb := b.breaker(alias)

		result, err := cb.Execute(func() (any, error) {
			st, err := b.devices.Refresh(ctx, alias)
			return st, err
		})
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			b.metrics.pollSkipped.Add(1)
			continue
		case err != nil:
			if !isCancelled(err) {
				b.logDebug("poll failed", "alias", alias, "error", err, "breaker", cb.State().String())
			}
			continue
		}

		if st, ok := result.(kasa.State); ok {
			b.handleState(st, history.SourcePoll)
		}
	}
}

// breaker returns the circuit breaker for alias, creating it on first use.
func (b *Bridge) breaker(alias string) *gobreaker.CircuitBreaker {
	b.breakersMu.Lock()
	defer b.breakersMu.Unlock()

	if cb, ok := b.breakers[alias]; ok {
		return cb
	}

	fails := b.cfg.Breaker.Failures
	if fails < 1 {
		fails = defaultBreakerFailures
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    alias,
		Timeout: b.cfg.Breaker.GetOpenTimeout(),
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(fails)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logInfo("device breaker state changed", "alias", name, "from", from.String(), "to", to.String())
		},
	})
	b.breakers[alias] = cb
	return cb
}

// OpenBreakers returns how many devices are currently skipped by the poller.
func (b *Bridge) OpenBreakers() int {
	b.breakersMu.Lock()
	defer b.breakersMu.Unlock()

	n := 0
	for _, cb := range b.breakers {
		if cb.State() == gobreaker.StateOpen {
			n++
		}
	}
	return n
}

// BreakerStates returns the breaker state name per alias.
func (b *Bridge) BreakerStates() map[string]string {
	b.breakersMu.Lock()
	defer b.breakersMu.Unlock()

	out := make(map[string]string, len(b.breakers))
	for alias, cb := range b.breakers {
		out[alias] = cb.State().String()
	}
	return out
}

// runEvery calls fn on every tick until ctx is cancelled or the bridge stops.
func (b *Bridge) runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	b.goTracked(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-ticker.C:
				fn(b.ctx)
			}
		}
	})
}
