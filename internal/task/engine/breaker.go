package engine

import (
	"strings"
	"sync"

	"github.com/sony/gobreaker"

	logx "cronwheel/pkg/logx"
)

// breakers keeps one two-step circuit breaker per task name. The breaker is
// consulted when a worker picks the task up and told the final outcome after
// retries.
type breakers struct {
	mu  sync.Mutex
	m   map[string]*gobreaker.TwoStepCircuitBreaker
	log logx.Logger
}

func (b *breakers) get(name string, cfg Config, opt TaskOptions) *gobreaker.TwoStepCircuitBreaker {
	if cfg.CircuitTripFailures < 0 || opt.DisableCircuit {
		return nil
	}
	key := strings.TrimSpace(name)
	if key == "" {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.m == nil {
		b.m = make(map[string]*gobreaker.TwoStepCircuitBreaker)
	}
	if cb := b.m[key]; cb != nil {
		return cb
	}

	trip := uint32(cfg.CircuitTripFailures)
	log := b.log
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    cfg.CircuitResetAfter,
		Timeout:     cfg.CircuitOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log.IsZero() {
				return
			}
			fields := []logx.Field{logx.String("task", name), logx.String("from", from.String()), logx.String("to", to.String())}
			if to == gobreaker.StateOpen {
				log.Warn("task circuit opened", fields...)
				return
			}
			log.Info("task circuit state changed", fields...)
		},
	})
	b.m[key] = cb
	return cb
}

// reset drops every breaker; used when the engine config changes.
func (b *breakers) reset() {
	b.mu.Lock()
	b.m = nil
	b.mu.Unlock()
}

func (b *breakers) snapshot() (total, open int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cb := range b.m {
		total++
		if cb.State() == gobreaker.StateOpen {
			open++
		}
	}
	return total, open
}
