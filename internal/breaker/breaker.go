// Package breaker protects calls to unreliable dependencies with a
// consecutive-failure circuit breaker built on sony/gobreaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// State is the breaker state as reported to operators.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// stateToFloat converts circuit breaker state to the gauge value.
func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Breaker guards one named dependency. CLOSED lets calls through and counts
// consecutive failures; reaching the threshold opens the circuit until
// Timeout has passed, after which a single trial call runs in HALF_OPEN.
type Breaker struct {
	name    string
	metrics *core.Metrics
	logger  zerolog.Logger

	mu  sync.RWMutex
	cb  *gobreaker.CircuitBreaker[any]
	cfg core.BreakerConfig

	nextAttempt atomic.Int64
}

// New creates a breaker. metrics may be nil.
func New(name string, cfg core.BreakerConfig, metrics *core.Metrics, logger zerolog.Logger) *Breaker {
	b := &Breaker{
		name:    name,
		metrics: metrics,
		logger:  logger.With().Str("component", "circuit_breaker").Str("breaker", name).Logger(),
	}
	b.install(cfg)
	return b
}

func (b *Breaker) install(cfg core.BreakerConfig) {
	if cfg.Threshold <= 0 || cfg.Timeout <= 0 || cfg.CallTimeout <= 0 {
		def := core.DefaultBreakerConfig()
		if cfg.Threshold <= 0 {
			cfg.Threshold = def.Threshold
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = def.Timeout
		}
		if cfg.CallTimeout <= 0 {
			cfg.CallTimeout = def.CallTimeout
		}
	}
	threshold := uint32(cfg.Threshold)
	timeout := cfg.Timeout

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.nextAttempt.Store(time.Now().Add(timeout).UnixNano())
			} else {
				b.nextAttempt.Store(0)
			}
			ev := b.logger.Info()
			if to == gobreaker.StateOpen {
				ev = b.logger.Warn()
			}
			ev.Str("from", string(stateOf(from))).Str("to", string(stateOf(to))).Msg("circuit breaker state transition")
			if b.metrics != nil {
				b.metrics.BreakerState.WithLabelValues(name).Set(stateToFloat(to))
				b.metrics.BreakerTransitions.WithLabelValues(name, string(stateOf(from)), string(stateOf(to))).Inc()
			}
		},
	})

	b.mu.Lock()
	b.cb = cb
	b.cfg = cfg
	b.mu.Unlock()
	b.nextAttempt.Store(0)
	if b.metrics != nil {
		b.metrics.BreakerState.WithLabelValues(b.name).Set(0)
	}
}

func (b *Breaker) current() (*gobreaker.CircuitBreaker[any], core.BreakerConfig) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb, b.cfg
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state. An OPEN breaker whose timeout has passed
// reports HALF_OPEN.
func (b *Breaker) State() State {
	cb, _ := b.current()
	return stateOf(cb.State())
}

// ConsecutiveFailures returns the failure counter of the current generation.
func (b *Breaker) ConsecutiveFailures() int {
	cb, _ := b.current()
	return int(cb.Counts().ConsecutiveFailures)
}

// NextAttemptAt returns when an OPEN breaker will allow a trial call, or the
// zero time when it is not open.
func (b *Breaker) NextAttemptAt() time.Time {
	n := b.nextAttempt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Config returns the active settings.
func (b *Breaker) Config() core.BreakerConfig {
	_, cfg := b.current()
	return cfg
}

// Reconfigure applies new settings. When threshold or timeout change the
// state machine is replaced and starts CLOSED; a call timeout change alone
// keeps the state. It reports whether anything changed.
func (b *Breaker) Reconfigure(cfg core.BreakerConfig) bool {
	_, old := b.current()
	if old == cfg {
		return false
	}
	if old.Threshold == cfg.Threshold && old.Timeout == cfg.Timeout {
		b.mu.Lock()
		b.cfg.CallTimeout = cfg.CallTimeout
		b.mu.Unlock()
	} else {
		b.install(cfg)
	}
	b.logger.Info().
		Int("threshold", cfg.Threshold).
		Dur("timeout", cfg.Timeout).
		Dur("call_timeout", cfg.CallTimeout).
		Msg("circuit breaker reconfigured")
	return true
}

// Status is a point-in-time view of a breaker.
type Status struct {
	Name                string     `json:"name"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Threshold           int        `json:"threshold"`
	Timeout             string     `json:"timeout"`
	NextAttemptAt       *time.Time `json:"next_attempt_at,omitempty"`
}

// Status returns the breaker's current status.
func (b *Breaker) Status() Status {
	cb, cfg := b.current()
	st := Status{
		Name:                b.name,
		State:               stateOf(cb.State()),
		ConsecutiveFailures: int(cb.Counts().ConsecutiveFailures),
		Threshold:           cfg.Threshold,
		Timeout:             cfg.Timeout.String(),
	}
	if st.State == StateOpen {
		if t := b.NextAttemptAt(); !t.IsZero() {
			st.NextAttemptAt = &t
		}
	}
	return st
}

// Do runs fn through the breaker. fn receives a context bounded by the call
// timeout and is abandoned when the timeout fires. While the breaker is open
// fn is not invoked and the error wraps core.ErrBreakerOpen. Every failure is
// a KindDependencyUnavailable error.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	cb, cfg := b.current()

	res, err := cb.Execute(func() (any, error) {
		return call(ctx, cfg.CallTimeout, fn)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			if b.metrics != nil {
				b.metrics.BreakerRejected.WithLabelValues(b.name).Inc()
			}
			b.logger.Debug().Msg("call rejected, circuit open")
			return zero, core.NewError(core.KindDependencyUnavailable, "breaker."+b.name, "circuit open", core.ErrBreakerOpen)
		}
		return zero, core.NewError(core.KindDependencyUnavailable, "breaker."+b.name, "dependency call failed", err)
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("circuit breaker %s: unexpected result type %T", b.name, res)
	}
	return v, nil
}

func call[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (any, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn(cctx)
		ch <- outcome{v: v, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return nil, o.err
		}
		return o.v, nil
	case <-cctx.Done():
		return nil, cctx.Err()
	}
}
