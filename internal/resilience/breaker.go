package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/senken/internal/model"
	"github.com/ashita-ai/senken/internal/telemetry"
)

// State is the circuit position for one upstream service.
type State int

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen rejects calls without a network attempt until the
	// recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits exactly one trial call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds per-service thresholds.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultBreakerConfig matches the service-wide defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second}
}

// circuit is the mutable state for one upstream service name.
// Mutated only under Breaker.mu (single-writer discipline: concurrent
// agents for the same service race on failure counting otherwise).
type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
	probing     bool // a half-open trial call is in flight
	cfg         BreakerConfig
}

// Breaker guards all upstream services, one circuit per stable service
// name. Construct once and inject; it is not a process-wide singleton so
// tests get isolated state.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	defaults  BreakerConfig
	overrides map[string]BreakerConfig
	logger    *slog.Logger
	now       func() time.Time // swappable clock for tests

	transitions metric.Int64Counter
	rejections  metric.Int64Counter
}

// NewBreaker creates a Breaker with the given default thresholds.
func NewBreaker(defaults BreakerConfig, logger *slog.Logger) *Breaker {
	meter := telemetry.Meter("senken/resilience")
	transitions, _ := meter.Int64Counter("senken.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"))
	rejections, _ := meter.Int64Counter("senken.breaker.rejections",
		metric.WithDescription("Calls rejected while a circuit was open"))
	return &Breaker{
		circuits:    make(map[string]*circuit),
		defaults:    defaults,
		overrides:   make(map[string]BreakerConfig),
		logger:      logger,
		now:         time.Now,
		transitions: transitions,
		rejections:  rejections,
	}
}

// Configure overrides thresholds for one service name. Must be called
// before the first call for that service.
func (b *Breaker) Configure(service string, cfg BreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overrides[service] = cfg
}

// StateOf reports the current circuit state for a service. A service that
// has never been called reports StateClosed.
func (b *Breaker) StateOf(service string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[service]
	if !ok {
		return StateClosed
	}
	// Reflect the lapse of the recovery timeout without mutating; the
	// actual transition happens on the next Call.
	if c.state == StateOpen && b.now().Sub(c.lastFailure) >= c.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return c.state
}

// Call executes op under the circuit for service. While the circuit is
// open it returns KindCircuitOpen without invoking op; in half-open it
// admits a single trial call whose outcome closes or re-opens the circuit.
func (b *Breaker) Call(ctx context.Context, service string, op func(ctx context.Context) error) error {
	trial, err := b.admit(service)
	if err != nil {
		b.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("service", service)))
		return err
	}

	opErr := op(ctx)
	b.settle(service, trial, opErr)
	return opErr
}

// admit decides whether a call may proceed. It returns trial=true when the
// call is the single half-open probe.
func (b *Breaker) admit(service string) (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(service)
	switch c.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Sub(c.lastFailure) < c.cfg.RecoveryTimeout {
			return false, model.E(model.KindCircuitOpen, service,
				"circuit open, retrying after %s", c.cfg.RecoveryTimeout)
		}
		b.transition(service, c, StateHalfOpen)
		c.probing = true
		return true, nil
	case StateHalfOpen:
		if c.probing {
			return false, model.E(model.KindCircuitOpen, service, "half-open trial already in flight")
		}
		c.probing = true
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(service string, trial bool, opErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(service)
	if trial {
		c.probing = false
		if opErr == nil {
			c.failures = 0
			b.transition(service, c, StateClosed)
			return
		}
		c.lastFailure = b.now()
		b.transition(service, c, StateOpen)
		return
	}

	if opErr == nil {
		c.failures = 0
		return
	}
	c.failures++
	c.lastFailure = b.now()
	if c.state == StateClosed && c.failures >= c.cfg.FailureThreshold {
		b.transition(service, c, StateOpen)
	}
}

func (b *Breaker) circuit(service string) *circuit {
	c, ok := b.circuits[service]
	if !ok {
		cfg := b.defaults
		if o, ok := b.overrides[service]; ok {
			cfg = o
		}
		c = &circuit{state: StateClosed, cfg: cfg}
		b.circuits[service] = c
	}
	return c
}

// transition must run under b.mu.
func (b *Breaker) transition(service string, c *circuit, to State) {
	if c.state == to {
		return
	}
	b.logger.Info("breaker: state change",
		"service", service, "from", c.state.String(), "to", to.String(), "failures", c.failures)
	b.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("to", to.String()),
	))
	c.state = to
}
