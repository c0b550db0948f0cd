package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/concord-ai/concord/internal/types"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed means the circuit is closed (normal operation, calls allowed)
	StateClosed CircuitState = iota

	// StateOpen means the circuit is open (too many failures, calls blocked)
	StateOpen

	// StateHalfOpen means the circuit is testing if the provider has recovered
	StateHalfOpen
)

// String returns a human-readable representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for circuit breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 3
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`

	// Cooldown is the duration to wait before transitioning from Open to
	// Half-Open. During this time, all calls to the provider are blocked.
	// Default: 60 seconds
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"`

	// HalfOpenMaxProbes is the number of calls allowed in Half-Open state to
	// test recovery. If any of them fail, the circuit reopens. Default: 1
	HalfOpenMaxProbes int `mapstructure:"half_open_max_probes" yaml:"half_open_max_probes"`

	// SuccessThreshold is the number of consecutive Half-Open successes
	// required to close the circuit. Default: 1
	SuccessThreshold int `mapstructure:"success_threshold" yaml:"success_threshold"`

	// CallTimeout is the per-call deadline the failover manager applies to
	// each provider invocation. A timed-out call is recorded as a failure on
	// that provider's circuit. Default: 30 seconds
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		Cooldown:          60 * time.Second,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
		CallTimeout:       30 * time.Second,
	}
}

// circuit tracks the breaker state for a single provider.
type circuit struct {
	provider string

	state CircuitState

	// failures counts consecutive failures in Closed state
	failures int

	// openedAt records when the circuit was opened
	openedAt time.Time

	// probes counts calls admitted in Half-Open state
	probes int

	// probeSuccesses counts consecutive successful probes in Half-Open state
	probeSuccesses int

	// lastFailure records the most recent failure time
	lastFailure time.Time
}

// CircuitBreaker manages circuit breakers for multiple providers.
//
// Each provider has its own circuit with three states:
//
//   - Closed: normal operation, calls allowed, failures counted
//   - Open: too many failures, calls blocked until the cooldown elapses
//   - Half-Open: testing recovery, a bounded number of probe calls allowed
//
// State transitions:
//   - Closed -> Open: after FailureThreshold consecutive failures
//   - Open -> Half-Open: first call after the cooldown elapses
//   - Half-Open -> Closed: SuccessThreshold consecutive probe successes
//   - Half-Open -> Open: any probe failure (cooldown restarts)
//
// State is never mutated from outside: all transitions happen inside Allow,
// RecordSuccess, and RecordFailure. When a StateStore is configured, every
// transition is persisted so circuit history survives restarts.
//
// Thread-safe: all methods can be called concurrently.
type CircuitBreaker struct {
	config Config
	logger *slog.Logger
	store  StateStore

	mu       sync.Mutex
	circuits map[string]*circuit

	now func() time.Time
}

// Option is a functional option for configuring a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithLogger configures the breaker to use the specified structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithStateStore configures durable persistence for circuit state. Existing
// records are loaded lazily the first time a provider is seen.
func WithStateStore(store StateStore) Option {
	return func(cb *CircuitBreaker) {
		cb.store = store
	}
}

// New creates a CircuitBreaker with the given configuration.
func New(config Config, opts ...Option) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig().Cooldown
	}
	if config.HalfOpenMaxProbes <= 0 {
		config.HalfOpenMaxProbes = DefaultConfig().HalfOpenMaxProbes
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}

	cb := &CircuitBreaker{
		config:   config,
		logger:   slog.Default(),
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(cb)
	}

	return cb
}

// Allow checks if a call to the provider is admitted.
//
// Returns nil if the call should proceed, or a CIRCUIT_OPEN error if the
// circuit is open. An open circuit whose cooldown has elapsed transitions to
// Half-Open here, so the caller's next attempt runs as a probe rather than
// being rejected.
func (cb *CircuitBreaker) Allow(provider string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.getOrLoadCircuit(provider)

	switch c.state {
	case StateClosed:
		return nil

	case StateOpen:
		if cb.now().Sub(c.openedAt) >= cb.config.Cooldown {
			c.state = StateHalfOpen
			c.probes = 1
			c.probeSuccesses = 0
			cb.persist(c)
			cb.logger.Info("circuit half-open, probing provider", "provider", provider)
			return nil
		}
		return cb.openError(c)

	case StateHalfOpen:
		if c.probes < cb.config.HalfOpenMaxProbes {
			c.probes++
			return nil
		}
		return cb.openError(c)

	default:
		// Unknown state - allow the call (fail-safe)
		return nil
	}
}

// RecordSuccess records a successful call to the provider.
//
// In Closed state this resets the failure counter; in Half-Open state it
// counts toward SuccessThreshold and may close the circuit.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.getOrLoadCircuit(provider)

	switch c.state {
	case StateClosed:
		if c.failures != 0 {
			c.failures = 0
			cb.persist(c)
		}

	case StateHalfOpen:
		c.probeSuccesses++
		if c.probeSuccesses >= cb.config.SuccessThreshold {
			c.state = StateClosed
			c.failures = 0
			c.probes = 0
			c.probeSuccesses = 0
			cb.persist(c)
			cb.logger.Info("circuit closed, provider recovered", "provider", provider)
		}

	case StateOpen:
		// A success in Open state means the caller bypassed Allow; treat it
		// as a recovered probe.
		c.state = StateClosed
		c.failures = 0
		cb.persist(c)
	}
}

// RecordFailure records a failed call to the provider. Timeouts count as
// failures like any other error.
func (cb *CircuitBreaker) RecordFailure(provider string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.getOrLoadCircuit(provider)
	c.lastFailure = cb.now()

	switch c.state {
	case StateClosed:
		c.failures++
		if c.failures >= cb.config.FailureThreshold {
			c.state = StateOpen
			c.openedAt = cb.now()
			cb.logger.Warn("circuit opened",
				"provider", provider,
				"consecutive_failures", c.failures,
				"error", err,
			)
		}
		cb.persist(c)

	case StateHalfOpen:
		// Any probe failure reopens the circuit and restarts the cooldown.
		c.state = StateOpen
		c.openedAt = cb.now()
		c.failures = cb.config.FailureThreshold
		c.probes = 0
		c.probeSuccesses = 0
		cb.persist(c)
		cb.logger.Warn("circuit reopened after failed probe", "provider", provider, "error", err)

	case StateOpen:
		// Already open - record the failure time but the counter stays at
		// threshold.
		cb.persist(c)
	}
}

// State returns the current state of the circuit for the given provider.
// An open circuit whose cooldown has elapsed is reported as Half-Open even
// though the transition itself happens in Allow.
func (cb *CircuitBreaker) State(provider string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, exists := cb.circuits[provider]
	if !exists {
		if cb.store != nil {
			c = cb.getOrLoadCircuit(provider)
		} else {
			return StateClosed
		}
	}

	if c.state == StateOpen && cb.now().Sub(c.openedAt) >= cb.config.Cooldown {
		return StateHalfOpen
	}

	return c.state
}

// Reset returns the circuit for the given provider to Closed state.
// Intended for manual recovery once a provider is confirmed healthy.
func (cb *CircuitBreaker) Reset(provider string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if c, exists := cb.circuits[provider]; exists {
		c.state = StateClosed
		c.failures = 0
		c.probes = 0
		c.probeSuccesses = 0
		cb.persist(c)
	}
}

// ProviderStats is a monitoring snapshot of a single provider circuit.
type ProviderStats struct {
	State               CircuitState
	ConsecutiveFailures int
	OpenedAt            time.Time
	LastFailure         time.Time
}

// Stats returns a snapshot of all tracked provider circuits.
func (cb *CircuitBreaker) Stats() map[string]ProviderStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := make(map[string]ProviderStats, len(cb.circuits))
	for provider, c := range cb.circuits {
		state := c.state
		if state == StateOpen && cb.now().Sub(c.openedAt) >= cb.config.Cooldown {
			state = StateHalfOpen
		}
		stats[provider] = ProviderStats{
			State:               state,
			ConsecutiveFailures: c.failures,
			OpenedAt:            c.openedAt,
			LastFailure:         c.lastFailure,
		}
	}
	return stats
}

// getOrLoadCircuit returns the circuit for the provider, creating it (and
// hydrating from the state store on first sight) if needed.
// Must be called with mu held.
func (cb *CircuitBreaker) getOrLoadCircuit(provider string) *circuit {
	c, exists := cb.circuits[provider]
	if exists {
		return c
	}

	c = &circuit{provider: provider, state: StateClosed}

	if cb.store != nil {
		rec, ok, err := cb.store.Load(provider)
		if err != nil {
			cb.logger.Warn("failed to load circuit state, starting closed",
				"provider", provider, "error", err)
		} else if ok {
			c.state = rec.State
			c.failures = rec.ConsecutiveFailures
			c.openedAt = rec.OpenedAt
			c.lastFailure = rec.LastFailure
		}
	}

	cb.circuits[provider] = c
	return c
}

// persist writes the circuit to the state store, if one is configured.
// Must be called with mu held.
func (cb *CircuitBreaker) persist(c *circuit) {
	if cb.store == nil {
		return
	}
	err := cb.store.Save(StateRecord{
		Provider:            c.provider,
		State:               c.state,
		ConsecutiveFailures: c.failures,
		OpenedAt:            c.openedAt,
		LastFailure:         c.lastFailure,
	})
	if err != nil {
		cb.logger.Warn("failed to persist circuit state", "provider", c.provider, "error", err)
	}
}

func (cb *CircuitBreaker) openError(c *circuit) error {
	return types.NewRetryableError(types.CIRCUIT_OPEN,
		"circuit open for provider "+c.provider+
			", retry after "+c.openedAt.Add(cb.config.Cooldown).Format(time.RFC3339))
}
