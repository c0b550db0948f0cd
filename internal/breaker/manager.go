package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/concord-ai/concord/internal/types"
)

// FailoverManager maps a logical capability to an ordered list of redundant
// providers and walks the list on each call, consulting every provider's own
// circuit. The first provider whose circuit admits the call and whose
// invocation succeeds wins; when the whole list is exhausted the manager
// surfaces an explicit "all providers unavailable" outcome rather than an
// empty result.
type FailoverManager struct {
	breaker     *CircuitBreaker
	logger      *slog.Logger
	callTimeout time.Duration

	mu           sync.RWMutex
	capabilities map[string][]Provider
}

// ManagerOption is a functional option for configuring a FailoverManager.
type ManagerOption func(*FailoverManager)

// WithManagerLogger configures the manager to use the specified logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *FailoverManager) {
		m.logger = logger
	}
}

// WithCallTimeout sets the per-call deadline applied to every provider
// invocation. A timeout is recorded as a failure on that provider's circuit.
// Default: 30 seconds.
func WithCallTimeout(d time.Duration) ManagerOption {
	return func(m *FailoverManager) {
		if d > 0 {
			m.callTimeout = d
		}
	}
}

// NewFailoverManager creates a FailoverManager over the given breaker.
func NewFailoverManager(cb *CircuitBreaker, opts ...ManagerOption) *FailoverManager {
	m := &FailoverManager{
		breaker:      cb,
		logger:       slog.Default(),
		callTimeout:  30 * time.Second,
		capabilities: make(map[string][]Provider),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Register binds an ordered provider list to a capability. The first entry
// is the primary; the rest are fallbacks in preference order.
func (m *FailoverManager) Register(capability string, providers ...Provider) error {
	if capability == "" {
		return fmt.Errorf("capability cannot be empty")
	}
	if len(providers) == 0 {
		return fmt.Errorf("capability %q needs at least one provider", capability)
	}
	for _, p := range providers {
		if p == nil || p.Name() == "" {
			return fmt.Errorf("capability %q has a nil or unnamed provider", capability)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.capabilities[capability] = append([]Provider(nil), providers...)
	return nil
}

// Providers returns the registered provider names for a capability.
func (m *FailoverManager) Providers(capability string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	providers := m.capabilities[capability]
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	return names
}

// Invoke executes the request against the capability's provider list.
// Returns the response and the name of the provider that served it.
//
// Providers whose circuit is open are skipped without touching them. When
// every provider was skipped with no attempt made, the outcome is
// CIRCUIT_OPEN (recoverable once a cooldown elapses); when at least one
// attempt was made and all failed, the outcome is ALL_PROVIDERS_UNAVAILABLE.
func (m *FailoverManager) Invoke(ctx context.Context, capability string, req Request) (Response, string, error) {
	m.mu.RLock()
	providers := m.capabilities[capability]
	m.mu.RUnlock()

	if len(providers) == 0 {
		return Response{}, "", types.NewError(types.PROVIDER_FAILED,
			"no providers registered for capability "+capability)
	}

	var lastErr error
	attempted := false

	for _, p := range providers {
		name := p.Name()

		if err := m.breaker.Allow(name); err != nil {
			m.logger.Debug("skipping provider, circuit open",
				"capability", capability,
				"provider", name,
			)
			lastErr = err
			continue
		}

		attempted = true
		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		resp, err := p.Invoke(callCtx, req)
		cancel()

		if err != nil {
			translated := TranslateError(name, err)
			m.breaker.RecordFailure(name, translated)
			m.logger.Warn("provider call failed, trying next",
				"capability", capability,
				"provider", name,
				"error", translated,
			)
			lastErr = translated
			continue
		}

		m.breaker.RecordSuccess(name)
		return resp, name, nil
	}

	if !attempted {
		return Response{}, "", types.WrapError(types.CIRCUIT_OPEN,
			"all providers for capability "+capability+" have open circuits", lastErr)
	}

	return Response{}, "", types.WrapError(types.ALL_PROVIDERS_UNAVAILABLE,
		"all providers for capability "+capability+" are unavailable", lastErr)
}
