// Package breaker provides per-provider circuit breaking and ordered
// failover across redundant external providers.
package breaker

import (
	"context"
	"errors"
	"strings"

	"github.com/concord-ai/concord/internal/types"
)

// Request is the opaque payload handed to a provider.
type Request struct {
	// Category is the call category, used for cache keys and budget ledgers.
	Category string

	// Payload is the structured request body.
	Payload map[string]any
}

// Response is the opaque result returned by a provider.
type Response struct {
	// Content is the result body. The engine only fingerprints it; meaning
	// is up to the caller.
	Content string

	// Metadata carries provider-specific extras.
	Metadata map[string]any
}

// Provider is the external call contract consumed by the breaker layer.
// Failures must surface as errors classifiable into timeout, rate-limited,
// unavailable, or other; TranslateError maps foreign errors into that
// taxonomy.
type Provider interface {
	// Name returns the stable provider identity used for circuit state.
	Name() string

	// Invoke executes the request. The context carries the call deadline;
	// exceeding it must return an error (recorded as a failure).
	Invoke(ctx context.Context, req Request) (Response, error)
}

// TranslateError maps an arbitrary provider error into the Concord provider
// error taxonomy based on the error chain and message content.
func TranslateError(provider string, err error) error {
	if err == nil {
		return nil
	}

	var cerr *types.ConcordError
	if errors.As(err, &cerr) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return types.WrapError(types.PROVIDER_TIMEOUT, "provider "+provider+" timed out", err)
	}

	lowerMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerMsg, "timeout") || strings.Contains(lowerMsg, "deadline"):
		return types.WrapError(types.PROVIDER_TIMEOUT, "provider "+provider+" timed out", err)
	case strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests"):
		return types.WrapError(types.PROVIDER_RATE_LIMITED, "provider "+provider+" rate limited", err)
	case strings.Contains(lowerMsg, "unavailable") || strings.Contains(lowerMsg, "connection"):
		return types.WrapError(types.PROVIDER_UNAVAILABLE, "provider "+provider+" unavailable", err)
	default:
		return types.WrapError(types.PROVIDER_FAILED, "provider "+provider+" call failed", err)
	}
}
