package governor

import (
	"context"
	"log/slog"
	"time"

	"github.com/concord-ai/concord/internal/breaker"
	"github.com/concord-ai/concord/internal/cache"
)

// GovernedCaller routes one evaluator's external calls through the full
// governance stack: result cache first (hits bypass every budget dimension),
// then admission control, then the breaker-protected failover manager.
// It implements verdict.Caller.
type GovernedCaller struct {
	governor *Governor
	session  *Session
	caller   string
	cache    *cache.ResultCache
	failover *breaker.FailoverManager
	logger   *slog.Logger

	now func() time.Time
}

// NewGovernedCaller binds the governance stack to one caller identity within
// one session. The cache may be nil, in which case every call executes.
func NewGovernedCaller(
	g *Governor,
	s *Session,
	caller string,
	resultCache *cache.ResultCache,
	failover *breaker.FailoverManager,
) *GovernedCaller {
	return &GovernedCaller{
		governor: g,
		session:  s,
		caller:   caller,
		cache:    resultCache,
		failover: failover,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// Call executes one governed external call in the given category.
//
// Order of operations: fingerprint the request, consult the cache (a hit
// returns immediately and consumes no budget), admit through the governor
// (denial returns a typed admission error), invoke through the failover
// manager, then populate the cache and account the call's wall-clock cost
// and content novelty.
func (gc *GovernedCaller) Call(ctx context.Context, category string, request map[string]any) (any, error) {
	key := cache.Fingerprint(request, category)

	if gc.cache != nil {
		if value, ok := gc.cache.Lookup(key); ok {
			gc.logger.Debug("cache hit, budget untouched",
				"caller", gc.caller,
				"category", category,
			)
			return value, nil
		}
	}

	if err := gc.governor.Admit(gc.session, gc.caller, category); err != nil {
		return nil, err
	}

	start := gc.now()
	resp, provider, err := gc.failover.Invoke(ctx, category, breaker.Request{
		Category: category,
		Payload:  request,
	})
	elapsed := gc.now().Sub(start)

	if err != nil {
		// Failed calls still consumed wall-clock budget.
		gc.governor.RecordResult(gc.session, category, "", elapsed, false)
		return nil, err
	}

	if gc.cache != nil {
		gc.cache.Store(key, resp.Content, category)
	}
	gc.governor.RecordResult(gc.session, category, cache.FingerprintContent(resp.Content), elapsed, true)

	gc.logger.Debug("governed call executed",
		"caller", gc.caller,
		"category", category,
		"provider", provider,
		"elapsed", elapsed,
	)

	return resp.Content, nil
}
