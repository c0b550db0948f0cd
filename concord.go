// Package concord assembles the bounded multi-evaluator negotiation engine
// from configuration: the durable budget ledger and circuit history, the
// result cache, the breaker-protected provider pool, the resource governor,
// and the negotiation pipeline itself.
//
// Evaluators and providers are external collaborators registered by the
// embedding application; Concord coordinates their structured verdicts and
// gates every external call they make.
package concord

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/concord-ai/concord/internal/breaker"
	"github.com/concord-ai/concord/internal/cache"
	"github.com/concord-ai/concord/internal/config"
	"github.com/concord-ai/concord/internal/database"
	"github.com/concord-ai/concord/internal/engine"
	"github.com/concord-ai/concord/internal/governor"
	"github.com/concord-ai/concord/internal/verdict"
)

// Re-exported contracts for embedding applications.
type (
	Evaluator         = verdict.Evaluator
	Provider          = breaker.Provider
	Proposal          = verdict.Proposal
	Verdict           = verdict.Verdict
	ScopeContext      = verdict.ScopeContext
	Reviser           = engine.Reviser
	FactResolver      = engine.FactResolver
	NegotiationResult = engine.NegotiationResult
)

// NewProposal creates revision 0 of a proposal.
func NewProposal(summary string, content map[string]any) Proposal {
	return verdict.NewProposal(summary, content)
}

// System is a fully-wired engine instance.
type System struct {
	config   *config.Config
	db       *database.DB
	governor *governor.Governor
	cache    *cache.ResultCache
	breaker  *breaker.CircuitBreaker
	failover *breaker.FailoverManager
	nego     *engine.Negotiator

	tiers   verdict.TierMap
	waivers []verdict.Waiver

	logger *slog.Logger
}

// Option is a functional option for assembling a System.
type Option func(*assembly)

type assembly struct {
	logger   *slog.Logger
	tracer   trace.Tracer
	reviser  engine.Reviser
	resolver engine.FactResolver
}

// WithLogger configures the system to use the specified structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *assembly) {
		a.logger = logger
	}
}

// WithTracer enables OpenTelemetry spans per negotiation stage.
func WithTracer(tracer trace.Tracer) Option {
	return func(a *assembly) {
		a.tracer = tracer
	}
}

// WithReviser enables the revise loop between rounds.
func WithReviser(r engine.Reviser) Option {
	return func(a *assembly) {
		a.reviser = r
	}
}

// WithFactResolver enables the single fact-resolution attempt for
// contradictory claims.
func WithFactResolver(fr engine.FactResolver) Option {
	return func(a *assembly) {
		a.resolver = fr
	}
}

// Load reads the configuration file at path (defaults when absent) and
// assembles a System from it.
func Load(path string, opts ...Option) (*System, error) {
	cfg, err := config.NewLoader(config.NewValidator()).LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

// New assembles a System from an already-validated configuration. With a
// database path configured, period budgets and circuit history persist across
// restarts; without one they are process-local.
func New(cfg *config.Config, opts ...Option) (*System, error) {
	a := &assembly{logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}

	tiers, err := cfg.TierMap()
	if err != nil {
		return nil, err
	}
	waivers, err := cfg.WaiverList()
	if err != nil {
		return nil, err
	}

	var (
		db           *database.DB
		ledger       governor.LedgerStore
		circuitStore breaker.StateStore
	)
	if cfg.Database.Path != "" {
		dbCfg := database.DefaultConfig(cfg.Database.Path)
		if cfg.Database.BusyTimeout > 0 {
			dbCfg.BusyTimeout = cfg.Database.BusyTimeout
		}
		db, err = database.OpenWithConfig(dbCfg)
		if err != nil {
			return nil, err
		}
		ledger = database.NewLedgerDAO(db)
		circuitStore = database.NewCircuitDAO(db)
	} else {
		ledger = governor.NewMemoryLedgerStore()
		circuitStore = breaker.NewMemoryStateStore()
	}

	gov, err := governor.New(cfg.Governor, ledger, governor.WithLogger(a.logger))
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	cb := breaker.New(cfg.Breaker,
		breaker.WithLogger(a.logger),
		breaker.WithStateStore(circuitStore),
	)
	failover := breaker.NewFailoverManager(cb,
		breaker.WithManagerLogger(a.logger),
		breaker.WithCallTimeout(cfg.Breaker.CallTimeout),
	)
	resultCache := cache.New(cfg.Cache, cache.WithLogger(a.logger))

	negOpts := []engine.NegotiatorOption{
		engine.WithNegotiatorLogger(a.logger),
		engine.WithCache(resultCache),
		engine.WithFailover(failover),
	}
	if a.tracer != nil {
		negOpts = append(negOpts, engine.WithNegotiatorTracer(a.tracer))
	}
	if a.reviser != nil {
		negOpts = append(negOpts, engine.WithReviser(a.reviser))
	}
	if a.resolver != nil {
		negOpts = append(negOpts, engine.WithFactResolver(a.resolver))
	}

	nego, err := engine.NewNegotiator(gov, cfg.Negotiation, negOpts...)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	return &System{
		config:   cfg,
		db:       db,
		governor: gov,
		cache:    resultCache,
		breaker:  cb,
		failover: failover,
		nego:     nego,
		tiers:    tiers,
		waivers:  waivers,
		logger:   a.logger,
	}, nil
}

// RegisterProviders binds an ordered provider list to a call capability.
// Earlier providers are preferred; later ones are fallbacks behind the
// circuit breaker.
func (s *System) RegisterProviders(capability string, providers ...breaker.Provider) error {
	return s.failover.Register(capability, providers...)
}

// Negotiate runs one full negotiation over the given proposal with the
// configured tiers and waivers applied.
func (s *System) Negotiate(ctx context.Context, proposal Proposal, evaluators []Evaluator, trigger ScopeContext) (NegotiationResult, error) {
	return s.nego.Run(ctx, engine.NegotiationInput{
		Proposal:   proposal,
		Evaluators: evaluators,
		Tiers:      s.tiers,
		Waivers:    s.waivers,
		Trigger:    trigger,
	})
}

// CircuitStats reports per-provider breaker state for operational visibility.
func (s *System) CircuitStats() map[string]breaker.ProviderStats {
	return s.breaker.Stats()
}

// CacheStats reports result cache hit and miss counts.
func (s *System) CacheStats() (hits, misses int64) {
	return s.cache.Stats()
}

// Close releases the durable store, if any.
func (s *System) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
