// Package governor provides composite admission control for external calls:
// calendar-reset period budgets, per-session and per-caller quotas, wall-clock
// time budgets per call category, and a diminishing-returns cutoff once calls
// stop yielding new information. Cache hits never consume any dimension.
package governor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/concord-ai/concord/internal/types"
)

// Limits bounds one call category. A zero value for any field means that
// dimension is unlimited.
type Limits struct {
	// PeriodQuota is the global quota per reset period, shared by all
	// sessions of this process. Replenished exactly at the reset boundary,
	// never as a rolling window.
	PeriodQuota int `mapstructure:"period_quota" yaml:"period_quota"`

	// SessionQuota is the quota for one negotiation run.
	SessionQuota int `mapstructure:"session_quota" yaml:"session_quota"`

	// CallerQuota is the quota for one evaluator identity within a session.
	CallerQuota int `mapstructure:"caller_quota" yaml:"caller_quota"`

	// TimeBudget is the cumulative wall-clock budget for this category
	// within a session.
	TimeBudget time.Duration `mapstructure:"time_budget" yaml:"time_budget"`

	// NoveltyWindow is the number of consecutive successful calls producing
	// no new content (by fingerprint) before further calls in the category
	// are denied for the rest of the session. Default: 3.
	NoveltyWindow int `mapstructure:"novelty_window" yaml:"novelty_window"`
}

// Config holds governor configuration.
type Config struct {
	// ResetHour is the local hour (0-23) at which the period budget
	// replenishes. Default: 0 (midnight).
	ResetHour int `mapstructure:"reset_hour" yaml:"reset_hour"`

	// Timezone is the fixed IANA timezone the reset boundary is anchored in,
	// so the boundary does not drift with call timing. Default: UTC.
	Timezone string `mapstructure:"timezone" yaml:"timezone"`

	// Default applies to categories without an explicit entry in Categories.
	Default Limits `mapstructure:"default" yaml:"default"`

	// Categories overrides limits per call category.
	Categories map[string]Limits `mapstructure:"categories" yaml:"categories"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ResetHour: 0,
		Timezone:  "UTC",
		Default: Limits{
			PeriodQuota:   200,
			SessionQuota:  25,
			CallerQuota:   10,
			TimeBudget:    5 * time.Minute,
			NoveltyWindow: 3,
		},
	}
}

// categoryState is the per-(session, category) accounting.
type categoryState struct {
	sessionCalls   int
	callerCalls    map[string]int
	deniedCalls    int
	elapsed        time.Duration
	seenContent    map[string]bool
	staleStreak    int
	noveltyTripped bool
}

// Session scopes session-level budget dimensions to one negotiation run.
// Create one per engine run via Governor.NewSession.
type Session struct {
	id types.ID

	mu         sync.Mutex
	categories map[string]*categoryState

	admitted int64
	denied   int64
}

// ID returns the session identity.
func (s *Session) ID() types.ID { return s.id }

// Stats returns how many calls this session admitted and denied.
func (s *Session) Stats() (admitted, denied int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admitted, s.denied
}

// Denied reports whether any admission in this session was denied.
func (s *Session) Denied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.denied > 0
}

// Exhausted reports whether any budget dimension has denied a call in the
// given category, meaning the stage should proceed on partial results.
func (s *Session) Exhausted(category string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.categories[category]
	if !ok {
		return false
	}
	return cs.noveltyTripped || cs.deniedCalls > 0
}

func (s *Session) category(name string) *categoryState {
	cs, ok := s.categories[name]
	if !ok {
		cs = &categoryState{
			callerCalls: make(map[string]int),
			seenContent: make(map[string]bool),
		}
		s.categories[name] = cs
	}
	return cs
}

// Governor is the process-wide admission controller. It owns the durable
// period ledger and hands out Sessions for per-run accounting.
type Governor struct {
	config Config
	ledger LedgerStore
	logger *slog.Logger

	location *time.Location

	now func() time.Time
}

// Option is a functional option for configuring a Governor.
type Option func(*Governor)

// WithLogger configures the governor to use the specified structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Governor) {
		g.logger = logger
	}
}

// New creates a Governor over the given ledger store.
func New(config Config, ledger LedgerStore, opts ...Option) (*Governor, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger store cannot be nil")
	}
	if config.Timezone == "" {
		config.Timezone = "UTC"
	}
	if config.ResetHour < 0 || config.ResetHour > 23 {
		return nil, fmt.Errorf("reset hour %d outside [0,23]", config.ResetHour)
	}

	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", config.Timezone, err)
	}

	g := &Governor{
		config:   config,
		ledger:   ledger,
		logger:   slog.Default(),
		location: loc,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// NewSession creates a fresh session for one negotiation run.
func (g *Governor) NewSession() *Session {
	return &Session{
		id:         types.NewID(),
		categories: make(map[string]*categoryState),
	}
}

// limitsFor returns the limits for a category, falling back to the default.
func (g *Governor) limitsFor(category string) Limits {
	if l, ok := g.config.Categories[category]; ok {
		return l
	}
	return g.config.Default
}

// periodEpoch returns the unix timestamp of the most recent reset boundary.
// The boundary is fixed in the configured timezone so the period never
// drifts with call timing.
func (g *Governor) periodEpoch(now time.Time) int64 {
	local := now.In(g.location)
	boundary := time.Date(local.Year(), local.Month(), local.Day(), g.config.ResetHour, 0, 0, 0, g.location)
	if local.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary.Unix()
}

// Admit evaluates admission for one external call by (caller, category),
// denying with a specific stop reason on the first violated dimension:
// global period budget, per-session budget, per-caller budget, wall-clock
// time budget, then diminishing returns. An admitted call reserves one unit
// in every counted dimension atomically, so concurrent callers cannot
// jointly over-admit past a quota.
func (g *Governor) Admit(s *Session, caller, category string) error {
	limits := g.limitsFor(category)

	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.category(category)

	deny := func(err error) error {
		s.denied++
		cs.deniedCalls++
		return err
	}

	// The period budget is read first so it wins the stop reason, but the
	// ledger reservation happens only after every session-scoped dimension
	// passes, so a locally-denied call never burns period quota.
	if limits.PeriodQuota > 0 {
		epoch := g.periodEpoch(g.now())
		count, err := g.ledger.Count("global", category, epoch)
		if err != nil {
			return deny(types.WrapError(types.ADMISSION_DENIED, "ledger read failed", err))
		}
		if count >= limits.PeriodQuota {
			return deny(types.NewError(types.ADMISSION_PERIOD_BUDGET, fmt.Sprintf(
				"period budget exhausted for category %s: %d/%d calls this period",
				category, count, limits.PeriodQuota)))
		}
	}

	if limits.SessionQuota > 0 && cs.sessionCalls >= limits.SessionQuota {
		return deny(types.NewError(types.ADMISSION_SESSION_BUDGET, fmt.Sprintf(
			"session budget exhausted for category %s: %d/%d calls",
			category, cs.sessionCalls, limits.SessionQuota)))
	}

	if limits.CallerQuota > 0 && cs.callerCalls[caller] >= limits.CallerQuota {
		return deny(types.NewError(types.ADMISSION_CALLER_BUDGET, fmt.Sprintf(
			"caller budget exhausted for %s in category %s: %d/%d calls",
			caller, category, cs.callerCalls[caller], limits.CallerQuota)))
	}

	if limits.TimeBudget > 0 && cs.elapsed >= limits.TimeBudget {
		return deny(types.NewError(types.ADMISSION_TIME_BUDGET, fmt.Sprintf(
			"time budget exhausted for category %s: %s spent of %s",
			category, cs.elapsed, limits.TimeBudget)))
	}

	if cs.noveltyTripped {
		return deny(types.NewError(types.ADMISSION_NO_NOVELTY, fmt.Sprintf(
			"diminishing returns: category %s produced no new content for %d consecutive calls",
			category, limits.NoveltyWindow)))
	}

	if limits.PeriodQuota > 0 {
		epoch := g.periodEpoch(g.now())
		_, admitted, err := g.ledger.IncrementIfBelow("global", category, epoch, limits.PeriodQuota)
		if err != nil {
			return deny(types.WrapError(types.ADMISSION_DENIED, "ledger update failed", err))
		}
		if !admitted {
			// Lost a race for the last period slot.
			return deny(types.NewError(types.ADMISSION_PERIOD_BUDGET, fmt.Sprintf(
				"period budget exhausted for category %s", category)))
		}
	}

	cs.sessionCalls++
	cs.callerCalls[caller]++
	s.admitted++
	return nil
}

// RecordResult accounts for one executed (cache-miss) call: its wall-clock
// cost always, and its content novelty when it succeeded. A run of
// NoveltyWindow consecutive successful calls whose content fingerprints all
// match previously-seen content closes the category for the session.
func (g *Governor) RecordResult(s *Session, category, contentFingerprint string, elapsed time.Duration, success bool) {
	limits := g.limitsFor(category)
	window := limits.NoveltyWindow
	if window <= 0 {
		window = 3
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.category(category)
	cs.elapsed += elapsed

	if !success {
		return
	}

	if cs.seenContent[contentFingerprint] {
		cs.staleStreak++
		if cs.staleStreak >= window {
			cs.noveltyTripped = true
			g.logger.Info("diminishing returns cutoff tripped",
				"session", s.id,
				"category", category,
				"stale_streak", cs.staleStreak,
			)
		}
		return
	}

	cs.seenContent[contentFingerprint] = true
	cs.staleStreak = 0
}
