package config

import (
	"fmt"
	"time"

	"github.com/concord-ai/concord/internal/verdict"
)

// Validator checks a loaded configuration for internal consistency.
type Validator interface {
	Validate(cfg *Config) error
}

// NewValidator creates the default validator.
func NewValidator() Validator {
	return &defaultValidator{}
}

type defaultValidator struct{}

func (defaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if cfg.Governor.ResetHour < 0 || cfg.Governor.ResetHour > 23 {
		return fmt.Errorf("governor.reset_hour %d outside [0,23]", cfg.Governor.ResetHour)
	}
	if cfg.Governor.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Governor.Timezone); err != nil {
			return fmt.Errorf("governor.timezone %q is invalid: %w", cfg.Governor.Timezone, err)
		}
	}

	if cfg.Cache.DefaultTTL < 0 {
		return fmt.Errorf("cache.default_ttl cannot be negative")
	}
	for category, ttl := range cfg.Cache.CategoryTTLs {
		if ttl <= 0 {
			return fmt.Errorf("cache.category_ttls[%s] must be positive", category)
		}
	}

	if cfg.Breaker.FailureThreshold < 0 {
		return fmt.Errorf("breaker.failure_threshold cannot be negative")
	}
	if cfg.Breaker.Cooldown < 0 {
		return fmt.Errorf("breaker.cooldown cannot be negative")
	}
	if cfg.Breaker.CallTimeout < 0 {
		return fmt.Errorf("breaker.call_timeout cannot be negative")
	}

	if cfg.Negotiation.MaxRounds < 0 {
		return fmt.Errorf("negotiation.max_rounds cannot be negative")
	}
	if t := cfg.Negotiation.Converge.ApprovalThreshold; t < 0 || t > 1 {
		return fmt.Errorf("negotiation.converge.approval_threshold %v outside [0,1]", t)
	}

	classes := make(map[string]bool, len(cfg.Negotiation.Tension.Classes))
	for _, class := range cfg.Negotiation.Tension.Classes {
		if class.Name == "" {
			return fmt.Errorf("negotiation.tension class with empty name")
		}
		if classes[class.Name] {
			return fmt.Errorf("negotiation.tension class %q declared twice", class.Name)
		}
		classes[class.Name] = true
	}
	if d := cfg.Negotiation.Tension.DefaultClass; d != "" && !classes[d] {
		return fmt.Errorf("negotiation.tension.default_class %q is not declared", d)
	}
	for pair, class := range cfg.Negotiation.Tension.PairClasses {
		if !classes[class] {
			return fmt.Errorf("negotiation.tension.pair_classes[%s] references undeclared class %q", pair, class)
		}
	}

	seen := make(map[string]bool, len(cfg.Evaluators))
	for _, e := range cfg.Evaluators {
		if e.ID == "" {
			return fmt.Errorf("evaluator with empty id")
		}
		if seen[e.ID] {
			return fmt.Errorf("evaluator %q declared twice", e.ID)
		}
		seen[e.ID] = true
		if e.Tier != "" {
			if _, err := verdict.ParseTier(e.Tier); err != nil {
				return fmt.Errorf("evaluator %q: %w", e.ID, err)
			}
		}
	}

	for i, w := range cfg.Waivers {
		switch verdict.WaiverStatus(w.Status) {
		case "", verdict.WaiverActive, verdict.WaiverExpired, verdict.WaiverRevoked, verdict.WaiverSuperseded:
		default:
			return fmt.Errorf("waivers[%d] has unknown status %q", i, w.Status)
		}
		if w.EvaluatorID != "" && len(seen) > 0 && !seen[w.EvaluatorID] {
			return fmt.Errorf("waivers[%d] references unknown evaluator %q", i, w.EvaluatorID)
		}
		if w.ExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, w.ExpiresAt); err != nil {
				return fmt.Errorf("waivers[%d].expires_at: %w", i, err)
			}
		}
	}

	return nil
}
