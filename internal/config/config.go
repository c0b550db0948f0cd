// Package config loads and validates the engine configuration: budgets,
// cache lifetimes, breaker thresholds, the negotiation protocol knobs, and
// the declarative negotiation definition (evaluator roster, tiers, waivers).
package config

import (
	"fmt"
	"time"

	"github.com/concord-ai/concord/internal/breaker"
	"github.com/concord-ai/concord/internal/cache"
	"github.com/concord-ai/concord/internal/engine"
	"github.com/concord-ai/concord/internal/governor"
	"github.com/concord-ai/concord/internal/types"
	"github.com/concord-ai/concord/internal/verdict"
)

// Config is the full engine configuration tree.
type Config struct {
	Database    DatabaseConfig          `mapstructure:"database" yaml:"database"`
	Governor    governor.Config         `mapstructure:"governor" yaml:"governor"`
	Cache       cache.Config            `mapstructure:"cache" yaml:"cache"`
	Breaker     breaker.Config          `mapstructure:"breaker" yaml:"breaker"`
	Negotiation engine.NegotiatorConfig `mapstructure:"negotiation" yaml:"negotiation"`
	Evaluators  []EvaluatorSpec         `mapstructure:"evaluators" yaml:"evaluators"`
	Waivers     []WaiverSpec            `mapstructure:"waivers" yaml:"waivers"`
}

// DatabaseConfig locates the durable store for budgets and circuit history.
type DatabaseConfig struct {
	// Path is the SQLite file path. Empty disables persistence; budgets and
	// circuit history then live in memory only.
	Path string `mapstructure:"path" yaml:"path"`

	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
}

// EvaluatorSpec declares one evaluator of the roster and its tier.
type EvaluatorSpec struct {
	ID   string `mapstructure:"id" yaml:"id"`
	Tier string `mapstructure:"tier" yaml:"tier"`
}

// WaiverSpec declares a waiver in configuration form. ExpiresAt is RFC 3339.
type WaiverSpec struct {
	ID          string   `mapstructure:"id" yaml:"id"`
	EvaluatorID string   `mapstructure:"evaluator_id" yaml:"evaluator_id"`
	Markets     []string `mapstructure:"markets" yaml:"markets"`
	Industries  []string `mapstructure:"industries" yaml:"industries"`
	Sizes       []string `mapstructure:"sizes" yaml:"sizes"`
	Status      string   `mapstructure:"status" yaml:"status"`
	ExpiresAt   string   `mapstructure:"expires_at" yaml:"expires_at"`
}

// TierMap builds the evaluator tier assignment from the roster.
func (c *Config) TierMap() (verdict.TierMap, error) {
	m := make(verdict.TierMap, len(c.Evaluators))
	for _, e := range c.Evaluators {
		if e.Tier == "" {
			continue
		}
		tier, err := verdict.ParseTier(e.Tier)
		if err != nil {
			return nil, err
		}
		m[e.ID] = tier
	}
	return m, nil
}

// WaiverList materializes the configured waivers.
func (c *Config) WaiverList() ([]verdict.Waiver, error) {
	out := make([]verdict.Waiver, 0, len(c.Waivers))
	for _, w := range c.Waivers {
		status := verdict.WaiverStatus(w.Status)
		if w.Status == "" {
			status = verdict.WaiverActive
		}
		waiver := verdict.Waiver{
			Scope: verdict.WaiverScope{
				Markets:    w.Markets,
				Industries: w.Industries,
				Sizes:      w.Sizes,
			},
			Status:      status,
			EvaluatorID: w.EvaluatorID,
		}
		if w.ExpiresAt != "" {
			expires, err := time.Parse(time.RFC3339, w.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("waiver expires_at %q: %w", w.ExpiresAt, err)
			}
			waiver.ExpiresAt = expires
		}
		if w.ID != "" {
			id, err := types.ParseID(w.ID)
			if err != nil {
				return nil, err
			}
			waiver.ID = id
		} else {
			waiver.ID = types.NewID()
		}
		out = append(out, waiver)
	}
	return out, nil
}
