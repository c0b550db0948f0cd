package config

import (
	"time"

	"github.com/concord-ai/concord/internal/breaker"
	"github.com/concord-ai/concord/internal/cache"
	"github.com/concord-ai/concord/internal/converge"
	"github.com/concord-ai/concord/internal/engine"
	"github.com/concord-ai/concord/internal/governor"
	"github.com/concord-ai/concord/internal/tension"
)

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			BusyTimeout: 5 * time.Second,
		},
		Governor: governor.DefaultConfig(),
		Cache:    cache.DefaultConfig(),
		Breaker:  breaker.DefaultConfig(),
		Negotiation: engine.NegotiatorConfig{
			MaxRounds: 8,
			Tension:   tension.DefaultConfig(),
			Converge:  converge.DefaultConfig(),
		},
	}
}
