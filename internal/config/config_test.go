package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-ai/concord/internal/types"
	"github.com/concord-ai/concord/internal/verdict"
)

const sampleYAML = `
database:
  path: /var/lib/concord/concord.db
  busy_timeout: 10s

governor:
  reset_hour: 9
  timezone: Europe/Berlin
  default:
    period_quota: 200
    session_quota: 25
    caller_quota: 10
    time_budget: 5m
    novelty_window: 3
  categories:
    research:
      session_quota: 40

cache:
  default_ttl: 15m
  max_entries: 1000
  category_ttls:
    pricing: 2m

breaker:
  failure_threshold: 3
  cooldown: 60s
  call_timeout: 10s

negotiation:
  max_rounds: 6
  tension:
    default_class: general
    classes:
      - name: general
        max_rounds: 3
      - name: values
        max_rounds: 1
        values_conflict: true
    pair_classes:
      ethics|legal: values
  converge:
    max_warns: 2
    approval_threshold: 0.6

evaluators:
  - id: compliance
    tier: tier1
  - id: finance
    tier: tier2
  - id: growth

waivers:
  - evaluator_id: compliance
    markets: [EU]
    status: ACTIVE
    expires_at: 2027-01-01T00:00:00Z
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "concord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	loader := NewLoader(NewValidator())

	cfg, err := loader.Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/concord/concord.db", cfg.Database.Path)
	assert.Equal(t, 9, cfg.Governor.ResetHour)
	assert.Equal(t, "Europe/Berlin", cfg.Governor.Timezone)
	assert.Equal(t, 25, cfg.Governor.Default.SessionQuota)
	assert.Equal(t, 5*time.Minute, cfg.Governor.Default.TimeBudget)
	assert.Equal(t, 40, cfg.Governor.Categories["research"].SessionQuota)

	assert.Equal(t, 15*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 2*time.Minute, cfg.Cache.CategoryTTLs["pricing"])
	assert.Equal(t, 1000, cfg.Cache.MaxEntries)

	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.Cooldown)
	assert.Equal(t, 10*time.Second, cfg.Breaker.CallTimeout)

	assert.Equal(t, 6, cfg.Negotiation.MaxRounds)
	require.Len(t, cfg.Negotiation.Tension.Classes, 2)
	assert.True(t, cfg.Negotiation.Tension.Classes[1].ValuesConflict)
	assert.Equal(t, "values", cfg.Negotiation.Tension.PairClasses["ethics|legal"])
	assert.InDelta(t, 0.6, cfg.Negotiation.Converge.ApprovalThreshold, 1e-9)
}

func TestLoad_TierMapAndWaivers(t *testing.T) {
	loader := NewLoader(NewValidator())
	cfg, err := loader.Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	tiers, err := cfg.TierMap()
	require.NoError(t, err)
	assert.Equal(t, verdict.Tier1, tiers.TierOf("compliance"))
	assert.Equal(t, verdict.Tier2, tiers.TierOf("finance"))
	assert.Equal(t, verdict.Tier3, tiers.TierOf("growth"), "untier'd evaluators are advisory")

	waivers, err := cfg.WaiverList()
	require.NoError(t, err)
	require.Len(t, waivers, 1)
	w := waivers[0]
	assert.Equal(t, verdict.WaiverActive, w.Status)
	assert.Equal(t, "compliance", w.EvaluatorID)
	assert.Equal(t, []string{"EU"}, w.Scope.Markets)
	assert.False(t, w.ID.IsZero(), "waivers without an id get one assigned")
	assert.True(t, w.ActiveAt(time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)))
}

func TestLoad_EnvInterpolation(t *testing.T) {
	t.Setenv("CONCORD_DB_DIR", "/data/concord")

	loader := NewLoader(NewValidator())
	cfg, err := loader.Load(writeConfig(t, `
database:
  path: ${CONCORD_DB_DIR}/concord.db
`))
	require.NoError(t, err)
	assert.Equal(t, "/data/concord/concord.db", cfg.Database.Path)
}

func TestLoad_MissingFileFails(t *testing.T) {
	loader := NewLoader(NewValidator())
	_, err := loader.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, types.CONFIG_LOAD_FAILED, types.CodeOf(err))
}

func TestLoadWithDefaults_MissingFileUsesDefaults(t *testing.T) {
	loader := NewLoader(NewValidator())
	cfg, err := loader.LoadWithDefaults(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 200, cfg.Governor.Default.PeriodQuota)
	assert.Equal(t, 15*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 8, cfg.Negotiation.MaxRounds)
}

func TestValidate_Rejections(t *testing.T) {
	loader := NewLoader(NewValidator())

	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "reset hour out of range",
			yaml: "governor:\n  reset_hour: 24\n",
		},
		{
			name: "unknown timezone",
			yaml: "governor:\n  timezone: Mars/Olympus\n",
		},
		{
			name: "approval threshold above one",
			yaml: "negotiation:\n  converge:\n    approval_threshold: 1.5\n",
		},
		{
			name: "undeclared default tension class",
			yaml: "negotiation:\n  tension:\n    default_class: ghost\n    classes:\n      - name: general\n",
		},
		{
			name: "pair references undeclared class",
			yaml: "negotiation:\n  tension:\n    default_class: general\n    classes:\n      - name: general\n    pair_classes:\n      a|b: ghost\n",
		},
		{
			name: "negative call timeout",
			yaml: "breaker:\n  call_timeout: -1s\n",
		},
		{
			name: "duplicate evaluator",
			yaml: "evaluators:\n  - id: finance\n  - id: finance\n",
		},
		{
			name: "unknown tier",
			yaml: "evaluators:\n  - id: finance\n    tier: tier9\n",
		},
		{
			name: "waiver references unknown evaluator",
			yaml: "evaluators:\n  - id: finance\nwaivers:\n  - evaluator_id: ghost\n",
		},
		{
			name: "unknown waiver status",
			yaml: "waivers:\n  - evaluator_id: \"\"\n    status: MAYBE\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Equal(t, types.CONFIG_VALIDATION_FAILED, types.CodeOf(err))
		})
	}
}
