package governor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-ai/concord/internal/types"
)

func newTestGovernor(t *testing.T, cfg Config) (*Governor, *time.Time) {
	t.Helper()
	g, err := New(cfg, NewMemoryLedgerStore())
	require.NoError(t, err)
	current := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return current }
	return g, &current
}

func TestNew_Validation(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err, "nil ledger rejected")

	_, err = New(Config{ResetHour: 24}, NewMemoryLedgerStore())
	assert.Error(t, err, "reset hour out of range rejected")

	_, err = New(Config{Timezone: "Mars/Olympus"}, NewMemoryLedgerStore())
	assert.Error(t, err, "unknown timezone rejected")
}

func TestAdmit_SessionQuota(t *testing.T) {
	g, _ := newTestGovernor(t, Config{
		Default: Limits{SessionQuota: 5},
	})
	s := g.NewSession()

	for i := 0; i < 5; i++ {
		require.NoError(t, g.Admit(s, "risk", "research"), "call %d should be admitted", i+1)
	}

	err := g.Admit(s, "risk", "research")
	require.Error(t, err)
	assert.Equal(t, types.ADMISSION_SESSION_BUDGET, types.CodeOf(err))
	assert.True(t, types.IsAdmissionDenied(err))

	admitted, denied := s.Stats()
	assert.Equal(t, int64(5), admitted)
	assert.Equal(t, int64(1), denied)
}

func TestAdmit_CallerQuotaIsPerCaller(t *testing.T) {
	g, _ := newTestGovernor(t, Config{
		Default: Limits{CallerQuota: 2},
	})
	s := g.NewSession()

	require.NoError(t, g.Admit(s, "risk", "research"))
	require.NoError(t, g.Admit(s, "risk", "research"))

	err := g.Admit(s, "risk", "research")
	require.Error(t, err)
	assert.Equal(t, types.ADMISSION_CALLER_BUDGET, types.CodeOf(err))

	// A different caller still has quota in the same category.
	assert.NoError(t, g.Admit(s, "finance", "research"))
}

func TestAdmit_PeriodBudgetSharedAcrossSessions(t *testing.T) {
	g, _ := newTestGovernor(t, Config{
		Default: Limits{PeriodQuota: 3},
	})

	s1 := g.NewSession()
	s2 := g.NewSession()

	require.NoError(t, g.Admit(s1, "risk", "research"))
	require.NoError(t, g.Admit(s1, "risk", "research"))
	require.NoError(t, g.Admit(s2, "risk", "research"))

	err := g.Admit(s2, "risk", "research")
	require.Error(t, err)
	assert.Equal(t, types.ADMISSION_PERIOD_BUDGET, types.CodeOf(err))
}

func TestAdmit_PeriodBudgetReplenishesAtBoundary(t *testing.T) {
	g, current := newTestGovernor(t, Config{
		ResetHour: 0,
		Timezone:  "UTC",
		Default:   Limits{PeriodQuota: 1},
	})
	s := g.NewSession()

	require.NoError(t, g.Admit(s, "risk", "research"))
	require.Error(t, g.Admit(s, "risk", "research"))

	// Crossing midnight UTC starts a fresh period.
	*current = time.Date(2026, 3, 11, 0, 0, 1, 0, time.UTC)
	assert.NoError(t, g.Admit(s, "risk", "research"))
}

func TestAdmit_ResetBoundaryIsCalendarAnchoredNotRolling(t *testing.T) {
	g, current := newTestGovernor(t, Config{
		ResetHour: 9,
		Timezone:  "UTC",
		Default:   Limits{PeriodQuota: 1},
	})
	s := g.NewSession()

	// 08:59: consumes the quota of the period that started yesterday 09:00.
	*current = time.Date(2026, 3, 10, 8, 59, 0, 0, time.UTC)
	require.NoError(t, g.Admit(s, "risk", "research"))

	// 09:01 the same day: a new period, regardless of how recently the last
	// call happened.
	*current = time.Date(2026, 3, 10, 9, 1, 0, 0, time.UTC)
	assert.NoError(t, g.Admit(s, "risk", "research"))
}

func TestAdmit_TimeBudget(t *testing.T) {
	g, _ := newTestGovernor(t, Config{
		Default: Limits{TimeBudget: time.Minute},
	})
	s := g.NewSession()

	require.NoError(t, g.Admit(s, "risk", "research"))
	g.RecordResult(s, "research", "fp-1", 61*time.Second, true)

	err := g.Admit(s, "risk", "research")
	require.Error(t, err)
	assert.Equal(t, types.ADMISSION_TIME_BUDGET, types.CodeOf(err))
}

func TestAdmit_FailedCallsStillConsumeTime(t *testing.T) {
	g, _ := newTestGovernor(t, Config{
		Default: Limits{TimeBudget: time.Minute},
	})
	s := g.NewSession()

	require.NoError(t, g.Admit(s, "risk", "research"))
	g.RecordResult(s, "research", "", 2*time.Minute, false)

	err := g.Admit(s, "risk", "research")
	require.Error(t, err)
	assert.Equal(t, types.ADMISSION_TIME_BUDGET, types.CodeOf(err))
}

func TestAdmit_DiminishingReturns(t *testing.T) {
	g, _ := newTestGovernor(t, Config{
		Default: Limits{NoveltyWindow: 3},
	})
	s := g.NewSession()

	// First sighting of each fingerprint is novel.
	require.NoError(t, g.Admit(s, "risk", "research"))
	g.RecordResult(s, "research", "fp-a", time.Second, true)
	require.NoError(t, g.Admit(s, "risk", "research"))
	g.RecordResult(s, "research", "fp-b", time.Second, true)

	// Three consecutive repeats trip the cutoff.
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Admit(s, "risk", "research"))
		g.RecordResult(s, "research", "fp-a", time.Second, true)
	}

	err := g.Admit(s, "risk", "research")
	require.Error(t, err)
	assert.Equal(t, types.ADMISSION_NO_NOVELTY, types.CodeOf(err))
	assert.True(t, s.Exhausted("research"))

	// Other categories in the same session are unaffected.
	assert.NoError(t, g.Admit(s, "risk", "pricing"))
}

func TestRecordResult_NovelContentResetsStreak(t *testing.T) {
	g, _ := newTestGovernor(t, Config{
		Default: Limits{NoveltyWindow: 3},
	})
	s := g.NewSession()

	g.RecordResult(s, "research", "fp-a", time.Second, true)
	g.RecordResult(s, "research", "fp-a", time.Second, true)
	g.RecordResult(s, "research", "fp-a", time.Second, true)
	// Streak at 2 repeats; novel content resets it.
	g.RecordResult(s, "research", "fp-new", time.Second, true)
	g.RecordResult(s, "research", "fp-a", time.Second, true)

	assert.NoError(t, g.Admit(s, "risk", "research"))
}

func TestRecordResult_FailuresDoNotCountTowardNovelty(t *testing.T) {
	g, _ := newTestGovernor(t, Config{
		Default: Limits{NoveltyWindow: 2},
	})
	s := g.NewSession()

	g.RecordResult(s, "research", "fp-a", time.Second, true)
	g.RecordResult(s, "research", "", time.Second, false)
	g.RecordResult(s, "research", "", time.Second, false)
	g.RecordResult(s, "research", "", time.Second, false)

	assert.NoError(t, g.Admit(s, "risk", "research"))
}

func TestAdmit_CategoryOverridesDefault(t *testing.T) {
	g, _ := newTestGovernor(t, Config{
		Default: Limits{SessionQuota: 10},
		Categories: map[string]Limits{
			"expensive": {SessionQuota: 1},
		},
	})
	s := g.NewSession()

	require.NoError(t, g.Admit(s, "risk", "expensive"))
	require.Error(t, g.Admit(s, "risk", "expensive"))

	for i := 0; i < 10; i++ {
		require.NoError(t, g.Admit(s, "risk", "other"))
	}
}

func TestAdmit_ConcurrentCallersCannotOverAdmit(t *testing.T) {
	g, _ := newTestGovernor(t, Config{
		Default: Limits{SessionQuota: 50},
	})
	s := g.NewSession()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(caller int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := g.Admit(s, "caller", "research"); err == nil {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, admitted, "exactly the session quota is admitted under contention")
}

func TestSession_ExhaustedOnlyAfterDenial(t *testing.T) {
	g, _ := newTestGovernor(t, Config{
		Default: Limits{SessionQuota: 1},
	})
	s := g.NewSession()

	assert.False(t, s.Exhausted("research"))
	require.NoError(t, g.Admit(s, "risk", "research"))
	assert.False(t, s.Exhausted("research"))

	require.Error(t, g.Admit(s, "risk", "research"))
	assert.True(t, s.Exhausted("research"))
}
