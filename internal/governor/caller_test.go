package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-ai/concord/internal/breaker"
	"github.com/concord-ai/concord/internal/cache"
	"github.com/concord-ai/concord/internal/types"
)

// scriptedProvider returns queued errors in order, then successes.
type scriptedProvider struct {
	name    string
	content string
	errs    []error
	calls   int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Invoke(ctx context.Context, req breaker.Request) (breaker.Response, error) {
	idx := p.calls
	p.calls++
	if idx < len(p.errs) && p.errs[idx] != nil {
		return breaker.Response{}, p.errs[idx]
	}
	return breaker.Response{Content: p.content}, nil
}

func newCallerFixture(t *testing.T, cfg Config, provider *scriptedProvider) (*GovernedCaller, *Session, *scriptedProvider) {
	t.Helper()

	g, err := New(cfg, NewMemoryLedgerStore())
	require.NoError(t, err)
	s := g.NewSession()

	fm := breaker.NewFailoverManager(breaker.New(breaker.DefaultConfig()))
	require.NoError(t, fm.Register("research", provider))

	c := cache.New(cache.DefaultConfig())
	return NewGovernedCaller(g, s, "risk", c, fm), s, provider
}

func TestGovernedCaller_CacheHitBypassesBudget(t *testing.T) {
	provider := &scriptedProvider{name: "p", content: "report body"}
	gc, s, _ := newCallerFixture(t, Config{Default: Limits{SessionQuota: 1}}, provider)

	req := map[string]any{"query": "market size"}

	got, err := gc.Call(context.Background(), "research", req)
	require.NoError(t, err)
	assert.Equal(t, "report body", got)

	// Session quota of 1 is consumed, but the repeat is a cache hit and
	// succeeds without admission.
	got, err = gc.Call(context.Background(), "research", req)
	require.NoError(t, err)
	assert.Equal(t, "report body", got)
	assert.Equal(t, 1, provider.calls)

	admitted, denied := s.Stats()
	assert.Equal(t, int64(1), admitted)
	assert.Equal(t, int64(0), denied)
}

func TestGovernedCaller_SessionQuotaScenario(t *testing.T) {
	// Session budget of 5: six distinct calls admit the first five and deny
	// the sixth with an admission error.
	provider := &scriptedProvider{name: "p", content: "result"}
	gc, _, _ := newCallerFixture(t, Config{Default: Limits{SessionQuota: 5, NoveltyWindow: 100}}, provider)

	for i := 0; i < 5; i++ {
		_, err := gc.Call(context.Background(), "research", map[string]any{"q": i})
		require.NoError(t, err, "call %d", i+1)
	}

	_, err := gc.Call(context.Background(), "research", map[string]any{"q": 5})
	require.Error(t, err)
	assert.True(t, types.IsAdmissionDenied(err))
	assert.Equal(t, 5, provider.calls)
}

func TestGovernedCaller_ProviderFailureSurfacesAndConsumesTime(t *testing.T) {
	provider := &scriptedProvider{name: "p", errs: []error{errors.New("boom")}}
	gc, s, _ := newCallerFixture(t, Config{Default: Limits{SessionQuota: 10}}, provider)
	gc.now = func() time.Time { return time.Now() }

	_, err := gc.Call(context.Background(), "research", map[string]any{"q": 1})
	require.Error(t, err)
	assert.Equal(t, types.ALL_PROVIDERS_UNAVAILABLE, types.CodeOf(err))

	admitted, _ := s.Stats()
	assert.Equal(t, int64(1), admitted, "failed call still consumed admission")
}

func TestGovernedCaller_RepeatContentTripsNoveltyCutoff(t *testing.T) {
	provider := &scriptedProvider{name: "p", content: "same answer every time"}
	gc, _, _ := newCallerFixture(t, Config{Default: Limits{NoveltyWindow: 2}}, provider)

	// Distinct requests so the cache never short-circuits; identical content
	// each time trips the cutoff after the streak.
	_, err := gc.Call(context.Background(), "research", map[string]any{"q": 1})
	require.NoError(t, err)
	_, err = gc.Call(context.Background(), "research", map[string]any{"q": 2})
	require.NoError(t, err)
	_, err = gc.Call(context.Background(), "research", map[string]any{"q": 3})
	require.NoError(t, err)

	_, err = gc.Call(context.Background(), "research", map[string]any{"q": 4})
	require.Error(t, err)
	assert.Equal(t, types.ADMISSION_NO_NOVELTY, types.CodeOf(err))
}
