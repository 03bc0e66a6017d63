package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tickerwatch/screener-service/internal/models"
)

type fakeProvider struct {
	mu          sync.Mutex
	monthBars   map[string][]models.PriceBar
	monthErr    map[string]error
	monthCalls  map[string]int
	monthReqs   []string
	quotes      map[string]models.Quote
	quoteErr    error
	quoteErrN   int // fail the first N batch calls
	quoteCalls  int
	quoteBatchN []int
}

func (p *fakeProvider) FetchMonth(ctx context.Context, symbol string, year int, month time.Month) ([]models.PriceBar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.monthCalls == nil {
		p.monthCalls = make(map[string]int)
	}
	p.monthCalls[symbol]++
	p.monthReqs = append(p.monthReqs, fmt.Sprintf("%04d-%02d", year, month))
	if err, ok := p.monthErr[symbol]; ok && err != nil {
		return nil, err
	}
	bars, ok := p.monthBars[symbol]
	if !ok {
		return nil, ErrNoData
	}
	return bars, nil
}

func (p *fakeProvider) FetchQuoteBatch(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quoteCalls++
	p.quoteBatchN = append(p.quoteBatchN, len(symbols))
	if p.quoteErr != nil && (p.quoteErrN == 0 || p.quoteCalls <= p.quoteErrN) {
		return nil, p.quoteErr
	}
	out := make(map[string]models.Quote)
	for _, s := range symbols {
		if q, ok := p.quotes[NormalizeSymbol(s)]; ok {
			out[NormalizeSymbol(s)] = q
		}
	}
	return out, nil
}

type fakeStore struct {
	mu      sync.Mutex
	bars    map[string][]models.PriceBar
	synced  map[string]int
	countEr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bars:   make(map[string][]models.PriceBar),
		synced: make(map[string]int),
	}
}

func (s *fakeStore) CountDays(symbol string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countEr != nil {
		return 0, s.countEr
	}
	return len(s.bars[symbol]), nil
}

func (s *fakeStore) UpsertBars(symbol string, bars []models.PriceBar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDate := make(map[string]models.PriceBar, len(s.bars[symbol]))
	for _, b := range s.bars[symbol] {
		byDate[b.Date.Format("2006-01-02")] = b
	}
	for _, b := range bars {
		byDate[b.Date.Format("2006-01-02")] = b
	}
	merged := make([]models.PriceBar, 0, len(byDate))
	for _, b := range byDate {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Date.Before(merged[j].Date) })
	s.bars[symbol] = merged
	return nil
}

func (s *fakeStore) ReadRecentBars(symbol string, limit int) ([]models.PriceBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bars := s.bars[symbol]
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]models.PriceBar, len(bars))
	copy(out, bars)
	return out, nil
}

func (s *fakeStore) RecordSync(symbol string, ts time.Time, periodsLoaded int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced[symbol] = periodsLoaded
	return nil
}

type fakeHealth struct {
	mu              sync.Mutex
	quarantined     map[string]bool
	retryDue        []string
	failures        map[string]int
	failureReasons  map[string]models.FailureReason
	auditOnly       map[string]int
	successes       map[string]int
	rescheduled     []string
	threshold       int
	recoverOnSucces map[string]bool
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{
		quarantined:     make(map[string]bool),
		failures:        make(map[string]int),
		failureReasons:  make(map[string]models.FailureReason),
		auditOnly:       make(map[string]int),
		successes:       make(map[string]int),
		threshold:       2,
		recoverOnSucces: make(map[string]bool),
	}
}

func (h *fakeHealth) RecordFailure(symbol string, reason models.FailureReason, message string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[symbol]++
	h.failureReasons[symbol] = reason
	if !h.quarantined[symbol] && h.failures[symbol] >= h.threshold {
		h.quarantined[symbol] = true
		return true, nil
	}
	return false, nil
}

func (h *fakeHealth) RecordSuccess(symbol string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes[symbol]++
	if h.quarantined[symbol] || h.recoverOnSucces[symbol] {
		h.quarantined[symbol] = false
		return true, nil
	}
	return false, nil
}

func (h *fakeHealth) LogFailure(symbol string, reason models.FailureReason, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.auditOnly[symbol]++
	return nil
}

func (h *fakeHealth) GetActiveSymbols(symbols []string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, s := range symbols {
		if !h.quarantined[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

func (h *fakeHealth) GetRetryCandidates(now time.Time) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.retryDue...), nil
}

func (h *fakeHealth) UpdateRetrySchedule(symbol string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rescheduled = append(h.rescheduled, symbol)
	return nil
}

type fakeLimiter struct {
	mu       sync.Mutex
	acquires int
}

func (l *fakeLimiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	return ctx.Err()
}

func (l *fakeLimiter) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquires
}

func makeBars(symbol string, n int, close float64) []models.PriceBar {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]models.PriceBar, n)
	for i := range bars {
		p := decimal.NewFromFloat(close)
		bars[i] = models.PriceBar{
			Symbol: symbol,
			Date:   start.AddDate(0, 0, i),
			Open:   p, High: p, Low: p, Close: p,
			Volume: 1000,
		}
	}
	return bars
}

func floatPtr(v float64) *float64 { return &v }
func int64Ptr(v int64) *int64     { return &v }

func quoteFor(symbol string, price float64) models.Quote {
	return models.Quote{
		Symbol: symbol,
		Price:  floatPtr(price),
		Open:   floatPtr(price),
		High:   floatPtr(price),
		Low:    floatPtr(price),
		Volume: int64Ptr(5000),
	}
}

func newTestEngine(p Provider, s HistoryStore, h HealthTracker, l Limiter, mutate func(*EngineConfig)) *Engine {
	cfg := EngineConfig{
		MinHistoryDays:      5,
		BackfillMonths:      2,
		BatchSize:           10,
		RetryCount:          2,
		RetryDelay:          time.Millisecond,
		MAWindows:           []int{2, 3},
		SystemicFailureRate: 0.5,
		Location:            time.UTC,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e := NewEngine(p, s, h, l, cfg, testLogger())
	e.now = func() time.Time { return time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC) }
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

func TestPrepare_HappyPath(t *testing.T) {
	store := newFakeStore()
	store.bars["2330"] = makeBars("2330", 10, 580)
	store.bars["2317"] = makeBars("2317", 10, 105)

	provider := &fakeProvider{quotes: map[string]models.Quote{
		"2330": quoteFor("2330", 582),
		"2317": quoteFor("2317", 106),
	}}
	health := newFakeHealth()
	limiter := &fakeLimiter{}

	eng := newTestEngine(provider, store, health, limiter, nil)
	series, summary, err := eng.Prepare(context.Background(), []string{"2330", "2317"})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Requested)
	assert.Equal(t, 2, summary.Prepared)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.SkippedQuarantined)

	require.Contains(t, series, "2330")
	s := series["2330"]
	// Ten historical bars plus today's live bar.
	assert.Equal(t, 11, s.Len())
	latest, ok := s.LatestClose()
	require.True(t, ok)
	assert.Equal(t, 582.0, latest)

	ma, ok := s.LatestMA(2)
	require.True(t, ok)
	assert.InDelta(t, 581.0, ma, 0.001)

	assert.Equal(t, 1, health.successes["2330"])
	assert.Equal(t, 1, health.successes["2317"])
	// One quote batch, no backfill.
	assert.Equal(t, 1, limiter.count())
}

func TestPrepare_SkipsQuarantinedSymbols(t *testing.T) {
	store := newFakeStore()
	store.bars["2330"] = makeBars("2330", 10, 580)

	provider := &fakeProvider{quotes: map[string]models.Quote{
		"2330": quoteFor("2330", 582),
	}}
	health := newFakeHealth()
	health.quarantined["9999"] = true
	limiter := &fakeLimiter{}

	eng := newTestEngine(provider, store, health, limiter, nil)
	series, summary, err := eng.Prepare(context.Background(), []string{"2330", "9999"})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SkippedQuarantined)
	assert.Equal(t, 1, summary.Prepared)
	assert.NotContains(t, series, "9999")
	assert.Zero(t, provider.monthCalls["9999"])
}

func TestPrepare_BackfillsThinHistory(t *testing.T) {
	store := newFakeStore()

	provider := &fakeProvider{
		monthBars: map[string][]models.PriceBar{
			"2330": makeBars("2330", 6, 580),
		},
		quotes: map[string]models.Quote{
			"2330": quoteFor("2330", 582),
		},
	}
	health := newFakeHealth()
	limiter := &fakeLimiter{}

	eng := newTestEngine(provider, store, health, limiter, nil)
	series, summary, err := eng.Prepare(context.Background(), []string{"2330"})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Prepared)
	assert.Contains(t, series, "2330")
	// Two monthly windows fetched.
	assert.Equal(t, 2, provider.monthCalls["2330"])
	assert.Equal(t, 2, store.synced["2330"])
	// Two history requests plus one quote batch, each limiter-gated.
	assert.Equal(t, 3, limiter.count())
}

func TestBackfill_MonthEndRequestsDistinctMonths(t *testing.T) {
	store := newFakeStore()
	provider := &fakeProvider{
		monthBars: map[string][]models.PriceBar{
			"2330": makeBars("2330", 6, 580),
		},
		quotes: map[string]models.Quote{
			"2330": quoteFor("2330", 582),
		},
	}
	health := newFakeHealth()
	limiter := &fakeLimiter{}

	eng := newTestEngine(provider, store, health, limiter, nil)
	// March 31: subtracting a calendar month from the day itself would
	// normalize back into March and fetch the same month twice.
	eng.now = func() time.Time { return time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC) }

	_, _, err := eng.Prepare(context.Background(), []string{"2330"})
	require.NoError(t, err)

	assert.Equal(t, []string{"2026-03", "2026-02"}, provider.monthReqs)
}

func TestPrepare_AllMonthsEmptyLooksDelisted(t *testing.T) {
	store := newFakeStore()
	provider := &fakeProvider{} // no month data at all
	health := newFakeHealth()
	limiter := &fakeLimiter{}

	eng := newTestEngine(provider, store, health, limiter, nil)
	series, summary, err := eng.Prepare(context.Background(), []string{"2330", "2317", "2454"})
	require.NoError(t, err)

	// All three fail, which trips the systemic guard: audit log only.
	assert.Empty(t, series)
	assert.Equal(t, 3, summary.Failed)
	assert.Empty(t, summary.NewlyQuarantined)
	assert.Equal(t, 1, health.auditOnly["2330"])
	assert.Zero(t, health.failures["2330"])

	// ErrNoData months are never retried.
	assert.Equal(t, 2, provider.monthCalls["2330"])
}

func TestPrepare_IsolatedFailureAdvancesHealthCounter(t *testing.T) {
	store := newFakeStore()
	store.bars["2330"] = makeBars("2330", 10, 580)
	store.bars["2317"] = makeBars("2317", 10, 105)
	store.bars["9999"] = makeBars("9999", 10, 50)

	// 9999 gets no quote back.
	provider := &fakeProvider{quotes: map[string]models.Quote{
		"2330": quoteFor("2330", 582),
		"2317": quoteFor("2317", 106),
	}}
	health := newFakeHealth()
	limiter := &fakeLimiter{}

	eng := newTestEngine(provider, store, health, limiter, nil)
	series, summary, err := eng.Prepare(context.Background(), []string{"2330", "2317", "9999"})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Prepared)
	assert.Equal(t, 1, summary.Failed)
	assert.NotContains(t, series, "9999")
	assert.Equal(t, 1, health.failures["9999"])
	assert.Equal(t, models.ReasonNoData, health.failureReasons["9999"])
	assert.Empty(t, summary.NewlyQuarantined, "first failure must not quarantine")
}

func TestPrepare_SecondFailureQuarantinesAndIsReported(t *testing.T) {
	store := newFakeStore()
	store.bars["2330"] = makeBars("2330", 10, 580)
	store.bars["9999"] = makeBars("9999", 10, 50)

	provider := &fakeProvider{quotes: map[string]models.Quote{
		"2330": quoteFor("2330", 582),
	}}
	health := newFakeHealth()
	health.failures["9999"] = 1
	limiter := &fakeLimiter{}

	eng := newTestEngine(provider, store, health, limiter, nil)
	_, summary, err := eng.Prepare(context.Background(), []string{"2330", "9999"})
	require.NoError(t, err)

	assert.Equal(t, []models.QuarantinedSymbol{{Symbol: "9999", Reason: models.ReasonNoData}},
		summary.NewlyQuarantined)
	assert.True(t, health.quarantined["9999"])
}

func TestPrepare_FailedRetryProbeIsRescheduled(t *testing.T) {
	store := newFakeStore()
	store.bars["2330"] = makeBars("2330", 10, 580)
	store.bars["9999"] = makeBars("9999", 10, 50)

	provider := &fakeProvider{quotes: map[string]models.Quote{
		"2330": quoteFor("2330", 582),
	}}
	health := newFakeHealth()
	health.quarantined["9999"] = true
	health.failures["9999"] = 2
	health.retryDue = []string{"9999"}
	limiter := &fakeLimiter{}

	eng := newTestEngine(provider, store, health, limiter, nil)
	_, summary, err := eng.Prepare(context.Background(), []string{"2330", "9999"})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.RetryProbes)
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, summary.NewlyQuarantined, "already quarantined, no new transition")
	assert.Equal(t, []string{"9999"}, health.rescheduled)
}

func TestPrepare_SuccessfulRetryProbeRecovers(t *testing.T) {
	store := newFakeStore()
	store.bars["9999"] = makeBars("9999", 10, 50)

	provider := &fakeProvider{quotes: map[string]models.Quote{
		"9999": quoteFor("9999", 51),
	}}
	health := newFakeHealth()
	health.quarantined["9999"] = true
	health.retryDue = []string{"9999"}
	limiter := &fakeLimiter{}

	eng := newTestEngine(provider, store, health, limiter, nil)
	series, summary, err := eng.Prepare(context.Background(), []string{"9999"})
	require.NoError(t, err)

	assert.Contains(t, series, "9999")
	assert.Equal(t, []string{"9999"}, summary.Recovered)
	assert.False(t, health.quarantined["9999"])
	assert.Empty(t, health.rescheduled)
}

func TestPrepare_QuoteBatchFailureRetriesThenFailsBatch(t *testing.T) {
	store := newFakeStore()
	store.bars["2330"] = makeBars("2330", 10, 580)
	store.bars["2317"] = makeBars("2317", 10, 105)

	provider := &fakeProvider{quoteErr: errors.New("request timeout")}
	health := newFakeHealth()
	limiter := &fakeLimiter{}

	eng := newTestEngine(provider, store, health, limiter, nil)
	series, summary, err := eng.Prepare(context.Background(), []string{"2330", "2317"})
	require.NoError(t, err)

	assert.Empty(t, series)
	assert.Equal(t, 2, summary.Failed)
	// Initial attempt plus two retries.
	assert.Equal(t, 3, provider.quoteCalls)
	// Both failures trip the systemic guard (2 of 2).
	assert.Equal(t, 1, health.auditOnly["2330"])
	assert.Equal(t, 1, health.auditOnly["2317"])
}

func TestPrepare_QuoteBatchRecoversOnRetry(t *testing.T) {
	store := newFakeStore()
	store.bars["2330"] = makeBars("2330", 10, 580)

	provider := &fakeProvider{
		quoteErr:  errors.New("request timeout"),
		quoteErrN: 1,
		quotes: map[string]models.Quote{
			"2330": quoteFor("2330", 582),
		},
	}
	health := newFakeHealth()
	limiter := &fakeLimiter{}

	eng := newTestEngine(provider, store, health, limiter, nil)
	series, summary, err := eng.Prepare(context.Background(), []string{"2330"})
	require.NoError(t, err)

	assert.Contains(t, series, "2330")
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 2, provider.quoteCalls)
}

func TestPrepare_BatchesRespectBatchSize(t *testing.T) {
	store := newFakeStore()
	quotes := make(map[string]models.Quote)
	var symbols []string
	for i := 0; i < 25; i++ {
		s := fmt.Sprintf("%04d", 1000+i)
		symbols = append(symbols, s)
		store.bars[s] = makeBars(s, 10, 100)
		quotes[s] = quoteFor(s, 101)
	}

	provider := &fakeProvider{quotes: quotes}
	health := newFakeHealth()
	limiter := &fakeLimiter{}

	eng := newTestEngine(provider, store, health, limiter, nil)
	series, summary, err := eng.Prepare(context.Background(), symbols)
	require.NoError(t, err)

	assert.Equal(t, 25, summary.Prepared)
	assert.Len(t, series, 25)
	assert.Equal(t, []int{10, 10, 5}, provider.quoteBatchN)
	assert.Equal(t, 3, limiter.count())
}

func TestPrepare_StoreErrorExcludesWithoutHealthFailure(t *testing.T) {
	store := newFakeStore()
	store.countEr = errors.New("connection refused")

	provider := &fakeProvider{}
	health := newFakeHealth()
	limiter := &fakeLimiter{}

	eng := newTestEngine(provider, store, health, limiter, nil)
	series, summary, err := eng.Prepare(context.Background(), []string{"2330"})
	require.NoError(t, err)

	assert.Empty(t, series)
	assert.Equal(t, 0, summary.Failed, "store faults are not symbol-health failures")
	assert.Zero(t, health.failures["2330"])
	assert.Zero(t, health.auditOnly["2330"])
}

func TestPrepare_ContextCancellationStopsTheCycle(t *testing.T) {
	store := newFakeStore()
	store.bars["2330"] = makeBars("2330", 10, 580)

	provider := &fakeProvider{quotes: map[string]models.Quote{
		"2330": quoteFor("2330", 582),
	}}
	health := newFakeHealth()
	limiter := &fakeLimiter{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := newTestEngine(provider, store, health, limiter, nil)
	_, _, err := eng.Prepare(ctx, []string{"2330"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBuildSeries_NaNPrefixPerWindow(t *testing.T) {
	bars := makeBars("2330", 4, 100)
	bars[3].Close = decimal.NewFromFloat(104)

	series := BuildSeries("2330", bars, []int{2, 3, 10})

	_, ok := series.MAAt(2, 0)
	assert.False(t, ok, "index before window-1 must be missing")
	v, ok := series.MAAt(2, 3)
	require.True(t, ok)
	assert.InDelta(t, 102.0, v, 0.001)

	v, ok = series.MAAt(3, 3)
	require.True(t, ok)
	assert.InDelta(t, 101.333, v, 0.001)

	// Window longer than the series: every position is missing.
	for i := range bars {
		_, ok := series.MAAt(10, i)
		assert.False(t, ok)
	}
}
