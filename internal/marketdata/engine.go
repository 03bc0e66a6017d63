package marketdata

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tickerwatch/screener-service/internal/models"
)

// HistoryStore is the durable price-bar store consumed by the engine.
type HistoryStore interface {
	CountDays(symbol string) (int, error)
	UpsertBars(symbol string, bars []models.PriceBar) error
	ReadRecentBars(symbol string, limit int) ([]models.PriceBar, error)
	RecordSync(symbol string, ts time.Time, periodsLoaded int) error
}

// HealthTracker is the ticker-health state machine consumed by the engine.
type HealthTracker interface {
	RecordFailure(symbol string, reason models.FailureReason, message string) (bool, error)
	RecordSuccess(symbol string) (bool, error)
	LogFailure(symbol string, reason models.FailureReason, message string) error
	GetActiveSymbols(symbols []string) ([]string, error)
	GetRetryCandidates(now time.Time) ([]string, error)
	UpdateRetrySchedule(symbol string) error
}

// Limiter gates outbound provider requests.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// EngineConfig tunes one engine instance.
type EngineConfig struct {
	MinHistoryDays      int
	BackfillMonths      int
	BatchSize           int
	RetryCount          int
	RetryDelay          time.Duration
	MAWindows           []int
	SystemicFailureRate float64
	Location            *time.Location
}

// Engine orchestrates the rate limiter, history store, ticker health and
// the provider to produce indicator-augmented price series per symbol.
type Engine struct {
	provider Provider
	store    HistoryStore
	health   HealthTracker
	limiter  Limiter
	cfg      EngineConfig
	log      *logrus.Entry

	// swappable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a MarketDataEngine.
func NewEngine(provider Provider, store HistoryStore, health HealthTracker, limiter Limiter, cfg EngineConfig, logger *logrus.Logger) *Engine {
	if cfg.MinHistoryDays <= 0 {
		cfg.MinHistoryDays = 60
	}
	if cfg.BackfillMonths <= 0 {
		cfg.BackfillMonths = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if len(cfg.MAWindows) == 0 {
		cfg.MAWindows = []int{5, 10, 20, 60}
	}
	if cfg.SystemicFailureRate <= 0 {
		cfg.SystemicFailureRate = 0.5
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Engine{
		provider: provider,
		store:    store,
		health:   health,
		limiter:  limiter,
		cfg:      cfg,
		log:      logger.WithField("component", "marketdata"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

type failure struct {
	reason  models.FailureReason
	message string
}

// Prepare produces a ProcessedSeries per symbol. Quarantined symbols are
// skipped unless their retry time has arrived, in which case they get a
// single probe. Every per-symbol failure is isolated; the cycle always
// completes and returns partial results plus a summary.
func (e *Engine) Prepare(ctx context.Context, symbols []string) (map[string]*models.ProcessedSeries, *models.CycleSummary, error) {
	summary := &models.CycleSummary{Requested: len(symbols)}
	now := e.now()

	retryCandidates, err := e.health.GetRetryCandidates(now)
	if err != nil {
		return nil, summary, fmt.Errorf("failed to get retry candidates: %w", err)
	}
	retrySet := make(map[string]bool, len(retryCandidates))
	for _, s := range retryCandidates {
		retrySet[s] = true
	}

	active, err := e.health.GetActiveSymbols(symbols)
	if err != nil {
		return nil, summary, fmt.Errorf("failed to filter active symbols: %w", err)
	}
	activeSet := make(map[string]bool, len(active))
	for _, s := range active {
		activeSet[s] = true
	}

	var eligible []string
	for _, s := range symbols {
		switch {
		case activeSet[s]:
			eligible = append(eligible, s)
		case retrySet[s]:
			eligible = append(eligible, s)
			summary.RetryProbes++
		default:
			summary.SkippedQuarantined++
		}
	}

	failures := make(map[string]failure)

	// Phase 1: make sure every eligible symbol has enough history.
	var ready []string
	for _, symbol := range eligible {
		if ctx.Err() != nil {
			break
		}
		ok, f := e.ensureHistory(ctx, symbol)
		if f != nil {
			failures[symbol] = *f
			continue
		}
		if ok {
			ready = append(ready, symbol)
		}
	}

	// Phase 2: live quotes, fetched in provider-sized batches.
	quotes := make(map[string]models.Quote)
	for start := 0; start < len(ready); start += e.cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		end := start + e.cfg.BatchSize
		if end > len(ready) {
			end = len(ready)
		}
		batch := ready[start:end]

		batchQuotes, err := e.fetchQuotesWithRetry(ctx, batch)
		if err != nil {
			reason := models.ClassifyFailure(err.Error())
			e.log.WithError(err).WithField("batch", batch).Warn("quote batch failed")
			for _, s := range batch {
				failures[s] = failure{reason: reason, message: err.Error()}
			}
			continue
		}
		for k, v := range batchQuotes {
			quotes[k] = v
		}
	}

	// Phase 3: assemble the per-symbol series.
	result := make(map[string]*models.ProcessedSeries)
	for _, symbol := range ready {
		if _, bad := failures[symbol]; bad {
			continue
		}
		quote, ok := quotes[NormalizeSymbol(symbol)]
		if !ok || quote.Price == nil {
			failures[symbol] = failure{reason: models.ReasonNoData, message: "no quote data returned"}
			continue
		}

		if err := e.store.UpsertBars(symbol, []models.PriceBar{e.barFromQuote(symbol, quote, now)}); err != nil {
			// A local storage problem, not a symbol-health failure.
			e.log.WithError(err).WithField("symbol", symbol).Error("failed to persist live bar")
			continue
		}

		bars, err := e.store.ReadRecentBars(symbol, e.cfg.MinHistoryDays+30)
		if err != nil {
			e.log.WithError(err).WithField("symbol", symbol).Error("failed to read bars")
			continue
		}
		if len(bars) == 0 {
			failures[symbol] = failure{reason: models.ReasonNoData, message: "no bars in store after fetch"}
			continue
		}

		recovered, err := e.health.RecordSuccess(symbol)
		if err != nil {
			e.log.WithError(err).WithField("symbol", symbol).Error("failed to record success")
		} else if recovered {
			e.log.WithField("symbol", symbol).Info("recovered from quarantine")
			summary.Recovered = append(summary.Recovered, symbol)
		}

		result[symbol] = BuildSeries(symbol, bars, e.cfg.MAWindows)
	}

	e.applyFailures(eligible, retrySet, failures, summary)
	summary.Prepared = len(result)

	e.log.WithFields(logrus.Fields{
		"requested":   summary.Requested,
		"prepared":    summary.Prepared,
		"skipped":     summary.SkippedQuarantined,
		"failed":      summary.Failed,
		"probes":      summary.RetryProbes,
		"quarantined": len(summary.NewlyQuarantined),
		"recovered":   len(summary.Recovered),
	}).Info("cycle prepared")

	return result, summary, ctx.Err()
}

// ensureHistory backfills a symbol when the store holds fewer than the
// minimum number of days. Returns ok=false with a nil failure when a store
// error (not a provider error) excluded the symbol.
func (e *Engine) ensureHistory(ctx context.Context, symbol string) (bool, *failure) {
	count, err := e.store.CountDays(symbol)
	if err != nil {
		e.log.WithError(err).WithField("symbol", symbol).Error("failed to count stored days")
		return false, nil
	}
	if count >= e.cfg.MinHistoryDays {
		return true, nil
	}

	e.log.WithFields(logrus.Fields{"symbol": symbol, "days": count}).Info("backfilling history")

	bars, err := e.backfill(ctx, symbol)
	if err != nil {
		return false, &failure{reason: models.ClassifyFailure(err.Error()), message: err.Error()}
	}

	if err := e.store.UpsertBars(symbol, bars); err != nil {
		e.log.WithError(err).WithField("symbol", symbol).Error("failed to persist backfill")
		return false, nil
	}
	if err := e.store.RecordSync(symbol, e.now(), e.cfg.BackfillMonths); err != nil {
		e.log.WithError(err).WithField("symbol", symbol).Error("failed to record sync")
	}

	count, err = e.store.CountDays(symbol)
	if err != nil {
		e.log.WithError(err).WithField("symbol", symbol).Error("failed to recount stored days")
		return false, nil
	}
	if count < e.cfg.MinHistoryDays {
		return false, &failure{
			reason:  models.ReasonNoData,
			message: fmt.Sprintf("no data: only %d days available after backfill", count),
		}
	}
	return true, nil
}

// backfill fetches successive monthly chunks, newest first. Transport
// errors are retried with a fixed delay; empty months are not.
func (e *Engine) backfill(ctx context.Context, symbol string) ([]models.PriceBar, error) {
	var all []models.PriceBar
	noDataMonths := 0
	now := e.now().In(e.cfg.Location)
	// Anchor to the first of the month so subtracting months never
	// normalizes past a short month (May 31 minus one month is April,
	// not May 1).
	anchor := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, e.cfg.Location)

	for i := 0; i < e.cfg.BackfillMonths; i++ {
		target := anchor.AddDate(0, -i, 0)

		bars, err := e.fetchMonthWithRetry(ctx, symbol, target.Year(), target.Month())
		if err != nil {
			if errors.Is(err, ErrNoData) {
				noDataMonths++
				continue
			}
			return nil, err
		}
		all = append(all, bars...)
	}

	if len(all) == 0 {
		if noDataMonths == e.cfg.BackfillMonths {
			return nil, fmt.Errorf("symbol may be delisted: no data across %d historical windows", noDataMonths)
		}
		return nil, ErrNoData
	}
	return all, nil
}

func (e *Engine) fetchMonthWithRetry(ctx context.Context, symbol string, year int, month time.Month) ([]models.PriceBar, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.RetryCount; attempt++ {
		if err := e.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		bars, err := e.provider.FetchMonth(ctx, symbol, year, month)
		if err == nil {
			return bars, nil
		}
		if errors.Is(err, ErrNoData) {
			return nil, err
		}
		lastErr = err
		e.log.WithError(err).WithFields(logrus.Fields{"symbol": symbol, "attempt": attempt + 1}).Warn("history fetch failed")
		if attempt < e.cfg.RetryCount {
			if err := e.sleep(ctx, e.cfg.RetryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (e *Engine) fetchQuotesWithRetry(ctx context.Context, batch []string) (map[string]models.Quote, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.RetryCount; attempt++ {
		if err := e.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		quotes, err := e.provider.FetchQuoteBatch(ctx, batch)
		if err == nil {
			return quotes, nil
		}
		lastErr = err
		if attempt < e.cfg.RetryCount {
			if err := e.sleep(ctx, e.cfg.RetryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

// applyFailures records cycle failures against ticker health. When the
// failure rate exceeds the systemic threshold the failures are written to
// the audit log only, so a provider outage cannot quarantine the universe.
func (e *Engine) applyFailures(eligible []string, retrySet map[string]bool, failures map[string]failure, summary *models.CycleSummary) {
	if len(failures) == 0 {
		return
	}

	systemic := len(eligible) > 0 &&
		float64(len(failures))/float64(len(eligible)) > e.cfg.SystemicFailureRate
	if systemic {
		e.log.WithFields(logrus.Fields{
			"failed": len(failures),
			"total":  len(eligible),
		}).Warn("systemic failure detected, skipping quarantine")
	}

	for _, symbol := range eligible {
		f, ok := failures[symbol]
		if !ok {
			continue
		}
		summary.Failed++

		if systemic {
			if err := e.health.LogFailure(symbol, f.reason, f.message); err != nil {
				e.log.WithError(err).WithField("symbol", symbol).Error("failed to log failure")
			}
			continue
		}

		quarantined, err := e.health.RecordFailure(symbol, f.reason, f.message)
		if err != nil {
			e.log.WithError(err).WithField("symbol", symbol).Error("failed to record failure")
			continue
		}
		if quarantined {
			e.log.WithFields(logrus.Fields{"symbol": symbol, "reason": f.reason}).Warn("symbol quarantined")
			summary.NewlyQuarantined = append(summary.NewlyQuarantined, models.QuarantinedSymbol{
				Symbol: symbol,
				Reason: f.reason,
			})
		} else if retrySet[symbol] {
			// Failed retry probe: keep quarantined, push the next probe out.
			if err := e.health.UpdateRetrySchedule(symbol); err != nil {
				e.log.WithError(err).WithField("symbol", symbol).Error("failed to update retry schedule")
			}
		}
	}
}

func (e *Engine) barFromQuote(symbol string, q models.Quote, now time.Time) models.PriceBar {
	local := now.In(e.cfg.Location)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	price := decimal.NewFromFloat(*q.Price)
	bar := models.PriceBar{
		Symbol: NormalizeSymbol(symbol),
		Date:   today,
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
	}
	if q.Open != nil {
		bar.Open = decimal.NewFromFloat(*q.Open)
	}
	if q.High != nil {
		bar.High = decimal.NewFromFloat(*q.High)
	}
	if q.Low != nil {
		bar.Low = decimal.NewFromFloat(*q.Low)
	}
	if q.Volume != nil {
		bar.Volume = *q.Volume
	}
	return bar
}

// BuildSeries computes rolling simple moving averages over close for each
// window and attaches them to the bars. Positions with fewer than window
// bars of history are NaN.
func BuildSeries(symbol string, bars []models.PriceBar, windows []int) *models.ProcessedSeries {
	series := &models.ProcessedSeries{
		Symbol: symbol,
		Bars:   bars,
		MA:     make(map[int][]float64, len(windows)),
	}

	closes := series.Closes()
	for _, w := range windows {
		ma := make([]float64, len(closes))
		if len(closes) >= w && w > 0 {
			copy(ma, talib.Sma(closes, w))
		}
		for i := 0; i < len(ma) && i < w-1; i++ {
			ma[i] = math.NaN()
		}
		if len(closes) < w {
			for i := range ma {
				ma[i] = math.NaN()
			}
		}
		series.MA[w] = ma
	}
	return series
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
