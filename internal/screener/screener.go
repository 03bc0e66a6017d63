// Package screener evaluates the moving-average alignment strategy over
// processed price series. Everything here is pure computation: no I/O, no
// shared state, safe to call from any goroutine.
package screener

import (
	"math"

	"github.com/sirupsen/logrus"
	"github.com/tickerwatch/screener-service/internal/models"
)

// Config tunes one screener instance.
type Config struct {
	// MAWindows are the moving-average windows the alignment check reads,
	// shortest first. Default {5, 10, 20, 60}.
	MAWindows []int
	// MinHistoryDays is the minimum bar count a series needs before it is
	// screened at all. Default 60.
	MinHistoryDays int
	// VolumeWindow is the trailing window for the average-volume baseline.
	// Zero falls back to the shortest MA window.
	VolumeWindow int
	// RRMultiple is the take-profit distance as a multiple of risk.
	RRMultiple float64
}

// Policy is the optional post-filter applied on top of the raw screen.
// Zero values disable the corresponding gate.
type Policy struct {
	MinPrice            float64
	MaxPrice            float64
	MinAvgVolume        float64
	MinRiskReward       float64
	VolumeBreakoutRatio float64
}

// Engine screens processed series against the alignment strategy.
type Engine struct {
	cfg Config
	log *logrus.Entry
}

// New creates a screening engine. Missing config fields get defaults.
func New(cfg Config, logger *logrus.Logger) *Engine {
	if len(cfg.MAWindows) == 0 {
		cfg.MAWindows = []int{5, 10, 20, 60}
	}
	if cfg.MinHistoryDays <= 0 {
		cfg.MinHistoryDays = 60
	}
	if cfg.VolumeWindow <= 0 {
		cfg.VolumeWindow = cfg.MAWindows[0]
	}
	if cfg.RRMultiple <= 0 {
		cfg.RRMultiple = 3.0
	}
	return &Engine{
		cfg: cfg,
		log: logger.WithField("component", "screener"),
	}
}

// CheckAlignment reports whether the latest moving averages are strictly
// ordered shortest-window highest: 5MA > 10MA > 20MA > 60MA. Any missing
// value fails the check.
func (e *Engine) CheckAlignment(series *models.ProcessedSeries) bool {
	prev := math.Inf(1)
	for _, w := range e.cfg.MAWindows {
		ma, ok := series.LatestMA(w)
		if !ok {
			return false
		}
		if ma >= prev {
			return false
		}
		prev = ma
	}
	return true
}

// ComputeSlope measures the percent-per-period change of a moving average
// over its own window length, rounded to 3 decimals. Nil when fewer than
// window+1 MA points exist or the base value is zero.
func (e *Engine) ComputeSlope(series *models.ProcessedSeries, window int) *float64 {
	last := series.Len() - 1
	cur, ok := series.MAAt(window, last)
	if !ok {
		return nil
	}
	base, ok := series.MAAt(window, last-window)
	if !ok || base == 0 {
		return nil
	}
	slope := (cur - base) / base / float64(window) * 100
	slope = math.Round(slope*1000) / 1000
	return &slope
}

// ComputeRiskReward derives the stop-loss / take-profit setup. The stop is
// the lower of the latest 20-period MA (or 95% of price when that MA is
// missing) and the minimum low over the trailing 20 bars. A price at or
// below the stop is degenerate: take-profit collapses to the price and the
// ratio is 0.
func (e *Engine) ComputeRiskReward(series *models.ProcessedSeries, price float64) models.RiskReward {
	stop := price * 0.95
	if ma20, ok := series.LatestMA(20); ok {
		stop = ma20
	}
	if low, ok := series.LowestLow(20); ok && low < stop {
		stop = low
	}
	stop = round2(stop)

	risk := price - stop
	if risk <= 0 {
		return models.RiskReward{StopLoss: stop, TakeProfit: price, Ratio: 0}
	}
	return models.RiskReward{
		StopLoss:   stop,
		TakeProfit: round2(price + risk*e.cfg.RRMultiple),
		Ratio:      e.cfg.RRMultiple,
	}
}

// ComputeVolumeRatio compares the latest bar's volume against the trailing
// average.
func (e *Engine) ComputeVolumeRatio(series *models.ProcessedSeries) models.VolumeStats {
	stats := models.VolumeStats{}
	vol, ok := series.LatestVolume()
	if !ok {
		return stats
	}
	stats.Volume = vol

	avg, ok := series.AvgVolume(e.cfg.VolumeWindow)
	if !ok || avg == 0 {
		return stats
	}
	stats.AvgVolume = avg
	stats.Ratio = round2(float64(vol) / avg)
	return stats
}

// Screen evaluates one series. Nil when the series is too short or the
// alignment check fails. The risk/reward ratio is always populated; gating
// on a minimum is the caller's policy, not the engine's.
func (e *Engine) Screen(series *models.ProcessedSeries) *models.ScreenResult {
	if series == nil || series.Len() < e.cfg.MinHistoryDays {
		return nil
	}
	if !e.CheckAlignment(series) {
		return nil
	}

	price, ok := series.LatestClose()
	if !ok {
		return nil
	}

	result := &models.ScreenResult{
		Symbol: series.Symbol,
		Price:  price,
	}
	if prev, ok := series.PrevClose(); ok && prev != 0 {
		result.ChangePct = round2((price - prev) / prev * 100)
	}

	for _, w := range e.cfg.MAWindows {
		ma, _ := series.LatestMA(w)
		slope := e.ComputeSlope(series, w)
		switch w {
		case 5:
			result.MA5, result.Slope5MA = round2(ma), slope
		case 10:
			result.MA10, result.Slope10MA = round2(ma), slope
		case 20:
			result.MA20, result.Slope20MA = round2(ma), slope
		case 60:
			result.MA60, result.Slope60MA = round2(ma), slope
		}
	}

	rr := e.ComputeRiskReward(series, price)
	result.StopLoss = rr.StopLoss
	result.TakeProfit = rr.TakeProfit
	result.RiskRewardRatio = rr.Ratio

	vs := e.ComputeVolumeRatio(series)
	result.Volume = vs.Volume
	result.AvgVolume = vs.AvgVolume
	result.VolumeRatio = vs.Ratio

	return result
}

// ScreenAll screens every symbol in input order, skipping symbols with no
// series and isolating per-symbol panics so one bad series never aborts
// the batch.
func (e *Engine) ScreenAll(symbols []string, seriesMap map[string]*models.ProcessedSeries, policy Policy) []models.ScreenResult {
	var results []models.ScreenResult
	for _, symbol := range symbols {
		series, ok := seriesMap[symbol]
		if !ok {
			continue
		}

		result := e.screenSafely(symbol, series)
		if result == nil {
			continue
		}
		if !policy.admits(result) {
			e.log.WithField("symbol", symbol).Debug("match rejected by policy filter")
			continue
		}
		results = append(results, *result)
	}
	return results
}

func (e *Engine) screenSafely(symbol string, series *models.ProcessedSeries) (result *models.ScreenResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{"symbol": symbol, "panic": r}).Error("screen computation failed")
			result = nil
		}
	}()
	return e.Screen(series)
}

func (p Policy) admits(r *models.ScreenResult) bool {
	if p.MinPrice > 0 && r.Price < p.MinPrice {
		return false
	}
	if p.MaxPrice > 0 && r.Price > p.MaxPrice {
		return false
	}
	if p.MinAvgVolume > 0 && r.AvgVolume < p.MinAvgVolume {
		return false
	}
	if p.MinRiskReward > 0 && r.RiskRewardRatio < p.MinRiskReward {
		return false
	}
	if p.VolumeBreakoutRatio > 0 && r.VolumeRatio < p.VolumeBreakoutRatio {
		return false
	}
	return true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
