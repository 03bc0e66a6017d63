package models

import (
	"math"
)

// ProcessedSeries is an indicator-augmented price series for one symbol,
// ordered by date ascending. It is owned by the caller for the duration of
// one screening pass and is never shared across cycles.
type ProcessedSeries struct {
	Symbol string
	Bars   []PriceBar
	// MA maps a window length to a rolling simple mean of close, aligned
	// index-for-index with Bars. Entries before window-1 are NaN.
	MA map[int][]float64
}

// Len returns the number of bars in the series.
func (s *ProcessedSeries) Len() int {
	return len(s.Bars)
}

// Closes returns the close prices as a float slice, date ascending.
func (s *ProcessedSeries) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

// LatestClose returns the most recent close price.
func (s *ProcessedSeries) LatestClose() (float64, bool) {
	if len(s.Bars) == 0 {
		return 0, false
	}
	return s.Bars[len(s.Bars)-1].Close.InexactFloat64(), true
}

// PrevClose returns the close price of the second most recent bar.
func (s *ProcessedSeries) PrevClose() (float64, bool) {
	if len(s.Bars) < 2 {
		return 0, false
	}
	return s.Bars[len(s.Bars)-2].Close.InexactFloat64(), true
}

// MAAt returns the moving average for the given window at bar index i.
// The second return is false when the value is missing (not enough history
// or the window was never computed).
func (s *ProcessedSeries) MAAt(window, i int) (float64, bool) {
	ma, ok := s.MA[window]
	if !ok || i < 0 || i >= len(ma) {
		return 0, false
	}
	if math.IsNaN(ma[i]) {
		return 0, false
	}
	return ma[i], true
}

// LatestMA returns the most recent moving average for the given window.
func (s *ProcessedSeries) LatestMA(window int) (float64, bool) {
	return s.MAAt(window, len(s.Bars)-1)
}

// LowestLow returns the minimum low over the trailing n bars.
func (s *ProcessedSeries) LowestLow(n int) (float64, bool) {
	if len(s.Bars) == 0 {
		return 0, false
	}
	start := len(s.Bars) - n
	if start < 0 {
		start = 0
	}
	low := math.Inf(1)
	for _, b := range s.Bars[start:] {
		if v := b.Low.InexactFloat64(); v < low {
			low = v
		}
	}
	return low, true
}

// LatestVolume returns the most recent bar's volume.
func (s *ProcessedSeries) LatestVolume() (int64, bool) {
	if len(s.Bars) == 0 {
		return 0, false
	}
	return s.Bars[len(s.Bars)-1].Volume, true
}

// AvgVolume returns the mean volume over the trailing n bars.
func (s *ProcessedSeries) AvgVolume(n int) (float64, bool) {
	if len(s.Bars) == 0 || n <= 0 {
		return 0, false
	}
	start := len(s.Bars) - n
	if start < 0 {
		start = 0
	}
	window := s.Bars[start:]
	var sum float64
	for _, b := range window {
		sum += float64(b.Volume)
	}
	return sum / float64(len(window)), true
}
