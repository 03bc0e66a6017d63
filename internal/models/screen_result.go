package models

// RiskReward holds the stop-loss / take-profit setup for a candidate.
// Ratio is fixed by construction: take-profit is placed at current price
// plus Ratio times the risk, so the field is a policy constant rather than
// an independently measured quantity. A Ratio of 0 marks a degenerate setup
// where the price is already at or below the computed stop.
type RiskReward struct {
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Ratio      float64 `json:"risk_reward_ratio"`
}

// VolumeStats holds the volume anomaly signal for a candidate.
type VolumeStats struct {
	Volume    int64   `json:"volume"`
	AvgVolume float64 `json:"avg_volume"`
	Ratio     float64 `json:"volume_ratio"`
}

// ScreenResult is the enriched outcome for one symbol that passed the
// screen. Produced fresh each cycle; it has no identity beyond the run
// that created it.
type ScreenResult struct {
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name,omitempty"`
	Price     float64 `json:"price"`
	ChangePct float64 `json:"change_pct"`

	MA5  float64 `json:"ma5"`
	MA10 float64 `json:"ma10"`
	MA20 float64 `json:"ma20"`
	MA60 float64 `json:"ma60"`

	// Slope fields are percent-per-period over each MA's own window;
	// nil when there is not enough history to measure.
	Slope5MA  *float64 `json:"slope_5ma"`
	Slope10MA *float64 `json:"slope_10ma"`
	Slope20MA *float64 `json:"slope_20ma"`
	Slope60MA *float64 `json:"slope_60ma"`

	StopLoss        float64 `json:"stop_loss"`
	TakeProfit      float64 `json:"take_profit"`
	RiskRewardRatio float64 `json:"risk_reward_ratio"`

	Volume      int64   `json:"volume"`
	AvgVolume   float64 `json:"avg_volume"`
	VolumeRatio float64 `json:"volume_ratio"`
}

// QuarantinedSymbol records one quarantine transition with the failure
// reason that tripped it.
type QuarantinedSymbol struct {
	Symbol string        `json:"symbol"`
	Reason FailureReason `json:"reason"`
}

// CycleSummary is the primary observable outcome of a screening cycle
// besides the returned series map.
type CycleSummary struct {
	Requested          int                 `json:"requested"`
	Prepared           int                 `json:"prepared"`
	SkippedQuarantined int                 `json:"skipped_quarantined"`
	RetryProbes        int                 `json:"retry_probes"`
	Failed             int                 `json:"failed"`
	NewlyQuarantined   []QuarantinedSymbol `json:"newly_quarantined,omitempty"`
	Recovered          []string            `json:"recovered,omitempty"`
}
