package models

import "time"

// Screener event types published to Kafka.
const (
	EventScreenMatch       = "SCREEN_MATCH"
	EventSymbolQuarantined = "SYMBOL_QUARANTINED"
	EventSymbolRecovered   = "SYMBOL_RECOVERED"
)

// ScreenerEvent is the envelope for events emitted by the screening cycle.
type ScreenerEvent struct {
	EventType string        `json:"event_type"`
	Symbol    string        `json:"symbol"`
	Result    *ScreenResult `json:"result,omitempty"`
	Reason    FailureReason `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
