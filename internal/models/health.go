package models

import (
	"strings"
	"time"
)

// Ticker status values
const (
	StatusActive      = "active"
	StatusQuarantined = "quarantined"
)

// FailureReason classifies why a fetch failed.
type FailureReason string

const (
	ReasonNoData            FailureReason = "no_data"
	ReasonMalformedResponse FailureReason = "malformed_response"
	ReasonTimeout           FailureReason = "timeout"
	ReasonRateLimited       FailureReason = "rate_limited"
	ReasonDelisted          FailureReason = "delisted"
	ReasonUnknown           FailureReason = "unknown"
)

// ClassifyFailure maps a raw error message into the failure taxonomy.
func ClassifyFailure(message string) FailureReason {
	m := strings.ToLower(message)
	switch {
	// Delisted messages also mention missing data, so the more specific
	// class is checked first.
	case strings.Contains(m, "delisted"):
		return ReasonDelisted
	case strings.Contains(m, "no data") || strings.Contains(m, "empty response"):
		return ReasonNoData
	case strings.Contains(m, "timeout") || strings.Contains(m, "deadline exceeded"):
		return ReasonTimeout
	case strings.Contains(m, "too many requests") || strings.Contains(m, "rate limit"):
		return ReasonRateLimited
	case strings.Contains(m, "parse") || strings.Contains(m, "unmarshal") || strings.Contains(m, "malformed") || strings.Contains(m, "invalid json"):
		return ReasonMalformedResponse
	default:
		return ReasonUnknown
	}
}

// HealthRecord is the persisted lifecycle state of a symbol. A symbol with
// no record is treated as active with zero failures.
type HealthRecord struct {
	Symbol              string        `json:"symbol"`
	Status              string        `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailureAt       *time.Time    `json:"last_failure_at,omitempty"`
	LastSuccessAt       *time.Time    `json:"last_success_at,omitempty"`
	QuarantinedAt       *time.Time    `json:"quarantined_at,omitempty"`
	NextRetryAt         *time.Time    `json:"next_retry_at,omitempty"`
	FailureReason       FailureReason `json:"failure_reason,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// FailureLogEntry is an append-only audit record of a single fetch failure.
// It is written by the engine and never read back into decision logic.
type FailureLogEntry struct {
	ID         int           `json:"id"`
	Symbol     string        `json:"symbol"`
	Reason     FailureReason `json:"reason"`
	Message    string        `json:"message"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// HealthSummary aggregates ticker health counts for one point in time.
type HealthSummary struct {
	Active              int                   `json:"active"`
	Quarantined         int                   `json:"quarantined"`
	TotalFailures       int                   `json:"total_failures"`
	QuarantinedByReason map[FailureReason]int `json:"quarantined_by_reason,omitempty"`
}
