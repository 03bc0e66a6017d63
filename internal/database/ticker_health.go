package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/tickerwatch/screener-service/internal/models"
)

// TickerHealth manages per-symbol health state backed by the ticker_status
// and failure_log tables. A symbol without a row is active with zero
// failures. Per-symbol read-modify-write runs inside one transaction with
// SELECT ... FOR UPDATE so racing failure reports cannot lose updates.
type TickerHealth struct {
	db               *DB
	failureThreshold int
	retryInterval    time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewTickerHealth creates a TickerHealth store. failureThreshold is the
// number of consecutive failures that triggers quarantine; retryInterval is
// how long a quarantined symbol waits before a retry probe.
func NewTickerHealth(db *DB, failureThreshold int, retryInterval time.Duration) *TickerHealth {
	return &TickerHealth{
		db:               db,
		failureThreshold: failureThreshold,
		retryInterval:    retryInterval,
		now:              time.Now,
	}
}

// RecordFailure records a fetch failure for a symbol and appends a
// failure_log entry. It returns true when this failure transitioned the
// symbol into quarantine. An already-quarantined symbol keeps counting
// failures but its next_retry_at is not reset.
func (h *TickerHealth) RecordFailure(symbol string, reason models.FailureReason, message string) (bool, error) {
	now := h.now()

	tx, err := h.db.conn.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO failure_log (symbol, reason, message, occurred_at)
		VALUES ($1, $2, $3, $4)
	`, symbol, string(reason), message, now); err != nil {
		return false, fmt.Errorf("failed to append failure log for %s: %w", symbol, err)
	}

	var status string
	var failures int
	err = tx.QueryRow(`
		SELECT status, consecutive_failures
		FROM ticker_status
		WHERE symbol = $1
		FOR UPDATE
	`, symbol).Scan(&status, &failures)

	quarantinedNow := false
	switch {
	case err == sql.ErrNoRows:
		failures = 1
		if failures >= h.failureThreshold {
			// Threshold of 1 quarantines on the very first failure.
			nextRetry := now.Add(h.retryInterval)
			_, err = tx.Exec(`
				INSERT INTO ticker_status (symbol, status, consecutive_failures, last_failure_at, quarantined_at, next_retry_at, failure_reason, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, symbol, models.StatusQuarantined, failures, now, now, nextRetry, string(reason), now)
			quarantinedNow = true
		} else {
			_, err = tx.Exec(`
				INSERT INTO ticker_status (symbol, status, consecutive_failures, last_failure_at, failure_reason, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, symbol, models.StatusActive, failures, now, string(reason), now)
		}
		if err != nil {
			return false, fmt.Errorf("failed to insert health record for %s: %w", symbol, err)
		}

	case err != nil:
		return false, fmt.Errorf("failed to read health record for %s: %w", symbol, err)

	default:
		failures++
		if status == models.StatusActive && failures >= h.failureThreshold {
			nextRetry := now.Add(h.retryInterval)
			_, err = tx.Exec(`
				UPDATE ticker_status SET
					status = $1,
					consecutive_failures = $2,
					last_failure_at = $3,
					quarantined_at = $4,
					next_retry_at = $5,
					failure_reason = $6
				WHERE symbol = $7
			`, models.StatusQuarantined, failures, now, now, nextRetry, string(reason), symbol)
			quarantinedNow = true
		} else {
			_, err = tx.Exec(`
				UPDATE ticker_status SET
					consecutive_failures = $1,
					last_failure_at = $2,
					failure_reason = $3
				WHERE symbol = $4
			`, failures, now, string(reason), symbol)
		}
		if err != nil {
			return false, fmt.Errorf("failed to update health record for %s: %w", symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return quarantinedNow, nil
}

// LogFailure appends a failure_log entry without touching the quarantine
// counters. Used when a systemic outage makes individual failures
// meaningless as a symbol-health signal.
func (h *TickerHealth) LogFailure(symbol string, reason models.FailureReason, message string) error {
	_, err := h.db.conn.Exec(`
		INSERT INTO failure_log (symbol, reason, message, occurred_at)
		VALUES ($1, $2, $3, $4)
	`, symbol, string(reason), message, h.now())
	if err != nil {
		return fmt.Errorf("failed to append failure log for %s: %w", symbol, err)
	}
	return nil
}

// RecordSuccess resets the failure counter and, when the symbol was
// quarantined, returns it to active. The returned bool reports that
// recovery so callers can log and publish it distinctly. Calling it twice
// in a row leaves state unchanged after the first call.
func (h *TickerHealth) RecordSuccess(symbol string) (bool, error) {
	now := h.now()

	tx, err := h.db.conn.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`
		SELECT status FROM ticker_status WHERE symbol = $1 FOR UPDATE
	`, symbol).Scan(&status)

	recovered := false
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
			INSERT INTO ticker_status (symbol, status, consecutive_failures, last_success_at, created_at)
			VALUES ($1, $2, 0, $3, $4)
		`, symbol, models.StatusActive, now, now)
		if err != nil {
			return false, fmt.Errorf("failed to insert health record for %s: %w", symbol, err)
		}

	case err != nil:
		return false, fmt.Errorf("failed to read health record for %s: %w", symbol, err)

	default:
		recovered = status == models.StatusQuarantined
		_, err = tx.Exec(`
			UPDATE ticker_status SET
				status = $1,
				consecutive_failures = 0,
				last_success_at = $2,
				quarantined_at = NULL,
				next_retry_at = NULL
			WHERE symbol = $3
		`, models.StatusActive, now, symbol)
		if err != nil {
			return false, fmt.Errorf("failed to update health record for %s: %w", symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return recovered, nil
}

// IsQuarantined reports whether a symbol is currently quarantined.
func (h *TickerHealth) IsQuarantined(symbol string) (bool, error) {
	var status string
	err := h.db.conn.QueryRow(
		`SELECT status FROM ticker_status WHERE symbol = $1`, symbol,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check quarantine for %s: %w", symbol, err)
	}
	return status == models.StatusQuarantined, nil
}

// GetActiveSymbols filters the quarantined subset out of the candidate
// list, preserving input order.
func (h *TickerHealth) GetActiveSymbols(symbols []string) ([]string, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	rows, err := h.db.conn.Query(`
		SELECT symbol FROM ticker_status
		WHERE symbol = ANY($1) AND status = $2
	`, pq.Array(symbols), models.StatusQuarantined)
	if err != nil {
		return nil, fmt.Errorf("failed to query quarantined symbols: %w", err)
	}
	defer rows.Close()

	quarantined := make(map[string]bool)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		quarantined[s] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate quarantined symbols: %w", err)
	}

	active := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if !quarantined[s] {
			active = append(active, s)
		}
	}
	return active, nil
}

// GetRetryCandidates returns quarantined symbols whose retry time has
// arrived.
func (h *TickerHealth) GetRetryCandidates(now time.Time) ([]string, error) {
	rows, err := h.db.conn.Query(`
		SELECT symbol FROM ticker_status
		WHERE status = $1 AND next_retry_at <= $2
		ORDER BY symbol
	`, models.StatusQuarantined, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query retry candidates: %w", err)
	}
	defer rows.Close()

	var candidates []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		candidates = append(candidates, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate retry candidates: %w", err)
	}
	return candidates, nil
}

// UpdateRetrySchedule pushes next_retry_at forward by the retry interval
// after a failed probe. The interval is fixed, not exponential.
func (h *TickerHealth) UpdateRetrySchedule(symbol string) error {
	nextRetry := h.now().Add(h.retryInterval)
	_, err := h.db.conn.Exec(`
		UPDATE ticker_status SET next_retry_at = $1
		WHERE symbol = $2 AND status = $3
	`, nextRetry, symbol, models.StatusQuarantined)
	if err != nil {
		return fmt.Errorf("failed to update retry schedule for %s: %w", symbol, err)
	}
	return nil
}

// GetHealthRecord retrieves the full health record for a symbol, or nil
// when the symbol has never been observed.
func (h *TickerHealth) GetHealthRecord(symbol string) (*models.HealthRecord, error) {
	var rec models.HealthRecord
	var lastFailure, lastSuccess, quarantinedAt, nextRetry sql.NullTime
	var reason sql.NullString

	err := h.db.conn.QueryRow(`
		SELECT symbol, status, consecutive_failures, last_failure_at,
		       last_success_at, quarantined_at, next_retry_at, failure_reason, created_at
		FROM ticker_status
		WHERE symbol = $1
	`, symbol).Scan(
		&rec.Symbol, &rec.Status, &rec.ConsecutiveFailures, &lastFailure,
		&lastSuccess, &quarantinedAt, &nextRetry, &reason, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health record for %s: %w", symbol, err)
	}

	if lastFailure.Valid {
		rec.LastFailureAt = &lastFailure.Time
	}
	if lastSuccess.Valid {
		rec.LastSuccessAt = &lastSuccess.Time
	}
	if quarantinedAt.Valid {
		rec.QuarantinedAt = &quarantinedAt.Time
	}
	if nextRetry.Valid {
		rec.NextRetryAt = &nextRetry.Time
	}
	if reason.Valid {
		rec.FailureReason = models.FailureReason(reason.String)
	}
	return &rec, nil
}

// GetStatusSummary aggregates ticker health counts, including a breakdown
// of quarantined symbols by failure reason.
func (h *TickerHealth) GetStatusSummary() (*models.HealthSummary, error) {
	summary := &models.HealthSummary{
		QuarantinedByReason: make(map[models.FailureReason]int),
	}

	err := h.db.conn.QueryRow(`
		SELECT
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2)
		FROM ticker_status
	`, models.StatusActive, models.StatusQuarantined).Scan(&summary.Active, &summary.Quarantined)
	if err != nil {
		return nil, fmt.Errorf("failed to count ticker status: %w", err)
	}

	if err := h.db.conn.QueryRow(
		`SELECT COUNT(*) FROM failure_log`,
	).Scan(&summary.TotalFailures); err != nil {
		return nil, fmt.Errorf("failed to count failure log: %w", err)
	}

	rows, err := h.db.conn.Query(`
		SELECT COALESCE(failure_reason, ''), COUNT(*)
		FROM ticker_status
		WHERE status = $1
		GROUP BY failure_reason
	`, models.StatusQuarantined)
	if err != nil {
		return nil, fmt.Errorf("failed to query quarantine breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var reason string
		var count int
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("failed to scan quarantine breakdown: %w", err)
		}
		if reason == "" {
			reason = string(models.ReasonUnknown)
		}
		summary.QuarantinedByReason[models.FailureReason(reason)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate quarantine breakdown: %w", err)
	}
	return summary, nil
}

// ResetAllQuarantine returns every quarantined symbol to active. Escape
// hatch for when a provider outage quarantined the whole universe.
func (h *TickerHealth) ResetAllQuarantine() (int64, error) {
	result, err := h.db.conn.Exec(`
		UPDATE ticker_status SET
			status = $1,
			consecutive_failures = 0,
			quarantined_at = NULL,
			next_retry_at = NULL
		WHERE status = $2
	`, models.StatusActive, models.StatusQuarantined)
	if err != nil {
		return 0, fmt.Errorf("failed to reset quarantine: %w", err)
	}
	return result.RowsAffected()
}
