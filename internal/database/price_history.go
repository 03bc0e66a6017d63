package database

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/tickerwatch/screener-service/internal/models"
)

// CountDays returns the number of stored daily bars for a symbol.
// Unknown symbols count zero; that is not an error.
func (db *DB) CountDays(symbol string) (int, error) {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM daily_prices WHERE symbol = $1`, symbol,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count days for %s: %w", symbol, err)
	}
	return count, nil
}

// UpsertBars idempotently writes a set of price bars for a symbol.
// Re-writing an existing (symbol, date) key overwrites it last-write-wins.
func (db *DB) UpsertBars(symbol string, bars []models.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO daily_prices (symbol, date, open, high, low, close, volume, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, date) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, b := range bars {
		_, err := stmt.Exec(symbol, b.Date, b.Open, b.High, b.Low, b.Close, b.Volume, now)
		if err != nil {
			return fmt.Errorf("failed to upsert bar for %s on %s: %w",
				symbol, b.Date.Format("2006-01-02"), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ReadBars retrieves bars for a symbol ordered by date ascending. Either
// bound may be nil for an open range.
func (db *DB) ReadBars(symbol string, from, to *time.Time) ([]models.PriceBar, error) {
	query := `
		SELECT symbol, date, open, high, low, close, volume, created_at
		FROM daily_prices
		WHERE symbol = $1
	`
	args := []interface{}{symbol}
	if from != nil {
		args = append(args, *from)
		query += fmt.Sprintf(" AND date >= $%d", len(args))
	}
	if to != nil {
		args = append(args, *to)
		query += fmt.Sprintf(" AND date <= $%d", len(args))
	}
	query += " ORDER BY date ASC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read bars for %s: %w", symbol, err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// ReadRecentBars retrieves the most recent limit bars for a symbol,
// returned in date ascending order for indicator calculation.
func (db *DB) ReadRecentBars(symbol string, limit int) ([]models.PriceBar, error) {
	rows, err := db.conn.Query(`
		SELECT symbol, date, open, high, low, close, volume, created_at
		FROM daily_prices
		WHERE symbol = $1
		ORDER BY date DESC
		LIMIT $2
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent bars for %s: %w", symbol, err)
	}
	defer rows.Close()

	bars, err := scanBars(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

// GetLatestBarDate returns the most recent stored date for a symbol, or
// nil when no bars exist.
func (db *DB) GetLatestBarDate(symbol string) (*time.Time, error) {
	var date sql.NullTime
	err := db.conn.QueryRow(
		`SELECT MAX(date) FROM daily_prices WHERE symbol = $1`, symbol,
	).Scan(&date)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest bar date for %s: %w", symbol, err)
	}
	if !date.Valid {
		return nil, nil
	}
	return &date.Time, nil
}

// RecordSync upserts the sync record for a symbol after a backfill.
func (db *DB) RecordSync(symbol string, ts time.Time, periodsLoaded int) error {
	_, err := db.conn.Exec(`
		INSERT INTO sync_status (symbol, last_sync, periods_loaded)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol) DO UPDATE SET
			last_sync = EXCLUDED.last_sync,
			periods_loaded = EXCLUDED.periods_loaded
	`, symbol, ts, periodsLoaded)
	if err != nil {
		return fmt.Errorf("failed to record sync for %s: %w", symbol, err)
	}
	return nil
}

// GetSyncRecord retrieves the sync record for a symbol, or nil when the
// symbol has never been backfilled.
func (db *DB) GetSyncRecord(symbol string) (*models.SyncRecord, error) {
	var rec models.SyncRecord
	err := db.conn.QueryRow(`
		SELECT symbol, last_sync, periods_loaded
		FROM sync_status
		WHERE symbol = $1
	`, symbol).Scan(&rec.Symbol, &rec.LastSync, &rec.PeriodsLoaded)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync record for %s: %w", symbol, err)
	}
	return &rec, nil
}

// DeleteSymbolHistory removes all stored bars and the sync record for a
// symbol.
func (db *DB) DeleteSymbolHistory(symbol string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM daily_prices WHERE symbol = $1`, symbol); err != nil {
		return fmt.Errorf("failed to delete bars for %s: %w", symbol, err)
	}
	if _, err := tx.Exec(`DELETE FROM sync_status WHERE symbol = $1`, symbol); err != nil {
		return fmt.Errorf("failed to delete sync record for %s: %w", symbol, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func scanBars(rows *sql.Rows) ([]models.PriceBar, error) {
	var bars []models.PriceBar
	for rows.Next() {
		var b models.PriceBar
		if err := rows.Scan(&b.Symbol, &b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bars: %w", err)
	}
	return bars, nil
}
