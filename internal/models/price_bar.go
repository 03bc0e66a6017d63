package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceBar represents one trading day of OHLCV data for a symbol.
// Bars are unique per (symbol, date); the store upserts last-write-wins.
type PriceBar struct {
	Symbol    string          `json:"symbol"`
	Date      time.Time       `json:"date"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
}

// SyncRecord tracks backfill progress for a symbol. One row per symbol,
// created on first fetch and updated on every successful backfill.
type SyncRecord struct {
	Symbol        string    `json:"symbol"`
	LastSync      time.Time `json:"last_sync"`
	PeriodsLoaded int       `json:"periods_loaded"`
}

// Quote is a live quote for one symbol from the provider's batch endpoint.
// Nil fields mean the provider returned its "field unavailable" sentinel.
type Quote struct {
	Symbol    string   `json:"symbol"`
	Name      string   `json:"name,omitempty"`
	Price     *float64 `json:"price"`
	Open      *float64 `json:"open"`
	High      *float64 `json:"high"`
	Low       *float64 `json:"low"`
	PrevClose *float64 `json:"prev_close"`
	Volume    *int64   `json:"volume"`
	Time      string   `json:"time,omitempty"`
}
