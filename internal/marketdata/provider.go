// Package marketdata fetches daily and intraday prices from the TWSE open
// endpoints and turns them into indicator-augmented series for screening.
package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/tickerwatch/screener-service/internal/models"
)

// ErrNoData marks an empty or non-OK provider response. It is not a
// transient condition and is never retried within a cycle.
var ErrNoData = errors.New("no data returned from provider")

// Provider is the market-data source. Implementations perform no rate
// limiting of their own; callers gate every request through the limiter.
type Provider interface {
	// FetchMonth returns the daily bars for one symbol in one calendar
	// month. ErrNoData when the provider has nothing for that month.
	FetchMonth(ctx context.Context, symbol string, year int, month time.Month) ([]models.PriceBar, error)

	// FetchQuoteBatch returns live quotes for up to BatchSize symbols in
	// one call. Symbols missing from the response are simply absent from
	// the map.
	FetchQuoteBatch(ctx context.Context, symbols []string) (map[string]models.Quote, error)
}
