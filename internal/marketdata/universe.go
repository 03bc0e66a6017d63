package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// UniverseProvider supplies the market-wide symbol ranking. Implemented by
// TWSEClient via the MI_INDEX endpoint.
type UniverseProvider interface {
	FetchTopTradingSymbols(ctx context.Context, date time.Time, count int) ([]string, error)
}

// Universe resolves the symbol list for a screening cycle: the top symbols
// by trading value, cached between refreshes, with a static fallback list
// when the provider has never answered. A stale cache is preferred over
// the fallback so a transient outage does not shrink the universe.
type Universe struct {
	provider UniverseProvider
	limiter  Limiter
	fallback []string
	count    int
	maxAge   time.Duration
	log      *logrus.Entry

	mu        sync.Mutex
	cached    []string
	fetchedAt time.Time

	now func() time.Time
}

// NewUniverse creates a Universe source. fallback is returned whenever no
// fetch has ever succeeded.
func NewUniverse(provider UniverseProvider, limiter Limiter, fallback []string, count int, maxAge time.Duration, logger *logrus.Logger) *Universe {
	if count <= 0 {
		count = 100
	}
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	return &Universe{
		provider: provider,
		limiter:  limiter,
		fallback: fallback,
		count:    count,
		maxAge:   maxAge,
		log:      logger.WithField("component", "universe"),
		now:      time.Now,
	}
}

// Symbols returns the current screening universe, refreshing from the
// provider when the cache has expired.
func (u *Universe) Symbols(ctx context.Context) []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.now()
	if len(u.cached) > 0 && now.Sub(u.fetchedAt) <= u.maxAge {
		return u.cached
	}

	symbols, err := u.fetch(ctx, now)
	if err == nil && len(symbols) > 0 {
		u.cached = symbols
		u.fetchedAt = now
		u.log.WithField("symbols", len(symbols)).Info("universe refreshed")
		return u.cached
	}
	if err != nil {
		u.log.WithError(err).Warn("universe refresh failed")
	}

	if len(u.cached) > 0 {
		u.log.WithField("symbols", len(u.cached)).Warn("serving stale universe cache")
		return u.cached
	}

	u.log.WithField("symbols", len(u.fallback)).Warn("falling back to static symbol list")
	return u.fallback
}

func (u *Universe) fetch(ctx context.Context, now time.Time) ([]string, error) {
	if err := u.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	return u.provider.FetchTopTradingSymbols(ctx, now, u.count)
}
