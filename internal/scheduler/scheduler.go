// Package scheduler drives the screening loop: a frequent cycle during
// market hours, a weekly probe pass for quarantined symbols, and manual
// refresh triggers from the API. At most one cycle runs at a time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/tickerwatch/screener-service/internal/models"
	"github.com/tickerwatch/screener-service/internal/screener"
)

// DataEngine prepares indicator-augmented series for a symbol list.
type DataEngine interface {
	Prepare(ctx context.Context, symbols []string) (map[string]*models.ProcessedSeries, *models.CycleSummary, error)
}

// ScreenEngine evaluates prepared series against the strategy.
type ScreenEngine interface {
	ScreenAll(symbols []string, seriesMap map[string]*models.ProcessedSeries, policy screener.Policy) []models.ScreenResult
}

// HealthStore supplies the retry-candidate subset for the probe pass.
type HealthStore interface {
	GetRetryCandidates(now time.Time) ([]string, error)
}

// UniverseSource resolves the symbol list screened each cycle.
type UniverseSource interface {
	Symbols(ctx context.Context) []string
}

// EventPublisher pushes cycle events downstream. A nil publisher disables
// event output without affecting the cycle.
type EventPublisher interface {
	PublishScreenMatch(ctx context.Context, result *models.ScreenResult) error
	PublishSymbolQuarantined(ctx context.Context, symbol string, reason models.FailureReason) error
	PublishSymbolRecovered(ctx context.Context, symbol string) error
}

// CycleCache persists the latest cycle output and the previous match set.
type CycleCache interface {
	SaveCycle(ctx context.Context, results []models.ScreenResult, summary *models.CycleSummary) error
	GetPreviousMatches(ctx context.Context) (map[string]bool, error)
}

// Config tunes the scheduling behavior.
type Config struct {
	// Universe resolves the full symbol list screened each cycle.
	Universe UniverseSource
	// UpdateInterval is the spacing between screening cycles during
	// market hours.
	UpdateInterval time.Duration
	// MarketOpen and MarketClose are HH:MM local to Location.
	MarketOpen  string
	MarketClose string
	Location    *time.Location
	// RetryCron fires the quarantine probe pass. Default Monday 09:00.
	RetryCron string
	// Policy is the post-filter applied to raw screen matches.
	Policy screener.Policy
}

// Scheduler owns the cron entries and the single-cycle-in-flight guard.
type Scheduler struct {
	cron      *cron.Cron
	engine    DataEngine
	screener  ScreenEngine
	health    HealthStore
	publisher EventPublisher
	cache     CycleCache
	cfg       Config
	log       *logrus.Entry

	ctx     context.Context
	running int32
	wg      sync.WaitGroup

	now func() time.Time
}

// New creates a Scheduler. The context bounds every cycle the scheduler
// starts.
func New(ctx context.Context, engine DataEngine, scr ScreenEngine, health HealthStore, publisher EventPublisher, cache CycleCache, cfg Config, logger *logrus.Logger) *Scheduler {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 5 * time.Minute
	}
	if cfg.MarketOpen == "" {
		cfg.MarketOpen = "09:00"
	}
	if cfg.MarketClose == "" {
		cfg.MarketClose = "13:30"
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.RetryCron == "" {
		cfg.RetryCron = "0 9 * * 1"
	}
	return &Scheduler{
		cron:      cron.New(cron.WithLocation(cfg.Location)),
		engine:    engine,
		screener:  scr,
		health:    health,
		publisher: publisher,
		cache:     cache,
		cfg:       cfg,
		log:       logger.WithField("component", "scheduler"),
		ctx:       ctx,
		now:       time.Now,
	}
}

// Register adds the screening and retry-probe cron entries.
func (s *Scheduler) Register() error {
	spec := fmt.Sprintf("@every %s", s.cfg.UpdateInterval)
	if _, err := s.cron.AddFunc(spec, s.screeningTask); err != nil {
		return fmt.Errorf("failed to register screening task: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.RetryCron, s.retryTask); err != nil {
		return fmt.Errorf("failed to register retry task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithFields(logrus.Fields{
		"interval": s.cfg.UpdateInterval,
		"open":     s.cfg.MarketOpen,
		"close":    s.cfg.MarketClose,
	}).Info("scheduler started")
}

// Stop stops the cron scheduler and waits for any running cycle,
// including one started by TriggerRefresh, to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// TriggerRefresh starts an out-of-schedule cycle, bypassing the
// market-hours gate. False when a cycle is already in flight.
func (s *Scheduler) TriggerRefresh() bool {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.StoreInt32(&s.running, 0)
		s.runCycle(s.ctx, s.universe())
	}()
	return true
}

// screeningTask is the recurring market-hours cycle.
func (s *Scheduler) screeningTask() {
	if !s.withinMarketHours(s.now()) {
		s.log.Debug("outside market hours, skipping cycle")
		return
	}
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		s.log.Warn("previous cycle still running, skipping")
		return
	}
	defer atomic.StoreInt32(&s.running, 0)

	s.runCycle(s.ctx, s.universe())
}

// universe resolves the symbol list for a full cycle.
func (s *Scheduler) universe() []string {
	if s.cfg.Universe == nil {
		return nil
	}
	return s.cfg.Universe.Symbols(s.ctx)
}

// retryTask probes only the quarantined symbols whose retry time arrived.
func (s *Scheduler) retryTask() {
	candidates, err := s.health.GetRetryCandidates(s.now())
	if err != nil {
		s.log.WithError(err).Error("failed to get retry candidates")
		return
	}
	if len(candidates) == 0 {
		return
	}
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		s.log.Warn("cycle in flight, skipping retry probes")
		return
	}
	defer atomic.StoreInt32(&s.running, 0)

	s.log.WithField("candidates", len(candidates)).Info("running retry probes")
	s.runCycle(s.ctx, candidates)
}

func (s *Scheduler) runCycle(ctx context.Context, symbols []string) {
	started := s.now()

	seriesMap, summary, err := s.engine.Prepare(ctx, symbols)
	if err != nil {
		s.log.WithError(err).Error("cycle aborted")
		return
	}

	results := s.screener.ScreenAll(symbols, seriesMap, s.cfg.Policy)

	s.publishEvents(ctx, results, summary)

	if s.cache != nil {
		if err := s.cache.SaveCycle(ctx, results, summary); err != nil {
			s.log.WithError(err).Error("failed to cache cycle results")
		}
	}

	s.log.WithFields(logrus.Fields{
		"matches":  len(results),
		"prepared": summary.Prepared,
		"failed":   summary.Failed,
		"elapsed":  s.now().Sub(started).Round(time.Millisecond),
	}).Info("cycle complete")
}

// publishEvents emits quarantine transitions and matches that were not
// present in the previous cycle.
func (s *Scheduler) publishEvents(ctx context.Context, results []models.ScreenResult, summary *models.CycleSummary) {
	if s.publisher == nil {
		return
	}

	var previous map[string]bool
	if s.cache != nil {
		var err error
		previous, err = s.cache.GetPreviousMatches(ctx)
		if err != nil {
			s.log.WithError(err).Warn("failed to read previous matches, publishing all")
		}
	}

	for i := range results {
		if previous[results[i].Symbol] {
			continue
		}
		if err := s.publisher.PublishScreenMatch(ctx, &results[i]); err != nil {
			s.log.WithError(err).WithField("symbol", results[i].Symbol).Error("failed to publish match")
		}
	}

	for _, q := range summary.NewlyQuarantined {
		if err := s.publisher.PublishSymbolQuarantined(ctx, q.Symbol, q.Reason); err != nil {
			s.log.WithError(err).WithField("symbol", q.Symbol).Error("failed to publish quarantine event")
		}
	}
	for _, symbol := range summary.Recovered {
		if err := s.publisher.PublishSymbolRecovered(ctx, symbol); err != nil {
			s.log.WithError(err).WithField("symbol", symbol).Error("failed to publish recovery event")
		}
	}
}

// withinMarketHours reports whether t falls on a weekday between the
// configured open and close, inclusive.
func (s *Scheduler) withinMarketHours(t time.Time) bool {
	local := t.In(s.cfg.Location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	open, err := parseClock(s.cfg.MarketOpen)
	if err != nil {
		s.log.WithError(err).Error("invalid market open time")
		return false
	}
	close, err := parseClock(s.cfg.MarketClose)
	if err != nil {
		s.log.WithError(err).Error("invalid market close time")
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	return minutes >= open && minutes <= close
}

func parseClock(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", hhmm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
