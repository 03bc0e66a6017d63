// Package cache stores the latest screening cycle output in Redis so the
// HTTP API can serve results without touching the database, and so
// consecutive cycles can diff their match sets.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tickerwatch/screener-service/internal/models"
)

const (
	keyResults     = "screener:results"
	keySummary     = "screener:summary"
	keyMatches     = "screener:matches"
	keyLastUpdated = "screener:last_updated"
)

// ResultStore caches the latest screening output.
type ResultStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResultStore creates a Redis-backed result store. A zero ttl keeps
// entries until the next cycle overwrites them.
func NewResultStore(addr, password string, db int, ttl time.Duration) *ResultStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &ResultStore{client: client, ttl: ttl}
}

// Ping verifies the Redis connection.
func (s *ResultStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// SaveCycle stores the results and summary of one screening cycle and
// replaces the match set used for new-match detection.
func (s *ResultStore) SaveCycle(ctx context.Context, results []models.ScreenResult, summary *models.CycleSummary) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyResults, resultsJSON, s.ttl)
	pipe.Set(ctx, keySummary, summaryJSON, s.ttl)
	pipe.Set(ctx, keyLastUpdated, time.Now().UTC().Format(time.RFC3339), s.ttl)
	pipe.Del(ctx, keyMatches)
	if len(results) > 0 {
		symbols := make([]interface{}, 0, len(results))
		for _, r := range results {
			symbols = append(symbols, r.Symbol)
		}
		pipe.SAdd(ctx, keyMatches, symbols...)
		if s.ttl > 0 {
			pipe.Expire(ctx, keyMatches, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store cycle results: %w", err)
	}
	return nil
}

// GetResults returns the latest cycle's results, or nil when no cycle has
// run yet.
func (s *ResultStore) GetResults(ctx context.Context) ([]models.ScreenResult, error) {
	data, err := s.client.Get(ctx, keyResults).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached results: %w", err)
	}

	var results []models.ScreenResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached results: %w", err)
	}
	return results, nil
}

// GetSummary returns the latest cycle summary, or nil when absent.
func (s *ResultStore) GetSummary(ctx context.Context) (*models.CycleSummary, error) {
	data, err := s.client.Get(ctx, keySummary).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached summary: %w", err)
	}

	var summary models.CycleSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached summary: %w", err)
	}
	return &summary, nil
}

// GetPreviousMatches returns the symbols that matched in the previous
// cycle. Used to publish events only for fresh matches.
func (s *ResultStore) GetPreviousMatches(ctx context.Context) (map[string]bool, error) {
	symbols, err := s.client.SMembers(ctx, keyMatches).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read previous matches: %w", err)
	}
	out := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		out[sym] = true
	}
	return out, nil
}

// LastUpdated returns when the cache last saw a completed cycle. Zero time
// when no cycle has run.
func (s *ResultStore) LastUpdated(ctx context.Context) (time.Time, error) {
	raw, err := s.client.Get(ctx, keyLastUpdated).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last update time: %w", err)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last update time: %w", err)
	}
	return t, nil
}

// Close closes the underlying Redis client.
func (s *ResultStore) Close() error {
	return s.client.Close()
}
