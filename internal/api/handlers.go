package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tickerwatch/screener-service/internal/models"
)

// ResultCache serves the latest screening cycle output.
type ResultCache interface {
	GetResults(ctx context.Context) ([]models.ScreenResult, error)
	GetSummary(ctx context.Context) (*models.CycleSummary, error)
	LastUpdated(ctx context.Context) (time.Time, error)
}

// HealthStore exposes the ticker-health operations the API needs.
type HealthStore interface {
	GetStatusSummary() (*models.HealthSummary, error)
	ResetAllQuarantine() (int64, error)
}

// Refresher requests an out-of-schedule screening cycle.
type Refresher interface {
	TriggerRefresh() bool
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	results   ResultCache
	health    HealthStore
	refresher Refresher
	log       *logrus.Entry
}

// NewHandler creates a new Handler
func NewHandler(results ResultCache, health HealthStore, refresher Refresher, logger *logrus.Logger) *Handler {
	return &Handler{
		results:   results,
		health:    health,
		refresher: refresher,
		log:       logger.WithField("component", "api"),
	}
}

// GetResults handles GET /api/v1/results
func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	results, err := h.results.GetResults(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	summary, err := h.results.GetSummary(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	updated, err := h.results.LastUpdated(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	payload := map[string]interface{}{
		"results": results,
		"summary": summary,
	}
	if !updated.IsZero() {
		payload["last_updated"] = updated.Format(time.RFC3339)
	}
	respondJSON(w, http.StatusOK, payload)
}

// GetHealthSummary handles GET /api/v1/health/summary
func (h *Handler) GetHealthSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.health.GetStatusSummary()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

// ResetQuarantine handles POST /api/v1/health/reset
func (h *Handler) ResetQuarantine(w http.ResponseWriter, r *http.Request) {
	reset, err := h.health.ResetAllQuarantine()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.log.WithField("reset", reset).Info("quarantine reset via API")
	respondJSON(w, http.StatusOK, map[string]int64{"reset": reset})
}

// Refresh handles POST /api/v1/refresh
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil {
		http.Error(w, "refresh not available", http.StatusServiceUnavailable)
		return
	}

	if !h.refresher.TriggerRefresh() {
		respondJSON(w, http.StatusConflict, map[string]string{"status": "cycle already running"})
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "refresh scheduled"})
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
