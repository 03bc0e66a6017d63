package api

import (
	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(handler *Handler) *mux.Router {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")

	// Screener routes
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/results", handler.GetResults).Methods("GET")
	api.HandleFunc("/health/summary", handler.GetHealthSummary).Methods("GET")
	api.HandleFunc("/health/reset", handler.ResetQuarantine).Methods("POST")
	api.HandleFunc("/refresh", handler.Refresh).Methods("POST")

	return r
}
