package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// RouterConfig collects what SetupRoutes wires together
type RouterConfig struct {
	Handler    *Handler
	Webhook    *WebhookHandler
	Metrics    http.Handler
	AdminToken string
	Logger     zerolog.Logger
}

// SetupRoutes configures all API routes
func SetupRoutes(cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestLogger(cfg.Logger))

	// Health check
	r.HandleFunc("/health", cfg.Handler.HealthCheck).Methods("GET")
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods("GET")
	}

	// Webhook admission
	r.Handle("/webhook/signals", cfg.Webhook).Methods("POST")
	r.Handle("/webhook/tradingview", cfg.Webhook).Methods("POST")

	// Operator routes
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(RequireAdmin(cfg.AdminToken))
	api.HandleFunc("/signals", cfg.Handler.ListSignals).Methods("GET")
	api.HandleFunc("/signals/{id}", cfg.Handler.GetSignal).Methods("GET")
	api.HandleFunc("/signals/{id}/orders", cfg.Handler.GetSignalOrders).Methods("GET")
	api.HandleFunc("/signals/{id}/reset", cfg.Handler.ResetSignal).Methods("POST")
	api.HandleFunc("/orders", cfg.Handler.ListOrders).Methods("GET")

	return r
}
