package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/trogers1052/signal-fanout/internal/database"
	"github.com/trogers1052/signal-fanout/internal/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store is the persistence the operator API reads and resets through
type Store interface {
	Ping(ctx context.Context) error
	GetSignal(ctx context.Context, id string) (*models.Signal, error)
	ListSignals(ctx context.Context, state models.SignalState, limit int) ([]*models.Signal, error)
	ResetFailedSignal(ctx context.Context, id string) error
	ListOrders(ctx context.Context, f database.OrderFilter) ([]*models.Order, error)
}

// Pinger is a dependency with a liveness check
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	db              Store
	redis           Pinger
	kafkaConfigured bool
	logger          zerolog.Logger
}

// NewHandler creates a new Handler. redis may be nil.
func NewHandler(db Store, redis Pinger, kafkaConfigured bool, logger zerolog.Logger) *Handler {
	return &Handler{
		db:              db,
		redis:           redis,
		kafkaConfigured: kafkaConfigured,
		logger:          logger.With().Str("component", "api").Logger(),
	}
}

// ListSignals handles GET /api/v1/signals
func (h *Handler) ListSignals(w http.ResponseWriter, r *http.Request) {
	state := models.SignalState(r.URL.Query().Get("state"))
	if state != "" && !state.Valid() {
		respondError(w, http.StatusBadRequest, "unknown state")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	signals, err := h.db.ListSignals(r.Context(), state, limit)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if signals == nil {
		signals = []*models.Signal{}
	}
	respondJSON(w, http.StatusOK, signals)
}

// GetSignal handles GET /api/v1/signals/{id}
func (h *Handler) GetSignal(w http.ResponseWriter, r *http.Request) {
	signal, err := h.db.GetSignal(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, signal)
}

// GetSignalOrders handles GET /api/v1/signals/{id}/orders
func (h *Handler) GetSignalOrders(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.db.GetSignal(r.Context(), id); err != nil {
		h.storeError(w, r, err)
		return
	}

	orders, err := h.db.ListOrders(r.Context(), database.OrderFilter{SignalID: id})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

// ResetSignal handles POST /api/v1/signals/{id}/reset
func (h *Handler) ResetSignal(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.db.ResetFailedSignal(r.Context(), id); err != nil {
		h.storeError(w, r, err)
		return
	}
	h.logger.Info().Str("signal_id", id).Msg("Failed signal reset to pending")
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(models.SignalPending)})
}

// ListOrders handles GET /api/v1/orders, the executor's polling endpoint
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := models.OrderStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		respondError(w, http.StatusBadRequest, "unknown status")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	orders, err := h.db.ListOrders(r.Context(), database.OrderFilter{
		Status:   status,
		SignalID: q.Get("signal_id"),
		UserID:   q.Get("user_id"),
		Limit:    limit,
	})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := map[string]string{}
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	}
	allHealthy := true

	// Check database
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			services["postgres"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			services["postgres"] = "healthy"
		}
	} else {
		services["postgres"] = "not configured"
		allHealthy = false
	}

	// Check Redis
	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			services["redis"] = "unhealthy: " + err.Error()
		} else {
			services["redis"] = "healthy"
		}
	} else {
		services["redis"] = "not configured"
	}

	if h.kafkaConfigured {
		services["kafka"] = "configured"
	} else {
		services["kafka"] = "not configured"
	}

	status := http.StatusOK
	if !allHealthy {
		health["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, health)
}

func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, database.ErrSignalNotFound), errors.Is(err, database.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	case database.IsTransient(err):
		h.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Transient store error")
		respondError(w, http.StatusServiceUnavailable, "store temporarily unavailable")
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Store error")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
