package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/signal-fanout/internal/idempotency"
	"github.com/trogers1052/signal-fanout/internal/metrics"
	"github.com/trogers1052/signal-fanout/internal/models"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9._:/-]{0,31}$`)

// errBadPayload marks a push that authenticated but could not be parsed
var errBadPayload = errors.New("invalid webhook payload")

// Top-level keys with a dedicated meaning; everything else lands in the payload
var reservedKeys = map[string]bool{
	"symbol": true, "ticker": true, "action": true, "price": true,
	"strategy": true, "indicators": true, "token": true, "passphrase": true,
}

var timeKeys = []string{"time", "timestamp", "timenow"}

// SignalWriter persists admitted signals. With a positive dedupeWindow it
// may replace s.Fingerprint with that of a recent signal sharing
// s.ContentHash.
type SignalWriter interface {
	InsertSignal(ctx context.Context, s *models.Signal, dedupeWindow time.Duration) error
}

// WebhookConfig holds admission gate limits
type WebhookConfig struct {
	MaxBodyBytes   int64
	DedupeWindow   time.Duration
	RequestTimeout time.Duration
}

// WebhookHandler admits inbound trading alerts
type WebhookHandler struct {
	store   SignalWriter
	auth    *Authenticator
	limiter Limiter
	metrics *metrics.Metrics
	cfg     WebhookConfig
	logger  zerolog.Logger
	now     func() time.Time
}

// NewWebhookHandler creates the admission gate. limiter may be nil.
func NewWebhookHandler(store SignalWriter, auth *Authenticator, limiter Limiter, m *metrics.Metrics, cfg WebhookConfig, logger zerolog.Logger) *WebhookHandler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = time.Minute
	}
	return &WebhookHandler{
		store:   store,
		auth:    auth,
		limiter: limiter,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With().Str("component", "webhook").Logger(),
		now:     time.Now,
	}
}

// parsedWebhook is a validated push
type parsedWebhook struct {
	signal    *models.Signal
	alertTime string
	token     string
}

// ServeHTTP handles POST /webhook/signals
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())
	if logger.GetLevel() == zerolog.Disabled {
		logger = &h.logger
	}
	clientIP := h.auth.ClientIP(r)

	if h.limiter != nil && !h.limiter.Allow(r.Context(), clientIP) {
		h.record("rate_limited")
		logger.Warn().Str("client_ip", clientIP).Msg("Webhook rate limited")
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.record("too_large")
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.record("bad_request")
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	authErr := h.auth.AuthenticateRequest(r)
	parsed, parseErr := parseWebhook(body)

	if authErr != nil {
		if parsed == nil || !h.auth.MatchToken(parsed.token) {
			h.record("unauthorized")
			logger.Warn().Str("client_ip", clientIP).Msg("Webhook rejected: no valid credential")
			respondError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
			return
		}
	}
	if parseErr != nil {
		h.record("bad_request")
		logger.Info().Err(parseErr).Str("client_ip", clientIP).Msg("Webhook rejected: bad payload")
		respondError(w, http.StatusBadRequest, parseErr.Error())
		return
	}

	s := parsed.signal
	s.ID = uuid.NewString()
	s.ReceivedAt = h.now().UTC()
	s.ContentHash = idempotency.ContentHash(s)
	s.Fingerprint = idempotency.Fingerprint(s.ContentHash, parsed.alertTime, s.ReceivedAt)

	// An alert that carries its own timestamp is already pinned down
	dedupeWindow := h.cfg.DedupeWindow
	if parsed.alertTime != "" {
		dedupeWindow = 0
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.RequestTimeout)
	defer cancel()

	if err := h.store.InsertSignal(ctx, s, dedupeWindow); err != nil {
		h.record("error")
		logger.Error().Err(err).Str("symbol", s.Symbol).Msg("Failed to store signal")
		respondError(w, http.StatusInternalServerError, "failed to store signal")
		return
	}

	h.record("accepted")
	logger.Info().
		Str("signal_id", s.ID).
		Str("symbol", s.Symbol).
		Str("action", string(s.Action)).
		Str("fingerprint", s.Fingerprint).
		Msg("Signal accepted")

	respondJSON(w, http.StatusOK, map[string]string{"signalId": s.ID})
}

func (h *WebhookHandler) record(result string) {
	if h.metrics != nil {
		h.metrics.WebhookRequests.WithLabelValues(result).Inc()
	}
}

// parseWebhook validates a push body. On a validation error the returned
// value still carries the body token when one could be read.
func parseWebhook(body []byte) (*parsedWebhook, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", errBadPayload)
	}

	p := &parsedWebhook{token: bodyToken(raw)}

	symbol := stringField(raw, "symbol")
	if symbol == "" {
		symbol = stringField(raw, "ticker")
	}
	symbol = strings.ToUpper(symbol)
	if !symbolPattern.MatchString(symbol) {
		return p, fmt.Errorf("%w: symbol is missing or malformed", errBadPayload)
	}

	action := models.Action(strings.ToLower(stringField(raw, "action")))
	if !action.Valid() {
		return p, fmt.Errorf("%w: action must be buy, sell or hold", errBadPayload)
	}

	price, err := parsePrice(raw["price"])
	if err != nil {
		return p, err
	}

	payload := make(map[string]interface{})
	switch ind := raw["indicators"].(type) {
	case nil:
	case map[string]interface{}:
		for k, v := range ind {
			payload[k] = v
		}
	default:
		return p, fmt.Errorf("%w: indicators must be an object", errBadPayload)
	}
	for k, v := range raw {
		if reservedKeys[k] {
			continue
		}
		if _, exists := payload[k]; !exists {
			payload[k] = v
		}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return p, fmt.Errorf("%w: %v", errBadPayload, err)
	}

	for _, k := range timeKeys {
		if v, ok := raw[k]; ok && v != nil {
			p.alertTime = strings.TrimSpace(fmt.Sprint(v))
			break
		}
	}

	p.signal = &models.Signal{
		Symbol:   symbol,
		Action:   action,
		Price:    price,
		Strategy: stringField(raw, "strategy"),
		Payload:  encoded,
		State:    models.SignalPending,
	}
	return p, nil
}

func bodyToken(raw map[string]interface{}) string {
	if t := stringField(raw, "token"); t != "" {
		return t
	}
	return stringField(raw, "passphrase")
}

func stringField(raw map[string]interface{}, key string) string {
	s, _ := raw[key].(string)
	return strings.TrimSpace(s)
}

// parsePrice accepts a JSON number or numeric string. The price is optional
// but must be positive when present.
func parsePrice(v interface{}) (decimal.NullDecimal, error) {
	var text string
	switch p := v.(type) {
	case nil:
		return decimal.NullDecimal{}, nil
	case json.Number:
		text = p.String()
	case string:
		text = strings.TrimSpace(p)
		if text == "" {
			return decimal.NullDecimal{}, nil
		}
	default:
		return decimal.NullDecimal{}, fmt.Errorf("%w: price must be a number", errBadPayload)
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("%w: price %q is not a number", errBadPayload, text)
	}
	if !d.IsPositive() {
		return decimal.NullDecimal{}, fmt.Errorf("%w: price must be positive", errBadPayload)
	}
	return decimal.NewNullDecimal(d), nil
}
