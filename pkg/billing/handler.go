package billing

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/tiersync/pkg/billing/internal"
	"github.com/mihaimyh/tiersync/pkg/ratelimit"
)

const unknownEventLabel = "UNKNOWN"

type errorBody struct {
	Error string `json:"error"`
}

type ackBody struct {
	Received bool `json:"received"`
}

// Handler serves the billing webhook endpoint. Each delivery is rate limited,
// authenticated against the raw body, validated, and reconciled in that order.
type Handler struct {
	provider     Provider
	reconciler   *Reconciler
	maxBodyBytes int64
	logger       Logger
	metrics      Metrics
	next         http.Handler
}

// NewHandler creates a webhook handler from config.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	h := &Handler{
		provider:     config.Provider,
		reconciler:   config.Reconciler,
		maxBodyBytes: config.MaxBodyBytes,
		logger:       config.Logger,
		metrics:      config.Metrics,
	}
	if h.maxBodyBytes == 0 {
		h.maxBodyBytes = defaultMaxBodyBytes
	}
	if h.logger == nil {
		h.logger = &NoopLogger{}
	}
	if h.metrics == nil {
		h.metrics = &NoopMetrics{}
	}

	h.next = http.HandlerFunc(h.handleWebhook)
	if config.RateLimiter != nil {
		h.next = config.RateLimiter.Middleware(config.ClientKey, h.onRateLimited)(h.next)
	}
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)
	h.next.ServeHTTP(w, r)
}

func (h *Handler) onRateLimited(r *http.Request, d ratelimit.Decision) {
	h.metrics.RecordRateLimited(h.provider.Name())
	h.logger.Warn("webhook delivery rate limited",
		F("provider", h.provider.Name()),
		F("remote_addr", r.RemoteAddr),
		F("retry_after", d.RetryAfter),
	)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	provider := h.provider.Name()
	log := WithFields(h.logger,
		F("delivery_id", uuid.NewString()),
		F("provider", provider),
	)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic while handling webhook", F("panic", rec))
			h.metrics.RecordWebhookError(provider, "panic")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if !h.provider.Configured() {
		log.Error("webhook secret is not configured, rejecting delivery")
		h.metrics.RecordWebhookError(provider, "not_configured")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBody(w, r, h.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.metrics.RecordWebhookError(provider, "payload_too_large")
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		} else {
			h.metrics.RecordWebhookError(provider, "invalid_payload")
			writeError(w, http.StatusBadRequest, "invalid payload")
		}
		return
	}

	if err := h.provider.Authenticate(r.Header, body); err != nil {
		log.Warn("webhook signature rejected", F("remote_addr", r.RemoteAddr))
		h.metrics.RecordWebhookError(provider, "auth_failed")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if len(body) == 0 {
		log.Warn("webhook delivery has an empty body")
		h.metrics.RecordWebhookError(provider, "invalid_payload")
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	ev, err := h.provider.Decode(body)
	if err != nil {
		log.Warn("webhook payload rejected", F("error", err.Error()))
		h.metrics.RecordWebhookError(provider, "invalid_payload")
		h.metrics.RecordWebhookEvent(provider, unknownEventLabel, "invalid_payload")
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	eventType := metricEventType(ev)
	defer func() {
		h.metrics.RecordWebhookProcessingDuration(provider, eventType, time.Since(startTime))
	}()

	outcome, err := h.reconciler.Apply(ContextWithLogger(r.Context(), log), ev)
	if err != nil {
		log.Error("failed to reconcile webhook event",
			F("event_type", ev.EventType()),
			F("error", err.Error()),
		)
		h.metrics.RecordWebhookError(provider, "persistence_error")
		h.metrics.RecordWebhookEvent(provider, eventType, "error")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.metrics.RecordWebhookEvent(provider, eventType, string(outcome))
	_ = internal.WriteJSON(w, http.StatusOK, ackBody{Received: true})
}

// metricEventType keeps unknown types out of metric labels.
func metricEventType(ev Event) string {
	if other, ok := ev.(*OtherEvent); ok && !other.Known {
		return unknownEventLabel
	}
	return ev.EventType()
}

func writeError(w http.ResponseWriter, code int, msg string) {
	_ = internal.WriteJSON(w, code, errorBody{Error: msg})
}
