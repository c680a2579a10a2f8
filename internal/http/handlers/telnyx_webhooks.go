package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
	"github.com/paradixe-xz/evaInstance-sub000/internal/observability/metrics"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

type eventNormalizer interface {
	Normalize(ctx context.Context, provider string, body []byte) (events.Event, error)
}

// EventSink receives normalized events. The worker publisher queues them
// for the orchestrator.
type EventSink interface {
	Submit(ctx context.Context, ev events.Event) error
}

// SignatureVerifier checks a webhook's Telnyx-Timestamp and Telnyx-Signature.
type SignatureVerifier func(timestamp, signature string, body []byte) error

const maxWebhookBody = 1 << 20

// TelnyxWebhookHandler turns Telnyx messaging and call-control webhooks into
// campaign events.
type TelnyxWebhookHandler struct {
	normalizer eventNormalizer
	sink       EventSink
	verify     SignatureVerifier
	metrics    *metrics.CampaignMetrics
	logger     *logging.Logger
}

type TelnyxWebhookConfig struct {
	Normalizer eventNormalizer
	Sink       EventSink
	// Verify may be nil only in local development.
	Verify  SignatureVerifier
	Metrics *metrics.CampaignMetrics
	Logger  *logging.Logger
}

func NewTelnyxWebhookHandler(cfg TelnyxWebhookConfig) *TelnyxWebhookHandler {
	if cfg.Normalizer == nil || cfg.Sink == nil {
		panic("handlers: telnyx webhook handler needs a normalizer and an event sink")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Verify == nil {
		cfg.Logger.Warn("telnyx webhook signatures are not verified")
	}
	return &TelnyxWebhookHandler{
		normalizer: cfg.Normalizer,
		sink:       cfg.Sink,
		verify:     cfg.Verify,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// HandleMessages processes inbound messages and delivery receipts.
func (h *TelnyxWebhookHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, events.ProviderTelnyxMessaging)
}

// HandleVoice processes call-control webhooks.
func (h *TelnyxWebhookHandler) HandleVoice(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, events.ProviderTelnyxVoice)
}

func (h *TelnyxWebhookHandler) handle(w http.ResponseWriter, r *http.Request, provider string) {
	start := time.Now()
	status := "accepted"
	defer func() {
		h.metrics.ObserveWebhook(provider, status, time.Since(start).Seconds())
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		status = "invalid"
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if h.verify != nil {
		if err := h.verify(r.Header.Get("Telnyx-Timestamp"), r.Header.Get("Telnyx-Signature"), body); err != nil {
			status = "unauthorized"
			h.logger.Warn("invalid telnyx webhook signature", "provider", provider, "error", err)
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	ev, err := h.normalizer.Normalize(r.Context(), provider, body)
	var nerr *events.NormalizationError
	switch {
	case errors.Is(err, events.ErrIgnored):
		status = "ignored"
		w.WriteHeader(http.StatusOK)
		return
	case errors.As(err, &nerr):
		status = "unmappable"
		writeError(w, http.StatusUnprocessableEntity, nerr.Error())
		return
	case err != nil:
		status = "failed"
		h.logger.Error("telnyx webhook normalization failed", "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, "processing error")
		return
	}

	if err := h.sink.Submit(r.Context(), ev); err != nil {
		status = "failed"
		h.logger.Error("failed to queue telnyx event",
			"provider", provider,
			"contact_id", ev.ContactID,
			"event_type", string(ev.Type),
			"error", err,
		)
		// a 5xx makes Telnyx redeliver
		writeError(w, http.StatusInternalServerError, "processing error")
		return
	}
	h.logger.Debug("telnyx event queued",
		"contact_id", ev.ContactID,
		"event_type", string(ev.Type),
		"provider_event_id", ev.ProviderEventID,
	)
	w.WriteHeader(http.StatusOK)
}
