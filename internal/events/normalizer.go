package events

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// Providers understood by the normalizer.
const (
	ProviderTelnyxMessaging = "telnyx.messaging"
	ProviderTelnyxVoice     = "telnyx.voice"
)

// SessionLocator resolves sessions for events whose provider does not echo our id.
type SessionLocator interface {
	OpenSessionID(ctx context.Context, contactID string) (string, error)
	SessionByHandle(ctx context.Context, handle string) (sessionID, contactID string, err error)
	SessionContact(ctx context.Context, sessionID string) (string, error)
}

// PhoneCanonicalizer maps a raw provider number to a contact id.
type PhoneCanonicalizer func(raw string) (string, error)

// Normalizer converts provider webhooks into Events.
type Normalizer struct {
	locator   SessionLocator
	canonical PhoneCanonicalizer
	logger    *logging.Logger
	now       func() time.Time
}

// NormalizerOption customizes a Normalizer.
type NormalizerOption func(*Normalizer)

// WithPhoneCanonicalizer sets the function used to turn numbers into contact ids.
func WithPhoneCanonicalizer(fn PhoneCanonicalizer) NormalizerOption {
	return func(n *Normalizer) {
		if fn != nil {
			n.canonical = fn
		}
	}
}

// WithNormalizerLogger sets the logger.
func WithNormalizerLogger(logger *logging.Logger) NormalizerOption {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNormalizer builds a Normalizer backed by locator.
func NewNormalizer(locator SessionLocator, opts ...NormalizerOption) *Normalizer {
	if locator == nil {
		panic("events: session locator required")
	}
	n := &Normalizer{
		locator:   locator,
		canonical: trimPhone,
		logger:    logging.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

func trimPhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty phone number")
	}
	return raw, nil
}

// Normalize maps one provider payload. Recognized-but-irrelevant payloads
// return ErrIgnored; anything else that cannot be mapped returns a
// *NormalizationError, which is also logged here.
func (n *Normalizer) Normalize(ctx context.Context, provider string, body []byte) (Event, error) {
	var (
		evt Event
		err error
	)
	switch provider {
	case ProviderTelnyxMessaging:
		evt, err = n.normalizeTelnyxMessaging(ctx, body)
	case ProviderTelnyxVoice:
		evt, err = n.normalizeTelnyxVoice(ctx, body)
	default:
		err = unmappable(provider, "", "unknown provider", nil)
	}
	var nerr *NormalizationError
	if errors.As(err, &nerr) {
		n.logger.Warn("normalization failed", "provider", provider, "event_type", nerr.EventType, "reason", nerr.Reason, "error", nerr.Err)
	}
	if err != nil {
		return Event{}, err
	}
	evt.Provider = provider
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = n.now().UTC()
	}
	return evt, nil
}

type telnyxEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// parseTelnyxEvent accepts the webhook wrapper or a bare message record.
func parseTelnyxEvent(body []byte) (telnyxEvent, error) {
	var wrapper struct {
		Data telnyxEvent `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Data.EventType != "" {
		return wrapper.Data, nil
	}

	var record struct {
		ID         string    `json:"id"`
		RecordType string    `json:"record_type"`
		ReceivedAt time.Time `json:"received_at"`
		Direction  string    `json:"direction"`
	}
	if err := json.Unmarshal(body, &record); err != nil {
		return telnyxEvent{}, err
	}
	eventType := ""
	switch {
	case record.RecordType == "message" && record.Direction == "inbound":
		eventType = "message.received"
	case record.RecordType == "message" && record.Direction == "outbound":
		eventType = "message.finalized"
	}
	return telnyxEvent{
		ID:         record.ID,
		EventType:  eventType,
		OccurredAt: record.ReceivedAt,
		Payload:    body,
	}, nil
}

type telnyxMessagePayload struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"`
	From   struct {
		PhoneNumber string `json:"phone_number"`
	} `json:"from"`
	To []struct {
		PhoneNumber string `json:"phone_number"`
		Status      string `json:"status"`
	} `json:"to"`
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (p telnyxMessagePayload) toNumber() string {
	if len(p.To) > 0 {
		return strings.TrimSpace(p.To[0].PhoneNumber)
	}
	return ""
}

func (p telnyxMessagePayload) deliveryStatus() string {
	if len(p.To) > 0 && p.To[0].Status != "" {
		return p.To[0].Status
	}
	return p.Status
}

func (n *Normalizer) normalizeTelnyxMessaging(ctx context.Context, body []byte) (Event, error) {
	const provider = ProviderTelnyxMessaging
	raw, err := parseTelnyxEvent(body)
	if err != nil {
		return Event{}, unmappable(provider, "", "invalid json", err)
	}
	var payload telnyxMessagePayload
	if err := json.Unmarshal(raw.Payload, &payload); err != nil {
		return Event{}, unmappable(provider, raw.EventType, "invalid payload", err)
	}
	eventID := firstNonEmpty(payload.ID, raw.ID)
	if eventID == "" {
		return Event{}, unmappable(provider, raw.EventType, "missing event id", nil)
	}

	switch raw.EventType {
	case "message.received":
		contactID, err := n.canonical(payload.From.PhoneNumber)
		if err != nil {
			return Event{}, unmappable(provider, raw.EventType, "missing sender", err)
		}
		evt := Event{
			ContactID:       contactID,
			Type:            TypeMessageReceived,
			Payload:         Payload{Text: strings.TrimSpace(payload.Text), Role: "contact"},
			ProviderEventID: eventID,
			OccurredAt:      raw.OccurredAt,
		}
		return n.withOpenSession(ctx, evt)
	case "message.finalized", "message.sent":
		status := strings.ToLower(payload.deliveryStatus())
		if status != "delivery_failed" && status != "sending_failed" && status != "delivery_unconfirmed" {
			return Event{}, ErrIgnored
		}
		contactID, err := n.canonical(payload.toNumber())
		if err != nil {
			return Event{}, unmappable(provider, raw.EventType, "missing recipient", err)
		}
		reason := status
		if len(payload.Errors) > 0 {
			reason = firstNonEmpty(payload.Errors[0].Detail, payload.Errors[0].Title, payload.Errors[0].Code, status)
		}
		evt := Event{
			ContactID:       contactID,
			Type:            TypeDeliveryFailed,
			Payload:         Payload{Status: status, Error: reason},
			ProviderEventID: eventID + ":" + status,
			OccurredAt:      raw.OccurredAt,
		}
		return n.withOpenSession(ctx, evt)
	default:
		return Event{}, unmappable(provider, raw.EventType, "unsupported event type", nil)
	}
}

type telnyxCallPayload struct {
	CallControlID     string `json:"call_control_id"`
	CallSessionID     string `json:"call_session_id"`
	ClientState       string `json:"client_state"`
	From              string `json:"from"`
	To                string `json:"to"`
	Direction         string `json:"direction"`
	HangupCause       string `json:"hangup_cause"`
	Result            string `json:"result"`
	TranscriptionData struct {
		Transcript string  `json:"transcript"`
		IsFinal    bool    `json:"is_final"`
		Confidence float64 `json:"confidence"`
	} `json:"transcription_data"`
}

func (p telnyxCallPayload) contactNumber() string {
	if strings.EqualFold(p.Direction, "incoming") || strings.EqualFold(p.Direction, "inbound") {
		return p.From
	}
	return p.To
}

// EncodeClientState packs a session id into Telnyx client_state.
func EncodeClientState(sessionID string) string {
	return base64.StdEncoding.EncodeToString([]byte(sessionID))
}

func decodeClientState(state string) string {
	if state == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(state)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func (n *Normalizer) normalizeTelnyxVoice(ctx context.Context, body []byte) (Event, error) {
	const provider = ProviderTelnyxVoice
	raw, err := parseTelnyxEvent(body)
	if err != nil {
		return Event{}, unmappable(provider, "", "invalid json", err)
	}
	if raw.ID == "" {
		return Event{}, unmappable(provider, raw.EventType, "missing event id", nil)
	}
	var payload telnyxCallPayload
	if err := json.Unmarshal(raw.Payload, &payload); err != nil {
		return Event{}, unmappable(provider, raw.EventType, "invalid payload", err)
	}

	evt := Event{
		ProviderEventID: raw.ID,
		OccurredAt:      raw.OccurredAt,
		Payload:         Payload{ProviderHandle: payload.CallControlID},
	}
	switch raw.EventType {
	case "call.answered":
		evt.Type = TypeCallStarted
	case "call.machine.detection.ended", "call.machine.premium.detection.ended":
		result := strings.ToLower(payload.Result)
		if !strings.HasPrefix(result, "machine") && !strings.HasPrefix(result, "fax") {
			return Event{}, ErrIgnored
		}
		evt.Type = TypeVoicemailDetected
		evt.Payload.Status = result
	case "call.transcription":
		text := strings.TrimSpace(payload.TranscriptionData.Transcript)
		if !payload.TranscriptionData.IsFinal || text == "" {
			return Event{}, ErrIgnored
		}
		evt.Type = TypeSpeechRecognized
		evt.Payload.Text = text
		evt.Payload.Role = "contact"
	case "call.hangup":
		evt.Type = TypeCallEnded
		evt.Payload.EndReason = endReasonForHangup(payload.HangupCause)
		evt.Payload.Status = payload.HangupCause
	case "call.initiated", "call.bridged", "call.speak.started", "call.speak.ended",
		"call.playback.started", "call.playback.ended", "call.machine.greeting.ended":
		return Event{}, ErrIgnored
	default:
		return Event{}, unmappable(provider, raw.EventType, "unsupported event type", nil)
	}

	if err := n.resolveCall(ctx, &evt, payload); err != nil {
		var nerr *NormalizationError
		if errors.As(err, &nerr) {
			nerr.EventType = raw.EventType
		}
		return Event{}, err
	}
	return evt, nil
}

// resolveCall fills contact and session hint: echoed client_state first, then
// the call control id, then the contact's open session.
func (n *Normalizer) resolveCall(ctx context.Context, evt *Event, payload telnyxCallPayload) error {
	if sessionID := decodeClientState(payload.ClientState); sessionID != "" {
		contactID, err := n.locator.SessionContact(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("events: session lookup: %w", err)
		}
		if contactID != "" {
			evt.ContactID = contactID
			evt.SessionHint = sessionID
			return nil
		}
	}
	if payload.CallControlID != "" {
		sessionID, contactID, err := n.locator.SessionByHandle(ctx, payload.CallControlID)
		if err != nil {
			return fmt.Errorf("events: handle lookup: %w", err)
		}
		if sessionID != "" {
			evt.ContactID = contactID
			evt.SessionHint = sessionID
			return nil
		}
	}
	contactID, err := n.canonical(payload.contactNumber())
	if err != nil {
		return unmappable(ProviderTelnyxVoice, "", "missing contact number", err)
	}
	evt.ContactID = contactID
	resolved, err := n.withOpenSession(ctx, *evt)
	if err != nil {
		return err
	}
	*evt = resolved
	return nil
}

func (n *Normalizer) withOpenSession(ctx context.Context, evt Event) (Event, error) {
	if evt.SessionHint != "" {
		return evt, nil
	}
	sessionID, err := n.locator.OpenSessionID(ctx, evt.ContactID)
	if err != nil {
		return Event{}, fmt.Errorf("events: open session lookup: %w", err)
	}
	evt.SessionHint = sessionID
	return evt, nil
}

func endReasonForHangup(cause string) string {
	switch strings.ToLower(strings.TrimSpace(cause)) {
	case "normal_clearing":
		return "completed"
	case "timeout", "no_answer", "user_busy", "call_rejected", "unallocated_number":
		return "no_answer"
	case "originator_cancel":
		return "hangup"
	default:
		return "error"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
