package events

import (
	"errors"
	"fmt"
	"time"
)

// Type is the normalized event type consumed by the state machine.
type Type string

const (
	TypeFirstContact      Type = "first_contact"
	TypeMessageReceived   Type = "message_received"
	TypeDeliveryFailed    Type = "delivery_failed"
	TypeCallStarted       Type = "call_started"
	TypeSpeechRecognized  Type = "speech_recognized"
	TypeVoicemailDetected Type = "voicemail_detected"
	TypeCallEnded         Type = "call_ended"
	TypeProviderError     Type = "provider_error"
	TypeHangup            Type = "hangup"
	TypeTimerFired        Type = "timer_fired"
	TypeVerdictReady      Type = "verdict_ready"
	TypeMarkClosed        Type = "mark_closed"
)

// FromProvider reports whether the event originates from an external channel
// and therefore must reference an open session.
func (t Type) FromProvider() bool {
	switch t {
	case TypeMessageReceived, TypeDeliveryFailed, TypeCallStarted,
		TypeSpeechRecognized, TypeVoicemailDetected, TypeCallEnded:
		return true
	}
	return false
}

// Timer kinds carried in Payload.Timer.
const (
	TimerInactivity = "inactivity"
	TimerReply      = "reply"
	TimerRetry      = "retry"
	TimerCallSetup  = "call_setup"
	TimerCallGuard  = "call_guard"
	TimerAnalysis   = "analysis"
)

// Payload carries the type-specific fields of an event.
type Payload struct {
	Text           string `json:"text,omitempty"`
	Role           string `json:"role,omitempty"`
	EndReason      string `json:"end_reason,omitempty"`
	Status         string `json:"status,omitempty"`
	Error          string `json:"error,omitempty"`
	Command        string `json:"command,omitempty"`
	ProviderHandle string `json:"provider_handle,omitempty"`
	Timer          string `json:"timer,omitempty"`
	TimerSeq       int64  `json:"timer_seq,omitempty"`
	InterestLevel  string `json:"interest_level,omitempty"`
	Priority       string `json:"priority,omitempty"`
	ManualReview   bool   `json:"manual_review,omitempty"`
	Outcome        string `json:"outcome,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// Event is the single internal event shape every inbound signal is mapped to.
type Event struct {
	ContactID       string    `json:"contactId"`
	SessionHint     string    `json:"sessionHint,omitempty"`
	Type            Type      `json:"eventType"`
	Payload         Payload   `json:"payload"`
	ProviderEventID string    `json:"providerEventId,omitempty"`
	OccurredAt      time.Time `json:"occurredAt"`
	Provider        string    `json:"provider,omitempty"`
}

// ErrIgnored marks provider events that are recognized but carry nothing the
// orchestrator acts on (for example a successful delivery receipt).
var ErrIgnored = errors.New("events: event ignored")

// NormalizationError is returned for payloads that cannot be mapped.
type NormalizationError struct {
	Provider  string
	EventType string
	Reason    string
	Err       error
}

func (e *NormalizationError) Error() string {
	msg := fmt.Sprintf("events: cannot normalize %s", e.Provider)
	if e.EventType != "" {
		msg += " " + e.EventType
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

func unmappable(provider, eventType, reason string, err error) error {
	return &NormalizationError{Provider: provider, EventType: eventType, Reason: reason, Err: err}
}
