package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// ContactEvent is a versioned change to one contact, written to the outbox in
// the same transaction as the contact row.
type ContactEvent interface {
	EventType() string
	Contact() string
}

// Envelope is the outbox record for a ContactEvent. SessionID names the
// conversation the change came from, when there is one.
type Envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	EventType  string          `json:"event_type"`
	ContactID  string          `json:"contact_id"`
	SessionID  string          `json:"session_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Aggregate is the outbox partition key for the contact.
func (e Envelope) Aggregate() string {
	return "contact:" + e.ContactID
}

var envelopeClock = time.Now

func newEnvelope(sessionID string, evt ContactEvent) (Envelope, error) {
	if evt == nil {
		return Envelope{}, errors.New("events: contact event required")
	}
	contactID := strings.TrimSpace(evt.Contact())
	if contactID == "" {
		return Envelope{}, errors.New("events: contact id required")
	}
	eventType := strings.TrimSpace(evt.EventType())
	if eventType == "" {
		return Envelope{}, errors.New("events: event type missing")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal %s: %w", eventType, err)
	}
	return Envelope{
		EventID:    uuid.New(),
		EventType:  eventType,
		ContactID:  contactID,
		SessionID:  strings.TrimSpace(sessionID),
		OccurredAt: envelopeClock().UTC(),
		Payload:    payload,
	}, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AppendContactEvent writes evt to the outbox through exec, normally the
// transaction that saved the contact.
func AppendContactEvent(ctx context.Context, exec execer, sessionID string, evt ContactEvent) (Envelope, error) {
	if exec == nil {
		return Envelope{}, errors.New("events: exec required")
	}
	env, err := newEnvelope(sessionID, evt)
	if err != nil {
		return Envelope{}, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal envelope: %w", err)
	}
	if _, err := exec.Exec(ctx, `
		INSERT INTO outbox (id, aggregate, event_type, payload)
		VALUES ($1, $2, $3, $4)
	`, env.EventID, env.Aggregate(), env.EventType, data); err != nil {
		return Envelope{}, fmt.Errorf("events: append %s for %s: %w", env.EventType, env.ContactID, err)
	}
	return env, nil
}
