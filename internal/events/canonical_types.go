package events

import "time"

// ContactStateChangedV1 is appended to the outbox whenever a contact changes state.
type ContactStateChangedV1 struct {
	ContactID  string    `json:"contact_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Outcome    string    `json:"outcome"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (ContactStateChangedV1) EventType() string {
	return "contact.state_changed.v1"
}

func (e ContactStateChangedV1) Contact() string { return e.ContactID }

// VerdictRecordedV1 is appended when an analysis verdict is stored.
type VerdictRecordedV1 struct {
	ContactID     string `json:"contact_id"`
	SessionID     string `json:"session_id"`
	InterestLevel string `json:"interest_level"`
	Priority      string `json:"priority"`
	ManualReview  bool   `json:"manual_review"`
}

func (VerdictRecordedV1) EventType() string {
	return "analysis.verdict_recorded.v1"
}

func (e VerdictRecordedV1) Contact() string { return e.ContactID }
