package contacts

import (
	"strings"
	"time"
)

// State is the conversation state of a contact.
type State string

const (
	StateInitial             State = "initial"
	StateWaitingConfirmation State = "waiting_confirmation"
	StateConvincing          State = "convincing"
	StateScheduledCall       State = "scheduled_call"
	StateCallInProgress      State = "call_in_progress"
	StateCallCompleted       State = "call_completed"
	StateAnalyzed            State = "analyzed"
	StateReadyForHuman       State = "ready_for_human"
	StateClosedByHuman       State = "closed_by_human"
	StateVoicemail           State = "voicemail"
	StateNoResponse          State = "no_response"
	StateRejected            State = "rejected"
)

// AllStates lists every state in graph order.
var AllStates = []State{
	StateInitial,
	StateWaitingConfirmation,
	StateConvincing,
	StateScheduledCall,
	StateCallInProgress,
	StateCallCompleted,
	StateAnalyzed,
	StateReadyForHuman,
	StateClosedByHuman,
	StateVoicemail,
	StateNoResponse,
	StateRejected,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := graph[s]
	return ok
}

// Terminal reports whether no transition leaves s. voicemail is not terminal:
// a later campaign run may re-engage it once.
func (s State) Terminal() bool {
	switch s {
	case StateClosedByHuman, StateRejected:
		return true
	}
	return false
}

// Outcome is the business result recorded on a contact.
type Outcome string

const (
	OutcomeNone          Outcome = "none"
	OutcomeInterested    Outcome = "interested"
	OutcomeNotInterested Outcome = "not_interested"
	OutcomeClosed        Outcome = "closed"
)

// ParseOutcome accepts the outcome names used by operators.
func ParseOutcome(raw string) (Outcome, bool) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(raw))); o {
	case OutcomeNone, OutcomeInterested, OutcomeNotInterested, OutcomeClosed:
		return o, true
	}
	return "", false
}

// Channel identifies the medium of a session.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelText  Channel = "text"
)

// EndReason records why a session ended.
type EndReason string

const (
	EndCompleted         EndReason = "completed"
	EndNoAnswer          EndReason = "no_answer"
	EndVoicemailDetected EndReason = "voicemail_detected"
	EndHangup            EndReason = "hangup"
	EndError             EndReason = "error"
)

// InterestLevel is the reasoning service's judgement of a transcript.
type InterestLevel string

const (
	InterestHigh   InterestLevel = "high"
	InterestMedium InterestLevel = "medium"
	InterestLow    InterestLevel = "low"
	InterestNone   InterestLevel = "none"
)

// Valid reports whether the level is one of the known values.
func (l InterestLevel) Valid() bool {
	switch l {
	case InterestHigh, InterestMedium, InterestLow, InterestNone:
		return true
	}
	return false
}

// Priority orders hand-off entries.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the queue rank (lower is served first).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// NeedsHuman reports whether the priority earns a hand-off entry.
func (p Priority) NeedsHuman() bool {
	return p == PriorityHigh || p == PriorityNormal
}

// ParsePriority accepts the operator-facing priority names.
func ParsePriority(raw string) (Priority, bool) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(raw))); p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p, true
	}
	return "", false
}

// Counters are the bounded-retry counters the state machine maintains.
type Counters struct {
	Convincing    int   `json:"convincing"`
	Ambiguous     int   `json:"ambiguous"`
	Reengagements int   `json:"reengagements"`
	TimerSeq      int64 `json:"timer_seq"`
}

// Verdict is the structured judgement for one sealed transcript.
type Verdict struct {
	SessionID     string        `json:"session_id"`
	InterestLevel InterestLevel `json:"interestLevel"`
	Objections    []string      `json:"objections"`
	Summary       string        `json:"summary"`
	NextAction    string        `json:"nextAction"`
	Priority      Priority      `json:"priority"`
	ManualReview  bool          `json:"manual_review"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Contact is one row of the ledger, keyed by canonical phone number.
type Contact struct {
	ID             string            `json:"id"`
	Phone          string            `json:"phone"`
	Name           string            `json:"name"`
	State          State             `json:"state"`
	Outcome        Outcome           `json:"outcome"`
	Counters       Counters          `json:"counters"`
	Fields         map[string]string `json:"fields,omitempty"`
	Verdict        *Verdict          `json:"verdict,omitempty"`
	ManualReview   bool              `json:"manual_review"`
	Notes          string            `json:"notes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	LastInboundAt  *time.Time        `json:"last_inbound_at,omitempty"`
	LastOutboundAt *time.Time        `json:"last_outbound_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate freely.
func (c *Contact) Clone() *Contact {
	if c == nil {
		return nil
	}
	out := *c
	if c.Fields != nil {
		out.Fields = make(map[string]string, len(c.Fields))
		for k, v := range c.Fields {
			out.Fields[k] = v
		}
	}
	if c.Verdict != nil {
		v := *c.Verdict
		v.Objections = append([]string(nil), c.Verdict.Objections...)
		out.Verdict = &v
	}
	if c.LastInboundAt != nil {
		ts := *c.LastInboundAt
		out.LastInboundAt = &ts
	}
	if c.LastOutboundAt != nil {
		ts := *c.LastOutboundAt
		out.LastOutboundAt = &ts
	}
	return &out
}

// Session is one interaction attempt with a contact.
type Session struct {
	ID             string     `json:"id"`
	ContactID      string     `json:"contact_id"`
	Channel        Channel    `json:"channel"`
	ProviderHandle string     `json:"provider_handle,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	EndReason      EndReason  `json:"end_reason,omitempty"`
}

// Open reports whether the session has not ended.
func (s *Session) Open() bool {
	return s != nil && s.EndedAt == nil
}

// NewContact is the ingestion record produced upstream.
type NewContact struct {
	Phone  string            `json:"phone"`
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields,omitempty"`
}

// ListFilter narrows List results.
type ListFilter struct {
	State State
	Limit int
}
