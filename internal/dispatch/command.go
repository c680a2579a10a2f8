package dispatch

import "time"

// Kind names an outbound provider command.
type Kind string

const (
	KindSendMessage Kind = "send_message"
	KindStartCall   Kind = "start_call"
	KindSpeak       Kind = "speak"
	KindHangup      Kind = "hangup"
)

// startsSession reports whether the command creates a provider-side session.
func (k Kind) startsSession() bool {
	return k == KindStartCall
}

// rateLimited reports whether the command creates new outbound traffic.
// In-call actions on an existing leg are not throttled.
func (k Kind) rateLimited() bool {
	return k == KindSendMessage || k == KindStartCall
}

// Command is one outbound effect for a contact.
type Command struct {
	// ID identifies the command in the command log. Generated when empty.
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	// To is the contact's phone number for send_message and start_call.
	To   string `json:"to,omitempty"`
	Text string `json:"text,omitempty"`
	// Handle is the provider handle (call control id) for in-call commands.
	Handle string `json:"handle,omitempty"`
}

// Receipt describes a command the provider accepted.
type Receipt struct {
	CommandID  string        `json:"command_id"`
	ProviderID string        `json:"provider_id,omitempty"`
	AudioURL   string        `json:"audio_url,omitempty"`
	Attempts   int           `json:"attempts"`
	Elapsed    time.Duration `json:"elapsed"`
}
