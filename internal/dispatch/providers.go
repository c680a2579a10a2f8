package dispatch

import (
	"context"
	"errors"

	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
	"github.com/paradixe-xz/evaInstance-sub000/internal/telnyx"
)

// Messenger sends text messages and returns the provider message id.
type Messenger interface {
	SendMessage(ctx context.Context, to, text string) (string, error)
}

// Telephony controls voice calls.
type Telephony interface {
	// Dial places a call tagged with sessionID and returns the provider handle.
	Dial(ctx context.Context, to, sessionID string) (string, error)
	Hangup(ctx context.Context, handle string) error
	Speak(ctx context.Context, handle, text string) error
	Play(ctx context.Context, handle, audioURL string) error
}

// Synthesizer turns text into a hosted audio file and returns its URL.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

type telnyxAPI interface {
	SendMessage(ctx context.Context, to, text string) (*telnyx.MessageResponse, error)
	Dial(ctx context.Context, to, clientState string) (*telnyx.CallResponse, error)
	Hangup(ctx context.Context, callControlID string) error
	Speak(ctx context.Context, callControlID, text, voice string) error
	PlayAudio(ctx context.Context, callControlID, audioURL string) error
}

var _ telnyxAPI = (*telnyx.Client)(nil)

// TelnyxProvider adapts the Telnyx messaging and call control APIs.
type TelnyxProvider struct {
	api   telnyxAPI
	voice string
}

var (
	_ Messenger = (*TelnyxProvider)(nil)
	_ Telephony = (*TelnyxProvider)(nil)
)

func NewTelnyxProvider(api telnyxAPI, voice string) *TelnyxProvider {
	if api == nil {
		panic("dispatch: telnyx client required")
	}
	return &TelnyxProvider{api: api, voice: voice}
}

func (p *TelnyxProvider) SendMessage(ctx context.Context, to, text string) (string, error) {
	resp, err := p.api.SendMessage(ctx, to, text)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	return resp.ID, nil
}

// Dial echoes the session id as client_state so every call webhook can be
// matched back to its session.
func (p *TelnyxProvider) Dial(ctx context.Context, to, sessionID string) (string, error) {
	resp, err := p.api.Dial(ctx, to, events.EncodeClientState(sessionID))
	if err != nil {
		return "", err
	}
	if resp == nil || resp.CallControlID == "" {
		return "", errors.New("dispatch: telnyx dial returned no call control id")
	}
	return resp.CallControlID, nil
}

func (p *TelnyxProvider) Hangup(ctx context.Context, handle string) error {
	return p.api.Hangup(ctx, handle)
}

func (p *TelnyxProvider) Speak(ctx context.Context, handle, text string) error {
	return p.api.Speak(ctx, handle, text, p.voice)
}

func (p *TelnyxProvider) Play(ctx context.Context, handle, audioURL string) error {
	return p.api.PlayAudio(ctx, handle, audioURL)
}
