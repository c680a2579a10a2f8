// Package transcript assembles the ordered turns of one session and seals
// them once the session ends.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Roles recorded on a turn.
const (
	RoleContact = "contact"
	RoleAgent   = "agent"
)

// Turn is one utterance or message within a session.
type Turn struct {
	Role            string    `json:"role"`
	Text            string    `json:"text"`
	Timestamp       time.Time `json:"timestamp"`
	ProviderEventID string    `json:"providerEventId,omitempty"`
}

// Transcript is the ordered turn list of a session.
type Transcript struct {
	SessionID string `json:"sessionId"`
	Turns     []Turn `json:"turns"`
	Sealed    bool   `json:"sealed"`
}

// ErrDuplicateTurn is returned when a provider event id was already appended.
var ErrDuplicateTurn = errors.New("transcript: duplicate turn")

// SessionSealedError rejects an append to a sealed session.
type SessionSealedError struct {
	SessionID string
}

func (e *SessionSealedError) Error() string {
	return fmt.Sprintf("transcript: session %s is sealed", e.SessionID)
}

// AlreadySealedError is returned by a second Seal of the same session.
type AlreadySealedError struct {
	SessionID string
}

func (e *AlreadySealedError) Error() string {
	return fmt.Sprintf("transcript: session %s already sealed", e.SessionID)
}

// Assembler buffers turns per session.
type Assembler interface {
	// Append inserts turn at its timestamp position.
	Append(ctx context.Context, sessionID string, turn Turn) error
	// Seal makes the session immutable and returns its ordered turns.
	Seal(ctx context.Context, sessionID string) (Transcript, error)
	// Get returns the current turns without sealing.
	Get(ctx context.Context, sessionID string) (Transcript, error)
}

func validate(sessionID string, turn Turn) error {
	if sessionID == "" {
		return errors.New("transcript: session id required")
	}
	if turn.Role != RoleContact && turn.Role != RoleAgent {
		return fmt.Errorf("transcript: unknown role %q", turn.Role)
	}
	if turn.Timestamp.IsZero() {
		return errors.New("transcript: turn timestamp required")
	}
	return nil
}

type sequenced struct {
	Turn
	seq int64
}

// order sorts by timestamp; turns with equal timestamps keep arrival order.
func order(turns []sequenced) []Turn {
	sort.SliceStable(turns, func(i, j int) bool {
		if !turns[i].Timestamp.Equal(turns[j].Timestamp) {
			return turns[i].Timestamp.Before(turns[j].Timestamp)
		}
		return turns[i].seq < turns[j].seq
	})
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = t.Turn
	}
	return out
}
