package dispatch

import (
	"errors"
	"fmt"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
)

var (
	// ErrNoProvider is returned when no adapter is configured for a command kind.
	ErrNoProvider = errors.New("dispatch: no provider for command")

	// ErrCommandNotFound is returned by command logs for unknown ids.
	ErrCommandNotFound = errors.New("dispatch: command not found")
)

// SessionAlreadyOpenError rejects a session-starting command for a contact
// that already has a live session.
type SessionAlreadyOpenError struct {
	ContactID string
	SessionID string
}

func (e *SessionAlreadyOpenError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("dispatch: contact %s already has an open session", e.ContactID)
	}
	return fmt.Sprintf("dispatch: contact %s already has open session %s", e.ContactID, e.SessionID)
}

func (e *SessionAlreadyOpenError) Unwrap() error {
	return contacts.ErrSessionAlreadyOpen
}

// DispatchFailure is returned once a provider call has exhausted its retries.
type DispatchFailure struct {
	CommandID string
	Kind      Kind
	ContactID string
	Attempts  int
	Err       error
}

func (e *DispatchFailure) Error() string {
	return fmt.Sprintf("dispatch: %s for contact %s failed after %d attempt(s): %v", e.Kind, e.ContactID, e.Attempts, e.Err)
}

func (e *DispatchFailure) Unwrap() error {
	return e.Err
}
