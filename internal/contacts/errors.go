package contacts

import "errors"

var (
	// ErrNotFound is returned when a contact or session does not exist.
	ErrNotFound = errors.New("contacts: not found")

	// ErrInvalidPhone is returned when a phone number cannot be canonicalized.
	ErrInvalidPhone = errors.New("contacts: invalid phone number")

	// ErrInvalidTransition is returned when a save would jump outside the state graph.
	ErrInvalidTransition = errors.New("contacts: invalid state transition")

	// ErrStaleState is returned when the stored state no longer matches the expected one.
	ErrStaleState = errors.New("contacts: stale state")

	// ErrSessionAlreadyOpen is returned when a contact already has an open session.
	ErrSessionAlreadyOpen = errors.New("contacts: session already open")

	// ErrSessionClosed is returned when closing a session that already ended.
	ErrSessionClosed = errors.New("contacts: session already closed")
)
