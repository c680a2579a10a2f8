package contacts

import (
	"context"
	"errors"

	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
)

// SessionLocator exposes the ledger's session lookups to the event normalizer.
type SessionLocator struct {
	repo Repository
}

var _ events.SessionLocator = (*SessionLocator)(nil)

// NewSessionLocator wraps a repository.
func NewSessionLocator(repo Repository) *SessionLocator {
	if repo == nil {
		panic("contacts: repository required")
	}
	return &SessionLocator{repo: repo}
}

// OpenSessionID returns the id of the contact's open session, or "" when none is open.
func (l *SessionLocator) OpenSessionID(ctx context.Context, contactID string) (string, error) {
	s, err := l.repo.OpenSessionFor(ctx, contactID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// SessionByHandle resolves a provider handle (for example a call control id).
func (l *SessionLocator) SessionByHandle(ctx context.Context, handle string) (string, string, error) {
	s, err := l.repo.SessionByHandle(ctx, handle)
	if errors.Is(err, ErrNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return s.ID, s.ContactID, nil
}

// SessionContact returns the contact that owns sessionID.
func (l *SessionLocator) SessionContact(ctx context.Context, sessionID string) (string, error) {
	s, err := l.repo.GetSession(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.ContactID, nil
}
