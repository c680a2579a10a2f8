package contacts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository is the Contact Ledger.
type Repository interface {
	// Create inserts a contact in the initial state. It is idempotent per
	// phone number and reports whether a new row was written.
	Create(ctx context.Context, in NewContact) (*Contact, bool, error)
	Get(ctx context.Context, id string) (*Contact, error)
	List(ctx context.Context, filter ListFilter) ([]*Contact, error)
	// Save persists c, expecting the stored state to still be from. The
	// verdict is owned by SaveVerdict: Save never clears it, and manual
	// review once flagged stays flagged.
	Save(ctx context.Context, c *Contact, from State) error
	SaveVerdict(ctx context.Context, contactID string, v Verdict) (bool, error)
	GetVerdict(ctx context.Context, sessionID string) (*Verdict, error)

	OpenSession(ctx context.Context, contactID string, channel Channel, at time.Time) (*Session, error)
	CloseSession(ctx context.Context, sessionID string, reason EndReason, at time.Time) error
	SetSessionHandle(ctx context.Context, sessionID, handle string) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	OpenSessionFor(ctx context.Context, contactID string) (*Session, error)
	SessionByHandle(ctx context.Context, handle string) (*Session, error)
}

var nowFunc = time.Now

func newContact(in NewContact) (*Contact, error) {
	phone, err := NormalizePhone(in.Phone)
	if err != nil {
		return nil, err
	}
	now := nowFunc().UTC()
	c := &Contact{
		ID:        phone,
		Phone:     phone,
		Name:      strings.TrimSpace(in.Name),
		State:     StateInitial,
		Outcome:   OutcomeNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(in.Fields) > 0 {
		c.Fields = make(map[string]string, len(in.Fields))
		for k, v := range in.Fields {
			c.Fields[k] = v
		}
	}
	return c, nil
}

func checkSave(c *Contact, from State) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("contacts: contact required")
	}
	if !CanTransition(from, c.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, c.State)
	}
	return nil
}

// MemoryRepository keeps the ledger in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	contacts map[string]*Contact
	sessions map[string]*Session
	open     map[string]string
	handles  map[string]string
	verdicts map[string]Verdict
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory ledger.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		contacts: make(map[string]*Contact),
		sessions: make(map[string]*Session),
		open:     make(map[string]string),
		handles:  make(map[string]string),
		verdicts: make(map[string]Verdict),
	}
}

func (r *MemoryRepository) Create(_ context.Context, in NewContact) (*Contact, bool, error) {
	c, err := newContact(in)
	if err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.contacts[c.ID]; ok {
		return existing.Clone(), false, nil
	}
	r.contacts[c.ID] = c
	return c.Clone(), true, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, filter ListFilter) ([]*Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		if filter.State != "" && c.State != filter.State {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) Save(_ context.Context, c *Contact, from State) error {
	if err := checkSave(c, from); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.contacts[c.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.State != from {
		return fmt.Errorf("%w: expected %s, found %s", ErrStaleState, from, stored.State)
	}
	next := c.Clone()
	next.CreatedAt = stored.CreatedAt
	next.Verdict = stored.Clone().Verdict
	next.ManualReview = stored.ManualReview || c.ManualReview
	next.UpdatedAt = nowFunc().UTC()
	r.contacts[c.ID] = next
	c.UpdatedAt = next.UpdatedAt
	return nil
}

func (r *MemoryRepository) SaveVerdict(_ context.Context, contactID string, v Verdict) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[contactID]
	if !ok {
		return false, ErrNotFound
	}
	if _, done := r.verdicts[v.SessionID]; done {
		return false, nil
	}
	v.Objections = append([]string(nil), v.Objections...)
	r.verdicts[v.SessionID] = v
	stored := v
	c.Verdict = &stored
	c.ManualReview = c.ManualReview || v.ManualReview
	c.UpdatedAt = nowFunc().UTC()
	return true, nil
}

func (r *MemoryRepository) GetVerdict(_ context.Context, sessionID string) (*Verdict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.verdicts[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	v.Objections = append([]string(nil), v.Objections...)
	return &v, nil
}

func (r *MemoryRepository) OpenSession(_ context.Context, contactID string, channel Channel, at time.Time) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contacts[contactID]; !ok {
		return nil, ErrNotFound
	}
	if id, ok := r.open[contactID]; ok {
		return r.copySession(id), ErrSessionAlreadyOpen
	}
	s := &Session{
		ID:        uuid.NewString(),
		ContactID: contactID,
		Channel:   channel,
		StartedAt: at.UTC(),
	}
	r.sessions[s.ID] = s
	r.open[contactID] = s.ID
	return r.copySession(s.ID), nil
}

func (r *MemoryRepository) CloseSession(_ context.Context, sessionID string, reason EndReason, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if !s.Open() {
		return ErrSessionClosed
	}
	ended := at.UTC()
	s.EndedAt = &ended
	s.EndReason = reason
	delete(r.open, s.ContactID)
	return nil
}

func (r *MemoryRepository) SetSessionHandle(_ context.Context, sessionID, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.ProviderHandle != "" {
		delete(r.handles, s.ProviderHandle)
	}
	s.ProviderHandle = handle
	if handle != "" {
		r.handles[handle] = sessionID
	}
	return nil
}

func (r *MemoryRepository) GetSession(_ context.Context, sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	return r.copySession(sessionID), nil
}

func (r *MemoryRepository) OpenSessionFor(_ context.Context, contactID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.open[contactID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.copySession(id), nil
}

func (r *MemoryRepository) SessionByHandle(_ context.Context, handle string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.handles[handle]
	if !ok {
		return nil, ErrNotFound
	}
	return r.copySession(id), nil
}

func (r *MemoryRepository) copySession(id string) *Session {
	s := *r.sessions[id]
	if s.EndedAt != nil {
		ended := *s.EndedAt
		s.EndedAt = &ended
	}
	return &s
}
