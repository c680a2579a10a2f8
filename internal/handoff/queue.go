// Package handoff holds the queue of contacts waiting for a human operator.
// Entries are served by priority rank, then oldest verdict first.
package handoff

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
)

// ErrNotFound is returned when a contact has no queued entry.
var ErrNotFound = errors.New("handoff: entry not found")

// Entry is one contact awaiting an operator.
type Entry struct {
	ContactID     string                 `json:"contactId"`
	SessionID     string                 `json:"sessionId"`
	Name          string                 `json:"name,omitempty"`
	Phone         string                 `json:"phone"`
	Priority      contacts.Priority      `json:"priority"`
	InterestLevel contacts.InterestLevel `json:"interestLevel"`
	Summary       string                 `json:"summary,omitempty"`
	NextAction    string                 `json:"nextAction,omitempty"`
	Objections    []string               `json:"objections,omitempty"`
	VerdictAt     time.Time              `json:"verdictAt"`
	EnqueuedAt    time.Time              `json:"enqueuedAt"`
}

// EntryFor builds the queue entry for a contact and its verdict.
func EntryFor(c *contacts.Contact, v contacts.Verdict, now time.Time) Entry {
	return Entry{
		ContactID:     c.ID,
		SessionID:     v.SessionID,
		Name:          c.Name,
		Phone:         c.Phone,
		Priority:      v.Priority,
		InterestLevel: v.InterestLevel,
		Summary:       v.Summary,
		NextAction:    v.NextAction,
		Objections:    append([]string(nil), v.Objections...),
		VerdictAt:     v.CreatedAt.UTC(),
		EnqueuedAt:    now.UTC(),
	}
}

// Filter narrows List. A zero Priority matches every priority; a zero Limit
// returns everything.
type Filter struct {
	Priority contacts.Priority
	Limit    int
}

// Queue is the hand-off queue. Enqueue and Remove are idempotent per contact
// and report whether they changed anything.
type Queue interface {
	Enqueue(ctx context.Context, e Entry) (bool, error)
	List(ctx context.Context, f Filter) ([]Entry, error)
	Get(ctx context.Context, contactID string) (*Entry, error)
	Remove(ctx context.Context, contactID string) (bool, error)
}

// Less orders entries by priority rank, then verdict time ascending.
func Less(a, b Entry) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.VerdictAt.Equal(b.VerdictAt) {
		return a.VerdictAt.Before(b.VerdictAt)
	}
	return a.ContactID < b.ContactID
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]Entry)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, e Entry) (bool, error) {
	if e.ContactID == "" {
		return false, errors.New("handoff: contact id required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[e.ContactID]; ok {
		return false, nil
	}
	e.Objections = append([]string(nil), e.Objections...)
	q.entries[e.ContactID] = e
	return true, nil
}

func (q *MemoryQueue) List(_ context.Context, f Filter) ([]Entry, error) {
	q.mu.RLock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		if f.Priority != "" && e.Priority != f.Priority {
			continue
		}
		out = append(out, e)
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (q *MemoryQueue) Get(_ context.Context, contactID string) (*Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	e, ok := q.entries[contactID]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (q *MemoryQueue) Remove(_ context.Context, contactID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[contactID]; !ok {
		return false, nil
	}
	delete(q.entries, contactID)
	return true, nil
}
