package handoff

import (
	"context"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/observability/metrics"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// Notifier alerts operators about a newly queued contact.
type Notifier interface {
	NotifyHandoff(ctx context.Context, e Entry) error
}

// Publisher receives queue changes for live operator views.
type Publisher interface {
	Publish(ev StreamEvent)
}

// Notifying wraps a Queue, alerting operators on new high priority entries
// and publishing every change. Notification failures never fail the write.
type Notifying struct {
	Queue
	notifier  Notifier
	publisher Publisher
	metrics   *metrics.CampaignMetrics
	logger    *logging.Logger
}

type NotifyingOption func(*Notifying)

func WithNotifier(n Notifier) NotifyingOption {
	return func(q *Notifying) { q.notifier = n }
}

func WithPublisher(p Publisher) NotifyingOption {
	return func(q *Notifying) { q.publisher = p }
}

func WithMetrics(m *metrics.CampaignMetrics) NotifyingOption {
	return func(q *Notifying) { q.metrics = m }
}

func WithLogger(l *logging.Logger) NotifyingOption {
	return func(q *Notifying) {
		if l != nil {
			q.logger = l
		}
	}
}

func NewNotifying(inner Queue, opts ...NotifyingOption) *Notifying {
	if inner == nil {
		panic("handoff: inner queue cannot be nil")
	}
	q := &Notifying{Queue: inner, logger: logging.Default()}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Notifying) Enqueue(ctx context.Context, e Entry) (bool, error) {
	added, err := q.Queue.Enqueue(ctx, e)
	if err != nil || !added {
		return added, err
	}
	q.metrics.ObserveHandoff(string(e.Priority), "enqueue")
	if q.publisher != nil {
		entry := e
		q.publisher.Publish(StreamEvent{Type: StreamEnqueued, ContactID: e.ContactID, Entry: &entry})
	}
	if q.notifier != nil && e.Priority == contacts.PriorityHigh {
		if err := q.notifier.NotifyHandoff(ctx, e); err != nil {
			q.logger.Warn("handoff: operator notification failed", "contact_id", e.ContactID, "error", err)
		}
	}
	return true, nil
}

func (q *Notifying) Remove(ctx context.Context, contactID string) (bool, error) {
	priority := "unknown"
	if e, err := q.Queue.Get(ctx, contactID); err == nil {
		priority = string(e.Priority)
	}
	removed, err := q.Queue.Remove(ctx, contactID)
	if err != nil || !removed {
		return removed, err
	}
	q.metrics.ObserveHandoff(priority, "remove")
	if q.publisher != nil {
		q.publisher.Publish(StreamEvent{Type: StreamRemoved, ContactID: contactID})
	}
	return true, nil
}
