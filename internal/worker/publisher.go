package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/internal/analysis"
	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
)

// Publisher enqueues jobs. It serves as the dispatcher's event sink, the
// orchestrator's timer scheduler and its analysis requester, so none of
// them block on the per-contact lock the caller holds.
type Publisher struct {
	queue Queue
	now   func() time.Time
}

func NewPublisher(queue Queue) *Publisher {
	if queue == nil {
		panic("worker: queue cannot be nil")
	}
	return &Publisher{queue: queue, now: time.Now}
}

// Submit enqueues ev for immediate handling.
func (p *Publisher) Submit(ctx context.Context, ev events.Event) error {
	return p.send(ctx, Job{Kind: JobEvent, Event: &ev}, 0)
}

// Schedule delivers ev after the delay. Delays beyond MaxDelay are chained
// through intermediate hops that carry the due time.
func (p *Publisher) Schedule(ctx context.Context, ev events.Event, after time.Duration) error {
	job := Job{Kind: JobEvent, Event: &ev}
	if after > MaxDelay {
		due := p.now().Add(after).UTC()
		job.NotBefore = &due
	}
	return p.send(ctx, job, after)
}

// RequestAnalysis enqueues the analysis of one sealed session.
func (p *Publisher) RequestAnalysis(ctx context.Context, contactID, sessionID string) error {
	return p.send(ctx, Job{
		Kind:     JobAnalysis,
		Analysis: &analysis.Request{ContactID: contactID, SessionID: sessionID},
	}, 0)
}

func (p *Publisher) send(ctx context.Context, job Job, delay time.Duration) error {
	_, body, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := p.queue.Send(ctx, body, clampDelay(delay)); err != nil {
		return fmt.Errorf("worker: enqueue %s job: %w", job.Kind, err)
	}
	return nil
}
