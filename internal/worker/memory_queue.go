package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a Queue backed by a buffered channel. Delayed sends are held
// by timers until due.
type MemoryQueue struct {
	ch chan Message

	mu      sync.Mutex
	pending map[*time.Timer]struct{}
	closed  bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a MemoryQueue with the provided buffer capacity.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryQueue{
		ch:      make(chan Message, buffer),
		pending: make(map[*time.Timer]struct{}),
	}
}

// Send enqueues a payload or blocks until ctx is done. A positive delay
// returns immediately and delivers later.
func (q *MemoryQueue) Send(ctx context.Context, body string, delay time.Duration) error {
	msg := Message{
		ID:            uuid.NewString(),
		Body:          body,
		ReceiptHandle: uuid.NewString(),
	}
	if delay > 0 {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed {
			return nil
		}
		var t *time.Timer
		t = time.AfterFunc(delay, func() {
			q.mu.Lock()
			delete(q.pending, t)
			closed := q.closed
			q.mu.Unlock()
			if !closed {
				q.ch <- msg
			}
		})
		q.pending[t] = struct{}{}
		return nil
	}

	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a message is available, ctx is done, or waitSeconds elapses.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}

	var timeout <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, nil
	case msg := <-q.ch:
		return q.collect(msg, maxMessages), nil
	}
}

// Delete is a no-op for the in-memory queue.
func (q *MemoryQueue) Delete(_ context.Context, _ string) error {
	return nil
}

// Pending reports how many delayed messages are still waiting.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops delayed deliveries.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for t := range q.pending {
		t.Stop()
		delete(q.pending, t)
	}
}

func (q *MemoryQueue) collect(first Message, max int) []Message {
	messages := make([]Message, 0, max)
	messages = append(messages, first)
	for len(messages) < max {
		select {
		case msg := <-q.ch:
			messages = append(messages, msg)
		default:
			return messages
		}
	}
	return messages
}
