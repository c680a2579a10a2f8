// Package worker moves orchestration work through a queue: provider events,
// synthetic events from the dispatcher, delayed timers and analysis jobs.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/paradixe-xz/evaInstance-sub000/internal/analysis"
	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
)

// MaxDelay is the longest delay a single SQS message can carry. Longer
// timers are chained.
const MaxDelay = 15 * time.Minute

// Queue is the transport under the worker.
type Queue interface {
	Send(ctx context.Context, body string, delay time.Duration) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one received queue entry.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type JobKind string

const (
	JobEvent    JobKind = "event"
	JobAnalysis JobKind = "analysis"
)

// Job is the queue payload.
type Job struct {
	ID       string            `json:"id"`
	Kind     JobKind           `json:"kind"`
	Event    *events.Event     `json:"event,omitempty"`
	Analysis *analysis.Request `json:"analysis,omitempty"`
	// NotBefore holds a timer's due time while its delay is being chained.
	NotBefore *time.Time `json:"not_before,omitempty"`
	Attempt   int        `json:"attempt"`
}

func encodeJob(job Job) (Job, string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return Job{}, "", fmt.Errorf("worker: encode job: %w", err)
	}
	return job, string(body), nil
}

func decodeJob(body string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return Job{}, fmt.Errorf("worker: decode job: %w", err)
	}
	switch job.Kind {
	case JobEvent:
		if job.Event == nil {
			return Job{}, fmt.Errorf("worker: event job %s has no event", job.ID)
		}
	case JobAnalysis:
		if job.Analysis == nil {
			return Job{}, fmt.Errorf("worker: analysis job %s has no request", job.ID)
		}
	default:
		return Job{}, fmt.Errorf("worker: unknown job kind %q", job.Kind)
	}
	return job, nil
}

func clampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}
