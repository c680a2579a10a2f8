package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/internal/analysis"
	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

const deleteTimeoutSeconds = 5

// EventHandler applies one normalized event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev events.Event) error
}

// Analyzer runs the post-call analysis of one session.
type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (contacts.Verdict, error)
}

type workerConfig struct {
	workers          int
	receiveBatchSize int
	receiveWaitSecs  int
	maxAttempts      int
	retryBackoff     time.Duration
}

// Option customizes worker behavior.
type Option func(*workerConfig)

// WithWorkerCount sets the number of consumer goroutines.
func WithWorkerCount(n int) Option {
	return func(c *workerConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithReceiveWait sets the long-poll wait per receive call.
func WithReceiveWait(seconds int) Option {
	return func(c *workerConfig) {
		if seconds >= 0 {
			c.receiveWaitSecs = seconds
		}
	}
}

// WithRetry bounds how often a failing job is re-enqueued and the base delay
// between attempts.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(c *workerConfig) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			c.retryBackoff = backoff
		}
	}
}

// Worker consumes jobs from a Queue.
type Worker struct {
	queue    Queue
	events   EventHandler
	analyzer Analyzer
	logger   *logging.Logger
	cfg      workerConfig
	now      func() time.Time

	wg sync.WaitGroup
}

func NewWorker(queue Queue, handler EventHandler, analyzer Analyzer, logger *logging.Logger, opts ...Option) *Worker {
	if queue == nil {
		panic("worker: queue cannot be nil")
	}
	if handler == nil {
		panic("worker: event handler cannot be nil")
	}
	if analyzer == nil {
		panic("worker: analyzer cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          1,
		receiveBatchSize: 10,
		receiveWaitSecs:  20,
		maxAttempts:      5,
		retryBackoff:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{
		queue:    queue,
		events:   handler,
		analyzer: analyzer,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("campaign worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("campaign worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive campaign jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage processes one queue message and always removes it from the
// queue; failed jobs are re-enqueued with a fresh attempt count until
// maxAttempts.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) {
	defer w.deleteMessage(context.WithoutCancel(ctx), msg.ReceiptHandle)

	job, err := decodeJob(msg.Body)
	if err != nil {
		w.logger.Error("dropping undecodable campaign job", "error", err, "msg_id", msg.ID)
		return
	}

	if job.NotBefore != nil {
		if remaining := job.NotBefore.Sub(w.now()); remaining > 0 {
			w.requeue(ctx, job, remaining)
			return
		}
	}

	if err := w.process(ctx, job); err != nil {
		job.Attempt++
		if job.Attempt >= w.cfg.maxAttempts {
			w.logger.Error("campaign job failed permanently", "error", err, "job_id", job.ID, "kind", job.Kind, "attempts", job.Attempt)
			return
		}
		w.logger.Warn("campaign job failed, retrying", "error", err, "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		w.requeue(ctx, job, w.cfg.retryBackoff*time.Duration(1<<(job.Attempt-1)))
		return
	}
	w.logger.Debug("campaign job processed", "job_id", job.ID, "kind", job.Kind)
}

func (w *Worker) process(ctx context.Context, job Job) error {
	switch job.Kind {
	case JobEvent:
		return w.events.HandleEvent(ctx, *job.Event)
	default:
		_, err := w.analyzer.Analyze(ctx, *job.Analysis)
		return err
	}
}

func (w *Worker) requeue(ctx context.Context, job Job, delay time.Duration) {
	_, body, err := encodeJob(job)
	if err == nil {
		err = w.queue.Send(context.WithoutCancel(ctx), body, clampDelay(delay))
	}
	if err != nil {
		w.logger.Error("failed to requeue campaign job", "error", err, "job_id", job.ID, "kind", job.Kind)
	}
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()
	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete campaign job", "error", err)
	}
}
