package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// EventHandler receives fired timers.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev events.Event) error
}

// AfterFuncScheduler fires timers in process with time.AfterFunc. Pending
// timers are lost on restart; use the queue-backed scheduler when that
// matters.
type AfterFuncScheduler struct {
	mu      sync.Mutex
	target  EventHandler
	timers  map[*time.Timer]struct{}
	closed  bool
	wg      sync.WaitGroup
	logger  *logging.Logger
	timeout time.Duration
}

func NewAfterFuncScheduler(logger *logging.Logger) *AfterFuncScheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AfterFuncScheduler{
		timers:  make(map[*time.Timer]struct{}),
		logger:  logger,
		timeout: time.Minute,
	}
}

// Bind sets where fired timers are delivered. The orchestrator needs the
// scheduler at construction, so the target is attached afterwards.
func (s *AfterFuncScheduler) Bind(target EventHandler) {
	s.mu.Lock()
	s.target = target
	s.mu.Unlock()
}

func (s *AfterFuncScheduler) Schedule(_ context.Context, ev events.Event, after time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if after < 0 {
		after = 0
	}
	var t *time.Timer
	s.wg.Add(1)
	t = time.AfterFunc(after, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, t)
		target, closed := s.target, s.closed
		s.mu.Unlock()
		if closed || target == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := target.HandleEvent(ctx, ev); err != nil {
			s.logger.Error("timer delivery failed",
				"contact_id", ev.ContactID,
				"timer", ev.Payload.Timer,
				"error", err,
			)
		}
	})
	s.timers[t] = struct{}{}
	return nil
}

// Pending returns the number of timers that have not fired.
func (s *AfterFuncScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops pending timers and waits for running deliveries.
func (s *AfterFuncScheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, t)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
