package handoff

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

type StreamEventType string

const (
	StreamEnqueued     StreamEventType = "enqueued"
	StreamRemoved      StreamEventType = "removed"
	StreamStateChanged StreamEventType = "state_changed"
)

// StreamEvent is pushed to connected operator consoles.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	ContactID string          `json:"contactId"`
	Entry     *Entry          `json:"entry,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	At        time.Time       `json:"at"`
}

const (
	streamBuffer     = 32
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

// Stream fans queue and state changes out to websocket subscribers. Slow
// subscribers are dropped rather than blocking publishers.
type Stream struct {
	upgrader websocket.Upgrader
	logger   *logging.Logger
	now      func() time.Time

	mu   sync.Mutex
	subs map[chan StreamEvent]struct{}
}

var _ Publisher = (*Stream)(nil)

func NewStream(logger *logging.Logger) *Stream {
	if logger == nil {
		logger = logging.Default()
	}
	return &Stream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// operator endpoints sit behind the admin token
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
		now:    time.Now,
		subs:   make(map[chan StreamEvent]struct{}),
	}
}

// Publish delivers ev to every subscriber without blocking.
func (s *Stream) Publish(ev StreamEvent) {
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			delete(s.subs, ch)
			close(ch)
		}
	}
}

// Subscribe registers a listener. The returned func unsubscribes.
func (s *Stream) Subscribe() (<-chan StreamEvent, func()) {
	ch := make(chan StreamEvent, streamBuffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// ServeHTTP upgrades the request and writes events as JSON text frames
// until the client goes away.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("handoff: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	s.logger.Debug("handoff: stream subscriber connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"),
					time.Now().Add(streamWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("handoff: stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
