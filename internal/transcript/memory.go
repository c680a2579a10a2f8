package transcript

import (
	"context"
	"sort"
	"sync"
)

type memorySession struct {
	turns  []sequenced
	ids    map[string]struct{}
	seq    int64
	sealed bool
}

// MemoryAssembler keeps transcripts in process memory.
type MemoryAssembler struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
}

var _ Assembler = (*MemoryAssembler)(nil)

func NewMemoryAssembler() *MemoryAssembler {
	return &MemoryAssembler{sessions: make(map[string]*memorySession)}
}

func (m *MemoryAssembler) session(id string) *memorySession {
	s, ok := m.sessions[id]
	if !ok {
		s = &memorySession{ids: make(map[string]struct{})}
		m.sessions[id] = s
	}
	return s
}

func (m *MemoryAssembler) Append(_ context.Context, sessionID string, turn Turn) error {
	if err := validate(sessionID, turn); err != nil {
		return err
	}
	turn.Timestamp = turn.Timestamp.UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)
	if s.sealed {
		return &SessionSealedError{SessionID: sessionID}
	}
	if turn.ProviderEventID != "" {
		if _, dup := s.ids[turn.ProviderEventID]; dup {
			return ErrDuplicateTurn
		}
		s.ids[turn.ProviderEventID] = struct{}{}
	}
	s.seq++
	entry := sequenced{Turn: turn, seq: s.seq}
	// Late arrivals land at their timestamp position, after equal timestamps.
	idx := sort.Search(len(s.turns), func(i int) bool {
		return s.turns[i].Timestamp.After(turn.Timestamp)
	})
	s.turns = append(s.turns, sequenced{})
	copy(s.turns[idx+1:], s.turns[idx:])
	s.turns[idx] = entry
	return nil
}

func (m *MemoryAssembler) Seal(_ context.Context, sessionID string) (Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)
	if s.sealed {
		return Transcript{}, &AlreadySealedError{SessionID: sessionID}
	}
	s.sealed = true
	return m.snapshot(sessionID, s), nil
}

func (m *MemoryAssembler) Get(_ context.Context, sessionID string) (Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Transcript{SessionID: sessionID, Turns: []Turn{}}, nil
	}
	return m.snapshot(sessionID, s), nil
}

func (m *MemoryAssembler) snapshot(id string, s *memorySession) Transcript {
	turns := make([]sequenced, len(s.turns))
	copy(turns, s.turns)
	return Transcript{SessionID: id, Turns: order(turns), Sealed: s.sealed}
}
