package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// ProcessedTracker remembers which provider events were already applied.
// Scope is the session id, so the dedupe key is (session_id, provider_event_id).
type ProcessedTracker interface {
	AlreadyProcessed(ctx context.Context, scope, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, scope, eventID string) (bool, error)
}

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProcessedStore records applied events in Postgres.
type ProcessedStore struct {
	pool rowQuerier
}

var _ ProcessedTracker = (*ProcessedStore)(nil)

func NewProcessedStore(pool *pgxpool.Pool) *ProcessedStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &ProcessedStore{pool: pool}
}

func newProcessedStoreWithExec(exec rowQuerier) *ProcessedStore {
	if exec == nil {
		panic("events: exec required")
	}
	return &ProcessedStore{pool: exec}
}

// AlreadyProcessed checks if we've seen this event id within scope.
func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, scope, eventID string) (bool, error) {
	query := `SELECT 1 FROM processed_events WHERE scope = $1 AND event_id = $2`
	var exists int
	if err := s.pool.QueryRow(ctx, query, scope, eventID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed inserts an event id, returning false if it already exists.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, scope, eventID string) (bool, error) {
	query := `
		INSERT INTO processed_events (scope, event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, scope, eventID)
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// RedisProcessedStore keeps processed markers as expiring keys.
type RedisProcessedStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

var _ ProcessedTracker = (*RedisProcessedStore)(nil)

func NewRedisProcessedStore(client *redis.Client, ttl time.Duration) *RedisProcessedStore {
	if client == nil {
		panic("events: redis client required")
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisProcessedStore{client: client, ttl: ttl, prefix: "processed:"}
}

func (s *RedisProcessedStore) key(scope, eventID string) string {
	return s.prefix + scope + ":" + eventID
}

func (s *RedisProcessedStore) AlreadyProcessed(ctx context.Context, scope, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(scope, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisProcessedStore) MarkProcessed(ctx context.Context, scope, eventID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(scope, eventID), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ok, nil
}

// MemoryProcessedStore is the in-process tracker used by the single binary mode and tests.
type MemoryProcessedStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

var _ ProcessedTracker = (*MemoryProcessedStore)(nil)

func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{seen: make(map[string]struct{})}
}

func (s *MemoryProcessedStore) AlreadyProcessed(_ context.Context, scope, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[scope+"\x00"+eventID]
	return ok, nil
}

func (s *MemoryProcessedStore) MarkProcessed(_ context.Context, scope, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scope + "\x00" + eventID
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}
