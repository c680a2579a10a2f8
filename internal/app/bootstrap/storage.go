package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/paradixe-xz/evaInstance-sub000/internal/api/router"
	appconfig "github.com/paradixe-xz/evaInstance-sub000/internal/config"
	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
	"github.com/paradixe-xz/evaInstance-sub000/internal/handoff"
	"github.com/paradixe-xz/evaInstance-sub000/internal/lock"
	"github.com/paradixe-xz/evaInstance-sub000/internal/transcript"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

const (
	backendMemory   = "memory"
	backendSQLite   = "sqlite"
	backendPostgres = "postgres"
	backendRedis    = "redis"
)

// Storage groups the stateful stores the campaign runs on.
type Storage struct {
	Ledger      contacts.Repository
	Processed   events.ProcessedTracker
	Locker      lock.Locker
	Transcripts transcript.Assembler
	Handoff     handoff.Queue
	// Outbox is set only for the Postgres ledger, which appends canonical
	// events in the same transaction as each state change.
	Outbox *events.OutboxStore
	Checks map[string]router.HealthCheck

	closers []func()
}

// BuildStorage selects each store from config. A nil redis client disables
// the Redis-backed options.
func BuildStorage(ctx context.Context, cfg *appconfig.Config, rdb *redis.Client, logger *logging.Logger) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Storage{Checks: map[string]router.HealthCheck{}}

	var pool *pgxpool.Pool
	needsPool := cfg.LedgerDriver == backendPostgres
	if needsPool {
		var err error
		pool, err = BuildPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)
		s.Checks["postgres"] = pool.Ping
	}
	if rdb != nil {
		s.Checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	switch cfg.LedgerDriver {
	case backendPostgres:
		s.Ledger = contacts.NewPostgresRepository(pool)
		s.Outbox = events.NewOutboxStore(pool)
	case backendSQLite:
		repo, err := contacts.NewSQLiteRepository(cfg.SQLitePath)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = repo.Close() })
		s.Ledger = repo
	case backendMemory, "":
		s.Ledger = contacts.NewMemoryRepository()
	default:
		s.Close()
		return nil, fmt.Errorf("bootstrap: unknown ledger driver %q", cfg.LedgerDriver)
	}
	logger.Info("contact ledger ready", "driver", cfg.LedgerDriver)

	switch {
	case pool != nil:
		s.Processed = events.NewProcessedStore(pool)
	case rdb != nil:
		s.Processed = events.NewRedisProcessedStore(rdb, cfg.ProcessedEventTTL)
	default:
		s.Processed = events.NewMemoryProcessedStore()
	}

	if rdb != nil {
		s.Locker = lock.NewRedisLocker(rdb, lock.WithLease(cfg.LockLease), lock.WithLogger(logger))
	} else {
		s.Locker = lock.NewKeyedMutex()
	}

	switch cfg.TranscriptBackend {
	case backendRedis:
		if rdb == nil {
			s.Close()
			return nil, fmt.Errorf("bootstrap: transcript backend redis needs REDIS_ADDR")
		}
		s.Transcripts = transcript.NewRedisAssembler(rdb, 0)
	case backendMemory, "":
		s.Transcripts = transcript.NewMemoryAssembler()
	default:
		s.Close()
		return nil, fmt.Errorf("bootstrap: unknown transcript backend %q", cfg.TranscriptBackend)
	}

	queue, err := s.buildHandoff(ctx, cfg, rdb)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Handoff = queue
	logger.Info("hand-off queue ready", "backend", cfg.HandoffBackend)
	return s, nil
}

func (s *Storage) buildHandoff(ctx context.Context, cfg *appconfig.Config, rdb *redis.Client) (handoff.Queue, error) {
	switch cfg.HandoffBackend {
	case backendPostgres:
		db, err := BuildSQLDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = db.Close() })
		s.Checks["handoff"] = db.PingContext
		return handoff.NewPostgresQueue(db), nil
	case backendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("bootstrap: hand-off backend redis needs REDIS_ADDR")
		}
		return handoff.NewRedisQueue(rdb), nil
	case backendMemory, "":
		return handoff.NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown hand-off backend %q", cfg.HandoffBackend)
	}
}

// Close releases every handle in reverse order of opening.
func (s *Storage) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
