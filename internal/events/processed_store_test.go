package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
)

func TestProcessedStore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newProcessedStoreWithExec(mock)

	mock.ExpectQuery("SELECT 1 FROM processed_events").WithArgs("sess-1", "evt").WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(1))
	processed, err := store.AlreadyProcessed(context.Background(), "sess-1", "evt")
	if err != nil || !processed {
		t.Fatalf("expected existing row, got processed=%v err=%v", processed, err)
	}

	mock.ExpectQuery("SELECT 1 FROM processed_events").WithArgs("sess-1", "evt-miss").WillReturnError(pgx.ErrNoRows)
	processed, err = store.AlreadyProcessed(context.Background(), "sess-1", "evt-miss")
	if err != nil || processed {
		t.Fatalf("expected missing row, got processed=%v err=%v", processed, err)
	}

	mock.ExpectExec("INSERT INTO processed_events").WithArgs("sess-1", "evt-new").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	ok, err := store.MarkProcessed(context.Background(), "sess-1", "evt-new")
	if err != nil || !ok {
		t.Fatalf("expected mark processed success, got %v %v", ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func trackerContract(t *testing.T, tracker ProcessedTracker) {
	t.Helper()
	ctx := context.Background()
	if seen, err := tracker.AlreadyProcessed(ctx, "sess-1", "evt-1"); err != nil || seen {
		t.Fatalf("expected unseen, got %v %v", seen, err)
	}
	if ok, err := tracker.MarkProcessed(ctx, "sess-1", "evt-1"); err != nil || !ok {
		t.Fatalf("expected first mark to win, got %v %v", ok, err)
	}
	if ok, err := tracker.MarkProcessed(ctx, "sess-1", "evt-1"); err != nil || ok {
		t.Fatalf("expected second mark to lose, got %v %v", ok, err)
	}
	if seen, err := tracker.AlreadyProcessed(ctx, "sess-1", "evt-1"); err != nil || !seen {
		t.Fatalf("expected seen, got %v %v", seen, err)
	}
	if seen, _ := tracker.AlreadyProcessed(ctx, "sess-2", "evt-1"); seen {
		t.Fatalf("expected scope isolation")
	}
}

func TestMemoryProcessedStore(t *testing.T) {
	trackerContract(t, NewMemoryProcessedStore())
}

func TestRedisProcessedStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisProcessedStore(client, time.Hour)
	trackerContract(t, store)
	if ttl := mr.TTL("processed:sess-1:evt-1"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %s", ttl)
	}
}
