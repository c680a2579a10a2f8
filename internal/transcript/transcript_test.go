package transcript

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var base = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func turnAt(offset time.Duration, role, text, eventID string) Turn {
	return Turn{Role: role, Text: text, Timestamp: base.Add(offset), ProviderEventID: eventID}
}

func assemblerContract(t *testing.T, newAssembler func() Assembler) {
	t.Helper()
	ctx := context.Background()

	t.Run("orders by timestamp regardless of arrival", func(t *testing.T) {
		a := newAssembler()
		arrivals := []Turn{
			turnAt(3*time.Second, RoleContact, "third", "e3"),
			turnAt(1*time.Second, RoleAgent, "first", ""),
			turnAt(5*time.Second, RoleAgent, "fifth", ""),
			turnAt(2*time.Second, RoleContact, "second", "e2"),
			turnAt(4*time.Second, RoleContact, "fourth", "e4"),
		}
		for _, turn := range arrivals {
			if err := a.Append(ctx, "s-order", turn); err != nil {
				t.Fatalf("append %q: %v", turn.Text, err)
			}
		}
		tr, err := a.Seal(ctx, "s-order")
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		want := []string{"first", "second", "third", "fourth", "fifth"}
		if len(tr.Turns) != len(want) {
			t.Fatalf("expected %d turns, got %d", len(want), len(tr.Turns))
		}
		for i, text := range want {
			if tr.Turns[i].Text != text {
				t.Fatalf("turn %d = %q, want %q", i, tr.Turns[i].Text, text)
			}
		}
		if !tr.Sealed {
			t.Fatal("expected sealed transcript")
		}
	})

	t.Run("equal timestamps keep arrival order", func(t *testing.T) {
		a := newAssembler()
		for _, text := range []string{"a", "b", "c"} {
			if err := a.Append(ctx, "s-tie", turnAt(time.Second, RoleAgent, text, "")); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		tr, _ := a.Get(ctx, "s-tie")
		if len(tr.Turns) != 3 || tr.Turns[0].Text != "a" || tr.Turns[2].Text != "c" {
			t.Fatalf("unexpected order %+v", tr.Turns)
		}
	})

	t.Run("duplicate provider event is rejected", func(t *testing.T) {
		a := newAssembler()
		turn := turnAt(time.Second, RoleContact, "hola", "evt-1")
		if err := a.Append(ctx, "s-dup", turn); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := a.Append(ctx, "s-dup", turn); !errors.Is(err, ErrDuplicateTurn) {
			t.Fatalf("expected ErrDuplicateTurn, got %v", err)
		}
		tr, _ := a.Get(ctx, "s-dup")
		if len(tr.Turns) != 1 {
			t.Fatalf("expected 1 turn, got %d", len(tr.Turns))
		}
	})

	t.Run("sealed session rejects appends and second seal", func(t *testing.T) {
		a := newAssembler()
		if err := a.Append(ctx, "s-seal", turnAt(0, RoleAgent, "hi", "")); err != nil {
			t.Fatalf("append: %v", err)
		}
		if _, err := a.Seal(ctx, "s-seal"); err != nil {
			t.Fatalf("seal: %v", err)
		}
		var sealedErr *SessionSealedError
		if err := a.Append(ctx, "s-seal", turnAt(time.Second, RoleContact, "late", "evt-late")); !errors.As(err, &sealedErr) {
			t.Fatalf("expected SessionSealedError, got %v", err)
		}
		var already *AlreadySealedError
		if _, err := a.Seal(ctx, "s-seal"); !errors.As(err, &already) || already.SessionID != "s-seal" {
			t.Fatalf("expected AlreadySealedError, got %v", err)
		}
		tr, _ := a.Get(ctx, "s-seal")
		if len(tr.Turns) != 1 || !tr.Sealed {
			t.Fatalf("expected sealed single-turn transcript, got %+v", tr)
		}
	})

	t.Run("sealing an empty session", func(t *testing.T) {
		a := newAssembler()
		tr, err := a.Seal(ctx, "s-empty")
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if len(tr.Turns) != 0 {
			t.Fatalf("expected no turns, got %d", len(tr.Turns))
		}
	})

	t.Run("invalid turns", func(t *testing.T) {
		a := newAssembler()
		if err := a.Append(ctx, "", turnAt(0, RoleAgent, "x", "")); err == nil {
			t.Fatal("expected error for empty session id")
		}
		if err := a.Append(ctx, "s", turnAt(0, "bot", "x", "")); err == nil {
			t.Fatal("expected error for unknown role")
		}
		if err := a.Append(ctx, "s", Turn{Role: RoleAgent, Text: "x"}); err == nil {
			t.Fatal("expected error for missing timestamp")
		}
	})

	t.Run("concurrent appends", func(t *testing.T) {
		a := newAssembler()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_ = a.Append(ctx, "s-conc", turnAt(time.Duration(20-i)*time.Second, RoleContact, fmt.Sprint(i), fmt.Sprintf("evt-%d", i%10)))
			}(i)
		}
		wg.Wait()
		tr, err := a.Seal(ctx, "s-conc")
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if len(tr.Turns) != 10 {
			t.Fatalf("expected 10 unique turns, got %d", len(tr.Turns))
		}
		for i := 1; i < len(tr.Turns); i++ {
			if tr.Turns[i].Timestamp.Before(tr.Turns[i-1].Timestamp) {
				t.Fatalf("turns out of order at %d", i)
			}
		}
	})
}

func TestMemoryAssembler(t *testing.T) {
	assemblerContract(t, func() Assembler { return NewMemoryAssembler() })
}

func TestRedisAssembler(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	assemblerContract(t, func() Assembler {
		mr.FlushAll()
		return NewRedisAssembler(client, time.Hour)
	})

	if err := NewRedisAssembler(client, time.Hour).Append(context.Background(), "s-ttl", turnAt(0, RoleAgent, "x", "evt")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if ttl := mr.TTL(sessionKeys("s-ttl").turns); ttl != time.Hour {
		t.Fatalf("expected 1h ttl on turns, got %s", ttl)
	}
}
