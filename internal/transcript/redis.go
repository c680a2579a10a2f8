package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const keyPrefix = "transcript:"

// appendScript returns -1 when sealed, 0 for a duplicate and 1 on insert.
// KEYS: turns zset, ids set, seq counter, sealed flag.
// ARGV: provider event id, score, turn json, ttl seconds.
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 1 then
  return -1
end
if ARGV[1] ~= '' then
  if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
    return 0
  end
  redis.call('EXPIRE', KEYS[2], ARGV[4])
end
local seq = redis.call('INCR', KEYS[3])
redis.call('EXPIRE', KEYS[3], ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[2], seq .. '|' .. ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return 1
`)

// RedisAssembler stores transcripts in Redis so every API and worker
// replica sees the same buffer.
type RedisAssembler struct {
	redis  *redis.Client
	tracer trace.Tracer
	ttl    time.Duration
}

var _ Assembler = (*RedisAssembler)(nil)

// NewRedisAssembler creates an assembler whose keys expire after ttl
// (7 days when ttl is not positive).
func NewRedisAssembler(client *redis.Client, ttl time.Duration) *RedisAssembler {
	if client == nil {
		panic("transcript: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisAssembler{
		redis:  client,
		tracer: otel.Tracer("campaign/transcript"),
		ttl:    ttl,
	}
}

type keys struct {
	turns, ids, seq, sealed string
}

func sessionKeys(sessionID string) keys {
	base := keyPrefix + sessionID
	return keys{turns: base + ":turns", ids: base + ":ids", seq: base + ":seq", sealed: base + ":sealed"}
}

func (r *RedisAssembler) Append(ctx context.Context, sessionID string, turn Turn) error {
	if err := validate(sessionID, turn); err != nil {
		return err
	}
	turn.Timestamp = turn.Timestamp.UTC()

	ctx, span := r.tracer.Start(ctx, "transcript.append")
	defer span.End()

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("transcript: marshal turn: %w", err)
	}
	k := sessionKeys(sessionID)
	res, err := appendScript.Run(ctx, r.redis,
		[]string{k.turns, k.ids, k.seq, k.sealed},
		turn.ProviderEventID, turn.Timestamp.UnixMicro(), string(data), int64(r.ttl.Seconds()),
	).Int64()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("transcript: append: %w", err)
	}
	switch res {
	case -1:
		return &SessionSealedError{SessionID: sessionID}
	case 0:
		return ErrDuplicateTurn
	}
	return nil
}

func (r *RedisAssembler) Seal(ctx context.Context, sessionID string) (Transcript, error) {
	ctx, span := r.tracer.Start(ctx, "transcript.seal")
	defer span.End()

	k := sessionKeys(sessionID)
	ok, err := r.redis.SetNX(ctx, k.sealed, time.Now().UTC().Format(time.RFC3339Nano), r.ttl).Result()
	if err != nil {
		span.RecordError(err)
		return Transcript{}, fmt.Errorf("transcript: seal: %w", err)
	}
	if !ok {
		return Transcript{}, &AlreadySealedError{SessionID: sessionID}
	}
	turns, err := r.load(ctx, k)
	if err != nil {
		span.RecordError(err)
		return Transcript{}, err
	}
	return Transcript{SessionID: sessionID, Turns: turns, Sealed: true}, nil
}

func (r *RedisAssembler) Get(ctx context.Context, sessionID string) (Transcript, error) {
	ctx, span := r.tracer.Start(ctx, "transcript.get")
	defer span.End()

	k := sessionKeys(sessionID)
	sealed, err := r.redis.Exists(ctx, k.sealed).Result()
	if err != nil {
		span.RecordError(err)
		return Transcript{}, fmt.Errorf("transcript: get: %w", err)
	}
	turns, err := r.load(ctx, k)
	if err != nil {
		span.RecordError(err)
		return Transcript{}, err
	}
	return Transcript{SessionID: sessionID, Turns: turns, Sealed: sealed == 1}, nil
}

func (r *RedisAssembler) load(ctx context.Context, k keys) ([]Turn, error) {
	members, err := r.redis.ZRange(ctx, k.turns, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("transcript: load turns: %w", err)
	}
	turns := make([]sequenced, 0, len(members))
	for _, member := range members {
		rawSeq, body, found := strings.Cut(member, "|")
		if !found {
			continue
		}
		seq, err := strconv.ParseInt(rawSeq, 10, 64)
		if err != nil {
			continue
		}
		var turn Turn
		if err := json.Unmarshal([]byte(body), &turn); err != nil {
			return nil, fmt.Errorf("transcript: decode turn: %w", err)
		}
		turns = append(turns, sequenced{Turn: turn, seq: seq})
	}
	return order(turns), nil
}
