package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	redisQueueKey   = "handoff:queue"
	redisEntriesKey = "handoff:entries"

	// rankSpan separates priority buckets in the sorted-set score. Unix
	// milliseconds stay below it until the year 2286.
	rankSpan = 1e13
)

// enqueueScript stores the entry and its score atomically, only when the
// contact is not queued yet.
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[3]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// RedisQueue keeps entries in a hash and their order in a sorted set scored
// by rank*rankSpan + verdict milliseconds.
type RedisQueue struct {
	redis *redis.Client
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(client *redis.Client) *RedisQueue {
	if client == nil {
		panic("handoff: redis client cannot be nil")
	}
	return &RedisQueue{redis: client}
}

func score(e Entry) float64 {
	return float64(e.Priority.Rank())*rankSpan + float64(e.VerdictAt.UnixMilli())
}

func (q *RedisQueue) Enqueue(ctx context.Context, e Entry) (bool, error) {
	if e.ContactID == "" {
		return false, errors.New("handoff: contact id required")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("handoff: marshal entry: %w", err)
	}
	added, err := enqueueScript.Run(ctx, q.redis,
		[]string{redisQueueKey, redisEntriesKey},
		e.ContactID, strconv.FormatFloat(score(e), 'f', 0, 64), string(data),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("handoff: enqueue: %w", err)
	}
	return added == 1, nil
}

func (q *RedisQueue) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		ids []string
		err error
	)
	if f.Priority != "" {
		rank := float64(f.Priority.Rank())
		ids, err = q.redis.ZRangeByScore(ctx, redisQueueKey, &redis.ZRangeBy{
			Min:   strconv.FormatFloat(rank*rankSpan, 'f', 0, 64),
			Max:   "(" + strconv.FormatFloat((rank+1)*rankSpan, 'f', 0, 64),
			Count: int64(f.Limit),
		}).Result()
	} else {
		stop := int64(-1)
		if f.Limit > 0 {
			stop = int64(f.Limit) - 1
		}
		ids, err = q.redis.ZRange(ctx, redisQueueKey, 0, stop).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("handoff: list: %w", err)
	}
	if len(ids) == 0 {
		return []Entry{}, nil
	}

	raw, err := q.redis.HMGet(ctx, redisEntriesKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("handoff: load entries: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			// removed between the two reads
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("handoff: decode entry %s: %w", ids[i], err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (q *RedisQueue) Get(ctx context.Context, contactID string) (*Entry, error) {
	s, err := q.redis.HGet(ctx, redisEntriesKey, contactID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("handoff: get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, fmt.Errorf("handoff: decode entry %s: %w", contactID, err)
	}
	return &e, nil
}

func (q *RedisQueue) Remove(ctx context.Context, contactID string) (bool, error) {
	var removed *redis.IntCmd
	_, err := q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, redisQueueKey, contactID)
		removed = pipe.HDel(ctx, redisEntriesKey, contactID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("handoff: remove: %w", err)
	}
	return removed.Val() > 0, nil
}

