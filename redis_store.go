package sagaflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEventStore implements EventStore on Redis. Each saga's stream is an
// RPUSH-only list, and a sorted set indexes non-terminal sagas by the time
// of their last event so ListExpired is a single range query. Terminal
// sagas drop out of the index but their streams remain for audit.
type RedisEventStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisEventStore creates a new Redis-backed event store. Keys are
// namespaced under prefix, which defaults to "sagaflow".
func NewRedisEventStore(rdb *redis.Client, prefix string) *RedisEventStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "sagaflow"
	}
	return &RedisEventStore{rdb: rdb, prefix: prefix}
}

// AppendEvent pushes the event onto the saga's stream list and refreshes
// the deadline index.
func (s *RedisEventStore) AppendEvent(ctx context.Context, sagaID string, event SagaEvent) error {
	if err := validateAppend(sagaID, event); err != nil {
		return err
	}
	event.SagaID = sagaID

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	terminal := event.Type == EventStateTransitioned && event.StateTransitioned.ToStatus.Terminal()

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.streamKey(sagaID), data)
	if terminal {
		pipe.ZRem(ctx, s.deadlineKey(), sagaID)
	} else {
		pipe.ZAdd(ctx, s.deadlineKey(), redis.Z{
			Score:  float64(event.OccurredAt.UnixMilli()),
			Member: sagaID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Rehydrate replays the saga's stream list.
func (s *RedisEventStore) Rehydrate(ctx context.Context, sagaID string) (*SagaState, error) {
	if sagaID == "" {
		return nil, NewArgumentError("sagaID", "must not be empty")
	}

	lines, err := s.rdb.LRange(ctx, s.streamKey(sagaID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	if len(lines) == 0 {
		return nil, ErrSagaNotFound
	}

	events := make([]SagaEvent, 0, len(lines))
	for _, line := range lines {
		var event SagaEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, event)
	}
	return Replay(sagaID, events), nil
}

// ListExpired returns up to limit ids from the deadline index whose last
// event occurred before olderThan, oldest first.
func (s *RedisEventStore) ListExpired(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := s.rdb.ZRangeByScore(ctx, s.deadlineKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query deadline index: %w", err)
	}
	return ids, nil
}

func (s *RedisEventStore) streamKey(sagaID string) string {
	return s.prefix + ":stream:" + sagaID
}

func (s *RedisEventStore) deadlineKey() string {
	return s.prefix + ":deadlines"
}
