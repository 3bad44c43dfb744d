package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/queue"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is used when no prefix is configured.
const DefaultKeyPrefix = "scry"

// maxTxAttempts bounds optimistic-lock retries of a status update.
const maxTxAttempts = 16

// ErrContention is returned when a status update lost the optimistic lock
// race too many times in a row.
var ErrContention = errors.New("status update contention")

// popScript removes the head of the first non-empty tier. KEYS are the tier
// lists in priority order.
var popScript = goredis.NewScript(`
for _, key in ipairs(KEYS) do
  local v = redis.call('LPOP', key)
  if v then
    return v
  end
end
return false
`)

// promoteScript moves due delayed envelopes to the tail of their tier.
// KEYS: delayed zset, data hash, tier hash, high, normal, low lists.
// ARGV: now (ms), limit.
var promoteScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local dest = {high = KEYS[4], normal = KEYS[5], low = KEYS[6]}
local moved = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local data = redis.call('HGET', KEYS[2], id)
    local tier = redis.call('HGET', KEYS[3], id)
    redis.call('HDEL', KEYS[2], id)
    redis.call('HDEL', KEYS[3], id)
    if data then
      redis.call('RPUSH', dest[tier] or KEYS[5], data)
      moved = moved + 1
    end
  end
end
return moved
`)

// QueueStore implements queue.Store on Redis.
type QueueStore struct {
	client goredis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ queue.Store = (*QueueStore)(nil)

// NewQueueStore creates a store using client. An empty prefix selects
// DefaultKeyPrefix.
func NewQueueStore(client goredis.UniversalClient, prefix string, logger *slog.Logger) *QueueStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueStore{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "redis_queue_store"),
	}
}

func (s *QueueStore) tierKey(p domain.Priority) string {
	if !p.Valid() {
		p = domain.PriorityNormal
	}
	return s.prefix + ":queue:" + string(p)
}

func (s *QueueStore) tierKeys() []string {
	keys := make([]string, len(domain.Priorities))
	for i, p := range domain.Priorities {
		keys[i] = s.tierKey(p)
	}
	return keys
}

func (s *QueueStore) delayedKey() string     { return s.prefix + ":delayed" }
func (s *QueueStore) delayedDataKey() string { return s.prefix + ":delayed:data" }
func (s *QueueStore) delayedTierKey() string { return s.prefix + ":delayed:tier" }

func (s *QueueStore) statusKey(id uuid.UUID) string {
	return s.prefix + ":status:" + id.String()
}

// Push implements queue.Store.
func (s *QueueStore) Push(ctx context.Context, env *queue.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return s.client.RPush(ctx, s.tierKey(env.Priority), data).Err()
}

// PushDelayed implements queue.Store.
func (s *QueueStore) PushDelayed(ctx context.Context, env *queue.Envelope, at time.Time) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	id := env.TaskID.String()
	priority := env.Priority
	if !priority.Valid() {
		priority = domain.PriorityNormal
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, s.delayedKey(), goredis.Z{Score: float64(at.UnixMilli()), Member: id})
		pipe.HSet(ctx, s.delayedDataKey(), id, data)
		pipe.HSet(ctx, s.delayedTierKey(), id, string(priority))
		return nil
	})
	return err
}

// Pop implements queue.Store.
func (s *QueueStore) Pop(ctx context.Context) (*queue.Envelope, error) {
	raw, err := popScript.Run(ctx, s.client, s.tierKeys()).Text()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var env queue.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// A corrupt envelope cannot be retried; drop it loudly rather than
		// wedging the tier.
		s.logger.Error("discarding undecodable envelope", "error", err, "raw_length", len(raw))
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// PromoteDue implements queue.Store.
func (s *QueueStore) PromoteDue(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	keys := append([]string{s.delayedKey(), s.delayedDataKey(), s.delayedTierKey()}, s.tierKeys()...)
	n, err := promoteScript.Run(ctx, s.client, keys, now.UnixMilli(), limit).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RemoveDelayed implements queue.Store.
func (s *QueueStore) RemoveDelayed(ctx context.Context, taskID uuid.UUID) (bool, error) {
	id := taskID.String()
	var removed *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.delayedKey(), id)
		pipe.HDel(ctx, s.delayedDataKey(), id)
		pipe.HDel(ctx, s.delayedTierKey(), id)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

// CreateStatus implements queue.Store.
func (s *QueueStore) CreateStatus(ctx context.Context, rec *queue.StatusRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.statusKey(rec.TaskID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrDuplicateTask, rec.TaskID)
	}
	return nil
}

// UpdateStatus implements queue.Store with WATCH/MULTI, retrying when another
// writer touched the record between read and write.
func (s *QueueStore) UpdateStatus(ctx context.Context, taskID uuid.UUID, fn queue.StatusMutator) (*queue.StatusRecord, error) {
	key := s.statusKey(taskID)

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		var (
			result *queue.StatusRecord
			fnErr  error
		)
		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			current, err := readStatus(ctx, tx, key)
			if err != nil {
				return err
			}
			working := *current
			if err := fn(&working); err != nil {
				result, fnErr = current, err
				return nil
			}
			data, err := json.Marshal(&working)
			if err != nil {
				return fmt.Errorf("encode status: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			if err != nil {
				return err
			}
			result = &working
			return nil
		}, key)

		switch {
		case errors.Is(err, goredis.TxFailedErr):
			s.logger.Debug("status update lost optimistic lock, retrying",
				"task_id", taskID,
				"attempt", attempt)
			continue
		case err != nil:
			return nil, err
		case fnErr != nil:
			return result, fnErr
		default:
			return result, nil
		}
	}
	return nil, fmt.Errorf("%w: task %s", ErrContention, taskID)
}

// GetStatus implements queue.Store.
func (s *QueueStore) GetStatus(ctx context.Context, taskID uuid.UUID) (*queue.StatusRecord, error) {
	return readStatus(ctx, s.client, s.statusKey(taskID))
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func readStatus(ctx context.Context, c getter, key string) (*queue.StatusRecord, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, queue.ErrStatusNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec queue.StatusRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &rec, nil
}

// Stats implements queue.Store.
func (s *QueueStore) Stats(ctx context.Context) (queue.Stats, error) {
	lens := make(map[domain.Priority]*goredis.IntCmd, len(domain.Priorities))
	var delayed *goredis.IntCmd
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, p := range domain.Priorities {
			lens[p] = pipe.LLen(ctx, s.tierKey(p))
		}
		delayed = pipe.ZCard(ctx, s.delayedKey())
		return nil
	})
	if err != nil {
		return queue.Stats{}, err
	}

	st := queue.Stats{Pending: make(map[domain.Priority]int, len(lens)), Delayed: int(delayed.Val())}
	for p, cmd := range lens {
		st.Pending[p] = int(cmd.Val())
	}
	return st, nil
}

// Ping checks connectivity.
func (s *QueueStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// String describes the store for logs.
func (s *QueueStore) String() string {
	return "redis queue store (prefix " + strconv.Quote(s.prefix) + ")"
}
