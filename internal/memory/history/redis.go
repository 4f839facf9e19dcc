// Package history stores short-term conversation turns in Redis lists.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/companionhq/companion/internal/memory"
)

// Retention bounds each partition. Zero values disable the respective bound.
type Retention struct {
	MaxTurns int
	TTL      time.Duration
}

// RedisStore keeps one Redis list per partition, oldest turn at the head.
type RedisStore struct {
	client    *redis.Client
	retention Retention
}

// NewRedisStore creates a history store backed by client.
func NewRedisStore(client *redis.Client, retention Retention) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

var _ memory.HistoryStore = (*RedisStore)(nil)

// ReadRecent returns the last limit turns of partition, oldest first.
func (s *RedisStore) ReadRecent(ctx context.Context, partition string, limit int) ([]memory.Turn, error) {
	// LRANGE key -limit -1 returns the last `limit` elements
	vals, err := s.client.LRange(ctx, partition, int64(-limit), -1).Result()
	if err != nil {
		return nil, classify(fmt.Errorf("lrange %s: %w", partition, err))
	}

	turns := make([]memory.Turn, 0, len(vals))
	for _, v := range vals {
		var turn memory.Turn
		if err := json.Unmarshal([]byte(v), &turn); err != nil {
			slog.Warn("history: skipping malformed entry", "partition", partition, "error", err)
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Append adds turn and applies retention in one MULTI/EXEC, so readers never observe the
// push without the trim.
func (s *RedisStore) Append(ctx context.Context, partition string, turn memory.Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshaling turn: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, partition, string(data))
		s.applyRetention(ctx, pipe, partition)
		return nil
	})
	if err != nil {
		return classify(fmt.Errorf("appending to %s: %w", partition, err))
	}
	return nil
}

// SeedIfEmpty writes turns only if partition does not exist yet. The check and the write
// run under WATCH, so a concurrent first append wins and the seed is skipped.
func (s *RedisStore) SeedIfEmpty(ctx context.Context, partition string, turns []memory.Turn) (bool, error) {
	values := make([]any, 0, len(turns))
	for _, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = time.Now().UTC()
		}
		data, err := json.Marshal(t)
		if err != nil {
			return false, fmt.Errorf("marshaling seed turn: %w", err)
		}
		values = append(values, string(data))
	}
	if len(values) == 0 {
		return false, nil
	}

	seeded := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, partition).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, partition, values...)
			s.applyRetention(ctx, pipe, partition)
			return nil
		})
		if err == nil {
			seeded = true
		}
		return err
	}, partition)
	if errors.Is(err, redis.TxFailedErr) {
		// Someone wrote first; their history stands.
		return false, nil
	}
	if err != nil {
		return false, classify(fmt.Errorf("seeding %s: %w", partition, err))
	}
	return seeded, nil
}

// Clear deletes the partition.
func (s *RedisStore) Clear(ctx context.Context, partition string) error {
	if err := s.client.Del(ctx, partition).Err(); err != nil {
		return classify(fmt.Errorf("deleting %s: %w", partition, err))
	}
	return nil
}

func (s *RedisStore) applyRetention(ctx context.Context, pipe redis.Pipeliner, partition string) {
	if s.retention.MaxTurns > 0 {
		pipe.LTrim(ctx, partition, int64(-s.retention.MaxTurns), -1)
	}
	if s.retention.TTL > 0 {
		pipe.Expire(ctx, partition, s.retention.TTL)
	}
}

// classify marks Redis failures transient; nothing Redis reports here is a caller mistake.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return memory.Transient(err)
}
