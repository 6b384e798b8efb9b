package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const violationsKey = "examsentry:violations"

// RedisStore keeps the capped violation list in a Redis list so the log
// survives service restarts. Entries are pushed to the head and the list is
// trimmed to the cap, mirroring the in-memory semantics.
type RedisStore struct {
	client *redis.Client
	key    string
	max    int
	ttl    time.Duration
	logger *logrus.Logger
}

// NewRedisStore creates a Redis-backed store. ttl bounds how long the whole
// list may sit untouched before Redis expires it.
func NewRedisStore(client *redis.Client, max int, ttl time.Duration, logger *logrus.Logger) *RedisStore {
	if max <= 0 {
		max = DefaultMaxStored
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, key: violationsKey, max: max, ttl: ttl, logger: logger}
}

func (s *RedisStore) Append(ctx context.Context, v Violation) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal violation: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, 0, int64(s.max-1))
	pipe.Expire(ctx, s.key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store violation: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Violation, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, int64(s.max-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	// LPush stores newest first; return oldest first like the memory store.
	out := make([]Violation, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var v Violation
		if err := json.Unmarshal([]byte(raw[i]), &v); err != nil {
			if s.logger != nil {
				s.logger.WithError(err).Warn("skipping undecodable stored violation")
			}
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *RedisStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	all, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	kept := make([]any, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- { // rebuild newest-first for LPush order
		if all[i].Timestamp.After(cutoff) {
			data, err := json.Marshal(all[i])
			if err != nil {
				continue
			}
			kept = append(kept, data)
		}
	}
	removed := len(all) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key)
	if len(kept) > 0 {
		pipe.RPush(ctx, s.key, kept...)
		pipe.Expire(ctx, s.key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("prune violations: %w", err)
	}
	return removed, nil
}
