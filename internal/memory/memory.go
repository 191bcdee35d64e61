// Package memory keeps a short per-thread conversation window in Redis
// so intent extraction can resolve follow-up questions.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/cascade/internal/pipeline"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "cascade:thread:"

// Config holds the recent-context cache settings.
type Config struct {
	URL      string        `json:"url"`
	MaxTurns int           `json:"max_turns,omitempty"`
	TTL      time.Duration `json:"ttl,omitempty"`
}

// Recent is a Redis-backed window of the latest turns per thread.
type Recent struct {
	rdb      *redis.Client
	maxTurns int
	ttl      time.Duration
	logger   *zap.Logger
}

// New connects to Redis and returns the recent-context cache.
func New(cfg Config, logger *zap.Logger) (*Recent, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 10
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Recent{
		rdb:      rdb,
		maxTurns: cfg.MaxTurns,
		ttl:      cfg.TTL,
		logger:   logger,
	}, nil
}

// Remember prepends one turn to the thread's window and trims it.
func (r *Recent) Remember(ctx context.Context, threadID string, turn pipeline.Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	key := keyPrefix + threadID
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(r.maxTurns-1))
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remember turn: %w", err)
	}
	return nil
}

// Window returns the thread's recent turns, oldest first.
func (r *Recent) Window(ctx context.Context, threadID string) ([]pipeline.Turn, error) {
	items, err := r.rdb.LRange(ctx, keyPrefix+threadID, 0, int64(r.maxTurns-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read window: %w", err)
	}

	// LPUSH stores newest first.
	turns := make([]pipeline.Turn, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		var t pipeline.Turn
		if err := json.Unmarshal([]byte(items[i]), &t); err != nil {
			r.logger.Warn("dropping unreadable cached turn",
				zap.String("thread_id", threadID), zap.Error(err))
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Forget drops the thread's cached window.
func (r *Recent) Forget(ctx context.Context, threadID string) error {
	return r.rdb.Del(ctx, keyPrefix+threadID).Err()
}

// Close shuts down the Redis connection.
func (r *Recent) Close() error {
	return r.rdb.Close()
}
