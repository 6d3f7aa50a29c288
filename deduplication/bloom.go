package deduplication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// SeenFilter remembers opaque identifiers, such as notification IDs a
// source has already handed over.
type SeenFilter interface {
	Exists(ctx context.Context, id string) (bool, error)
	Add(ctx context.Context, id string) error
}

// BloomConfig configures RedisBloom connection and key
type BloomConfig struct {
	Addr     string // e.g. localhost:6379
	Password string
	DB       int
	Key      string // redis key for bloom filter
	TTL      time.Duration
	// Capacity sets the initial BF.RESERVE capacity (number of items)
	Capacity int
	// ErrorRate sets the desired false positive probability (e.g. 0.001)
	ErrorRate float64
}

// RedisBloom is a SeenFilter backed by the RedisBloom module. A false
// positive means a notification is skipped by its source; the pipeline's own
// seen ledger stays exact.
type RedisBloom struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisBloom creates a RedisBloom wrapper and verifies connectivity
func NewRedisBloom(ctx context.Context, cfg BloomConfig, logger zerolog.Logger) (*RedisBloom, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	rb := &RedisBloom{client: client, key: cfg.Key, ttl: cfg.TTL}

	// BF.ADD auto-creates the filter with module defaults, so a failed
	// reserve is not fatal.
	exists, err := client.Exists(pingCtx, cfg.Key).Result()
	if err == nil && exists == 0 {
		args := []interface{}{"BF.RESERVE", cfg.Key, fmt.Sprintf("%f", cfg.ErrorRate), cfg.Capacity}
		if err := client.Do(pingCtx, args...).Err(); err != nil {
			logger.Warn().Err(err).Str("key", cfg.Key).Msg("BF.RESERVE failed, relying on BF.ADD defaults")
		}
	}

	return rb, nil
}

// Close closes the underlying Redis client
func (r *RedisBloom) Close() error {
	return r.client.Close()
}

// Exists checks if id is present in the bloom filter.
func (r *RedisBloom) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := r.client.Do(ctx, "BF.EXISTS", r.key, hashKey(id)).Result()
	if err != nil {
		return false, err
	}

	switch v := res.(type) {
	case int64:
		return v == 1, nil
	case bool:
		return v, nil
	case string:
		return v == "1", nil
	default:
		return false, fmt.Errorf("unexpected BF.EXISTS response type %T: %v", res, res)
	}
}

// Add inserts id into the bloom filter and refreshes the key TTL.
func (r *RedisBloom) Add(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.client.Do(ctx, "BF.ADD", r.key, hashKey(id)).Err(); err != nil {
		return err
	}

	// Sliding window: the filter lives for ttl after the most recent add.
	if r.ttl > 0 {
		if err := r.client.Expire(ctx, r.key, r.ttl).Err(); err != nil {
			return err
		}
	}
	return nil
}

// MemoryFilter is an exact, process-local SeenFilter.
type MemoryFilter struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

func NewMemoryFilter() *MemoryFilter {
	return &MemoryFilter{seen: make(map[string]struct{})}
}

func (m *MemoryFilter) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seen[id]
	return ok, nil
}

func (m *MemoryFilter) Add(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[id] = struct{}{}
	return nil
}

func hashKey(id string) string {
	h := sha256.Sum256([]byte(id))
	return hex.EncodeToString(h[:])
}
