package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sourcewatch/types"
)

const maxTxAttempts = 5

// RedisConfig configures the Redis store connection and key prefix.
type RedisConfig struct {
	Addr     string // e.g. localhost:6379
	Password string
	DB       int
	Prefix   string // e.g. "sourcewatch:"
}

// RedisStore keeps each collection in its own hash. Commits run in a
// WATCH/MULTI transaction over all four hashes.
type RedisStore struct {
	client        *redis.Client
	articles      string
	sources       string
	notifications string
	pending       string
}

// NewRedisStore connects and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
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
	return newRedisStore(client, cfg.Prefix), nil
}

func newRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sourcewatch:"
	}
	return &RedisStore{
		client:        client,
		articles:      prefix + "articles",
		sources:       prefix + "sources",
		notifications: prefix + "notifications",
		pending:       prefix + "pending",
	}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()

	articles, err := r.client.HGetAll(ctx, r.articles).Result()
	if err != nil {
		return nil, fmt.Errorf("load articles: %w", err)
	}
	for k, v := range articles {
		var a types.ProcessedArticle
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			return nil, fmt.Errorf("decode article %s: %w", k, err)
		}
		snap.Articles[k] = &a
	}

	sources, err := r.client.HGetAll(ctx, r.sources).Result()
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	for k, v := range sources {
		var s types.CanonicalSource
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			return nil, fmt.Errorf("decode source %s: %w", k, err)
		}
		snap.Sources[k] = &s
	}

	seen, err := r.client.HGetAll(ctx, r.notifications).Result()
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	for k, v := range seen {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("decode notification %s: %w", k, err)
		}
		snap.Notifications[k] = at
	}

	pending, err := r.client.HGetAll(ctx, r.pending).Result()
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	for k, v := range pending {
		var p types.PendingSource
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("decode pending %s: %w", k, err)
		}
		snap.Pending[k] = &p
	}
	return snap, nil
}

// Commit applies cs atomically. Optimistic lock failures are retried a few
// times before ErrConflict is returned.
func (r *RedisStore) Commit(ctx context.Context, cs *Changeset) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			return r.commitTx(ctx, tx, cs)
		}, r.articles, r.sources, r.notifications, r.pending)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func (r *RedisStore) commitTx(ctx context.Context, tx *redis.Tx, cs *Changeset) error {
	view, err := r.conflictView(ctx, tx, cs)
	if err != nil {
		return err
	}
	if err := view.Validate(cs); err != nil {
		return err
	}

	inserted := make(map[string]*types.CanonicalSource, len(cs.Sources))
	for _, src := range cs.Sources {
		inserted[src.SourceURL] = cloneSource(src)
	}
	updated := make(map[string]*types.CanonicalSource)
	for u, edges := range cs.Lineage {
		src, ok := inserted[u]
		if !ok {
			src = view.Sources[u]
			updated[u] = src
		}
		for _, e := range edges {
			if !src.HasEdge(e) {
				src.Lineage = append(src.Lineage, e)
			}
		}
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, a := range cs.Articles {
			data, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("encode article %s: %w", a.ArticleURL, err)
			}
			pipe.HSet(ctx, r.articles, a.ArticleURL, data)
		}
		for _, group := range []map[string]*types.CanonicalSource{inserted, updated} {
			for u, src := range group {
				data, err := json.Marshal(src)
				if err != nil {
					return fmt.Errorf("encode source %s: %w", u, err)
				}
				pipe.HSet(ctx, r.sources, u, data)
			}
		}
		for id, at := range cs.Notifications {
			pipe.HSetNX(ctx, r.notifications, id, at.UTC().Format(time.RFC3339Nano))
		}
		for _, u := range cs.PendingRemovals {
			pipe.HDel(ctx, r.pending, u)
		}
		for u := range inserted {
			pipe.HDel(ctx, r.pending, u)
		}
		for _, p := range cs.PendingUpserts {
			if _, done := inserted[p.SourceURL]; done {
				continue
			}
			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encode pending %s: %w", p.SourceURL, err)
			}
			pipe.HSet(ctx, r.pending, p.SourceURL, data)
		}
		return nil
	})
	return err
}

// conflictView loads just the persisted records cs touches: articles and
// sources it inserts (to detect duplicates) and sources it extends.
func (r *RedisStore) conflictView(ctx context.Context, tx *redis.Tx, cs *Changeset) (*Snapshot, error) {
	view := NewSnapshot()

	if len(cs.Articles) > 0 {
		keys := make([]string, len(cs.Articles))
		for i, a := range cs.Articles {
			keys[i] = a.ArticleURL
		}
		vals, err := tx.HMGet(ctx, r.articles, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("check articles: %w", err)
		}
		for i, v := range vals {
			if v != nil {
				view.Articles[keys[i]] = &types.ProcessedArticle{ArticleURL: keys[i]}
			}
		}
	}

	var keys []string
	for _, src := range cs.Sources {
		keys = append(keys, src.SourceURL)
	}
	for u := range cs.Lineage {
		keys = append(keys, u)
	}
	if len(keys) == 0 {
		return view, nil
	}
	vals, err := tx.HMGet(ctx, r.sources, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("check sources: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var src types.CanonicalSource
		if err := json.Unmarshal([]byte(s), &src); err != nil {
			return nil, fmt.Errorf("decode source %s: %w", keys[i], err)
		}
		view.Sources[keys[i]] = &src
	}
	return view, nil
}
