package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yvesdamsh/damcash2/internal/obslog"
	"github.com/yvesdamsh/damcash2/internal/session"
)

const defaultSessionTTL = 24 * time.Hour

// RedisStore keeps each session as a JSON document under game:session:<id>.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore connects and pings; a dead redis is a startup failure.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for session store")
	}
	opts, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

// NewRedisStoreFromClient wraps an existing client (tests, shared pools).
func NewRedisStoreFromClient(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (r *RedisStore) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}

// Client exposes the underlying connection for co-located concerns (pub/sub).
func (r *RedisStore) Client() *redis.Client { return r.rdb }

func sessionKey(id string) string { return "game:session:" + strings.TrimSpace(id) }

func (r *RedisStore) Create(ctx context.Context, s *session.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ok, err := r.rdb.SetNX(ctx, sessionKey(s.ID), raw, r.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}
	obslog.L().Info("session_create",
		zap.String("session_id", s.ID),
		zap.String("ruleset", string(s.Ruleset)),
		zap.String("status", string(s.Status)),
	)
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*session.Session, error) {
	raw, err := r.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var s session.Session
	if jerr := json.Unmarshal(raw, &s); jerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, jerr)
	}
	return &s, nil
}

// Update runs the conditional write under WATCH: re-read, compare revision,
// mutate, persist in one transaction. Concurrent writers with stale
// preconditions cannot both succeed.
func (r *RedisStore) Update(ctx context.Context, id string, expectedRev int64, mutate func(*session.Session) error) (*session.Session, error) {
	key := sessionKey(id)
	var out *session.Session

	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur session.Session
		if jerr := json.Unmarshal(raw, &cur); jerr != nil {
			return fmt.Errorf("%w: %v", ErrCorruptState, jerr)
		}
		if cur.Rev != expectedRev {
			return ErrVersionConflict
		}
		if err := mutate(&cur); err != nil {
			return err
		}

		pipe := tx.TxPipeline()
		newRaw, merr := json.Marshal(&cur)
		if merr != nil {
			return merr
		}
		pipe.Set(ctx, key, newRaw, r.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		out = &cur
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// the key changed under WATCH between read and exec
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count scans the session keyspace. TTL expiry keeps the number honest
// without a separate counter to maintain.
func (r *RedisStore) Count(ctx context.Context) (int, error) {
	var cursor uint64
	n := 0
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, sessionKey("*"), 256).Result()
		if err != nil {
			return 0, err
		}
		n += len(keys)
		cursor = next
		if cursor == 0 {
			return n, nil
		}
	}
}

// ParseRedisURL accepts redis:// and rediss:// URLs with optional /db path.
func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
