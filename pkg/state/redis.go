package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "codeagent:"
	maxWatchRetries    = 8
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key (default "codeagent:").
	Prefix string
	// TTL expires idle sessions (0 = never).
	TTL time.Duration
}

// RedisStore keeps state in Redis so several processes can resume the same
// sessions. Updates use WATCH/MULTI so concurrent writers never interleave.
type RedisStore struct {
	*keyedStore
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client, e.g. one pointed at
// miniredis in tests. The store closes the client on Close.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{keyedStore: newKeyedStore(&redisBackend{client: client, prefix: prefix, ttl: ttl})}
}

type redisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func (b *redisBackend) stateKey(id string) string { return b.prefix + "state:" + id }
func (b *redisBackend) leaseKey(id string) string { return b.prefix + "lease:" + id }
func (b *redisBackend) indexKey() string          { return b.prefix + "sessions" }

// acquireLease sets the lease when it is free or already ours; PX expiry
// lets a crashed owner's lease lapse.
var acquireLease = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

var releaseLease = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (b *redisBackend) update(ctx context.Context, id string, fn func([]byte) ([]byte, error)) error {
	key := b.stateKey(id)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			cur = nil
		} else if err != nil {
			return fmt.Errorf("get state: %w", err)
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, b.ttl)
			pipe.SAdd(ctx, b.indexKey(), id)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := b.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("save state for %s: too much contention", id)
}

func (b *redisBackend) load(ctx context.Context, id string) ([]byte, error) {
	data, err := b.client.Get(ctx, b.stateKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	return data, nil
}

func (b *redisBackend) list(ctx context.Context) ([][]byte, error) {
	ids, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.stateKey(id)
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	out := make([][]byte, 0, len(vals))
	var expired []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Expired by TTL; drop it from the index.
			expired = append(expired, ids[i])
			continue
		}
		out = append(out, []byte(s))
	}
	if len(expired) > 0 {
		_ = b.client.SRem(ctx, b.indexKey(), expired...).Err()
	}
	return out, nil
}

func (b *redisBackend) remove(ctx context.Context, id string) error {
	pipe := b.client.Pipeline()
	pipe.Del(ctx, b.stateKey(id))
	pipe.SRem(ctx, b.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

func (b *redisBackend) acquire(ctx context.Context, id, owner string, ttl time.Duration, _ time.Time) (bool, error) {
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	n, err := acquireLease.Run(ctx, b.client, []string{b.leaseKey(id)}, owner, ms).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return n == 1, nil
}

func (b *redisBackend) release(ctx context.Context, id, owner string) error {
	if err := releaseLease.Run(ctx, b.client, []string{b.leaseKey(id)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (b *redisBackend) close() error {
	return b.client.Close()
}
