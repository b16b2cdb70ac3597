package counterstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps states in Redis, shared by every process pointing at the
// same key prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps client. A zero ttl keeps keys forever.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "tradeguard:fc:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("redis ping", addr, err)
	}
	return NewRedisStore(client, prefix, 0), nil
}

// Get loads the state stored under key.
func (r *RedisStore) Get(ctx context.Context, key string) (State, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, ErrNotFound
		}
		return State{}, unavailable("redis get", key, err)
	}
	return decode(key, raw)
}

// Put stores state under key.
func (r *RedisStore) Put(ctx context.Context, key string, state State) error {
	val, err := encode(state)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+key, val, r.ttl).Err(); err != nil {
		return unavailable("redis set", key, err)
	}
	return nil
}

// Delete removes key.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return unavailable("redis del", key, err)
	}
	return nil
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
