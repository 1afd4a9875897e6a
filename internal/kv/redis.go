package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisUpdateAttempts bounds optimistic retries when another client
// changes a watched key between read and write.
const redisUpdateAttempts = 16

type RedisOption func(*RedisStore)

// WithRedisPrefix namespaces keys, e.g. "tidelog:<device>:".
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(addr, password string, db int, opts ...RedisOption) (*RedisStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("empty redis addr")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", addr, err)
	}

	s := &RedisStore{client: client, prefix: "tidelog:"}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrEmptyKey
	}
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis: get %q: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	// No expiry: queued trips must outlive any TTL policy.
	if err := s.client.Set(ctx, s.prefix+key, cloneBytes(value), 0).Err(); err != nil {
		return fmt.Errorf("redis: set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis: delete %q: %w", key, err)
	}
	return nil
}

// Update uses WATCH/MULTI: the write is discarded if the key changed after
// it was read, and the whole read-modify-write runs again.
func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	k := s.prefix + key
	for i := 0; i < redisUpdateAttempts; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, k).Bytes()
			found := true
			switch {
			case errors.Is(err, redis.Nil):
				current, found = nil, false
			case err != nil:
				return fmt.Errorf("redis: update %q: read: %w", key, err)
			}
			next, err := fn(current, found)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, k, cloneBytes(next), 0)
				return nil
			})
			return err
		}, k)
		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrUnchanged):
			return nil
		default:
			return err
		}
	}
	return fmt.Errorf("redis: update %q: gave up after %d conflicting writes", key, redisUpdateAttempts)
}
