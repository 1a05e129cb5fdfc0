// Package redisstore implements backend.Store on top of a Redis server so
// several devices on one host can share a local cache.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"nitrosync/backend"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "nitrosync:"

// opTimeout bounds each call; the Store interface carries no context.
const opTimeout = 5 * time.Second

// Store keeps each value under <prefix><key>.
type Store struct {
	client *redis.Client
	prefix string
}

var (
	_ backend.Store  = (*Store)(nil)
	_ backend.Locker = (*Store)(nil)
)

// lockKey is stored under the prefix and hidden from Keys.
const lockKey = "lock"

// Lock leases expire unless renewed, so a crashed holder frees the store.
const (
	lockTTL      = 30 * time.Second
	lockRenew    = lockTTL / 3
	lockPollWait = 50 * time.Millisecond
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Open connects to addr and checks the server answers.
func Open(addr, prefix string) (*Store, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	s := New(redis.NewClient(&redis.Options{Addr: addr}), prefix)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return s, nil
}

// New wraps an existing client. An empty prefix means DefaultPrefix.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Load(key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) Save(key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

// Keys returns the saved keys without the prefix, sorted.
func (s *Store) Keys() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if key := strings.TrimPrefix(iter.Val(), s.prefix); key != lockKey {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Lock takes a lease on <prefix>lock, renewing it until released.
func (s *Store) Lock(ctx context.Context) (func() error, error) {
	key := s.prefix + lockKey
	token := uuid.NewString()
	for {
		ok, err := s.client.SetNX(ctx, key, token, lockTTL).Result()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: redis key %s", backend.ErrStoreLocked, key)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock redis store: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: redis key %s", backend.ErrStoreLocked, key)
		case <-time.After(lockPollWait):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(lockRenew)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				rctx, cancel := context.WithTimeout(context.Background(), opTimeout)
				_ = renewScript.Run(rctx, s.client, []string{key}, token, lockTTL.Milliseconds()).Err()
				cancel()
			}
		}
	}()

	var once sync.Once
	var relErr error
	return func() error {
		once.Do(func() {
			close(stop)
			<-done
			rctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			relErr = releaseScript.Run(rctx, s.client, []string{key}, token).Err()
		})
		return relErr
	}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
