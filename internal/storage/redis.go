package storage

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/beflow/beflow/pkg/storage"
)

const redisOpTimeout = 10 * time.Second

// RedisStore keeps the result store in Redis, one string per key. Useful for
// multi-host deployments that already run Redis.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "redis ping")
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Put(key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return s.client.Set(ctx, key, storage.Frame(value), 0).Err()
}

func (s *RedisStore) Get(key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	framed, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return storage.Unframe(framed)
}

func (s *RedisStore) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) CompareAndSwap(key string, old, new []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if old == nil {
		created, err := s.client.SetNX(ctx, key, storage.Frame(new), 0).Result()
		if err != nil {
			return err
		}
		if !created {
			return storage.ErrConflict
		}
		return nil
	}

	swap := func(tx *redis.Tx) error {
		framed, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		current, err := storage.Unframe(framed)
		if err != nil {
			return err
		}
		if !bytes.Equal(current, old) {
			return storage.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, storage.Frame(new), 0)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, swap, key)
	if err == redis.TxFailedErr {
		return storage.ErrConflict
	}
	return err
}

func (s *RedisStore) Scan(prefix string) ([]storage.KV, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	var pairs []storage.KV
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		framed, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		value, err := storage.Unframe(framed)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, storage.KV{Key: key, Value: value})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return pairs, nil
}

func (s *RedisStore) NextID(counter string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return s.client.Incr(ctx, "counter/"+counter).Result()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
