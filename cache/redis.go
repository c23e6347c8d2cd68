package cache

import (
	"context"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores every namespace as a hash (field = entry key,
// value = gob encoded record) and tracks namespaces in a set.
// Several cache instances can share one Redis server.
type RedisCache struct {
	client *redis.Client
	prefix string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix for every key the cache writes, e.g. "offline-cache:".
	Prefix string
}

func NewRedisCache(ctx context.Context, opts RedisOptions) (RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return RedisCache{}, err
	}
	return RedisCache{client: client, prefix: opts.Prefix}, nil
}

func (r RedisCache) namespacesKey() string {
	return r.prefix + "namespaces"
}

func (r RedisCache) hashKey(namespace string) string {
	return r.prefix + "ns:" + namespace
}

func (r RedisCache) Open(ctx context.Context, namespace string) error {
	return r.client.SAdd(ctx, r.namespacesKey(), namespace).Err()
}

func (r RedisCache) Namespaces(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.namespacesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (r RedisCache) Drop(ctx context.Context, namespace string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.hashKey(namespace))
		pipe.SRem(ctx, r.namespacesKey(), namespace)
		return nil
	})
	return err
}

func (r RedisCache) Get(ctx context.Context, namespace, key string) (CacheEntry, error) {
	b, err := r.client.HGet(ctx, r.hashKey(namespace), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	return decodeRecord(key, b)
}

func (r RedisCache) Put(ctx context.Context, namespace string, ce CacheEntry) error {
	b, err := encodeRecord(ce)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.namespacesKey(), namespace)
		pipe.HSet(ctx, r.hashKey(namespace), ce.Key, b)
		return nil
	})
	return err
}

func (r RedisCache) Purge(ctx context.Context, namespace, key string) error {
	return r.client.HDel(ctx, r.hashKey(namespace), key).Err()
}

func (r RedisCache) Clear(ctx context.Context, namespace string) error {
	return r.client.Del(ctx, r.hashKey(namespace)).Err()
}

func (r RedisCache) Keys(ctx context.Context, namespace string, cb func(string)) error {
	keys, err := r.client.HKeys(ctx, r.hashKey(namespace)).Result()
	if err != nil {
		return err
	}
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (r RedisCache) Close() error {
	return r.client.Close()
}
