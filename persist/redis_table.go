package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"southwinds.dev/atrest/internal/codec"
)

// RedisTable implements Table on Redis. Documents live in a hash keyed by document
// key; a list records insertion order.
//
//	<prefix>:<table>:docs   HASH  key -> encoded document
//	<prefix>:<table>:order  LIST  keys in insertion order
type RedisTable struct {
	client    redis.UniversalClient
	codec     codec.Codec
	name      string
	docsKey   string
	orderKey  string
	ownClient bool
}

// RedisOptions configures a RedisTable over an existing client
type RedisOptions struct {
	Client    redis.UniversalClient
	Codec     codec.Codec
	KeyPrefix string
}

// NewRedisTable creates a table over an existing client. The client stays owned by
// the caller and is not closed by Close.
func NewRedisTable(opts RedisOptions, name string) (*RedisTable, error) {
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("redis table requires a client")
	}
	if opts.Codec == nil {
		opts.Codec = codec.MsgPack{}
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "atrest"
	}
	return &RedisTable{
		client:   opts.Client,
		codec:    opts.Codec,
		name:     name,
		docsKey:  prefix + ":" + name + ":docs",
		orderKey: prefix + ":" + name + ":order",
	}, nil
}

// NewRedisTableFromConfig dials Redis from a generic TableConfig
func NewRedisTableFromConfig(config TableConfig, name string) (*RedisTable, error) {
	addr := configString(config, "addr", "")
	if addr == "" {
		return nil, fmt.Errorf("redis table requires 'addr' in config")
	}
	c, err := codec.ByName(configString(config, "codec", codec.MsgPack{}.Name()))
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: configString(config, "password", ""),
		DB:       configInt(config, "db", 0),
	})
	t, err := NewRedisTable(RedisOptions{
		Client:    client,
		Codec:     c,
		KeyPrefix: configString(config, "key_prefix", ""),
	}, name)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	t.ownClient = true
	return t, nil
}

func (r *RedisTable) Name() string {
	return r.name
}

func (r *RedisTable) Count(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.orderKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count %s: %w", r.name, err)
	}
	return int(n), nil
}

func (r *RedisTable) Add(ctx context.Context, doc Document) (string, error) {
	stored, key, err := prepareDocument(doc)
	if err != nil {
		return "", err
	}
	data, err := r.codec.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}

	added, err := r.client.HSetNX(ctx, r.docsKey, key, data).Result()
	if err != nil {
		return "", fmt.Errorf("redis add %s: %w", r.name, err)
	}
	if !added {
		return "", ErrDuplicateKey
	}
	if err = r.client.RPush(ctx, r.orderKey, key).Err(); err != nil {
		_ = r.client.HDel(ctx, r.docsKey, key).Err()
		return "", fmt.Errorf("redis add %s: %w", r.name, err)
	}
	return key, nil
}

func (r *RedisTable) Get(ctx context.Context, key string) (Document, bool, error) {
	data, err := r.client.HGet(ctx, r.docsKey, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get %s: %w", r.name, err)
	}
	var doc Document
	if err = r.codec.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	return doc, true, nil
}

func (r *RedisTable) ToArray(ctx context.Context) ([]Document, error) {
	keys, err := r.client.LRange(ctx, r.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", r.name, err)
	}
	if len(keys) == 0 {
		return []Document{}, nil
	}

	values, err := r.client.HMGet(ctx, r.docsKey, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", r.name, err)
	}

	out := make([]Document, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("redis scan %s: record %s is missing", r.name, keys[i])
		}
		var doc Document
		if err = r.codec.Unmarshal([]byte(s), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", keys[i], err)
		}
		out = append(out, doc)
	}
	return out, nil
}

func (r *RedisTable) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client only when the table dialed it
func (r *RedisTable) Close() error {
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}
