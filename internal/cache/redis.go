package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"lupo/client/internal/util"
)

// DefaultChangeChannel is the pub/sub channel foreign writes are announced on.
const DefaultChangeChannel = "lupo:cache:changes"

type changeMessage struct {
	Origin string `json:"origin"`
	Key    string `json:"key"`
	Old    []byte `json:"old,omitempty"`
	New    []byte `json:"new,omitempty"`
}

// RedisBackend stores envelopes in Redis and announces every write on a
// pub/sub channel so other processes sharing the database can invalidate.
type RedisBackend struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// NewRedisBackend connects to redisURL and verifies the connection.
func NewRedisBackend(redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBackendWithClient(client), nil
}

// NewRedisBackendWithClient wraps an existing client.
func NewRedisBackendWithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{
		client:  client,
		channel: DefaultChangeChannel,
		origin:  util.NewID("origin"),
		logger:  slog.Default(),
	}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte) error {
	old, err := b.client.GetSet(ctx, key, value).Bytes()
	if err == redis.Nil {
		old = nil
	} else if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	b.publish(ctx, changeMessage{Key: key, Old: old, New: value})
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	old, err := b.client.GetDel(ctx, key).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	b.publish(ctx, changeMessage{Key: key, Old: old})
	return nil
}

func (b *RedisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 200).Iterator()
	for iter.Next(ctx) {
		if key := iter.Val(); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	return keys, nil
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Subscribe delivers writes made by other RedisBackend instances. The
// returned function stops delivery and waits for the reader to exit.
func (b *RedisBackend) Subscribe(ctx context.Context, fn func(RawChange)) (func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var change changeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				b.logger.Warn("cache: malformed change message", "channel", b.channel, "err", err)
				continue
			}
			if change.Origin == b.origin {
				continue
			}
			fn(RawChange{Key: change.Key, Old: change.Old, New: change.New})
		}
	}()

	return func() {
		_ = pubsub.Close()
		<-done
	}, nil
}

func (b *RedisBackend) publish(ctx context.Context, change changeMessage) {
	change.Origin = b.origin
	payload, err := json.Marshal(change)
	if err != nil {
		b.logger.Warn("cache: encode change message", "key", change.Key, "err", err)
		return
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Warn("cache: publish change", "key", change.Key, "err", err)
	}
}

// Ping checks if Redis is reachable.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
