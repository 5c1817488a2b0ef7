// Package broker is the Redis adapter for the dataflow engine. It exposes the
// small contract every consumer builds on: append-only streams with consumer
// groups, per-source sequence assignment, bounded history rings, pending join
// hashes, publish-once guards and a dead-letter stream. Callers build a Redis
// client, pass it to New, and receive a handle that owns the key layout and
// the Lua scripts; everything else in the engine goes through it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// Options configures the broker handle.
	Options struct {
		// Redis is the Redis connection backing all streams and keys. Required.
		Redis *redis.Client
		// Separator is the byte separating source id and sequence number in
		// message ids. It must not appear in source ids. Defaults to ':'.
		Separator string
		// StreamMaxLen bounds the number of entries kept per stream (approximate
		// trimming). Zero uses DefaultStreamMaxLen.
		StreamMaxLen int64
		// SeenTTL bounds how long splitter idempotency markers live. Zero uses
		// DefaultMarkerTTL.
		SeenTTL time.Duration
		// DoneTTL bounds how long publish-once markers live. Zero uses
		// DefaultMarkerTTL.
		DoneTTL time.Duration
		// PendingTTL bounds how long partial join state lives without progress.
		// Zero uses DefaultPendingTTL.
		PendingTTL time.Duration
		// HistoryTTL bounds how long a source's history rings survive without a
		// push. Zero uses DefaultHistoryTTL; negative disables expiry.
		HistoryTTL time.Duration
	}

	// Broker wraps a Redis connection with the engine's key layout and scripts.
	Broker struct {
		rdb        *redis.Client
		layout     Layout
		maxLen     int64
		seenTTL    time.Duration
		doneTTL    time.Duration
		pendingTTL time.Duration
		histTTL    time.Duration
	}
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultSeparator    = ":"
	DefaultStreamMaxLen = int64(100_000)
	DefaultMarkerTTL    = time.Hour
	DefaultPendingTTL   = time.Hour
	DefaultHistoryTTL   = 24 * time.Hour
)

// New constructs a broker handle backed by the provided Redis connection. The
// Redis field is required; other fields are optional. Returns an error if
// opts.Redis is nil or the separator is not a single byte.
func New(opts Options) (*Broker, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	sep := opts.Separator
	if sep == "" {
		sep = DefaultSeparator
	}
	if len(sep) != 1 {
		return nil, fmt.Errorf("separator must be a single byte, got %q", sep)
	}
	b := &Broker{
		rdb:        opts.Redis,
		layout:     Layout{Separator: sep},
		maxLen:     opts.StreamMaxLen,
		seenTTL:    opts.SeenTTL,
		doneTTL:    opts.DoneTTL,
		pendingTTL: opts.PendingTTL,
		histTTL:    opts.HistoryTTL,
	}
	if b.maxLen <= 0 {
		b.maxLen = DefaultStreamMaxLen
	}
	if b.seenTTL <= 0 {
		b.seenTTL = DefaultMarkerTTL
	}
	if b.doneTTL <= 0 {
		b.doneTTL = DefaultMarkerTTL
	}
	if b.pendingTTL <= 0 {
		b.pendingTTL = DefaultPendingTTL
	}
	if b.histTTL == 0 {
		b.histTTL = DefaultHistoryTTL
	}
	return b, nil
}

// Connect builds a Redis client from a redis:// URL and wraps it with New.
// The returned broker owns the connection; Close releases it.
func Connect(ctx context.Context, url string, opts Options) (*Broker, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	opts.Redis = rdb
	return New(opts)
}

// Layout returns the key layout used by this broker.
func (b *Broker) Layout() Layout { return b.layout }

// Redis exposes the underlying connection for collaborators that need raw
// access, such as the replicated worker presence map.
func (b *Broker) Redis() *redis.Client { return b.rdb }

// Ping verifies the connection is alive.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (b *Broker) Close() error {
	if err := b.rdb.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// Get reads a scalar KV entry. Returns ("", false, nil) when the key is absent.
func (b *Broker) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := b.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// Set writes a scalar KV entry with an optional TTL (zero means no expiry).
func (b *Broker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := b.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Exists reports whether the key is present.
func (b *Broker) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Del removes keys.
func (b *Broker) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Scan iterates keys matching the pattern, invoking fn for each. Iteration
// stops on the first error from fn.
func (b *Broker) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
