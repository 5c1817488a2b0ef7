package broker

import (
	"context"
	"fmt"
)

// AddPending records one arrived field for the (consumer, messageID) join
// and returns the set of fields present after the write. The write is
// idempotent, so redelivered entries land on the same slot, and the hash
// expiry is refreshed so live joins outlast the pending TTL.
func (b *Broker) AddPending(ctx context.Context, consumer, messageID, field string, value Value) ([]string, error) {
	key := b.layout.PendingKey(consumer, messageID)
	pipe := b.rdb.Pipeline()
	pipe.HSet(ctx, key, field, value.String())
	pipe.Expire(ctx, key, b.pendingTTL)
	have := pipe.HKeys(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("add pending %s: %w", key, err)
	}
	return have.Val(), nil
}

// Pending returns the full partial join state for (consumer, messageID). An
// absent key yields an empty map.
func (b *Broker) Pending(ctx context.Context, consumer, messageID string) (map[string]Value, error) {
	key := b.layout.PendingKey(consumer, messageID)
	raw, err := b.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("pending %s: %w", key, err)
	}
	values := make(map[string]Value, len(raw))
	for f, v := range raw {
		val, err := ParseValue(v)
		if err != nil {
			return nil, fmt.Errorf("pending %s field %s: %w", key, f, err)
		}
		values[f] = val
	}
	return values, nil
}

// DeletePending removes the join state for (consumer, messageID).
func (b *Broker) DeletePending(ctx context.Context, consumer, messageID string) error {
	return b.Del(ctx, b.layout.PendingKey(consumer, messageID))
}

// ScanPending invokes fn with the message id of every pending join of the
// consumer. Used to re-drive joins that completed but were never emitted
// before a crash.
func (b *Broker) ScanPending(ctx context.Context, consumer string, fn func(messageID string) error) error {
	return b.Scan(ctx, b.layout.PendingPattern(consumer), func(key string) error {
		id, ok := b.layout.PendingMessageID(consumer, key)
		if !ok {
			return nil
		}
		return fn(id)
	})
}
