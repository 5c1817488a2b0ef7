package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one stream record as delivered to a consumer group.
type Entry struct {
	// Stream is the stream the entry was read from.
	Stream string
	// ID is the broker-assigned entry id (e.g. "1726000000000-0").
	ID string
	// Values holds the entry's field-value pairs.
	Values map[string]string
}

// Value returns the named field of the entry, if present.
func (e Entry) Value(field string) (string, bool) {
	v, ok := e.Values[field]
	return v, ok
}

// Append adds an entry to a stream with approximate length capping.
func (b *Broker) Append(ctx context.Context, stream string, values map[string]string) (string, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: toAnyMap(values),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", stream, err)
	}
	return id, nil
}

// AppendBatch adds entries to several streams in one pipeline. Entries are
// applied in order; a failure reports the first error after the pipeline
// completes.
func (b *Broker) AppendBatch(ctx context.Context, batch []StreamEntry) error {
	if len(batch) == 0 {
		return nil
	}
	pipe := b.rdb.Pipeline()
	for _, e := range batch {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: e.Stream,
			MaxLen: b.maxLen,
			Approx: true,
			Values: toAnyMap(e.Values),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append batch: %w", err)
	}
	return nil
}

// StreamEntry pairs a stream with the values to append to it.
type StreamEntry struct {
	Stream string
	Values map[string]string
}

// CreateGroup creates the consumer group on the stream, creating the stream
// if needed. Creation is idempotent: an existing group is not an error.
func (b *Broker) CreateGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup reads up to count new entries for the consumer across the given
// streams, blocking up to block when none are ready. An empty batch and nil
// error means the block timed out.
func (b *Broker) ReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]Entry, error) {
	args := make([]string, 0, 2*len(streams))
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s: %w", group, err)
	}
	return flatten(res), nil
}

// Ack acknowledges processed entries, removing them from the group's pending
// list.
func (b *Broker) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", group, stream, err)
	}
	return nil
}

// Claim transfers entries that have been pending longer than minIdle from
// dead consumers of the group to this consumer, returning them for
// reprocessing.
func (b *Broker) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim on %s for %s: %w", stream, group, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{Stream: stream, ID: m.ID, Values: toStringMap(m.Values)})
	}
	return entries, nil
}

// Latest returns the most recent entry of a stream, if any.
func (b *Broker) Latest(ctx context.Context, stream string) (Entry, bool, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("latest of %s: %w", stream, err)
	}
	if len(msgs) == 0 {
		return Entry{}, false, nil
	}
	return Entry{Stream: stream, ID: msgs[0].ID, Values: toStringMap(msgs[0].Values)}, true, nil
}

// ReadFrom reads entries appended to the stream after the given id (use "$"
// for only-new), blocking up to block. Used by the outbound surface to tail
// output streams without a group.
func (b *Broker) ReadFrom(ctx context.Context, stream, fromID string, count int64, block time.Duration) ([]Entry, string, error) {
	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, fromID},
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fromID, nil
	}
	if err != nil {
		return nil, fromID, fmt.Errorf("read %s: %w", stream, err)
	}
	entries := flatten(res)
	last := fromID
	if len(entries) > 0 {
		last = entries[len(entries)-1].ID
	}
	return entries, last, nil
}

// Publish sends a payload on a pub/sub channel.
func (b *Broker) Publish(ctx context.Context, channel, payload string) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish on %s: %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to a pub/sub channel. The caller owns the returned
// subscription and must close it.
func (b *Broker) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, channel)
}

func flatten(streams []redis.XStream) []Entry {
	var entries []Entry
	for _, s := range streams {
		for _, m := range s.Messages {
			entries = append(entries, Entry{Stream: s.Stream, ID: m.ID, Values: toStringMap(m.Values)})
		}
	}
	return entries
}

func toStringMap(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		out[k] = s
	}
	return out
}

func toAnyMap(values map[string]string) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
