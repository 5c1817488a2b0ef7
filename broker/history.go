package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrHistoryWait is returned by WaitHistory when the previous sequence was
// not pushed within the wait budget. Callers may proceed with a null-padded
// window; the ring is seq-filtered so a late push cannot corrupt later reads.
var ErrHistoryWait = errors.New("broker: history wait timed out")

// HistoryWindow returns the k values of field for sourceID with sequence
// numbers strictly below beforeSeq, oldest first, left-padded with nulls for
// sequences that were never pushed or already trimmed.
func (b *Broker) HistoryWindow(ctx context.Context, sourceID, field string, beforeSeq uint64, k int) ([]Value, error) {
	if k <= 0 {
		return nil, nil
	}
	window := make([]Value, k)
	for i := range window {
		window[i] = Null
	}
	key := b.layout.HistoryKey(sourceID, field)
	raw, err := b.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history window %s: %w", key, err)
	}
	low := uint64(1)
	if beforeSeq > uint64(k) {
		low = beforeSeq - uint64(k)
	}
	for _, item := range raw {
		seq, val, ok := parseHistoryEntry(item)
		if !ok || seq >= beforeSeq || seq < low {
			continue
		}
		window[k-int(beforeSeq-seq)] = val
	}
	return window, nil
}

// HistoryReady reports whether the ring for (sourceID, field) has absorbed
// every push up to and including beforeSeq-1. An empty ring is ready only
// for the first sequence.
func (b *Broker) HistoryReady(ctx context.Context, sourceID, field string, beforeSeq uint64) (bool, error) {
	if beforeSeq <= 1 {
		return true, nil
	}
	key := b.layout.HistoryKey(sourceID, field)
	head, err := b.rdb.LIndex(ctx, key, 0).Result()
	if err != nil {
		if isNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("history head %s: %w", key, err)
	}
	seq, _, ok := parseHistoryEntry(head)
	return ok && seq >= beforeSeq-1, nil
}

// WaitHistory polls until the ring for (sourceID, field) is ready for a read
// at beforeSeq, the context ends, or the timeout elapses. Timing out returns
// ErrHistoryWait.
func (b *Broker) WaitHistory(ctx context.Context, sourceID, field string, beforeSeq uint64, timeout time.Duration) error {
	ready, err := b.HistoryReady(ctx, sourceID, field, beforeSeq)
	if err != nil || ready {
		return err
	}
	deadline := time.Now().Add(timeout)
	wait := 20 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		ready, err := b.HistoryReady(ctx, sourceID, field, beforeSeq)
		if err != nil || ready {
			return err
		}
		if time.Now().After(deadline) {
			return ErrHistoryWait
		}
		if wait < 250*time.Millisecond {
			wait *= 2
		}
	}
}

func parseHistoryEntry(item string) (uint64, Value, bool) {
	i := strings.IndexByte(item, '|')
	if i <= 0 {
		return 0, Value{}, false
	}
	seq, err := strconv.ParseUint(item[:i], 10, 64)
	if err != nil {
		return 0, Value{}, false
	}
	val, err := ParseValue(item[i+1:])
	if err != nil {
		return 0, Value{}, false
	}
	return seq, val, true
}
