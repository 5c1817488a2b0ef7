package broker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// splitSeqScript assigns a message id to an input entry exactly once. The
// seen marker is written before any caller observes the sequence, so a
// redelivered entry gets its original id back instead of a fresh counter
// increment. KEYS: seen marker, per-source counter. ARGV: source id,
// separator, marker TTL seconds. Returns {message id, 1 if fresh else 0}.
var splitSeqScript = redis.NewScript(`
local seen = redis.call("GET", KEYS[1])
if seen then
  return {seen, 0}
end
local seq = redis.call("INCR", KEYS[2])
local id = ARGV[1] .. ARGV[2] .. tostring(seq)
redis.call("SET", KEYS[1], id, "EX", ARGV[3])
return {id, 1}
`)

// histPushScript appends one (seq, value) entry to a history ring iff it is
// the next sequence for that ring. Entries are "<seq>|<json>". An empty ring
// accepts any seq (fresh state); a seq at or below the head is a duplicate
// and is skipped; a gap is rejected unless forced so redelivered pushes stay
// ordered. KEYS: ring. ARGV: seq, entry, cap, force flag, TTL seconds (0
// disables). Returns "ok", "dup" or "early".
var histPushScript = redis.NewScript(`
local head = redis.call("LINDEX", KEYS[1], 0)
local seq = tonumber(ARGV[1])
if head then
  local hseq = tonumber(string.match(head, "^(%d+)|"))
  if hseq then
    if seq <= hseq then
      return "dup"
    end
    if seq > hseq + 1 and ARGV[4] == "0" then
      return "early"
    end
  end
end
redis.call("LPUSH", KEYS[1], ARGV[2])
redis.call("LTRIM", KEYS[1], 0, tonumber(ARGV[3]) - 1)
if ARGV[5] ~= "0" then
  redis.call("EXPIRE", KEYS[1], ARGV[5])
end
return "ok"
`)

// publishOnceScript appends an entry to a stream at most once per done
// marker, optionally publishing a payload on a channel in the same atomic
// step. KEYS: done marker, stream. ARGV: maxlen, marker TTL seconds,
// channel ("" for none), channel payload, then the entry's field-value
// pairs. Returns 1 if published, 0 if the marker already existed.
var publishOnceScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local args = {"XADD", KEYS[2], "MAXLEN", "~", ARGV[1], "*"}
for i = 5, #ARGV do
  args[#args+1] = ARGV[i]
end
redis.call(unpack(args))
if ARGV[3] ~= "" then
  redis.call("PUBLISH", ARGV[3], ARGV[4])
end
redis.call("SET", KEYS[1], "1", "EX", ARGV[2])
return 1
`)

// NextMessageID assigns the message id for an input entry, idempotently: a
// redelivery of the same entry id yields the identical message id without
// touching the counter. fresh is false on redelivery.
func (b *Broker) NextMessageID(ctx context.Context, report, entryID, sourceID string) (id string, fresh bool, err error) {
	if !b.layout.ValidSourceID(sourceID) {
		return "", false, fmt.Errorf("invalid source id %q: empty or contains separator %q", sourceID, b.layout.Separator)
	}
	keys := []string{b.layout.SeenKey(report, entryID), b.layout.CounterKey(sourceID, report)}
	res, err := splitSeqScript.Run(ctx, b.rdb, keys,
		sourceID, b.layout.Separator, int(b.seenTTL.Seconds())).Result()
	if err != nil {
		return "", false, fmt.Errorf("assign message id for %s/%s: %w", report, entryID, err)
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return "", false, fmt.Errorf("assign message id for %s/%s: unexpected reply %v", report, entryID, res)
	}
	id, _ = arr[0].(string)
	n, _ := arr[1].(int64)
	return id, n == 1, nil
}

// PushStatus is the outcome of a guarded history push.
type PushStatus string

const (
	// Pushed means the entry landed on the ring.
	Pushed PushStatus = "ok"
	// Duplicate means the ring already holds this or a later sequence.
	Duplicate PushStatus = "dup"
	// Early means the previous sequence has not been pushed yet; the caller
	// should retry or force.
	Early PushStatus = "early"
)

// PushHistory appends value at seq to the (sourceID, field) ring, keeping at
// most cap entries. The push is idempotent and ordered: duplicates are
// skipped and out-of-order pushes are refused until force is set.
func (b *Broker) PushHistory(ctx context.Context, sourceID, field string, seq uint64, value Value, cap int, force bool) (PushStatus, error) {
	if cap <= 0 {
		return "", fmt.Errorf("push history %s/%s: cap must be positive", sourceID, field)
	}
	entry := strconv.FormatUint(seq, 10) + "|" + value.String()
	forceArg := "0"
	if force {
		forceArg = "1"
	}
	ttl := 0
	if b.histTTL > 0 {
		ttl = int(b.histTTL.Seconds())
	}
	key := b.layout.HistoryKey(sourceID, field)
	res, err := histPushScript.Run(ctx, b.rdb, []string{key},
		strconv.FormatUint(seq, 10), entry, cap, forceArg, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("push history %s: %w", key, err)
	}
	s, _ := res.(string)
	switch st := PushStatus(s); st {
	case Pushed, Duplicate, Early:
		return st, nil
	default:
		return "", fmt.Errorf("push history %s: unexpected reply %q", key, s)
	}
}

// PublishOnce appends fields to stream at most once for the (consumer,
// messageID) pair. When channel is non-empty, payload is published on it in
// the same atomic step. Reports whether this call performed the publish.
func (b *Broker) PublishOnce(ctx context.Context, consumer, messageID, stream, channel, payload string, fields map[string]string) (bool, error) {
	args := make([]any, 0, 4+2*len(fields))
	args = append(args, b.maxLen, int(b.doneTTL.Seconds()), channel, payload)
	for k, v := range fields {
		args = append(args, k, v)
	}
	keys := []string{b.layout.DoneKey(consumer, messageID), stream}
	res, err := publishOnceScript.Run(ctx, b.rdb, keys, args...).Result()
	if err != nil {
		return false, fmt.Errorf("publish %s to %s: %w", messageID, stream, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Published reports whether the publish-once marker for (consumer,
// messageID) exists, i.e. the value has already been emitted.
func (b *Broker) Published(ctx context.Context, consumer, messageID string) (bool, error) {
	return b.Exists(ctx, b.layout.DoneKey(consumer, messageID))
}
