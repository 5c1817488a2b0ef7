package broker

import (
	"fmt"
	"strconv"
	"strings"
)

// Reserved entry field names shared by every stream the engine writes.
const (
	// MessageIDField carries the message id on sub-stream, identity, output
	// and DLQ entries.
	MessageIDField = "_msg"
	// ValueField carries the JSON-encoded field value on sub-stream entries.
	ValueField = "v"
	// SourceField carries the source id on identity-stream and output entries.
	SourceField = "_source"
	// SeqField carries the decimal sequence number on identity-stream entries.
	SeqField = "seq"
)

// Layout derives every stream, group and key name used by the engine from
// report, field and output names. The separator is the single byte that
// joins source id and sequence number in message ids; it is rejected inside
// source ids at sequencing time.
type Layout struct {
	// Separator joins source id and sequence number in message ids.
	Separator string
}

// InputStream is the stream external producers append raw reports to.
func (Layout) InputStream(report string) string { return report }

// SubStream is the per-field stream carrying (message-id, value) entries.
func (Layout) SubStream(report, field string) string { return report + ":" + field }

// IdentityStream carries (message-id, source-id, seq) triples for each input
// record, for consumers that need the source id itself.
func (Layout) IdentityStream(report string) string { return report + ":_id" }

// DLQStream is the dead-letter stream for a report namespace.
func (Layout) DLQStream(report string) string { return report + ":_dlq" }

// OutputStream is the stream complete output records are appended to. The
// channel published alongside shares the name.
func (Layout) OutputStream(output string) string { return output }

// OutputChannel is the pub/sub channel paired with an output stream.
func (Layout) OutputChannel(output string) string { return output }

// SplitterGroup names the consumer group of a report's splitter.
func (Layout) SplitterGroup(report string) string { return "split-" + report }

// GeneratorGroup names the consumer group of an artificial field's generator.
func (Layout) GeneratorGroup(field string) string { return "gen-" + field }

// ResolverGroup names the consumer group of an output's resolver.
func (Layout) ResolverGroup(output string) string { return "out-" + output }

// CounterKey holds the per-source sequence counter for a report.
func (Layout) CounterKey(sourceID, report string) string {
	return "counter:" + sourceID + ":" + report
}

// HistoryKey holds the bounded ring of a field's recent values for a source.
func (Layout) HistoryKey(sourceID, field string) string {
	return "hist:" + sourceID + ":" + field
}

// PendingKey holds the partial join hash of a logical consumer (an artificial
// field or an output report) for one message id.
func (Layout) PendingKey(consumer, messageID string) string {
	return "pending:" + consumer + ":" + messageID
}

// PendingPattern matches every pending key of a logical consumer.
func (Layout) PendingPattern(consumer string) string {
	return "pending:" + consumer + ":*"
}

// PendingMessageID recovers the message id from a pending key produced for
// the given consumer. Returns false if the key has a different shape.
func (Layout) PendingMessageID(consumer, key string) (string, bool) {
	prefix := "pending:" + consumer + ":"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return key[len(prefix):], true
}

// SeenKey holds the splitter idempotency marker for one input entry.
func (Layout) SeenKey(report, entryID string) string {
	return "seen:" + report + ":" + entryID
}

// DoneKey holds the publish-once marker of a logical consumer for one
// message id.
func (Layout) DoneKey(consumer, messageID string) string {
	return "done:" + consumer + ":" + messageID
}

// MessageID joins a source id and sequence number.
func (l Layout) MessageID(sourceID string, seq uint64) string {
	return sourceID + l.Separator + strconv.FormatUint(seq, 10)
}

// SplitMessageID recovers source id and sequence number from a message id.
// The separator may legally appear nowhere in source ids, so the split is on
// the last occurrence.
func (l Layout) SplitMessageID(id string) (sourceID string, seq uint64, err error) {
	i := strings.LastIndex(id, l.Separator)
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("malformed message id %q", id)
	}
	seq, err = strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed message id %q: %w", id, err)
	}
	return id[:i], seq, nil
}

// ValidSourceID reports whether the source id is usable with this layout:
// non-empty and free of the separator byte.
func (l Layout) ValidSourceID(sourceID string) bool {
	return sourceID != "" && !strings.Contains(sourceID, l.Separator)
}
