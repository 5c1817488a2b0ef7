package consumer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/brook"
	"goa.design/brook/broker"
	"goa.design/brook/retry"
)

// testBroker is an in-memory Broker for driving role handlers directly. It
// mirrors the real broker's idempotency semantics (seen markers, history
// push guards, publish-once) so redelivery tests behave as they would
// against Redis, and records every write for assertions.
type testBroker struct {
	mu         sync.Mutex
	layout     broker.Layout
	nextID     int
	streams    map[string][]broker.Entry
	groups     map[string][]string
	cursors    map[string]int
	acked      []ackCall
	counters   map[string]uint64
	seen       map[string]string
	rings      map[string][]ringEntry
	pending    map[string]map[string]broker.Value
	done       map[string]bool
	emits      []publishCall
	dead       map[string][]broker.DLQRecord
	claimable  map[string][]broker.Entry
	appendErr  error
	pendingErr error
}

type (
	ackCall struct {
		stream, group, id string
	}

	ringEntry struct {
		seq uint64
		raw string
	}

	publishCall struct {
		consumer  string
		messageID string
		stream    string
		channel   string
		payload   string
		fields    map[string]string
	}
)

func newTestBroker() *testBroker {
	return &testBroker{
		layout:    broker.Layout{Separator: ":"},
		streams:   map[string][]broker.Entry{},
		groups:    map[string][]string{},
		cursors:   map[string]int{},
		counters:  map[string]uint64{},
		seen:      map[string]string{},
		rings:     map[string][]ringEntry{},
		pending:   map[string]map[string]broker.Value{},
		done:      map[string]bool{},
		dead:      map[string][]broker.DLQRecord{},
		claimable: map[string][]broker.Entry{},
	}
}

func (tb *testBroker) Layout() broker.Layout { return tb.layout }

func (tb *testBroker) CreateGroup(_ context.Context, stream, group string) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.groups[stream] = append(tb.groups[stream], group)
	return nil
}

func (tb *testBroker) ReadGroup(_ context.Context, group, _ string, streams []string, count int64, _ time.Duration) ([]broker.Entry, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	var out []broker.Entry
	for _, s := range streams {
		key := group + "/" + s
		for tb.cursors[key] < len(tb.streams[s]) && int64(len(out)) < count {
			out = append(out, tb.streams[s][tb.cursors[key]])
			tb.cursors[key]++
		}
	}
	return out, nil
}

func (tb *testBroker) Ack(_ context.Context, stream, group string, ids ...string) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for _, id := range ids {
		tb.acked = append(tb.acked, ackCall{stream: stream, group: group, id: id})
	}
	return nil
}

func (tb *testBroker) Claim(_ context.Context, stream, _, _ string, _ time.Duration, _ int64) ([]broker.Entry, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	entries := tb.claimable[stream]
	delete(tb.claimable, stream)
	return entries, nil
}

func (tb *testBroker) setClaimable(stream string, entries ...broker.Entry) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.claimable[stream] = append(tb.claimable[stream], entries...)
}

func (tb *testBroker) Append(_ context.Context, stream string, values map[string]string) (string, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.append(stream, values), nil
}

func (tb *testBroker) append(stream string, values map[string]string) string {
	tb.nextID++
	id := fmt.Sprintf("%d-0", tb.nextID)
	tb.streams[stream] = append(tb.streams[stream], broker.Entry{Stream: stream, ID: id, Values: values})
	return id
}

func (tb *testBroker) AppendBatch(_ context.Context, batch []broker.StreamEntry) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.appendErr != nil {
		return tb.appendErr
	}
	for _, e := range batch {
		tb.append(e.Stream, e.Values)
	}
	return nil
}

func (tb *testBroker) NextMessageID(_ context.Context, report, entryID, sourceID string) (string, bool, error) {
	if !tb.layout.ValidSourceID(sourceID) {
		return "", false, fmt.Errorf("invalid source id %q", sourceID)
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	seenKey := tb.layout.SeenKey(report, entryID)
	if id, ok := tb.seen[seenKey]; ok {
		return id, false, nil
	}
	counterKey := tb.layout.CounterKey(sourceID, report)
	tb.counters[counterKey]++
	id := tb.layout.MessageID(sourceID, tb.counters[counterKey])
	tb.seen[seenKey] = id
	return id, true, nil
}

func (tb *testBroker) PushHistory(_ context.Context, sourceID, field string, seq uint64, value broker.Value, cap int, force bool) (broker.PushStatus, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	key := tb.layout.HistoryKey(sourceID, field)
	ring := tb.rings[key]
	if len(ring) > 0 {
		head := ring[0].seq
		if seq <= head {
			return broker.Duplicate, nil
		}
		if seq > head+1 && !force {
			return broker.Early, nil
		}
	}
	ring = append([]ringEntry{{seq: seq, raw: value.String()}}, ring...)
	if len(ring) > cap {
		ring = ring[:cap]
	}
	tb.rings[key] = ring
	return broker.Pushed, nil
}

func (tb *testBroker) HistoryWindow(_ context.Context, sourceID, field string, beforeSeq uint64, k int) ([]broker.Value, error) {
	if k <= 0 {
		return nil, nil
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	window := make([]broker.Value, k)
	for i := range window {
		window[i] = broker.Null
	}
	low := uint64(1)
	if beforeSeq > uint64(k) {
		low = beforeSeq - uint64(k)
	}
	for _, e := range tb.rings[tb.layout.HistoryKey(sourceID, field)] {
		if e.seq >= beforeSeq || e.seq < low {
			continue
		}
		v, err := broker.ParseValue(e.raw)
		if err != nil {
			return nil, err
		}
		window[k-int(beforeSeq-e.seq)] = v
	}
	return window, nil
}

func (tb *testBroker) WaitHistory(_ context.Context, sourceID, field string, beforeSeq uint64, _ time.Duration) error {
	if beforeSeq <= 1 {
		return nil
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	ring := tb.rings[tb.layout.HistoryKey(sourceID, field)]
	if len(ring) > 0 && ring[0].seq >= beforeSeq-1 {
		return nil
	}
	return broker.ErrHistoryWait
}

func (tb *testBroker) AddPending(_ context.Context, consumer, messageID, field string, value broker.Value) ([]string, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.pendingErr != nil {
		return nil, tb.pendingErr
	}
	key := tb.layout.PendingKey(consumer, messageID)
	if tb.pending[key] == nil {
		tb.pending[key] = map[string]broker.Value{}
	}
	tb.pending[key][field] = value
	have := make([]string, 0, len(tb.pending[key]))
	for f := range tb.pending[key] {
		have = append(have, f)
	}
	sort.Strings(have)
	return have, nil
}

func (tb *testBroker) Pending(_ context.Context, consumer, messageID string) (map[string]broker.Value, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	values := map[string]broker.Value{}
	for f, v := range tb.pending[tb.layout.PendingKey(consumer, messageID)] {
		values[f] = v
	}
	return values, nil
}

func (tb *testBroker) DeletePending(_ context.Context, consumer, messageID string) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	delete(tb.pending, tb.layout.PendingKey(consumer, messageID))
	return nil
}

func (tb *testBroker) ScanPending(_ context.Context, consumer string, fn func(messageID string) error) error {
	tb.mu.Lock()
	var ids []string
	for key := range tb.pending {
		if id, ok := tb.layout.PendingMessageID(consumer, key); ok {
			ids = append(ids, id)
		}
	}
	tb.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func (tb *testBroker) PublishOnce(_ context.Context, consumer, messageID, stream, channel, payload string, fields map[string]string) (bool, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	key := tb.layout.DoneKey(consumer, messageID)
	if tb.done[key] {
		return false, nil
	}
	tb.append(stream, fields)
	tb.done[key] = true
	tb.emits = append(tb.emits, publishCall{
		consumer:  consumer,
		messageID: messageID,
		stream:    stream,
		channel:   channel,
		payload:   payload,
		fields:    fields,
	})
	return true, nil
}

func (tb *testBroker) Published(_ context.Context, consumer, messageID string) (bool, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.done[tb.layout.DoneKey(consumer, messageID)], nil
}

func (tb *testBroker) MoveToDLQ(_ context.Context, report string, rec broker.DLQRecord) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.dead[report] = append(tb.dead[report], rec)
	return nil
}

// Accessors used by assertions.

func (tb *testBroker) entries(stream string) []broker.Entry {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return append([]broker.Entry(nil), tb.streams[stream]...)
}

func (tb *testBroker) ackedIDs() []string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	ids := make([]string, len(tb.acked))
	for i, a := range tb.acked {
		ids[i] = a.id
	}
	return ids
}

func (tb *testBroker) ring(sourceID, field string) []string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	ring := tb.rings[tb.layout.HistoryKey(sourceID, field)]
	out := make([]string, len(ring))
	for i, e := range ring {
		out[i] = strconv.FormatUint(e.seq, 10) + "|" + e.raw
	}
	return out
}

func (tb *testBroker) published() []publishCall {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return append([]publishCall(nil), tb.emits...)
}

func (tb *testBroker) dlq(report string) []broker.DLQRecord {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return append([]broker.DLQRecord(nil), tb.dead[report]...)
}

func (tb *testBroker) pendingFields(consumer, messageID string) []string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	var fields []string
	for f := range tb.pending[tb.layout.PendingKey(consumer, messageID)] {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// testOptions disables retries so injected failures surface immediately.
func testOptions(tb *testBroker) Options {
	return Options{
		Broker: tb,
		Retry:  retry.Config{MaxAttempts: 1},
	}
}

type vehicleReport struct {
	VehicleNumber int     `brook:"vehicle_number,id"`
	Lat           float64 `brook:"lat"`
	Lon           float64 `brook:"lon"`
	Line          string  `brook:"line"`
}

// compileTestPlan builds the shared fixture model: one input report, one
// artificial field over lat/lon with one-step history, and two outputs.
func compileTestPlan(t *testing.T, fn brook.FieldFunc) *brook.Plan {
	t.Helper()
	b := brook.New()
	b.Input("vehicle-report", vehicleReport{})
	b.Field("direction", brook.Deps{
		Current: []string{"lat", "lon"},
		History: []brook.HistDep{{Field: "lat", Window: 1}, {Field: "lon", Window: 1}},
	}, fn, brook.FieldType(float64(0)))
	b.Output("location-report",
		brook.Take("vehicle_number"),
		brook.Take("lat"),
		brook.Take("lon"),
		brook.Take("line"),
	)
	b.Output("direction-report", brook.Take("direction"))
	p, err := b.Compile()
	require.NoError(t, err)
	return p
}

func planField(t *testing.T, p *brook.Plan, name string) *brook.FieldPlan {
	t.Helper()
	fp, ok := p.Field(name)
	require.True(t, ok, "field %s not in plan", name)
	return fp
}

func planOutput(t *testing.T, p *brook.Plan, name string) *brook.OutputPlan {
	t.Helper()
	for _, op := range p.Outputs {
		if op.Name == name {
			return op
		}
	}
	t.Fatalf("output %s not in plan", name)
	return nil
}

func nopFieldFn(context.Context, brook.FieldInput) (any, error) { return nil, nil }

func mustVal(tb testing.TB, raw string) broker.Value {
	tb.Helper()
	v, err := broker.ParseValue(raw)
	require.NoError(tb, err)
	return v
}

// subEntry builds a sub-stream delivery as the splitter would append it.
func subEntry(report, field, entryID, msgID, raw string) broker.Entry {
	return broker.Entry{
		Stream: report + ":" + field,
		ID:     entryID,
		Values: map[string]string{broker.MessageIDField: msgID, broker.ValueField: raw},
	}
}
