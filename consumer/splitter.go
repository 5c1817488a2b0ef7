package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"goa.design/brook"
	"goa.design/brook/broker"
	"goa.design/brook/retry"
	"goa.design/brook/telemetry"
)

// Splitter consumes one input report stream and fans every record out: it
// assigns the per-source message id, appends a (message-id, value) entry to
// each field's sub-stream plus the identity sub-stream, and feeds the
// history rings of observed source fields. Sequence assignment is guarded by
// a per-entry seen marker so a redelivered record reuses its original
// message id instead of consuming a fresh sequence.
type Splitter struct {
	core
	input *brook.InputPlan
	caps  map[string]int
}

// NewSplitter builds the splitter role for one input report of the plan.
func NewSplitter(opts Options, plan *brook.Plan, input *brook.InputPlan) (*Splitter, error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, fmt.Errorf("splitter %s: %w", input.Name, err)
	}
	if c.layout.Separator != plan.Separator {
		return nil, fmt.Errorf("splitter %s: broker separator %q does not match plan separator %q", input.Name, c.layout.Separator, plan.Separator)
	}
	caps := make(map[string]int, len(input.Observed))
	for _, f := range input.Observed {
		caps[f] = plan.RingCap(f)
	}
	return &Splitter{core: c, input: input, caps: caps}, nil
}

// Group names the splitter's consumer group.
func (s *Splitter) Group() string { return s.layout.SplitterGroup(s.input.Name) }

// Run consumes the input stream until ctx ends.
func (s *Splitter) Run(ctx context.Context, consumer string) error {
	stream := s.layout.InputStream(s.input.Name)
	s.log.Info(ctx, "splitter started", "report", s.input.Name, "consumer", consumer)
	defer s.log.Info(context.WithoutCancel(ctx), "splitter stopped", "report", s.input.Name, "consumer", consumer)
	return s.loop(ctx, s.Group(), consumer, func() []string { return []string{stream} }, s.handle, nil)
}

// handle processes one raw input record. Malformed records go to the dead
// letter stream and are acknowledged; broker failures leave the record
// unacknowledged for redelivery.
func (s *Splitter) handle(ctx context.Context, e broker.Entry) {
	sourceID, err := s.sourceID(e)
	if err != nil {
		s.deadLetter(ctx, e, err)
		return
	}

	var id string
	err = retry.Do(ctx, s.opts.Retry, func(ctx context.Context) error {
		var err error
		id, _, err = s.b.NextMessageID(ctx, s.input.Name, e.ID, sourceID)
		return err
	})
	if err != nil {
		s.log.Error(ctx, "sequence assignment failed", "report", s.input.Name, "entry", e.ID, "err", err)
		return
	}
	_, seq, err := s.layout.SplitMessageID(id)
	if err != nil {
		s.deadLetter(ctx, e, fmt.Errorf("corrupt seen marker: %w", err))
		return
	}

	type ringPush struct {
		field string
		value broker.Value
		cap   int
	}
	batch := make([]broker.StreamEntry, 0, len(s.input.Fields)+1)
	pushes := make([]ringPush, 0, len(s.caps))
	for _, f := range s.input.Fields {
		v := broker.Null
		if raw, ok := e.Value(f.Name); ok {
			if v, err = broker.ParseValue(raw); err != nil {
				s.deadLetter(ctx, e, fmt.Errorf("field %s: %w", f.Name, err))
				return
			}
		}
		batch = append(batch, broker.StreamEntry{
			Stream: s.layout.SubStream(s.input.Name, f.Name),
			Values: map[string]string{broker.MessageIDField: id, broker.ValueField: v.String()},
		})
		if cap, ok := s.caps[f.Name]; ok {
			pushes = append(pushes, ringPush{field: f.Name, value: v, cap: cap})
		}
	}
	batch = append(batch, broker.StreamEntry{
		Stream: s.layout.IdentityStream(s.input.Name),
		Values: map[string]string{
			broker.MessageIDField: id,
			broker.SourceField:    sourceID,
			broker.SeqField:       strconv.FormatUint(seq, 10),
		},
	})

	// All fan-out appends land in one pipeline; a partial failure leaves the
	// record unacked and the seen marker replays the same message id.
	err = retry.Do(ctx, s.opts.Retry, func(ctx context.Context) error {
		return s.b.AppendBatch(ctx, batch)
	})
	if err != nil {
		s.log.Error(ctx, "fan-out failed", "report", s.input.Name, "msg", id, "err", err)
		return
	}
	for _, p := range pushes {
		s.pushRing(ctx, sourceID, p.field, seq, p.value, p.cap)
	}
	if err := s.ack(ctx, s.Group(), e); err != nil {
		s.log.Warn(ctx, "ack failed", "report", s.input.Name, "entry", e.ID, "err", err)
		return
	}
	s.metrics.IncCounter(telemetry.MetricProcessed, 1, "consumer", s.Group())
}

// sourceID extracts and validates the source id of a raw record.
func (s *Splitter) sourceID(e broker.Entry) (string, error) {
	raw, ok := e.Value(s.input.IDField)
	if !ok {
		return "", fmt.Errorf("missing id field %q", s.input.IDField)
	}
	v, err := broker.ParseValue(raw)
	if err != nil {
		return "", fmt.Errorf("id field %q: %w", s.input.IDField, err)
	}
	id, err := sourceIDText(v)
	if err != nil {
		return "", fmt.Errorf("id field %q: %w", s.input.IDField, err)
	}
	if !s.layout.ValidSourceID(id) {
		return "", fmt.Errorf("id field %q: %q is empty or contains the separator", s.input.IDField, id)
	}
	return id, nil
}

func (s *Splitter) deadLetter(ctx context.Context, e broker.Entry, cause error) {
	rec := broker.DLQRecord{Err: cause.Error(), Payload: e.Values}
	err := retry.Do(ctx, s.opts.Retry, func(ctx context.Context) error {
		return s.b.MoveToDLQ(ctx, s.input.Name, rec)
	})
	if err != nil {
		s.log.Error(ctx, "dead letter failed", "report", s.input.Name, "entry", e.ID, "err", err)
		return
	}
	s.log.Warn(ctx, "record dead lettered", "report", s.input.Name, "entry", e.ID, "cause", cause.Error())
	s.metrics.IncCounter(telemetry.MetricDLQ, 1, "consumer", s.Group())
	if err := s.ack(ctx, s.Group(), e); err != nil {
		s.log.Warn(ctx, "ack failed", "report", s.input.Name, "entry", e.ID, "err", err)
	}
}

// sourceIDText flattens a source id value to the text used inside message
// ids: JSON strings drop their quotes, numbers keep their decimal form.
func sourceIDText(v broker.Value) (string, error) {
	if v.IsNull() {
		return "", errors.New("source id is null")
	}
	if s, err := v.Text(); err == nil {
		return s, nil
	}
	raw := string(v.Raw())
	if len(raw) > 0 && (raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9')) {
		return raw, nil
	}
	return "", fmt.Errorf("source id must be a string or number, got %s", raw)
}

// pushRing feeds one history ring with ordering guards: a duplicate push is
// skipped, and a push ahead of the ring head backs off briefly for the
// missing predecessor before forcing. A forced push leaves the predecessor's
// slot to read as null.
func (c *core) pushRing(ctx context.Context, sourceID, field string, seq uint64, value broker.Value, cap int) {
	for attempt := 0; ; attempt++ {
		st, err := c.b.PushHistory(ctx, sourceID, field, seq, value, cap, attempt >= 3)
		if err != nil {
			c.log.Warn(ctx, "history push failed", "source", sourceID, "field", field, "seq", seq, "err", err)
			return
		}
		if st != broker.Early {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}
