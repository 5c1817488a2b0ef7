package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/brook"
	"goa.design/brook/broker"
	"goa.design/brook/retry"
	"goa.design/brook/telemetry"
)

// Generator computes one artificial field. It consumes the sub-streams of
// the field's current dependencies and of the fields it observes history of,
// joins deliveries by message id in a broker pending hash, and once every
// current dependency has arrived invokes the user function on a bounded
// compute pool. Results are published to the field's own sub-stream behind a
// publish-once marker so redelivery never emits twice; failures go to the
// report's dead-letter stream and advance the field's history ring with a
// null so dependents do not stall.
//
// A join survives crashes: deliveries are acknowledged only after the
// pending hash absorbed them, and a sweep re-drives joins that completed but
// were never emitted.
type Generator struct {
	core
	field *brook.FieldPlan
	caps  map[string]int
	group string
	joins *joinTable
	slots chan struct{}
	wg    sync.WaitGroup
}

// NewGenerator builds the generator role for one artificial field of the
// plan.
func NewGenerator(opts Options, plan *brook.Plan, field *brook.FieldPlan) (*Generator, error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, fmt.Errorf("generator %s: %w", field.Name, err)
	}
	if c.layout.Separator != plan.Separator {
		return nil, fmt.Errorf("generator %s: broker separator %q does not match plan separator %q", field.Name, c.layout.Separator, plan.Separator)
	}
	if field.Fn == nil {
		return nil, fmt.Errorf("generator %s: field has no function", field.Name)
	}
	caps := make(map[string]int, len(field.HistFields))
	for _, f := range field.HistFields {
		caps[f] = plan.RingCap(f)
	}
	return &Generator{
		core:  c,
		field: field,
		caps:  caps,
		group: c.layout.GeneratorGroup(field.Name),
		joins: newJoinTable(),
		slots: make(chan struct{}, c.opts.ComputeSlots),
	}, nil
}

// Group names the generator's consumer group.
func (g *Generator) Group() string { return g.group }

// Run consumes the field's dependency sub-streams until ctx ends, then waits
// for in-flight computations to finish.
func (g *Generator) Run(ctx context.Context, consumer string) error {
	g.log.Info(ctx, "generator started", "field", g.field.Name, "report", g.field.Report, "consumer", consumer)
	defer g.log.Info(context.WithoutCancel(ctx), "generator stopped", "field", g.field.Name, "consumer", consumer)
	g.sweep(ctx)
	err := g.loop(ctx, g.group, consumer, g.readStreams, g.handle, g.sweep)
	g.wg.Wait()
	return err
}

// readStreams is the generator's read set, minus the busiest sub-stream
// while the join backlog exceeds the cap.
func (g *Generator) readStreams() []string {
	return pauseBusiest(g.field.ReadStreams(g.layout), g.joins, g.opts.MaxPending)
}

// handle processes one sub-stream delivery: feed the observed field's ring,
// fold current dependencies into the persisted join, and schedule the
// computation once the join is complete. The delivery is acknowledged only
// after the join absorbed it.
func (g *Generator) handle(ctx context.Context, e broker.Entry) {
	field := subStreamField(e.Stream, g.field.Report)
	msgID, ok := e.Value(broker.MessageIDField)
	if !ok {
		g.dlqEntry(ctx, e, errors.New("missing message id"))
		return
	}
	raw, _ := e.Value(broker.ValueField)
	v, err := broker.ParseValue(raw)
	if err != nil {
		g.dlqEntry(ctx, e, fmt.Errorf("field %s: %w", field, err))
		return
	}
	src, seq, err := g.layout.SplitMessageID(msgID)
	if err != nil {
		g.dlqEntry(ctx, e, err)
		return
	}

	if cap, ok := g.caps[field]; ok {
		g.pushRing(ctx, src, field, seq, v, cap)
	}
	if g.field.IsCurrent(field) {
		var have []string
		err = retry.Do(ctx, g.opts.Retry, func(ctx context.Context) error {
			var err error
			have, err = g.b.AddPending(ctx, g.field.Name, msgID, field, v)
			return err
		})
		if err != nil {
			g.log.Error(ctx, "join update failed", "field", g.field.Name, "msg", msgID, "err", err)
			return
		}
		g.joins.arrived(e.Stream, msgID)
		if haveAll(keySet(have), g.field.Current) {
			g.schedule(ctx, msgID)
		}
	}
	if err := g.ack(ctx, g.group, e); err != nil {
		g.log.Warn(ctx, "ack failed", "field", g.field.Name, "entry", e.ID, "err", err)
		return
	}
	g.metrics.IncCounter(telemetry.MetricProcessed, 1, "consumer", g.group)
}

// schedule hands a complete join to the compute pool. The busy guard keeps
// one process from computing the same message twice concurrently; the
// publish-once marker covers everything else.
func (g *Generator) schedule(ctx context.Context, msgID string) {
	if !g.joins.acquire(msgID) {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.joins.release(msgID)
		g.slots <- struct{}{}
		defer func() { <-g.slots }()
		g.compute(ctx, msgID)
	}()
}

// compute runs one invocation end to end: wait for the pre-message history,
// read the windows, invoke the user function, publish the value, feed the
// field's own ring and clear the join.
func (g *Generator) compute(ctx context.Context, msgID string) {
	f := g.field
	src, seq, err := g.layout.SplitMessageID(msgID)
	if err != nil {
		g.log.Error(ctx, "malformed message id", "field", f.Name, "msg", msgID, "err", err)
		return
	}
	if done, err := g.b.Published(ctx, f.Name, msgID); err == nil && done {
		// emitted by a previous run; finish the cleanup it missed
		_ = g.b.DeletePending(ctx, f.Name, msgID)
		g.joins.close(msgID)
		return
	}
	values, err := g.b.Pending(ctx, f.Name, msgID)
	if err != nil {
		g.log.Error(ctx, "join read failed", "field", f.Name, "msg", msgID, "err", err)
		return
	}
	if !haveAll(values, f.Current) {
		// the hash expired under us; redelivered entries will rebuild it
		g.log.Warn(ctx, "join incomplete at compute", "field", f.Name, "msg", msgID)
		return
	}

	hist := make(map[string][]broker.Value, len(f.HistFields))
	for _, hf := range f.HistFields {
		if err := g.b.WaitHistory(ctx, src, hf, seq, g.opts.HistoryWait); err != nil {
			if !errors.Is(err, broker.ErrHistoryWait) {
				g.log.Error(ctx, "history wait failed", "field", f.Name, "dep", hf, "msg", msgID, "err", err)
				return
			}
			g.log.Warn(ctx, "history wait timed out", "field", f.Name, "dep", hf, "msg", msgID)
			g.metrics.IncCounter(telemetry.MetricHistoryWaits, 1, "consumer", g.group)
		}
		w, err := g.b.HistoryWindow(ctx, src, hf, seq, f.Window(hf))
		if err != nil {
			g.log.Error(ctx, "history read failed", "field", f.Name, "dep", hf, "msg", msgID, "err", err)
			return
		}
		hist[hf] = w
	}

	out, err := g.invoke(ctx, brook.FieldInput{
		MessageID: msgID,
		SourceID:  src,
		Seq:       seq,
		Current:   values,
		History:   hist,
	})
	if err != nil {
		g.fail(ctx, msgID, src, seq, err)
		return
	}
	v, err := broker.EncodeValue(out)
	if err != nil {
		g.fail(ctx, msgID, src, seq, fmt.Errorf("encode result: %w", err))
		return
	}

	entry := map[string]string{broker.MessageIDField: msgID, broker.ValueField: v.String()}
	err = retry.Do(ctx, g.opts.Retry, func(ctx context.Context) error {
		_, err := g.b.PublishOnce(ctx, f.Name, msgID, g.layout.SubStream(f.Report, f.Name), "", "", entry)
		return err
	})
	if err != nil {
		g.log.Error(ctx, "publish failed", "field", f.Name, "msg", msgID, "err", err)
		return
	}
	if f.RingCap > 0 {
		g.pushRing(ctx, src, f.Name, seq, v, f.RingCap)
	}
	if err := retry.Do(ctx, g.opts.Retry, func(ctx context.Context) error {
		return g.b.DeletePending(ctx, f.Name, msgID)
	}); err != nil {
		g.log.Warn(ctx, "pending cleanup failed", "field", f.Name, "msg", msgID, "err", err)
	}
	if first, ok := g.joins.close(msgID); ok {
		g.metrics.RecordTimer(telemetry.MetricJoinLatency, time.Since(first), "consumer", g.group)
	}
	g.metrics.IncCounter(telemetry.MetricPublished, 1, "consumer", g.group)
}

// invoke runs the user computation, converting panics to errors so a buggy
// field cannot take down the worker.
func (g *Generator) invoke(ctx context.Context, in brook.FieldInput) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return g.field.Fn(ctx, in)
}

// fail records a permanent computation failure: a dead-letter record, a null
// on the field's own ring so dependent history reads do not stall on a value
// that will never arrive, and the join cleared.
func (g *Generator) fail(ctx context.Context, msgID, src string, seq uint64, cause error) {
	rec := broker.DLQRecord{MessageID: msgID, Field: g.field.Name, Err: cause.Error()}
	err := retry.Do(ctx, g.opts.Retry, func(ctx context.Context) error {
		return g.b.MoveToDLQ(ctx, g.field.Report, rec)
	})
	if err != nil {
		g.log.Error(ctx, "dead letter failed", "field", g.field.Name, "msg", msgID, "err", err)
		return
	}
	g.log.Warn(ctx, "computation dead lettered", "field", g.field.Name, "msg", msgID, "cause", cause.Error())
	g.metrics.IncCounter(telemetry.MetricDLQ, 1, "consumer", g.group)
	if g.field.RingCap > 0 {
		g.pushRing(ctx, src, g.field.Name, seq, broker.Null, g.field.RingCap)
	}
	if err := retry.Do(ctx, g.opts.Retry, func(ctx context.Context) error {
		return g.b.DeletePending(ctx, g.field.Name, msgID)
	}); err != nil {
		g.log.Warn(ctx, "pending cleanup failed", "field", g.field.Name, "msg", msgID, "err", err)
	}
	g.joins.close(msgID)
}

func (g *Generator) dlqEntry(ctx context.Context, e broker.Entry, cause error) {
	rec := broker.DLQRecord{Field: g.field.Name, Err: cause.Error(), Payload: e.Values}
	err := retry.Do(ctx, g.opts.Retry, func(ctx context.Context) error {
		return g.b.MoveToDLQ(ctx, g.field.Report, rec)
	})
	if err != nil {
		g.log.Error(ctx, "dead letter failed", "field", g.field.Name, "entry", e.ID, "err", err)
		return
	}
	g.log.Warn(ctx, "entry dead lettered", "field", g.field.Name, "entry", e.ID, "cause", cause.Error())
	g.metrics.IncCounter(telemetry.MetricDLQ, 1, "consumer", g.group)
	if err := g.ack(ctx, g.group, e); err != nil {
		g.log.Warn(ctx, "ack failed", "field", g.field.Name, "entry", e.ID, "err", err)
	}
}

// sweep re-drives persisted joins whose fields all arrived but whose value
// was never emitted, such as after a crash between acknowledge and publish.
// Runs at startup and on the claim schedule.
func (g *Generator) sweep(ctx context.Context) {
	g.metrics.RecordGauge(telemetry.MetricPendingJoins, float64(g.joins.size()), "consumer", g.group)
	g.joins.evictBefore(time.Now().Add(-joinEvictAge))
	err := g.b.ScanPending(ctx, g.field.Name, func(msgID string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := g.b.Pending(ctx, g.field.Name, msgID)
		if err != nil || !haveAll(values, g.field.Current) {
			return nil
		}
		g.schedule(ctx, msgID)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		g.log.Warn(ctx, "pending sweep failed", "field", g.field.Name, "err", err)
	}
}
