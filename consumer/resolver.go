package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/brook"
	"goa.design/brook/broker"
	"goa.design/brook/retry"
	"goa.design/brook/telemetry"
)

// Resolver assembles one output report. It joins the sub-streams of every
// referenced field with the same discipline as a generator but terminally:
// once all fields arrived for a message it emits a complete JSON record to
// the output stream and publishes it on the output channel, both behind a
// single publish-once marker.
type Resolver struct {
	core
	output  *brook.OutputPlan
	group   string
	sources []string
	joins   *joinTable
}

// NewResolver builds the resolver role for one output report of the plan.
func NewResolver(opts Options, plan *brook.Plan, output *brook.OutputPlan) (*Resolver, error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, fmt.Errorf("resolver %s: %w", output.Name, err)
	}
	if c.layout.Separator != plan.Separator {
		return nil, fmt.Errorf("resolver %s: broker separator %q does not match plan separator %q", output.Name, c.layout.Separator, plan.Separator)
	}
	return &Resolver{
		core:    c,
		output:  output,
		group:   c.layout.ResolverGroup(output.Name),
		sources: output.Sources(),
		joins:   newJoinTable(),
	}, nil
}

// Group names the resolver's consumer group.
func (r *Resolver) Group() string { return r.group }

// Run consumes the output's field sub-streams until ctx ends.
func (r *Resolver) Run(ctx context.Context, consumer string) error {
	r.log.Info(ctx, "resolver started", "output", r.output.Name, "report", r.output.Report, "consumer", consumer)
	defer r.log.Info(context.WithoutCancel(ctx), "resolver stopped", "output", r.output.Name, "consumer", consumer)
	r.sweep(ctx)
	return r.loop(ctx, r.group, consumer, r.readStreams, r.handle, r.sweep)
}

func (r *Resolver) readStreams() []string {
	return pauseBusiest(r.output.ReadStreams(r.layout), r.joins, r.opts.MaxPending)
}

// handle folds one field delivery into the persisted join and emits the
// record once every referenced field is present.
func (r *Resolver) handle(ctx context.Context, e broker.Entry) {
	field := subStreamField(e.Stream, r.output.Report)
	msgID, ok := e.Value(broker.MessageIDField)
	if !ok {
		r.dlqEntry(ctx, e, errors.New("missing message id"))
		return
	}
	raw, _ := e.Value(broker.ValueField)
	v, err := broker.ParseValue(raw)
	if err != nil {
		r.dlqEntry(ctx, e, fmt.Errorf("field %s: %w", field, err))
		return
	}

	var have []string
	err = retry.Do(ctx, r.opts.Retry, func(ctx context.Context) error {
		var err error
		have, err = r.b.AddPending(ctx, r.output.Name, msgID, field, v)
		return err
	})
	if err != nil {
		r.log.Error(ctx, "join update failed", "output", r.output.Name, "msg", msgID, "err", err)
		return
	}
	r.joins.arrived(e.Stream, msgID)
	if haveAll(keySet(have), r.sources) {
		r.emit(ctx, msgID)
	}
	if err := r.ack(ctx, r.group, e); err != nil {
		r.log.Warn(ctx, "ack failed", "output", r.output.Name, "entry", e.ID, "err", err)
		return
	}
	r.metrics.IncCounter(telemetry.MetricProcessed, 1, "consumer", r.group)
}

// emit assembles and publishes the output record for one message. Emission
// failures leave the join in place for the sweep.
func (r *Resolver) emit(ctx context.Context, msgID string) {
	if !r.joins.acquire(msgID) {
		return
	}
	defer r.joins.release(msgID)
	src, _, err := r.layout.SplitMessageID(msgID)
	if err != nil {
		r.log.Error(ctx, "malformed message id", "output", r.output.Name, "msg", msgID, "err", err)
		return
	}
	if done, err := r.b.Published(ctx, r.output.Name, msgID); err == nil && done {
		_ = r.b.DeletePending(ctx, r.output.Name, msgID)
		r.joins.close(msgID)
		return
	}
	values, err := r.b.Pending(ctx, r.output.Name, msgID)
	if err != nil {
		r.log.Error(ctx, "join read failed", "output", r.output.Name, "msg", msgID, "err", err)
		return
	}
	if !haveAll(values, r.sources) {
		return
	}

	doc := make(map[string]any, len(r.output.Fields)+2)
	flat := make(map[string]string, len(r.output.Fields)+2)
	for _, of := range r.output.Fields {
		v := values[of.From]
		doc[of.Name] = v
		flat[of.Name] = v.String()
	}
	doc[broker.MessageIDField] = msgID
	doc[broker.SourceField] = src
	flat[broker.MessageIDField] = msgID
	flat[broker.SourceField] = src
	payload, err := json.Marshal(doc)
	if err != nil {
		r.log.Error(ctx, "encode record failed", "output", r.output.Name, "msg", msgID, "err", err)
		return
	}

	err = retry.Do(ctx, r.opts.Retry, func(ctx context.Context) error {
		_, err := r.b.PublishOnce(ctx, r.output.Name, msgID,
			r.layout.OutputStream(r.output.Name), r.layout.OutputChannel(r.output.Name),
			string(payload), flat)
		return err
	})
	if err != nil {
		r.log.Error(ctx, "emit failed", "output", r.output.Name, "msg", msgID, "err", err)
		return
	}
	if err := retry.Do(ctx, r.opts.Retry, func(ctx context.Context) error {
		return r.b.DeletePending(ctx, r.output.Name, msgID)
	}); err != nil {
		r.log.Warn(ctx, "pending cleanup failed", "output", r.output.Name, "msg", msgID, "err", err)
	}
	if first, ok := r.joins.close(msgID); ok {
		r.metrics.RecordTimer(telemetry.MetricJoinLatency, time.Since(first), "consumer", r.group)
	}
	r.metrics.IncCounter(telemetry.MetricPublished, 1, "consumer", r.group)
}

func (r *Resolver) dlqEntry(ctx context.Context, e broker.Entry, cause error) {
	rec := broker.DLQRecord{Err: cause.Error(), Payload: e.Values}
	err := retry.Do(ctx, r.opts.Retry, func(ctx context.Context) error {
		return r.b.MoveToDLQ(ctx, r.output.Report, rec)
	})
	if err != nil {
		r.log.Error(ctx, "dead letter failed", "output", r.output.Name, "entry", e.ID, "err", err)
		return
	}
	r.log.Warn(ctx, "entry dead lettered", "output", r.output.Name, "entry", e.ID, "cause", cause.Error())
	r.metrics.IncCounter(telemetry.MetricDLQ, 1, "consumer", r.group)
	if err := r.ack(ctx, r.group, e); err != nil {
		r.log.Warn(ctx, "ack failed", "output", r.output.Name, "entry", e.ID, "err", err)
	}
}

// sweep re-drives persisted joins that are complete but unemitted.
func (r *Resolver) sweep(ctx context.Context) {
	r.metrics.RecordGauge(telemetry.MetricPendingJoins, float64(r.joins.size()), "consumer", r.group)
	r.joins.evictBefore(time.Now().Add(-joinEvictAge))
	err := r.b.ScanPending(ctx, r.output.Name, func(msgID string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := r.b.Pending(ctx, r.output.Name, msgID)
		if err != nil || !haveAll(values, r.sources) {
			return nil
		}
		r.emit(ctx, msgID)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		r.log.Warn(ctx, "pending sweep failed", "output", r.output.Name, "err", err)
	}
}
