// Package consumer implements the stream-processing roles of the engine.
// Splitters normalize raw input records into per-field sub-streams,
// generators join an artificial field's dependencies by message identity and
// invoke the user computation once per message, and resolvers assemble
// complete output records. Every role is a long-running consumer-group
// member with at-least-once delivery; idempotency guards in the broker make
// redelivery safe.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"goa.design/brook/broker"
	"goa.design/brook/retry"
	"goa.design/brook/telemetry"
)

type (
	// Broker is the adapter surface the roles consume. *broker.Broker
	// implements it; tests substitute an in-memory fake.
	Broker interface {
		Layout() broker.Layout
		CreateGroup(ctx context.Context, stream, group string) error
		ReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]broker.Entry, error)
		Ack(ctx context.Context, stream, group string, ids ...string) error
		Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]broker.Entry, error)
		Append(ctx context.Context, stream string, values map[string]string) (string, error)
		AppendBatch(ctx context.Context, batch []broker.StreamEntry) error
		NextMessageID(ctx context.Context, report, entryID, sourceID string) (string, bool, error)
		PushHistory(ctx context.Context, sourceID, field string, seq uint64, value broker.Value, cap int, force bool) (broker.PushStatus, error)
		HistoryWindow(ctx context.Context, sourceID, field string, beforeSeq uint64, k int) ([]broker.Value, error)
		WaitHistory(ctx context.Context, sourceID, field string, beforeSeq uint64, timeout time.Duration) error
		AddPending(ctx context.Context, consumer, messageID, field string, value broker.Value) ([]string, error)
		Pending(ctx context.Context, consumer, messageID string) (map[string]broker.Value, error)
		DeletePending(ctx context.Context, consumer, messageID string) error
		ScanPending(ctx context.Context, consumer string, fn func(messageID string) error) error
		PublishOnce(ctx context.Context, consumer, messageID, stream, channel, payload string, fields map[string]string) (bool, error)
		Published(ctx context.Context, consumer, messageID string) (bool, error)
		MoveToDLQ(ctx context.Context, report string, rec broker.DLQRecord) error
	}

	// Options configures a role. Broker is required; everything else
	// defaults.
	Options struct {
		// Broker is the stream and KV adapter. Required.
		Broker Broker
		// Logger receives structured progress and failure logs. Defaults to
		// a no-op logger.
		Logger telemetry.Logger
		// Metrics receives engine counters and timers. Defaults to a no-op
		// sink.
		Metrics telemetry.Metrics
		// ReadCount bounds the entries fetched per consumer-group read.
		ReadCount int64
		// ReadBlock bounds how long a read blocks when no entries are ready.
		// Short enough to keep the loop responsive to shutdown.
		ReadBlock time.Duration
		// ClaimInterval is how often entries stuck with dead consumers of
		// the same group are claimed and reprocessed.
		ClaimInterval time.Duration
		// ClaimMinIdle is how long an entry must sit unacknowledged before
		// it is considered stuck.
		ClaimMinIdle time.Duration
		// SweepInterval is how often generators and resolvers re-drive
		// persisted joins whose emit never happened before a crash.
		SweepInterval time.Duration
		// HistoryWait bounds how long a generator waits for the previous
		// message's history push before proceeding with a null-padded
		// window.
		HistoryWait time.Duration
		// ComputeSlots bounds concurrent user computations per generator so
		// slow fields cannot exhaust the process.
		ComputeSlots int
		// MaxPending caps incomplete joins held by a generator or resolver;
		// above the cap, reads pause on the sub-stream feeding the most
		// incomplete joins until the backlog drains.
		MaxPending int
		// Retry shapes backoff for transient broker failures.
		Retry retry.Config
	}
)

// Defaults applied when the corresponding option is zero.
const (
	DefaultReadCount     = int64(100)
	DefaultReadBlock     = 2 * time.Second
	DefaultClaimInterval = time.Minute
	DefaultClaimMinIdle  = time.Minute
	DefaultSweepInterval = time.Minute
	DefaultHistoryWait   = 30 * time.Second
	DefaultComputeSlots  = 16
	DefaultMaxPending    = 1024
)

// Runner is a long-running consumer role. The worker runtime starts N
// runners per role, all sharing the role's consumer group.
type Runner interface {
	// Group names the consumer group the runner joins.
	Group() string
	// Run processes entries under the given consumer name until ctx ends.
	// A nil return means clean shutdown; reads stop immediately but the
	// in-flight batch finishes its broker writes first.
	Run(ctx context.Context, consumer string) error
}

// ConsumerName derives a broker consumer name unique to one runner instance.
func ConsumerName(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return role + "-" + host + "-" + uuid.NewString()[:8]
}

// core carries the state shared by all roles.
type core struct {
	opts    Options
	b       Broker
	log     telemetry.Logger
	metrics telemetry.Metrics
	layout  broker.Layout
}

func newCore(opts Options) (core, error) {
	if opts.Broker == nil {
		return core{}, errors.New("broker is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.ReadCount <= 0 {
		opts.ReadCount = DefaultReadCount
	}
	if opts.ReadBlock <= 0 {
		opts.ReadBlock = DefaultReadBlock
	}
	if opts.ClaimInterval <= 0 {
		opts.ClaimInterval = DefaultClaimInterval
	}
	if opts.ClaimMinIdle <= 0 {
		opts.ClaimMinIdle = DefaultClaimMinIdle
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.HistoryWait <= 0 {
		opts.HistoryWait = DefaultHistoryWait
	}
	if opts.ComputeSlots <= 0 {
		opts.ComputeSlots = DefaultComputeSlots
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	return core{
		opts:    opts,
		b:       opts.Broker,
		log:     opts.Logger,
		metrics: opts.Metrics,
		layout:  opts.Broker.Layout(),
	}, nil
}

// loop drives one consumer: it creates the group on every stream, reads
// batches, dispatches entries and periodically claims entries stuck with
// dead group members. streams is re-evaluated each iteration so roles can
// pause overloaded sub-streams. tick, when non-nil, runs on the claim
// schedule for periodic duties such as re-driving persisted joins.
//
// Reads observe ctx so shutdown interrupts a blocking read, but entries
// already in hand are dispatched with an uncancelable context: finishing the
// batch keeps acks and idempotency markers consistent, and redelivery covers
// whatever a hard kill leaves behind.
func (c *core) loop(ctx context.Context, group, consumer string, streams func() []string, handle func(context.Context, broker.Entry), tick func(context.Context)) error {
	for _, s := range streams() {
		err := retry.Do(ctx, c.opts.Retry, func(ctx context.Context) error {
			return c.b.CreateGroup(ctx, s, group)
		})
		if err != nil {
			return fmt.Errorf("create group %s: %w", group, err)
		}
	}
	hctx := context.WithoutCancel(ctx)
	claim := time.NewTicker(c.opts.ClaimInterval)
	defer claim.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-claim.C:
			c.claimStale(hctx, group, consumer, streams(), handle)
			if tick != nil {
				tick(hctx)
			}
		default:
		}
		entries, err := c.b.ReadGroup(ctx, group, consumer, streams(), c.opts.ReadCount, c.opts.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error(ctx, "read failed", "group", group, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, e := range entries {
			handle(hctx, e)
		}
		if len(entries) > 0 && ctx.Err() != nil {
			return nil
		}
	}
}

// claimStale transfers entries stuck with dead consumers to this one and
// reprocesses them through the normal handler.
func (c *core) claimStale(ctx context.Context, group, consumer string, streams []string, handle func(context.Context, broker.Entry)) {
	for _, s := range streams {
		entries, err := c.b.Claim(ctx, s, group, consumer, c.opts.ClaimMinIdle, c.opts.ReadCount)
		if err != nil {
			c.log.Warn(ctx, "claim failed", "group", group, "stream", s, "err", err)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		c.log.Info(ctx, "claimed stale entries", "group", group, "stream", s, "count", len(entries))
		for _, e := range entries {
			handle(ctx, e)
		}
	}
}

// ack acknowledges one entry with transient-failure retries.
func (c *core) ack(ctx context.Context, group string, e broker.Entry) error {
	return retry.Do(ctx, c.opts.Retry, func(ctx context.Context) error {
		return c.b.Ack(ctx, e.Stream, group, e.ID)
	})
}
