// Package worker hosts the engine's consumer roles. A Manager takes a
// compiled plan and runs one splitter role per input report, one generator
// role per artificial field and one resolver role per output report, each
// realized by N goroutines sharing the role's consumer group. Shutdown is
// cooperative: reads stop immediately, in-flight batches drain within a
// bounded window.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/brook"
	"goa.design/brook/broker"
	"goa.design/brook/consumer"
	"goa.design/brook/telemetry"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultWorkers      = 4
	DefaultDrainTimeout = 10 * time.Second
)

type (
	// Options configures a Manager.
	Options struct {
		// Broker is the shared broker handle. Required.
		Broker *broker.Broker
		// Logger receives worker lifecycle and role logs. Defaults to a
		// no-op logger.
		Logger telemetry.Logger
		// Metrics receives engine counters. Defaults to a no-op sink.
		Metrics telemetry.Metrics
		// DefaultWorkers is the per-role concurrency when Workers has no
		// entry for the role's group.
		DefaultWorkers int
		// Workers overrides concurrency per consumer group name. A zero
		// count disables the role on this process.
		Workers map[string]int
		// DrainTimeout bounds how long Run waits for in-flight batches and
		// computations after shutdown begins.
		DrainTimeout time.Duration
		// PresenceName is the replicated map this worker advertises in.
		// Empty uses DefaultPresenceName; DisablePresence turns it off.
		PresenceName string
		// DisablePresence skips fleet advertisement entirely.
		DisablePresence bool
		// Consumer tunes the role loops: batch sizes, claim cadence, history
		// wait, compute pool. Broker, Logger and Metrics are overridden with
		// the manager's own.
		Consumer consumer.Options
	}

	// Manager supervises the consumer roles of one compiled plan.
	Manager struct {
		plan    *brook.Plan
		opts    Options
		log     telemetry.Logger
		runners []consumer.Runner
	}
)

// New builds the manager and every role of the plan.
func New(plan *brook.Plan, opts Options) (*Manager, error) {
	if plan == nil {
		return nil, errors.New("plan is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.DefaultWorkers <= 0 {
		opts.DefaultWorkers = DefaultWorkers
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	copts := opts.Consumer
	copts.Broker = opts.Broker
	copts.Logger = opts.Logger
	copts.Metrics = opts.Metrics

	var runners []consumer.Runner
	for _, in := range plan.Inputs {
		s, err := consumer.NewSplitter(copts, plan, in)
		if err != nil {
			return nil, err
		}
		runners = append(runners, s)
	}
	for _, f := range plan.Fields {
		g, err := consumer.NewGenerator(copts, plan, f)
		if err != nil {
			return nil, err
		}
		runners = append(runners, g)
	}
	for _, o := range plan.Outputs {
		r, err := consumer.NewResolver(copts, plan, o)
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}
	return &Manager{plan: plan, opts: opts, log: opts.Logger, runners: runners}, nil
}

// Roles lists the consumer groups this manager runs, in plan order.
func (m *Manager) Roles() []string {
	roles := make([]string, 0, len(m.runners))
	for _, r := range m.runners {
		roles = append(roles, r.Group())
	}
	return roles
}

// workersFor resolves the concurrency of one role.
func (m *Manager) workersFor(group string) int {
	if n, ok := m.opts.Workers[group]; ok {
		return n
	}
	return m.opts.DefaultWorkers
}

// Run starts every role and blocks until ctx ends or a role fails fatally.
// On shutdown the in-flight work drains within DrainTimeout.
func (m *Manager) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !m.opts.DisablePresence {
		presence, err := JoinPresence(runCtx, m.opts.PresenceName, m.opts.Broker.Redis(), m.log)
		if err != nil {
			m.log.Warn(ctx, "presence unavailable", "err", err)
		} else {
			defer presence.Close()
			go presence.Announce(runCtx, m.Roles())
		}
	}

	total := 0
	for _, r := range m.runners {
		total += m.workersFor(r.Group())
	}
	var wg sync.WaitGroup
	errc := make(chan error, total)
	for _, r := range m.runners {
		for i := 0; i < m.workersFor(r.Group()); i++ {
			wg.Add(1)
			go func(r consumer.Runner) {
				defer wg.Done()
				name := consumer.ConsumerName(r.Group())
				if err := r.Run(runCtx, name); err != nil {
					errc <- fmt.Errorf("%s: %w", r.Group(), err)
				}
			}(r)
		}
	}
	m.log.Info(ctx, "workers started", "roles", len(m.runners), "consumers", total)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-ctx.Done():
		m.log.Info(context.WithoutCancel(ctx), "shutting down workers")
	case err := <-errc:
		m.log.Error(ctx, "role failed", "err", err)
		errs = append(errs, err)
	case <-done:
	}
	cancel()
	select {
	case <-done:
	case <-time.After(m.opts.DrainTimeout):
		m.log.Warn(context.WithoutCancel(ctx), "worker drain timed out", "timeout", m.opts.DrainTimeout)
	}
	for {
		select {
		case err := <-errc:
			errs = append(errs, err)
		default:
			return errors.Join(errs...)
		}
	}
}
