package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"goa.design/brook/telemetry"
)

// DefaultPresenceName is the replicated map live workers advertise in.
const DefaultPresenceName = "brook:workers"

// presenceInterval is the heartbeat period; readers should treat a record
// older than a few intervals as a dead worker.
const presenceInterval = 15 * time.Second

type (
	// WorkerInfo is one worker's presence record.
	WorkerInfo struct {
		Host    string    `json:"host"`
		PID     int       `json:"pid"`
		Roles   []string  `json:"roles"`
		Started time.Time `json:"started"`
		Beat    time.Time `json:"beat"`
	}

	// Presence advertises a worker process in a Pulse replicated map and
	// lets any process snapshot the live fleet. The map is shared; each
	// worker owns one key and heartbeats it.
	Presence struct {
		m   *rmap.Map
		id  string
		log telemetry.Logger
	}
)

// JoinPresence joins the presence map. Pass the empty name for the default.
func JoinPresence(ctx context.Context, name string, rdb *redis.Client, logger telemetry.Logger) (*Presence, error) {
	if name == "" {
		name = DefaultPresenceName
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	m, err := rmap.Join(ctx, name, rdb)
	if err != nil {
		return nil, fmt.Errorf("join presence map %s: %w", name, err)
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Presence{m: m, id: host + "-" + uuid.NewString()[:8], log: logger}, nil
}

// ID returns the worker's presence key.
func (p *Presence) ID() string { return p.id }

// Announce registers this worker with its role list and heartbeats until ctx
// ends, then removes the record.
func (p *Presence) Announce(ctx context.Context, roles []string) {
	host, _ := os.Hostname()
	info := WorkerInfo{Host: host, PID: os.Getpid(), Roles: roles, Started: time.Now().UTC()}
	p.beat(ctx, info)
	t := time.NewTicker(presenceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			if _, err := p.m.Delete(cctx, p.id); err != nil {
				p.log.Warn(cctx, "presence removal failed", "worker", p.id, "err", err)
			}
			cancel()
			return
		case <-t.C:
			p.beat(ctx, info)
		}
	}
}

func (p *Presence) beat(ctx context.Context, info WorkerInfo) {
	info.Beat = time.Now().UTC()
	raw, err := json.Marshal(info)
	if err != nil {
		return
	}
	if _, err := p.m.Set(ctx, p.id, string(raw)); err != nil {
		p.log.Warn(ctx, "presence heartbeat failed", "worker", p.id, "err", err)
	}
}

// Workers snapshots the fleet, dropping records whose heartbeat is older
// than stale. Zero disables staleness filtering.
func (p *Presence) Workers(stale time.Duration) map[string]WorkerInfo {
	out := map[string]WorkerInfo{}
	for _, key := range p.m.Keys() {
		raw, ok := p.m.Get(key)
		if !ok {
			continue
		}
		var info WorkerInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			continue
		}
		if stale > 0 && time.Since(info.Beat) > stale {
			continue
		}
		out[key] = info
	}
	return out
}

// Close leaves the presence map.
func (p *Presence) Close() { p.m.Close() }
