package consumer

import (
	"strings"
	"sync"
	"time"
)

// joinEvictAge bounds how long an incomplete join stays in the in-process
// table, mirroring the broker's pending TTL.
const joinEvictAge = time.Hour

type (
	// joinTable is the in-process view of a role's incomplete joins. The
	// durable join state lives in broker pending hashes; the table only
	// tracks arrival counts for back-pressure, first-arrival times for the
	// join latency metric and a busy set so a message is never computed by
	// two goroutines of the same process at once.
	joinTable struct {
		mu   sync.Mutex
		open map[string]*joinState
		load map[string]int
		busy map[string]bool
	}

	joinState struct {
		first   time.Time
		streams map[string]int
	}
)

func newJoinTable() *joinTable {
	return &joinTable{
		open: map[string]*joinState{},
		load: map[string]int{},
		busy: map[string]bool{},
	}
}

// arrived records one sub-stream delivery for an incomplete join.
func (t *joinTable) arrived(stream, msgID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	js := t.open[msgID]
	if js == nil {
		js = &joinState{first: time.Now(), streams: map[string]int{}}
		t.open[msgID] = js
	}
	js.streams[stream]++
	t.load[stream]++
}

// close drops the join and returns its first-arrival time for latency
// accounting.
func (t *joinTable) close(msgID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	js := t.open[msgID]
	if js == nil {
		return time.Time{}, false
	}
	for s, n := range js.streams {
		if t.load[s] -= n; t.load[s] <= 0 {
			delete(t.load, s)
		}
	}
	delete(t.open, msgID)
	return js.first, true
}

// size returns the number of open joins.
func (t *joinTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// busiest returns the stream contributing the most deliveries to open joins.
func (t *joinTable) busiest() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stream, max := "", 0
	for s, n := range t.load {
		if n > max {
			stream, max = s, n
		}
	}
	return stream, stream != ""
}

// acquire marks a message as being computed; it returns false when another
// goroutine already holds it.
func (t *joinTable) acquire(msgID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busy[msgID] {
		return false
	}
	t.busy[msgID] = true
	return true
}

// release clears the busy mark set by acquire.
func (t *joinTable) release(msgID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.busy, msgID)
}

// evictBefore drops joins whose first arrival precedes the cutoff. The
// durable pending hash has its own TTL; this only bounds the in-process
// table when a join never completes.
func (t *joinTable) evictBefore(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, js := range t.open {
		if js.first.Before(cutoff) {
			for s, c := range js.streams {
				if t.load[s] -= c; t.load[s] <= 0 {
					delete(t.load, s)
				}
			}
			delete(t.open, id)
			n++
		}
	}
	return n
}

// pauseBusiest filters the read set once the join table exceeds maxOpen,
// dropping the sub-stream feeding the most incomplete joins so the lagging
// dependencies can catch up. At least one stream always stays readable.
func pauseBusiest(all []string, t *joinTable, maxOpen int) []string {
	if len(all) <= 1 || t.size() < maxOpen {
		return all
	}
	stream, ok := t.busiest()
	if !ok {
		return all
	}
	out := make([]string, 0, len(all)-1)
	for _, s := range all {
		if s != stream {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return all
	}
	return out
}

// haveAll reports whether every required field is present in the join.
func haveAll[V any](values map[string]V, required []string) bool {
	for _, f := range required {
		if _, ok := values[f]; !ok {
			return false
		}
	}
	return true
}

// keySet converts a field name list to a set for haveAll.
func keySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// subStreamField recovers the field name from a sub-stream name.
func subStreamField(stream, report string) string {
	return strings.TrimPrefix(stream, report+":")
}
