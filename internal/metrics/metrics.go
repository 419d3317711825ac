// Package metrics implements the three-store metrics registry from
// spec §4.5: per-second time-bucketed counters, per-table totals, and a
// stable counter-id -> name registry.
package metrics

import (
	"sort"
	"sync"

	armonmetrics "github.com/armon/go-metrics"
)

// CounterID is a stable identifier for one counter kind.
type CounterID int

const (
	BinlogEventsObserved CounterID = iota
	RowOpsReceived
	TasksSubmitted
	TasksInProgress
	TasksSucceeded
	TasksFailed
	RowOpsCommitted
	ReplicationDelaySeconds
	TaskQueueSize
)

var names = map[CounterID]string{
	BinlogEventsObserved:    "binlog_events_observed",
	RowOpsReceived:          "row_ops_received",
	TasksSubmitted:          "tasks_submitted",
	TasksInProgress:         "tasks_in_progress",
	TasksSucceeded:          "tasks_succeeded",
	TasksFailed:             "tasks_failed",
	RowOpsCommitted:         "row_ops_committed",
	ReplicationDelaySeconds: "replication_delay_seconds",
	TaskQueueSize:           "task_queue_size",
}

// Name returns the stable string name for a counter id.
func Name(id CounterID) string {
	if n, ok := names[id]; ok {
		return n
	}
	return "unknown"
}

// Bucket is one second's worth of counters, drained by the overseer.
type Bucket struct {
	EpochSecond int64
	Values      map[CounterID]int64
}

// Registry is the metrics registry. All methods are safe for
// concurrent use: incrementing the current bucket and draining a past
// bucket never touch the same second (spec §4.5).
type Registry struct {
	mu          sync.Mutex
	buckets     map[int64]map[CounterID]int64
	tableTotals map[string]map[CounterID]int64

	// armon go-metrics gets a live, best-effort mirror of every
	// increment, giving the teacher's own in-process gauge/counter
	// client a home independent of the once-per-second overseer drain
	// (SPEC_FULL §4.4).
	armon *armonmetrics.Metrics
}

func New(armon *armonmetrics.Metrics) *Registry {
	return &Registry{
		buckets:     make(map[int64]map[CounterID]int64),
		tableTotals: make(map[string]map[CounterID]int64),
		armon:       armon,
	}
}

// Incr ensures the bucket for epochSecond exists, then atomically
// increments one counter in it.
func (r *Registry) Incr(epochSecond int64, id CounterID, delta int64) {
	r.mu.Lock()
	b, ok := r.buckets[epochSecond]
	if !ok {
		b = make(map[CounterID]int64)
		r.buckets[epochSecond] = b
	}
	b[id] += delta
	r.mu.Unlock()

	r.mirrorArmon(id, delta)
}

// Set overwrites one counter in the bucket for epochSecond — used for
// the task_queue_size gauge, which reports a level rather than a delta.
func (r *Registry) Set(epochSecond int64, id CounterID, value int64) {
	r.mu.Lock()
	b, ok := r.buckets[epochSecond]
	if !ok {
		b = make(map[CounterID]int64)
		r.buckets[epochSecond] = b
	}
	b[id] = value
	r.mu.Unlock()

	if r.armon != nil {
		r.armon.SetGauge([]string{Name(id)}, float32(value))
	}
}

func (r *Registry) mirrorArmon(id CounterID, delta int64) {
	if r.armon == nil {
		return
	}
	r.armon.IncrCounter([]string{Name(id)}, float32(delta))
}

// IncrTable adds to one table's running total, updated on task success
// (spec §4.5 store 2).
func (r *Registry) IncrTable(table string, id CounterID, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tableTotals[table]
	if !ok {
		t = make(map[CounterID]int64)
		r.tableTotals[table] = t
	}
	t[id] += delta
}

// TableTotals returns a snapshot of every table's running totals.
func (r *Registry) TableTotals() map[string]map[CounterID]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[CounterID]int64, len(r.tableTotals))
	for table, counters := range r.tableTotals {
		c := make(map[CounterID]int64, len(counters))
		for id, v := range counters {
			c[id] = v
		}
		out[table] = c
	}
	return out
}

// DrainBefore removes and returns every bucket strictly older than
// `now` (epoch seconds), in ascending time order, exactly once. Safe to
// call concurrently with Incr targeting the *current* second, since
// draining never touches a bucket that could still receive increments.
func (r *Registry) DrainBefore(now int64) []Bucket {
	r.mu.Lock()
	var seconds []int64
	for sec := range r.buckets {
		if sec < now {
			seconds = append(seconds, sec)
		}
	}
	sort.Slice(seconds, func(i, j int) bool { return seconds[i] < seconds[j] })

	drained := make([]Bucket, 0, len(seconds))
	for _, sec := range seconds {
		drained = append(drained, Bucket{EpochSecond: sec, Values: r.buckets[sec]})
		delete(r.buckets, sec)
	}
	r.mu.Unlock()
	return drained
}
