package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/dtle-io/hbase-replicator/internal/task"
)

// cellKey addresses one versioned cell: table, row key, qualifier and
// timestamp, matching the four-part addressing scheme mutations use.
type cellKey struct {
	table     string
	rowKey    string
	qualifier string
	timestamp int64
}

// MemSink is an in-process reference Sink: every put is stored in a
// map keyed by the full cell address, so re-puts at the same address
// are idempotent (last write at a given timestamp wins, matching how a
// real column store treats a duplicate write at the same version).
type MemSink struct {
	mu    sync.Mutex
	cells map[cellKey]string
	// PutHook, if set, is invoked synchronously inside Put before the
	// write is applied; tests use it to inject sink-level failures.
	PutHook func(table string, mutations []task.Mutation) error
}

func NewMemSink() *MemSink {
	return &MemSink{cells: make(map[cellKey]string)}
}

func (s *MemSink) OpenConnection(ctx context.Context) error { return nil }

func (s *MemSink) Table(name string) task.Table {
	return &memTable{sink: s, name: name}
}

// Get returns the value most recently written for one cell, and
// whether it exists at all — used by tests asserting final sink state.
func (s *MemSink) Get(table string, rowKey []byte, qualifier string, timestamp int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cells[cellKey{table, string(rowKey), qualifier, timestamp}]
	return v, ok
}

// Snapshot returns a deep copy of all stored cells, for equality checks
// between two independent replay runs (spec §8 property 2).
func (s *MemSink) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.cells))
	for k, v := range s.cells {
		out[fmt.Sprintf("%s|%s|%s|%d", k.table, k.rowKey, k.qualifier, k.timestamp)] = v
	}
	return out
}

type memTable struct {
	sink *MemSink
	name string
}

func (t *memTable) Put(ctx context.Context, mutations []task.Mutation) error {
	if t.sink.PutHook != nil {
		if err := t.sink.PutHook(t.name, mutations); err != nil {
			return err
		}
	}
	t.sink.mu.Lock()
	defer t.sink.mu.Unlock()
	for _, m := range mutations {
		t.sink.cells[cellKey{t.name, string(m.RowKey), m.ColumnQualifier, m.Timestamp}] = m.Value
	}
	return nil
}
