package task

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/dtle-io/hbase-replicator/internal/event"
	"github.com/dtle-io/hbase-replicator/internal/metrics"
)

// testSink is an in-process Sink usable from within package task's own
// tests without importing the sink package (which itself depends on
// task for the Mutation type, and would otherwise form an import
// cycle). It mirrors sink.MemSink's semantics: every put is stored in
// a map keyed by the full cell address, so re-puts at the same address
// are idempotent.
type testSink struct {
	mu    sync.Mutex
	cells map[testCellKey]string
}

type testCellKey struct {
	table     string
	rowKey    string
	qualifier string
	timestamp int64
}

func newTestSink() *testSink { return &testSink{cells: make(map[testCellKey]string)} }

func (s *testSink) OpenConnection(ctx context.Context) error { return nil }

func (s *testSink) Table(name string) Table {
	return &testTable{sink: s, name: name}
}

func (s *testSink) Get(table string, rowKey []byte, qualifier string, timestamp int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cells[testCellKey{table, string(rowKey), qualifier, timestamp}]
	return v, ok
}

type testTable struct {
	sink *testSink
	name string
}

func (t *testTable) Put(ctx context.Context, mutations []Mutation) error {
	t.sink.mu.Lock()
	defer t.sink.mu.Unlock()
	for _, m := range mutations {
		t.sink.cells[testCellKey{t.name, string(m.RowKey), m.ColumnQualifier, m.Timestamp}] = m.Value
	}
	return nil
}

func testApplier(t *testing.T, poolSize int, chaos ChaosMonkey) (*Applier, *testSink) {
	t.Helper()
	ms := newTestSink()
	a := New(Options{
		PoolSize: poolSize,
		Sink:     ms,
		Chaos:    chaos,
		Metrics:  metrics.New(nil),
		Logger:   hclog.NewNullLogger(),
		NowFn:    func() int64 { return 0 },
	})
	return a, ms
}

// drainUntilEmpty reaps flush results until only the applier's current
// (buffering) task is left: a task cut always installs a fresh current
// task, so the live task count never drops below one.
func drainUntilEmpty(t *testing.T, a *Applier) {
	t.Helper()
	for a.LiveTaskCount() > 1 {
		if err := a.UpdateTaskStatuses(); err != nil {
			t.Fatalf("UpdateTaskStatuses: %v", err)
		}
	}
}

func mkRow(table string, rowKey string, commitMicros int64) event.AugmentedRow {
	v := "v"
	return event.AugmentedRow{
		Schema:       "s",
		Table:        table,
		Op:           event.OpInsert,
		CommitMicros: commitMicros,
		RowKey:       []byte(rowKey),
		Cells:        map[string]event.CellChange{"a": {New: &v}},
	}
}

func TestApplierBufferAndFlushOneRow(t *testing.T) {
	a, ms := testApplier(t, 2, nil)

	if _, err := a.OpenTransaction(); err != nil {
		t.Fatalf("OpenTransaction: %v", err)
	}
	if err := a.BufferAugmentedRow(mkRow("orders", "pk1", 100), ""); err != nil {
		t.Fatalf("BufferAugmentedRow: %v", err)
	}
	if err := a.MarkCurrentTransactionForCommit(0, false); err != nil {
		t.Fatalf("MarkCurrentTransactionForCommit: %v", err)
	}
	if err := a.MarkCurrentTaskAsReadyAndCreateNewUUIDBuffer(); err != nil {
		t.Fatalf("task cut: %v", err)
	}
	if err := a.SubmitTasksThatAreReadyForPickUp(); err != nil {
		t.Fatalf("submit: %v", err)
	}

	drainUntilEmpty(t, a)

	if _, ok := ms.Get("orders", []byte("pk1"), RowStatusQualifier, 100); !ok {
		t.Fatalf("row status cell missing after flush")
	}
	if v, ok := ms.Get("orders", []byte("pk1"), "d:a", 100); !ok || v != "v" {
		t.Fatalf("column cell missing or wrong: %v %v", v, ok)
	}
}

func TestApplierPushMutationWithoutOpenTransactionIsInvariantViolation(t *testing.T) {
	a, _ := testApplier(t, 2, nil)
	err := a.BufferAugmentedRow(mkRow("orders", "pk1", 1), "")
	if !IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestApplierSecondOpenTransactionIsInvariantViolation(t *testing.T) {
	a, _ := testApplier(t, 2, nil)
	if _, err := a.OpenTransaction(); err != nil {
		t.Fatalf("first OpenTransaction: %v", err)
	}
	if _, err := a.OpenTransaction(); !IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation on second BEGIN, got %v", err)
	}
}

func TestApplierTaskCutCarriesOpenTransactionForward(t *testing.T) {
	a, _ := testApplier(t, 2, nil)

	txID, err := a.OpenTransaction()
	if err != nil {
		t.Fatalf("OpenTransaction: %v", err)
	}
	if err := a.BufferAugmentedRow(mkRow("orders", "pk1", 1), ""); err != nil {
		t.Fatalf("BufferAugmentedRow: %v", err)
	}

	// Cut the task mid-transaction, as a forced flush (e.g. on binlog
	// rotate) would: the current transaction is still OPEN.
	if err := a.MarkCurrentTaskAsReadyAndCreateNewUUIDBuffer(); err != nil {
		t.Fatalf("task cut: %v", err)
	}
	if a.currentTxID != txID {
		t.Fatalf("expected open transaction %s carried forward, got %s", txID, a.currentTxID)
	}

	// Buffering into the new task under the carried-forward transaction
	// must still work.
	if err := a.BufferAugmentedRow(mkRow("orders", "pk2", 2), ""); err != nil {
		t.Fatalf("BufferAugmentedRow after cut: %v", err)
	}
}

func TestApplierDeltaTableGetsDatePrefixedCopy(t *testing.T) {
	a, ms := testApplier(t, 2, nil)

	if _, err := a.OpenTransaction(); err != nil {
		t.Fatalf("OpenTransaction: %v", err)
	}
	// 2024-01-02T00:00:00Z in microseconds.
	commitMicros := int64(1704153600) * 1_000_000
	if err := a.BufferAugmentedRow(mkRow("orders", "pk1", commitMicros), "orders_delta"); err != nil {
		t.Fatalf("BufferAugmentedRow: %v", err)
	}
	if err := a.MarkCurrentTransactionForCommit(0, false); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := a.MarkCurrentTaskAsReadyAndCreateNewUUIDBuffer(); err != nil {
		t.Fatalf("task cut: %v", err)
	}
	if err := a.SubmitTasksThatAreReadyForPickUp(); err != nil {
		t.Fatalf("submit: %v", err)
	}
	drainUntilEmpty(t, a)

	deltaKey := []byte("20240102\x00pk1")
	if _, ok := ms.Get("orders_delta", deltaKey, RowStatusQualifier, commitMicros); !ok {
		t.Fatalf("delta row missing")
	}
}

func TestApplierChaosExceptionRequeuesTask(t *testing.T) {
	tries := 0
	chaos := &ScriptedChaos{
		AfterSubmissionFn: func() Outcome {
			tries++
			if tries == 1 {
				return OutcomeException
			}
			return OutcomeNone
		},
	}
	a, ms := testApplier(t, 2, chaos)

	if _, err := a.OpenTransaction(); err != nil {
		t.Fatalf("OpenTransaction: %v", err)
	}
	if err := a.BufferAugmentedRow(mkRow("orders", "pk1", 1), ""); err != nil {
		t.Fatalf("BufferAugmentedRow: %v", err)
	}
	if err := a.MarkCurrentTransactionForCommit(0, false); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := a.MarkCurrentTaskAsReadyAndCreateNewUUIDBuffer(); err != nil {
		t.Fatalf("task cut: %v", err)
	}

	if err := a.SubmitTasksThatAreReadyForPickUp(); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := drainOne(a); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// The failed task must have been requeued, buffers intact, ready to
	// be resubmitted and eventually flushed.
	if err := a.SubmitTasksThatAreReadyForPickUp(); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	drainUntilEmpty(t, a)

	if _, ok := ms.Get("orders", []byte("pk1"), RowStatusQualifier, 1); !ok {
		t.Fatalf("row missing after requeue and resubmit")
	}
}

// TestApplierChaosSilentFailureRequeuesTask covers the OutcomeSilentFailure
// flavour at the AfterSubmission checkpoint, the one combination a real
// chaos-injected failure must still reconcile as an ordinary retry
// rather than an invariant violation.
func TestApplierChaosSilentFailureRequeuesTask(t *testing.T) {
	tries := 0
	chaos := &ScriptedChaos{
		AfterSubmissionFn: func() Outcome {
			tries++
			if tries == 1 {
				return OutcomeSilentFailure
			}
			return OutcomeNone
		},
	}
	a, ms := testApplier(t, 2, chaos)

	if _, err := a.OpenTransaction(); err != nil {
		t.Fatalf("OpenTransaction: %v", err)
	}
	if err := a.BufferAugmentedRow(mkRow("orders", "pk1", 1), ""); err != nil {
		t.Fatalf("BufferAugmentedRow: %v", err)
	}
	if err := a.MarkCurrentTransactionForCommit(0, false); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := a.MarkCurrentTaskAsReadyAndCreateNewUUIDBuffer(); err != nil {
		t.Fatalf("task cut: %v", err)
	}

	if err := a.SubmitTasksThatAreReadyForPickUp(); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := drainOne(a); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if err := a.SubmitTasksThatAreReadyForPickUp(); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	drainUntilEmpty(t, a)

	if _, ok := ms.Get("orders", []byte("pk1"), RowStatusQualifier, 1); !ok {
		t.Fatalf("row missing after requeue and resubmit")
	}
}

func drainOne(a *Applier) error {
	res := <-a.results
	return a.reconcile(res)
}

func TestApplierSubmitEmptyReadyTaskIsInvariantViolation(t *testing.T) {
	a, _ := testApplier(t, 2, nil)
	empty := newTask()
	empty.SetStatus(ReadyForPickUp)
	a.tasks[empty.ID] = empty

	err := a.SubmitTasksThatAreReadyForPickUp()
	if !IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestApplierBackpressureBlocksUntilPoolDrains(t *testing.T) {
	a, _ := testApplier(t, 1, nil)

	// Fill one extra task beyond pool size so the next cut must wait;
	// waitForBackpressure drives submission and reaping itself while it
	// waits, so this returns once the flush pool catches up rather than
	// hanging forever.
	if _, err := a.OpenTransaction(); err != nil {
		t.Fatalf("OpenTransaction: %v", err)
	}
	if err := a.BufferAugmentedRow(mkRow("orders", "pk1", 1), ""); err != nil {
		t.Fatalf("buffer: %v", err)
	}
	if err := a.MarkCurrentTransactionForCommit(0, false); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := a.MarkCurrentTaskAsReadyAndCreateNewUUIDBuffer(); err != nil {
		t.Fatalf("first cut: %v", err)
	}
	if a.LiveTaskCount() > a.poolSize+1 {
		t.Fatalf("live task count %d exceeds pool size + 1", a.LiveTaskCount())
	}

	if err := a.MarkCurrentTaskAsReadyAndCreateNewUUIDBuffer(); err != nil {
		t.Fatalf("second cut: %v", err)
	}
	if a.LiveTaskCount() > a.poolSize+1 {
		t.Fatalf("live task count %d exceeds pool size + 1 after second cut", a.LiveTaskCount())
	}
}

func TestIsInvariantViolationDoesNotMatchOtherErrors(t *testing.T) {
	if IsInvariantViolation(errors.New("boom")) {
		t.Fatalf("plain error misclassified as invariant violation")
	}
}
