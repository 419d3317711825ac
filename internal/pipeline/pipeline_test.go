package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dtle-io/hbase-replicator/internal/activeschema"
	"github.com/dtle-io/hbase-replicator/internal/augmenter"
	"github.com/dtle-io/hbase-replicator/internal/event"
	"github.com/dtle-io/hbase-replicator/internal/metrics"
	"github.com/dtle-io/hbase-replicator/internal/schemacache"
	"github.com/dtle-io/hbase-replicator/internal/sink"
	"github.com/dtle-io/hbase-replicator/internal/task"
)

// fakeActiveSchema serves one fixed table, the way a real active-schema
// database would once the table has been created against it.
type fakeActiveSchema struct {
	tables map[string]*activeschema.Table
}

var errTableNotFound = errors.New("table not found")

func (f *fakeActiveSchema) Columns(schema, table string) (*activeschema.Table, error) {
	t, ok := f.tables[schema+"."+table]
	if !ok {
		return nil, errTableNotFound
	}
	return t, nil
}

func (f *fakeActiveSchema) Close() error { return nil }

func widgetsTable() *activeschema.Table {
	return &activeschema.Table{
		Schema: "s",
		Name:   "widgets",
		Columns: []activeschema.Column{
			{Name: "id", Type: activeschema.TypeNumeric},
			{Name: "name", Type: activeschema.TypeText},
		},
		PKOrdinals: []int{0},
	}
}

type alwaysDelta struct{}

func (alwaysDelta) TracksDelta(schema, table string) bool { return true }

func testOrchestrator(t *testing.T, delta augmenter.DeltaPolicy) (*Orchestrator, *task.Applier, *sink.MemSink) {
	t.Helper()
	fas := &fakeActiveSchema{tables: map[string]*activeschema.Table{"s.widgets": widgetsTable()}}
	cache := schemacache.New(fas, hclog.NewNullLogger())
	aug := augmenter.New(cache, delta)

	ms := sink.NewMemSink()
	reg := metrics.New(nil)
	applier := task.New(task.Options{
		PoolSize: 2,
		Sink:     ms,
		Metrics:  reg,
		Logger:   hclog.NewNullLogger(),
		NowFn:    func() int64 { return 0 },
	})

	orch := New(Options{
		Applier:   applier,
		Augmenter: aug,
		Metrics:   reg,
		Logger:    hclog.NewNullLogger(),
		RowBudget: 1000,
		NowFn:     func() int64 { return 0 },
	})
	return orch, applier, ms
}

// drain pumps UpdateTaskStatuses until the live task count stops
// changing: unlike the task package's own drainUntilEmpty, the
// orchestrator always leaves one empty current task behind after a
// cut, so waiting for LiveTaskCount to reach zero would hang forever.
func drain(t *testing.T, a *task.Applier) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	stable, last := 0, -1
	for time.Now().Before(deadline) {
		if err := a.UpdateTaskStatuses(); err != nil {
			t.Fatalf("UpdateTaskStatuses: %v", err)
		}
		cur := a.LiveTaskCount()
		if cur == last {
			stable++
			if stable >= 5 {
				return
			}
		} else {
			stable = 0
		}
		last = cur
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("drain did not converge, live tasks=%d", a.LiveTaskCount())
}

func tableMapEvent() *event.Event {
	return &event.Event{
		Kind:     event.KindTableMap,
		TableMap: &event.TableMap{TableID: 1, Schema: "s", Table: "widgets"},
	}
}

func insertRowsEvent(epochSecond int64) *event.Event {
	return &event.Event{
		Kind:        event.KindRows,
		EpochSecond: epochSecond,
		Rows: &event.Rows{
			TableID: 1,
			Schema:  "s",
			Table:   "widgets",
			Op:      event.OpInsert,
			Rows:    []event.RawRow{{int64(1), "alice"}},
		},
	}
}

// TestOrchestratorInsertFlowsThroughToSink exercises scenario S1: BEGIN,
// TableMap, Rows(insert), COMMIT should flush one row through to the
// sink once the task is cut and submitted.
func TestOrchestratorInsertFlowsThroughToSink(t *testing.T) {
	orch, applier, ms := testOrchestrator(t, nil)

	for _, ev := range []*event.Event{
		{Kind: event.KindQuery, Query: &event.Query{Kind: event.QueryBegin}},
		tableMapEvent(),
		insertRowsEvent(100),
		{Kind: event.KindXid, Xid: &event.Xid{XID: 1}},
	} {
		if err := orch.HandleEvent(ev); err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
	}

	if err := orch.HandleEvent(&event.Event{Kind: event.KindRotate, Rotate: &event.Rotate{NextFile: "mysql-bin.000002"}}); err != nil {
		t.Fatalf("HandleEvent(rotate): %v", err)
	}
	drain(t, applier)

	v, ok := ms.Get("widgets", []byte("1"), "d:name", 100*1_000_000+1)
	if !ok {
		t.Fatalf("expected widgets row to be present in sink")
	}
	if v != "alice" {
		t.Fatalf("got %q, want %q", v, "alice")
	}
}

// TestOrchestratorDeltaTableGetsSecondCopy exercises the delta-table
// double-write path (spec §4.2) end-to-end through the orchestrator.
func TestOrchestratorDeltaTableGetsSecondCopy(t *testing.T) {
	orch, applier, ms := testOrchestrator(t, alwaysDelta{})

	for _, ev := range []*event.Event{
		{Kind: event.KindQuery, Query: &event.Query{Kind: event.QueryBegin}},
		tableMapEvent(),
		insertRowsEvent(200),
		{Kind: event.KindXid, Xid: &event.Xid{XID: 1}},
		{Kind: event.KindRotate, Rotate: &event.Rotate{NextFile: "mysql-bin.000002"}},
	} {
		if err := orch.HandleEvent(ev); err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
	}
	drain(t, applier)

	snap := ms.Snapshot()
	mainHit, deltaHit := false, false
	for k := range snap {
		if len(k) >= len("widgets|") && k[:len("widgets|")] == "widgets|" {
			mainHit = true
		}
		if len(k) >= len("widgets_") && k[:len("widgets_")] == "widgets_" {
			deltaHit = true
		}
	}
	if !mainHit || !deltaHit {
		t.Fatalf("expected both main and delta table writes, got keys %v", snap)
	}
}

// TestOrchestratorRowBudgetCutsMidTransaction exercises scenario S4: a
// transaction bigger than RowBudget gets split into two tasks before
// COMMIT is ever observed, with the still-OPEN transaction carried
// forward into the second task (spec §3).
func TestOrchestratorRowBudgetCutsMidTransaction(t *testing.T) {
	orch, applier, ms := testOrchestrator(t, nil)
	orch.rowBudget = 1

	if err := orch.HandleEvent(&event.Event{Kind: event.KindQuery, Query: &event.Query{Kind: event.QueryBegin}}); err != nil {
		t.Fatalf("HandleEvent(begin): %v", err)
	}
	if err := orch.HandleEvent(tableMapEvent()); err != nil {
		t.Fatalf("HandleEvent(tablemap): %v", err)
	}

	twoRows := &event.Event{
		Kind:        event.KindRows,
		EpochSecond: 400,
		Rows: &event.Rows{
			TableID: 1,
			Schema:  "s",
			Table:   "widgets",
			Op:      event.OpInsert,
			Rows:    []event.RawRow{{int64(1), "alice"}, {int64(2), "bob"}},
		},
	}
	if err := orch.HandleEvent(twoRows); err != nil {
		t.Fatalf("HandleEvent(rows): %v", err)
	}

	// The budget (1) was exceeded by the second row while the
	// transaction was still OPEN, so the cut must already have
	// happened — before any COMMIT/Xid was observed.
	if got := applier.LiveTaskCount(); got < 2 {
		t.Fatalf("expected a mid-transaction cut to leave at least 2 live tasks, got %d", got)
	}

	if err := orch.HandleEvent(&event.Event{Kind: event.KindXid, Xid: &event.Xid{XID: 1}}); err != nil {
		t.Fatalf("HandleEvent(xid): %v", err)
	}
	if err := orch.HandleEvent(&event.Event{Kind: event.KindRotate, Rotate: &event.Rotate{NextFile: "mysql-bin.000002"}}); err != nil {
		t.Fatalf("HandleEvent(rotate): %v", err)
	}
	drain(t, applier)

	if _, ok := ms.Get("widgets", []byte("1"), "d:name", 400*1_000_000+1); !ok {
		t.Fatalf("expected first row flushed from the pre-cut task")
	}
	if _, ok := ms.Get("widgets", []byte("2"), "d:name", 400*1_000_000+2); !ok {
		t.Fatalf("expected second row flushed from the post-cut task")
	}
}

// TestOrchestratorDuplicateRotateIsNoOp exercises scenario S6: an
// identical rotate to the file already current must not cut a task
// that has nothing buffered.
func TestOrchestratorDuplicateRotateIsNoOp(t *testing.T) {
	orch, applier, _ := testOrchestrator(t, nil)

	rotate := &event.Event{Kind: event.KindRotate, Rotate: &event.Rotate{NextFile: "mysql-bin.000001"}}
	if err := orch.HandleEvent(rotate); err != nil {
		t.Fatalf("HandleEvent(rotate 1): %v", err)
	}
	before := applier.LiveTaskCount()
	if err := orch.HandleEvent(rotate); err != nil {
		t.Fatalf("HandleEvent(rotate 2): %v", err)
	}
	if got := applier.LiveTaskCount(); got != before && got != 0 {
		t.Fatalf("duplicate rotate changed live task count unexpectedly: before=%d after=%d", before, got)
	}
}

// TestOrchestratorEndingBinlogFileStopsInclusive decides the spec's
// open question: EndingBinlogFileName is inclusive, and processing
// stops only once a rotate strictly past it is observed.
func TestOrchestratorEndingBinlogFileStopsInclusive(t *testing.T) {
	orch, _, _ := testOrchestrator(t, nil)
	orch.endingBinlogFileName = "mysql-bin.000002"

	if err := orch.HandleEvent(&event.Event{Kind: event.KindRotate, Rotate: &event.Rotate{NextFile: "mysql-bin.000002"}}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if orch.Stopped() {
		t.Fatalf("orchestrator stopped on the ending file itself, want inclusive processing")
	}

	if err := orch.HandleEvent(&event.Event{Kind: event.KindRotate, Rotate: &event.Rotate{NextFile: "mysql-bin.000003"}}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if !orch.Stopped() {
		t.Fatalf("expected orchestrator to stop once past the ending file")
	}
}

// TestOrchestratorDDLInvalidatesSchema exercises the schema-change path:
// after a DDL against widgets, the next insert should still resolve
// successfully because the cache simply re-fetches from the active
// schema (spec §4.1).
func TestOrchestratorDDLInvalidatesSchema(t *testing.T) {
	orch, applier, _ := testOrchestrator(t, nil)
	seen := false
	orch.onSchemaChange = func(sc *event.SchemaChange) { seen = true }

	ddl := &event.Event{
		Kind:  event.KindQuery,
		Query: &event.Query{Schema: "s", Kind: event.QueryDDL, SQL: "ALTER TABLE widgets ADD COLUMN price INT"},
	}
	if err := orch.HandleEvent(ddl); err != nil {
		t.Fatalf("HandleEvent(ddl): %v", err)
	}
	if !seen {
		t.Fatalf("expected OnSchemaChange to fire")
	}

	for _, ev := range []*event.Event{
		{Kind: event.KindQuery, Query: &event.Query{Kind: event.QueryBegin}},
		tableMapEvent(),
		insertRowsEvent(300),
		{Kind: event.KindXid, Xid: &event.Xid{XID: 1}},
		{Kind: event.KindRotate, Rotate: &event.Rotate{NextFile: "mysql-bin.000002"}},
	} {
		if err := orch.HandleEvent(ev); err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
	}
	drain(t, applier)
}
