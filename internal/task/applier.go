package task

import (
	"fmt"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/dtle-io/hbase-replicator/internal/augmenter/rowkey"
	"github.com/dtle-io/hbase-replicator/internal/event"
	"github.com/dtle-io/hbase-replicator/internal/g"
	"github.com/dtle-io/hbase-replicator/internal/metrics"
)

const (
	backpressurePollInterval = 5 * time.Millisecond
	backpressureWarnEvery    = 500 * time.Millisecond
)

// Applier is the task-buffering applier: the UUID-keyed two-level
// buffer plus the flush worker pool that drains it (spec §4.4). The
// orchestrator is its only caller on the buffering side; callers of
// Submit/UpdateTaskStatuses run on the same goroutine too — this
// package deliberately owns no goroutine of its own except the fixed
// flush worker pool started by New.
type Applier struct {
	tasks map[uuid.UUID]*Task

	currentTaskID uuid.UUID
	currentTxID   uuid.UUID
	hasCurrentTx  bool

	poolSize int

	sink   Sink
	chaos  ChaosMonkey
	dryRun bool

	metrics *metrics.Registry
	logger  g.LoggerType

	jobs    chan *Task
	results chan *Result

	nowFn func() int64
}

// Options bundles the applier's dependencies, mirroring the teacher's
// config-struct-per-component convention.
type Options struct {
	PoolSize int
	Sink     Sink
	Chaos    ChaosMonkey
	DryRun   bool
	Metrics  *metrics.Registry
	Logger   g.LoggerType
	// NowFn returns the current epoch second; tests inject a fake clock.
	NowFn func() int64
}

func New(opts Options) *Applier {
	if opts.Chaos == nil {
		opts.Chaos = NoChaos{}
	}
	if opts.Logger == nil {
		opts.Logger = g.Logger
	}
	if opts.NowFn == nil {
		opts.NowFn = func() int64 { return time.Now().Unix() }
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}

	a := &Applier{
		tasks:    make(map[uuid.UUID]*Task),
		poolSize: opts.PoolSize,
		sink:     opts.Sink,
		chaos:    opts.Chaos,
		dryRun:   opts.DryRun,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		jobs:     make(chan *Task, opts.PoolSize),
		results:  make(chan *Result, opts.PoolSize*2),
		nowFn:    opts.NowFn,
	}

	first := newTask()
	a.tasks[first.ID] = first
	a.currentTaskID = first.ID

	for i := 0; i < opts.PoolSize; i++ {
		go a.flushWorker()
	}

	return a
}

func (a *Applier) currentTask() *Task {
	return a.tasks[a.currentTaskID]
}

// OpenTransaction starts a new OPEN transaction in the current task and
// makes it current. Called by the orchestrator on Query(BEGIN).
func (a *Applier) OpenTransaction() (uuid.UUID, error) {
	t := a.currentTask()
	if t == nil {
		return uuid.UUID{}, fmt.Errorf("%w: no current task", ErrInvariantViolation)
	}
	if open := t.singleOpenTransaction(); open != nil {
		return uuid.UUID{}, fmt.Errorf("%w: transaction %s still OPEN when BEGIN observed", ErrInvariantViolation, open.ID)
	}
	id := uuid.NewV4()
	t.ensureTransaction(id)
	a.currentTxID = id
	a.hasCurrentTx = true
	return id, nil
}

// BufferAugmentedRow turns one augmented row into its mutations (row
// status plus changed cells) and pushes them into the current task's
// current transaction, once for the main table and, if trackDelta is
// set, a second time for the delta table whose row key is prefixed
// with the commit day (spec §4.2, §4.3).
func (a *Applier) BufferAugmentedRow(ar event.AugmentedRow, deltaTable string) error {
	mutations := mutationsForRow(ar)
	if err := a.PushMutation(ar.Table, ar.RowKey, mutations); err != nil {
		return err
	}
	if deltaTable == "" {
		return nil
	}
	deltaKey := rowkey.WithDeltaPrefix(ar.RowKey, ar.CommitMicros)
	deltaMutations := make([]Mutation, len(mutations))
	for i, m := range mutations {
		m.Table = deltaTable
		m.RowKey = deltaKey
		deltaMutations[i] = m
	}
	return a.PushMutation(deltaTable, deltaKey, deltaMutations)
}

func mutationsForRow(ar event.AugmentedRow) []Mutation {
	out := make([]Mutation, 0, len(ar.Cells)+1)
	out = append(out, Mutation{
		Table:           ar.Table,
		RowKey:          ar.RowKey,
		ColumnQualifier: RowStatusQualifier,
		Timestamp:       ar.CommitMicros,
		Value:           string(ar.Op),
	})
	for col, change := range ar.Cells {
		if change.New == nil {
			continue
		}
		out = append(out, Mutation{
			Table:           ar.Table,
			RowKey:          ar.RowKey,
			ColumnQualifier: ColumnQualifier(col),
			Timestamp:       ar.CommitMicros,
			Value:           *change.New,
		})
	}
	return out
}

// PushMutation appends a fully-built set of mutations for one row into
// the current task's current transaction's table list (spec §4.4
// "Buffering"). All mutations in one call must address the same table
// and row key — they are the columns of a single row event.
func (a *Applier) PushMutation(table string, rowKey []byte, mutations []Mutation) error {
	t := a.currentTask()
	if t == nil {
		return fmt.Errorf("%w: no current task", ErrInvariantViolation)
	}
	if !a.hasCurrentTx {
		return fmt.Errorf("%w: no open transaction to buffer into", ErrInvariantViolation)
	}
	tx := t.Transaction(a.currentTxID)
	if tx == nil || tx.Status != Open {
		return fmt.Errorf("%w: current transaction %s is not OPEN", ErrInvariantViolation, a.currentTxID)
	}

	for _, m := range mutations {
		tx.appendMutation(m)
	}
	tx.appendRowKey(table, rowKey)
	t.RowCount++

	if a.metrics != nil {
		a.metrics.Incr(a.nowFn(), metrics.RowOpsReceived, 1)
	}
	return nil
}

// MarkCurrentTransactionForCommit flips the current transaction to
// READY_FOR_COMMIT and opens a fresh one in the same task, with no task
// cut (spec §4.4 "Transaction cut").
func (a *Applier) MarkCurrentTransactionForCommit(xid uint64, hasXID bool) error {
	t := a.currentTask()
	if t == nil {
		return fmt.Errorf("%w: no current task", ErrInvariantViolation)
	}
	if !a.hasCurrentTx {
		return fmt.Errorf("%w: no open transaction to commit", ErrInvariantViolation)
	}
	tx := t.Transaction(a.currentTxID)
	if tx == nil || tx.Status != Open {
		return fmt.Errorf("%w: current transaction %s is not OPEN", ErrInvariantViolation, a.currentTxID)
	}
	if hasXID {
		tx.SetXID(xid)
	}
	tx.Status = ReadyForCommit

	next := uuid.NewV4()
	t.ensureTransaction(next)
	a.currentTxID = next
	a.hasCurrentTx = true
	return nil
}

// MarkCurrentTaskAsReadyAndCreateNewUUIDBuffer performs the task cut
// (spec §4.4 "Task cut"), blocking on backpressure first.
func (a *Applier) MarkCurrentTaskAsReadyAndCreateNewUUIDBuffer() error {
	if err := a.waitForBackpressure(); err != nil {
		return err
	}

	old := a.currentTask()
	if old == nil {
		return fmt.Errorf("%w: no current task", ErrInvariantViolation)
	}
	if old.RowCount == 0 {
		return nil
	}
	old.SetStatus(ReadyForPickUp)

	next := newTask()
	a.tasks[next.ID] = next
	a.currentTaskID = next.ID

	switch n := old.openTransactionCount(); {
	case n > 1:
		return fmt.Errorf("%w: task %s had %d OPEN transactions at cut time", ErrInvariantViolation, old.ID, n)
	case n == 1:
		carried := old.singleOpenTransaction()
		next.ensureTransaction(carried.ID)
		a.currentTxID = carried.ID
		a.hasCurrentTx = true
	default:
		id := uuid.NewV4()
		next.ensureTransaction(id)
		a.currentTxID = id
		a.hasCurrentTx = true
	}

	if a.metrics != nil {
		a.metrics.Set(a.nowFn(), metrics.TaskQueueSize, int64(len(a.tasks)))
	}
	return nil
}

// waitForBackpressure blocks until the live task count is at most
// poolSize, polling every 5ms and warning every 500ms of waiting (spec
// §4.4 step 1, §5 scheduling model). Since everything in this package
// runs on the caller's single goroutine, each poll also drains any
// flush results that already landed — otherwise a task the flush pool
// finished while we were waiting would never get reaped, and the wait
// would never see the live count drop.
func (a *Applier) waitForBackpressure() error {
	var waited time.Duration
	for len(a.tasks) > a.poolSize {
		if err := a.SubmitTasksThatAreReadyForPickUp(); err != nil {
			return err
		}
		if err := a.UpdateTaskStatuses(); err != nil {
			return err
		}
		if len(a.tasks) <= a.poolSize {
			return nil
		}
		time.Sleep(backpressurePollInterval)
		waited += backpressurePollInterval
		if waited%backpressureWarnEvery == 0 {
			a.logger.Warn("applier backpressure: waiting for live task count to drop",
				"live_tasks", len(a.tasks), "pool_size", a.poolSize, "waited", waited)
		}
	}
	return nil
}

// LiveTaskCount returns the number of tasks in the task map, the current
// buffering task included.
func (a *Applier) LiveTaskCount() int {
	return len(a.tasks)
}

// Close stops the flush worker pool. Callers must have drained every
// in-flight result with UpdateTaskStatuses first.
func (a *Applier) Close() {
	close(a.jobs)
}
