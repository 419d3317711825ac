// Package task implements the task-buffering applier: the UUID-keyed
// two-level buffer, flush worker pool, status FSM and retry logic that
// is the hard part of this repository (spec §4.4).
package task

import (
	"sync"

	uuid "github.com/satori/go.uuid"
)

// Status is a Task's position in its lifecycle (spec §3).
type Status int

const (
	ReadyForBuffering Status = iota
	ReadyForPickUp
	TaskSubmitted
	WriteInProgress
	WriteSucceeded
	WriteFailed
)

func (s Status) String() string {
	switch s {
	case ReadyForBuffering:
		return "READY_FOR_BUFFERING"
	case ReadyForPickUp:
		return "READY_FOR_PICK_UP"
	case TaskSubmitted:
		return "TASK_SUBMITTED"
	case WriteInProgress:
		return "WRITE_IN_PROGRESS"
	case WriteSucceeded:
		return "WRITE_SUCCEEDED"
	case WriteFailed:
		return "WRITE_FAILED"
	default:
		return "UNKNOWN"
	}
}

// TxStatus is a Transaction's position in its (much shorter) lifecycle.
type TxStatus int

const (
	Open TxStatus = iota
	ReadyForCommit
)

func (s TxStatus) String() string {
	if s == Open {
		return "OPEN"
	}
	return "READY_FOR_COMMIT"
}

// Mutation is a sink-level put addressed by (table, row-key,
// column-qualifier, timestamp, value) (spec §3).
type Mutation struct {
	Table           string
	RowKey          []byte
	ColumnQualifier string // e.g. "d:a" or "d:row_status"
	Timestamp       int64  // binlog-derived microseconds
	Value           string
}

// RowStatusQualifier is the column qualifier carrying the I/U/D marker
// every mutated row gets, per spec §4.2.
const RowStatusQualifier = "d:row_status"

// ColumnQualifier formats a source column's qualifier under the `d`
// column family (spec §6 persisted-state layout).
func ColumnQualifier(column string) string {
	return "d:" + column
}

// Transaction is scoped to one task at a time, but may be carried
// forward across a task cut if the source transaction outlives one
// task's row budget (spec §3).
type Transaction struct {
	ID     uuid.UUID
	Status TxStatus
	XID    uint64 // attached when committed via an Xid event, for traceability
	hasXID bool

	// tableOrder preserves first-touched order so flush iterates tables
	// deterministically within a transaction (spec §5 ordering
	// guarantee: "mutations are flushed in buffer order per-transaction
	// per-table").
	tableOrder []string
	tables     map[string][]Mutation
	rowKeys    map[string][][]byte
}

func newTransaction(id uuid.UUID) *Transaction {
	return &Transaction{
		ID:      id,
		Status:  Open,
		tables:  make(map[string][]Mutation),
		rowKeys: make(map[string][][]byte),
	}
}

func (t *Transaction) SetXID(xid uint64) {
	t.XID = xid
	t.hasXID = true
}

func (t *Transaction) HasXID() bool { return t.hasXID }

// Tables returns the tables touched by this transaction, in the order
// they were first written.
func (t *Transaction) Tables() []string {
	return append([]string(nil), t.tableOrder...)
}

func (t *Transaction) Mutations(table string) []Mutation {
	return t.tables[table]
}

func (t *Transaction) RowKeys(table string) [][]byte {
	return t.rowKeys[table]
}

func (t *Transaction) appendMutation(m Mutation) {
	if _, ok := t.tables[m.Table]; !ok {
		t.tableOrder = append(t.tableOrder, m.Table)
	}
	t.tables[m.Table] = append(t.tables[m.Table], m)
}

func (t *Transaction) appendRowKey(table string, rowKey []byte) {
	if _, ok := t.tables[table]; !ok {
		t.tableOrder = append(t.tableOrder, table)
		t.tables[table] = nil
	}
	t.rowKeys[table] = append(t.rowKeys[table], rowKey)
}

// Task is a unit of concurrent flush to the sink, identified by a
// freshly generated UUID (spec §3). Status has a single owner at any
// instant per spec §5, but "single owner" is an orchestrator/flush-worker
// handoff discipline, not a synchronization primitive — the orchestrator
// goroutine's SubmitTasksThatAreReadyForPickUp scan and reconcile still
// read a task's Status after it has been handed to a worker, concurrently
// with that worker's own writes to it, so the field itself is guarded by
// a mutex rather than relying on the handoff alone.
type Task struct {
	ID uuid.UUID

	mu     sync.Mutex
	status Status

	// txOrder/transactions together model the "ordered map<UUID,
	// Transaction>" from the design notes (spec §9) as a single
	// aggregate instead of four parallel nested maps.
	txOrder      []uuid.UUID
	transactions map[uuid.UUID]*Transaction

	RowCount int
	Messages []string
}

func newTask() *Task {
	return &Task{
		ID:           uuid.NewV4(),
		status:       ReadyForBuffering,
		transactions: make(map[uuid.UUID]*Transaction),
	}
}

// Status returns the task's current status. Safe for concurrent use.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus updates the task's status. Safe for concurrent use.
func (t *Task) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

func (t *Task) Transaction(id uuid.UUID) *Transaction {
	return t.transactions[id]
}

func (t *Task) Transactions() []uuid.UUID {
	return append([]uuid.UUID(nil), t.txOrder...)
}

func (t *Task) openTransactionCount() int {
	n := 0
	for _, id := range t.txOrder {
		if t.transactions[id].Status == Open {
			n++
		}
	}
	return n
}

// singleOpenTransaction returns the task's one OPEN transaction, or nil
// if none is open. More than one OPEN transaction is an invariant
// violation the caller must check for separately.
func (t *Task) singleOpenTransaction() *Transaction {
	for _, id := range t.txOrder {
		if tx := t.transactions[id]; tx.Status == Open {
			return tx
		}
	}
	return nil
}

func (t *Task) ensureTransaction(id uuid.UUID) *Transaction {
	tx, ok := t.transactions[id]
	if !ok {
		tx = newTransaction(id)
		t.transactions[id] = tx
		t.txOrder = append(t.txOrder, id)
	}
	return tx
}

// AppendMessage records an async callback error for the flush job's
// message log (spec §4.4 step 5).
func (t *Task) AppendMessage(msg string) {
	t.Messages = append(t.Messages, msg)
}

// PerTableStats is keyed by table name, value is rows written.
type PerTableStats map[string]int

// Result is what a flush job reports back to the completion reaper.
type Result struct {
	TaskID            uuid.UUID
	Succeeded         bool
	NumberOfRowsInTask int
	PerTableStats     PerTableStats
	Err               error
}
