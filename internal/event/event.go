// Package event defines the tagged event variants the orchestrator
// consumes from the binlog producer, and the AugmentedRow the augmenter
// produces from a raw row event plus cached schema.
//
// The variant set mirrors go-mysql-org/go-mysql/replication's own event
// types (FormatDescriptionEvent, RotateEvent, QueryEvent, XidEvent,
// TableMapEvent, RowsEvent) rather than inventing a parallel hierarchy,
// the way the teacher dispatches on replication.BinlogEvent.Event.
package event

import (
	"encoding/gob"
	"fmt"
	"time"
)

// gob, used by internal/eventqueue to ship Events across the embedded
// NATS connection, requires every concrete type that can occupy a
// RawRow's interface{} slots to be registered up front. These mirror
// go-mysql-org/go-mysql/replication's own row-decoding output types
// (integers, floats, strings, blobs, TIME as time.Duration, DATETIME/
// TIMESTAMP as time.Time); NULL columns decode to a bare nil, which
// gob needs no registration for.
func init() {
	for _, v := range []interface{}{
		int8(0), int16(0), int32(0), int64(0),
		uint8(0), uint16(0), uint32(0), uint64(0),
		float32(0), float64(0),
		string(""), []byte(nil),
		time.Time{}, time.Duration(0),
	} {
		gob.Register(v)
	}
}

// BinlogPosition is a (filename, byte offset, fake-microseconds) triple.
// The fake counter is incremented once per augmented row inside a
// transaction so that every row gets a unique, monotonic sink timestamp
// even when several rows share the same binlog second.
type BinlogPosition struct {
	File            string
	Offset          uint32
	FakeMicrosecond int64
}

func (p BinlogPosition) String() string {
	return fmt.Sprintf("%s:%d+%d", p.File, p.Offset, p.FakeMicrosecond)
}

// Less reports strict ordering, used by property tests to assert the
// triple is strictly increasing within one transaction.
func (p BinlogPosition) Less(o BinlogPosition) bool {
	if p.File != o.File {
		return p.File < o.File
	}
	if p.Offset != o.Offset {
		return p.Offset < o.Offset
	}
	return p.FakeMicrosecond < o.FakeMicrosecond
}

// Kind tags which variant of Event is populated.
type Kind int

const (
	KindFormatDescription Kind = iota
	KindRotate
	KindQuery
	KindXid
	KindTableMap
	KindRows
)

func (k Kind) String() string {
	switch k {
	case KindFormatDescription:
		return "FormatDescription"
	case KindRotate:
		return "Rotate"
	case KindQuery:
		return "Query"
	case KindXid:
		return "Xid"
	case KindTableMap:
		return "TableMap"
	case KindRows:
		return "Rows"
	default:
		return "Unknown"
	}
}

// QueryKind further discriminates a Query event, since BEGIN/COMMIT/DDL
// are all delivered as the same replication.QueryEvent wire type and the
// orchestrator's action table (spec §4.3) branches on the SQL text.
type QueryKind int

const (
	QueryOther QueryKind = iota
	QueryBegin
	QueryCommit
	QueryDDL
)

// RowOp is the row-level operation marker persisted as d:row_status.
type RowOp byte

const (
	OpInsert RowOp = 'I'
	OpUpdate RowOp = 'U'
	OpDelete RowOp = 'D'
)

// Rotate is delivered on a binlog file rotation.
type Rotate struct {
	NextFile string
	Position uint64
}

// Query carries a BEGIN/COMMIT/DDL/other statement.
type Query struct {
	Schema string
	SQL    string
	Kind   QueryKind
}

// Xid is delivered at transaction commit under row-based replication
// with XA/GTID bookkeeping; it is handled identically to a COMMIT Query.
type Xid struct {
	XID uint64
}

// TableMap associates a numeric table id with a (schema, table) pair for
// the row events that follow it, mirroring replication.TableMapEvent.
type TableMap struct {
	TableID uint64
	Schema  string
	Table   string
}

// RawRow is one row image: ordered column values as decoded by the
// binlog client, positionally aligned with the cached column list.
type RawRow []interface{}

// Rows carries one batch of row changes for one table, as delivered by
// a single WRITE_ROWS/UPDATE_ROWS/DELETE_ROWS binlog event.
type Rows struct {
	TableID uint64
	Schema  string
	Table   string
	Op      RowOp
	// Rows holds one entry per affected row for Insert/Delete, or two
	// entries per affected row (before, after) for Update, matching
	// go-mysql-org/go-mysql/replication.RowsEvent.Rows layout.
	Rows []RawRow
}

// Event is the tagged union the orchestrator switches on.
type Event struct {
	Kind Kind
	// EpochSecond is this binlog event's own header timestamp, the
	// "binlog event time" spec §4.1 derives each row's commit
	// microseconds from (commitSecond*1e6 + fake-microseconds-counter).
	EpochSecond int64
	Position    BinlogPosition

	Rotate   *Rotate
	Query    *Query
	Xid      *Xid
	TableMap *TableMap
	Rows     *Rows
}

// CellChange holds the old (for U/D) and new (for I/U) encoded value of
// one column. Old is nil for I; for U only columns whose value actually
// changed are present in AugmentedRow.Cells at all.
type CellChange struct {
	Old *string
	New *string
}

// AugmentedRow is one logical row change, enriched with schema and a
// commit timestamp, ready for the task-buffering applier to turn into
// sink mutations.
type AugmentedRow struct {
	Schema    string
	Table     string
	Op        RowOp
	CommitMicros int64
	RowKey    []byte
	// Cells maps column name to its change. For I, Old is always nil.
	// For D, Cells is empty (only d:row_status is written). For U, only
	// changed columns are present.
	Cells map[string]CellChange
}

// AugmentedRowsEvent is the augmenter's output for one raw Rows event:
// every row in the batch, in original order, plus the table's delta
// flag so the applier knows whether to double-write to the delta table.
type AugmentedRowsEvent struct {
	Table      string
	TrackDelta bool
	Rows       []AugmentedRow
}

// SchemaChange is emitted by the orchestrator when a DDL query event is
// observed and the schema cache has been refreshed for it.
type SchemaChange struct {
	Schema   string
	Table    string
	SQL      string
	Position BinlogPosition
}
