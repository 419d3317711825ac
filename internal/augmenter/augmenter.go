// Package augmenter joins raw row events with cached schema to produce
// AugmentedRow records (spec §4.1).
package augmenter

import (
	"fmt"

	"github.com/dtle-io/hbase-replicator/internal/activeschema"
	"github.com/dtle-io/hbase-replicator/internal/augmenter/rowkey"
	"github.com/dtle-io/hbase-replicator/internal/augmenter/typecode"
	"github.com/dtle-io/hbase-replicator/internal/event"
	"github.com/dtle-io/hbase-replicator/internal/schemacache"
)

// DeltaPolicy reports whether a table's recent changes should also be
// written to a date-suffixed delta table (spec §4.2), the counterpart
// of the config option `tablesForWhichToTrackDailyChanges`.
type DeltaPolicy interface {
	TracksDelta(schema, table string) bool
}

// Augmenter turns one raw Rows event into an AugmentedRowsEvent.
type Augmenter struct {
	schema *schemacache.Cache
	delta  DeltaPolicy
}

func New(schema *schemacache.Cache, delta DeltaPolicy) *Augmenter {
	return &Augmenter{schema: schema, delta: delta}
}

// InvalidateSchema drops the cached column metadata for one table, so
// the next row event against it is resolved against the
// post-DDL schema (spec §4.1 "refreshed whenever a DDL event is
// observed").
func (a *Augmenter) InvalidateSchema(schema, table string) {
	a.schema.Invalidate(schema, table)
}

// NextMicros is called once per row to obtain this row's unique commit
// timestamp: commitSecond*1e6 + the orchestrator's fake-microseconds
// counter, already incremented for this row (spec §3, §4.3). The
// orchestrator owns the counter; the augmenter only consumes it.
type NextMicros func() int64

// Augment builds one AugmentedRowsEvent from a raw Rows event.
func (a *Augmenter) Augment(raw *event.Rows, next NextMicros) (*event.AugmentedRowsEvent, error) {
	table, err := a.schema.Get(raw.Schema, raw.Table)
	if err != nil {
		return nil, err
	}

	out := &event.AugmentedRowsEvent{
		Table:      raw.Table,
		TrackDelta: a.delta != nil && a.delta.TracksDelta(raw.Schema, raw.Table),
	}

	switch raw.Op {
	case event.OpInsert:
		for _, row := range raw.Rows {
			ar, err := a.augmentInsertOrDelete(table, raw, row, nil, event.OpInsert, next())
			if err != nil {
				return nil, err
			}
			out.Rows = append(out.Rows, *ar)
		}
	case event.OpDelete:
		for _, row := range raw.Rows {
			ar, err := a.augmentInsertOrDelete(table, raw, nil, row, event.OpDelete, next())
			if err != nil {
				return nil, err
			}
			out.Rows = append(out.Rows, *ar)
		}
	case event.OpUpdate:
		if len(raw.Rows)%2 != 0 {
			return nil, fmt.Errorf("update rows event for %s.%s has odd row count %d", raw.Schema, raw.Table, len(raw.Rows))
		}
		for i := 0; i < len(raw.Rows); i += 2 {
			before, after := raw.Rows[i], raw.Rows[i+1]
			ar, err := a.augmentUpdate(table, raw, before, after, next())
			if err != nil {
				return nil, err
			}
			out.Rows = append(out.Rows, *ar)
		}
	default:
		return nil, fmt.Errorf("unknown row operation %v", raw.Op)
	}

	return out, nil
}

func (a *Augmenter) augmentInsertOrDelete(table *activeschema.Table, raw *event.Rows, newRow, oldRow event.RawRow, op event.RowOp, commitMicros int64) (*event.AugmentedRow, error) {
	pkSource := newRow
	if pkSource == nil {
		pkSource = oldRow
	}
	key, err := a.rowKey(table, pkSource, commitMicros)
	if err != nil {
		return nil, err
	}

	ar := &event.AugmentedRow{
		Schema:       raw.Schema,
		Table:        raw.Table,
		Op:           op,
		CommitMicros: commitMicros,
		RowKey:       key,
	}

	if op == event.OpInsert {
		cells, err := a.encodeRow(table, newRow)
		if err != nil {
			return nil, err
		}
		ar.Cells = make(map[string]event.CellChange, len(cells))
		for name, v := range cells {
			val := v
			ar.Cells[name] = event.CellChange{New: &val}
		}
	}
	// For D, Cells stays empty: only d:row_status is written (spec §4.2).
	return ar, nil
}

func (a *Augmenter) augmentUpdate(table *activeschema.Table, raw *event.Rows, before, after event.RawRow, commitMicros int64) (*event.AugmentedRow, error) {
	key, err := a.rowKey(table, after, commitMicros)
	if err != nil {
		return nil, err
	}

	beforeCells, err := a.encodeRow(table, before)
	if err != nil {
		return nil, err
	}
	afterCells, err := a.encodeRow(table, after)
	if err != nil {
		return nil, err
	}

	ar := &event.AugmentedRow{
		Schema:       raw.Schema,
		Table:        raw.Table,
		Op:           event.OpUpdate,
		CommitMicros: commitMicros,
		RowKey:       key,
		Cells:        make(map[string]event.CellChange),
	}
	for name, newVal := range afterCells {
		oldVal, hadOld := beforeCells[name]
		if hadOld && oldVal == newVal {
			continue // only changed cells are populated, per spec §4.1
		}
		nv := newVal
		cc := event.CellChange{New: &nv}
		if hadOld {
			ov := oldVal
			cc.Old = &ov
		}
		ar.Cells[name] = cc
	}
	return ar, nil
}

// encodeRow zips positional row values against the cached column list
// and applies the type coder, returning column name -> encoded value.
func (a *Augmenter) encodeRow(table *activeschema.Table, row event.RawRow) (map[string]string, error) {
	if row == nil {
		return nil, nil
	}
	out := make(map[string]string, len(row))
	for i, col := range table.Columns {
		if i >= len(row) {
			break
		}
		v, err := typecode.Encode(col, row[i])
		if err != nil {
			return nil, fmt.Errorf("encoding %s.%s.%s: %w", table.Schema, table.Name, col.Name, err)
		}
		out[col.Name] = v
	}
	return out, nil
}

func (a *Augmenter) rowKey(table *activeschema.Table, row event.RawRow, commitMicros int64) ([]byte, error) {
	if row == nil {
		return nil, fmt.Errorf("cannot build row key for %s.%s: no row image available", table.Schema, table.Name)
	}
	pkValues := make([]string, 0, len(table.PKOrdinals))
	for _, ord := range table.PKOrdinals {
		if ord >= len(row) {
			return nil, fmt.Errorf("primary key ordinal %d out of range for %s.%s", ord, table.Schema, table.Name)
		}
		v, err := typecode.Encode(table.Columns[ord], row[ord])
		if err != nil {
			return nil, err
		}
		pkValues = append(pkValues, v)
	}
	return rowkey.Build(pkValues), nil
}
