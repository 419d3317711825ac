// Package pipeline implements the orchestrator: it drains the binlog
// event stream, augments row events with schema, demarcates
// transactions and drives the task-buffering applier (spec §4.3).
package pipeline

import (
	"fmt"
	"regexp"

	"github.com/dtle-io/hbase-replicator/internal/augmenter"
	"github.com/dtle-io/hbase-replicator/internal/augmenter/rowkey"
	"github.com/dtle-io/hbase-replicator/internal/event"
	"github.com/dtle-io/hbase-replicator/internal/g"
	"github.com/dtle-io/hbase-replicator/internal/metrics"
	"github.com/dtle-io/hbase-replicator/internal/task"
)

// Options bundles the orchestrator's collaborators and tunables.
type Options struct {
	Applier   *task.Applier
	Augmenter *augmenter.Augmenter
	Metrics   *metrics.Registry
	Logger    g.LoggerType

	// RowBudget is the buffered-row threshold that triggers a task cut,
	// checked on commit demarcation (spec §4.3's "cut the task buffer if
	// the row budget was reached") and after every buffered row.
	RowBudget int

	// EndingBinlogFileName, if set, is the last binlog file to process,
	// inclusive; the orchestrator flushes everything up to and
	// including it, then signals Stopped() (spec §9 Open Question,
	// decided: inclusive, flush-then-stop).
	EndingBinlogFileName string

	// OnSchemaChange, if set, is invoked after every DDL event once the
	// schema cache has been invalidated (spec §4.1/§4.3
	// AugmentedSchemaChangeEvent).
	OnSchemaChange func(*event.SchemaChange)

	// NowFn returns the current epoch second, for metrics bucketing;
	// tests inject a fake clock.
	NowFn func() int64
}

// Orchestrator owns the fake-microseconds counter and the two binlog
// position watermarks named in spec §4.3. Every method here must be
// called from a single goroutine — it owns no lock of its own, by
// design (spec §5 "the current-task-UUID and current-transaction-UUID
// are visible to the orchestrator only").
type Orchestrator struct {
	applier   *task.Applier
	augmenter *augmenter.Augmenter
	metrics   *metrics.Registry
	logger    g.LoggerType
	nowFn     func() int64

	rowBudget            int
	endingBinlogFileName string
	onSchemaChange       func(*event.SchemaChange)

	fakeMicros                int64
	bufferedSinceLastCut      int
	lastKnownPosition         event.BinlogPosition
	lastKnownMapEventPosition event.BinlogPosition
	lastRotateFile            string
	stopped                   bool
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = g.Logger
	}
	if opts.RowBudget <= 0 {
		opts.RowBudget = 1000
	}
	if opts.NowFn == nil {
		opts.NowFn = func() int64 { return 0 }
	}
	return &Orchestrator{
		applier:              opts.Applier,
		augmenter:            opts.Augmenter,
		metrics:              opts.Metrics,
		logger:               opts.Logger,
		nowFn:                opts.NowFn,
		rowBudget:            opts.RowBudget,
		endingBinlogFileName: opts.EndingBinlogFileName,
		onSchemaChange:       opts.OnSchemaChange,
	}
}

// LastKnownBinlogPosition is the restart anchor for a plain reconnect.
func (o *Orchestrator) LastKnownBinlogPosition() event.BinlogPosition { return o.lastKnownPosition }

// LastKnownMapEventPosition is the restart anchor handed to the
// producer on recovery (spec §4.3).
func (o *Orchestrator) LastKnownMapEventPosition() event.BinlogPosition {
	return o.lastKnownMapEventPosition
}

// Stopped reports whether the orchestrator has processed through
// EndingBinlogFileName and should not be fed further events.
func (o *Orchestrator) Stopped() bool { return o.stopped }

// ResetFakeMicros reassigns the fake-microseconds counter, used by the
// overseer on producer recovery to resume the counter from the
// restart position's own value (spec §4.6 step 1) instead of
// restarting it at zero mid-transaction.
func (o *Orchestrator) ResetFakeMicros(value int64) { o.fakeMicros = value }

// HandleEvent dispatches one binlog event per the spec §4.3
// event-action table. It is suitable for use directly as a
// producer.DeliveryFunc.
func (o *Orchestrator) HandleEvent(ev *event.Event) error {
	if o.stopped {
		return nil
	}

	var err error
	switch ev.Kind {
	case event.KindFormatDescription:
		o.logger.Debug("orchestrator: format description event, binlog file ready")

	case event.KindRotate:
		err = o.applyRotate(ev)

	case event.KindQuery:
		switch ev.Query.Kind {
		case event.QueryBegin:
			err = o.applyBegin()
		case event.QueryCommit:
			err = o.applyCommit(ev, 0, false)
		case event.QueryDDL:
			err = o.applyDDL(ev)
		case event.QueryOther:
			// no-op
		}

	case event.KindXid:
		err = o.applyCommit(ev, ev.Xid.XID, true)

	case event.KindTableMap:
		o.lastKnownMapEventPosition = ev.Position

	case event.KindRows:
		err = o.applyRows(ev)
	}
	if err != nil {
		return err
	}

	o.lastKnownPosition = ev.Position
	if o.metrics != nil {
		o.metrics.Incr(o.nowFn(), metrics.BinlogEventsObserved, 1)
	}
	return nil
}

func (o *Orchestrator) applyRotate(ev *event.Event) error {
	// De-duplicate the known OpenReplicator double-rotate artifact: an
	// identical rotate to the file we're already on is a no-op (spec
	// §4.3, scenario S6).
	if ev.Rotate.NextFile == o.lastRotateFile {
		return nil
	}
	o.lastRotateFile = ev.Rotate.NextFile

	if err := o.applier.MarkCurrentTaskAsReadyAndCreateNewUUIDBuffer(); err != nil {
		return err
	}
	o.bufferedSinceLastCut = 0
	if err := o.applier.SubmitTasksThatAreReadyForPickUp(); err != nil {
		return err
	}

	if o.endingBinlogFileName != "" && ev.Rotate.NextFile > o.endingBinlogFileName {
		o.stopped = true
	}
	return nil
}

func (o *Orchestrator) applyBegin() error {
	if _, err := o.applier.OpenTransaction(); err != nil {
		return err
	}
	o.fakeMicros = 0
	return nil
}

func (o *Orchestrator) applyCommit(ev *event.Event, xid uint64, hasXID bool) error {
	if err := o.applier.MarkCurrentTransactionForCommit(xid, hasXID); err != nil {
		return err
	}
	return o.cutTaskIfBudgetExceeded()
}

// cutTaskIfBudgetExceeded performs the task cut named in spec §3/§4.4
// once bufferedSinceLastCut reaches rowBudget. Called both after a
// commit demarcation and, per row, while a transaction is still being
// buffered (spec §3's "if the current task's row budget is exceeded
// mid-transaction, the transaction's UUID is re-registered ... in the
// newly created task") — MarkCurrentTaskAsReadyAndCreateNewUUIDBuffer
// already carries a still-OPEN transaction forward, so the mid-transaction
// and post-commit call sites share this one cut.
func (o *Orchestrator) cutTaskIfBudgetExceeded() error {
	if o.bufferedSinceLastCut < o.rowBudget {
		return nil
	}
	if err := o.applier.MarkCurrentTaskAsReadyAndCreateNewUUIDBuffer(); err != nil {
		return err
	}
	o.bufferedSinceLastCut = 0
	return o.applier.SubmitTasksThatAreReadyForPickUp()
}

func (o *Orchestrator) applyRows(ev *event.Event) error {
	next := augmenter.NextMicros(func() int64 {
		o.fakeMicros++
		return ev.EpochSecond*1_000_000 + o.fakeMicros
	})

	augmented, err := o.augmenter.Augment(ev.Rows, next)
	if err != nil {
		return err
	}

	for _, ar := range augmented.Rows {
		deltaTable := ""
		if augmented.TrackDelta {
			deltaTable = fmt.Sprintf("%s_%s", ar.Table, rowkey.DeltaPrefix(ar.CommitMicros))
		}
		if err := o.applier.BufferAugmentedRow(ar, deltaTable); err != nil {
			return err
		}
		o.bufferedSinceLastCut++
		if err := o.cutTaskIfBudgetExceeded(); err != nil {
			return err
		}
	}
	return nil
}

// ddlTableRegexp extracts the target table from the common single-table
// DDL forms this repository cares about (schema refresh on CREATE /
// ALTER / DROP / TRUNCATE TABLE). Multi-table RENAME and anything more
// exotic is left unhandled — the schema cache simply misses and
// refreshes lazily on next access, per spec §7's "schema miss: log and
// retry after short delay" policy.
var ddlTableRegexp = regexp.MustCompile("(?i)(?:ALTER|CREATE|DROP|TRUNCATE)\\s+TABLE\\s+(?:IF\\s+(?:NOT\\s+)?EXISTS\\s+)?`?([A-Za-z0-9_$]+)`?")

func (o *Orchestrator) applyDDL(ev *event.Event) error {
	table := ""
	if m := ddlTableRegexp.FindStringSubmatch(ev.Query.SQL); m != nil {
		table = m[1]
	}
	if table != "" {
		o.augmenter.InvalidateSchema(ev.Query.Schema, table)
	}
	if o.onSchemaChange != nil {
		o.onSchemaChange(&event.SchemaChange{
			Schema:   ev.Query.Schema,
			Table:    table,
			SQL:      ev.Query.SQL,
			Position: ev.Position,
		})
	}
	return nil
}
