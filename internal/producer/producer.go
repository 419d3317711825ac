// Package producer adapts a MySQL binlog client into the Producer
// interface the orchestrator consumes (spec §6). The binlog client
// library itself is an external collaborator out of scope per spec §1;
// this package owns only the adapter.
package producer

import (
	"github.com/dtle-io/hbase-replicator/internal/event"
)

// Position is a restart anchor: a binlog file name and byte offset.
type Position struct {
	File   string
	Offset uint32
}

// DeliveryFunc receives one decoded binlog event at a time, in stream
// order. A non-nil return stops the producer.
type DeliveryFunc func(ev *event.Event) error

// Producer is the external collaborator named in spec §6: isRunning,
// start(position), start_from_last_map_event, binlogFileName,
// binlogPosition, and a delivery callback.
type Producer interface {
	IsRunning() bool
	Start(pos Position, deliver DeliveryFunc) error
	StartFromLastMapEvent(deliver DeliveryFunc) error
	// SetLastMapEventPosition lets the overseer hand back the restart
	// anchor the orchestrator is tracking before calling
	// StartFromLastMapEvent, since the producer has no visibility into
	// table-map bookkeeping once an event has been delivered upstream.
	SetLastMapEventPosition(pos Position)
	BinlogFileName() string
	BinlogPosition() uint32
	Stop()
}
