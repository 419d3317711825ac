// Package eventqueue implements the "event queue" hop named in spec
// §2's data flow (producer -> event queue -> orchestrator) as a
// first-class, restart-safe component: an embedded NATS server plus a
// gob-encoded publisher/subscriber pair, grounded on the teacher's own
// `setupNatsServer` (agent/applier.go) for bringing up `gnatsd` in
// process and its `*nats.EncodedConn` publish/subscribe convention
// (client/driver/mysql/extract.go).
package eventqueue

import (
	"fmt"
	"net"
	"strconv"
	"time"

	gnatsd "github.com/nats-io/gnatsd/server"
	nats "github.com/nats-io/go-nats"
	"github.com/pkg/errors"

	"github.com/dtle-io/hbase-replicator/internal/event"
	"github.com/dtle-io/hbase-replicator/internal/g"
)

// EventsSubject carries every decoded binlog event from the producer
// goroutine to the orchestrator. ControlSubject carries
// overseer->producer restart signals (spec §4.6), following the
// teacher's subject-per-concern convention (`<name>_rows`,
// `<name>_control2`).
const (
	EventsSubject  = "replicator_rows"
	ControlSubject = "replicator_control"
)

// ControlMessage is the payload on ControlSubject, asking a producer to
// restart from a specific position or stop. Nothing in this repository
// publishes or subscribes to it: the overseer restarts an in-process
// producer by calling it directly.
type ControlMessage struct {
	Command string // "restart_from_last_map_event" | "stop"
	File    string
	Offset  uint32
}

// Queue wraps an embedded gnatsd server and a gob-encoded NATS
// connection. It is started once per process and shared by the
// producer, orchestrator and overseer goroutines.
type Queue struct {
	server *gnatsd.Server
	conn   *nats.EncodedConn
	logger g.LoggerType
}

// Start brings up an in-process NATS server listening on addr
// ("host:port") and opens an encoded connection to it, the way the
// teacher's setupNatsServer does for its embedded nats-streaming
// server, minus the streaming layer (not part of this repository's
// dependency set).
func Start(addr string, logger g.LoggerType) (*Queue, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrap(err, "eventqueue: invalid addr")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrap(err, "eventqueue: invalid port")
	}

	server := gnatsd.New(&gnatsd.Options{Host: host, Port: port})
	go server.Start()
	if !server.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("eventqueue: embedded NATS server did not become ready")
	}

	nc, err := nats.Connect(fmt.Sprintf("nats://%s", addr))
	if err != nil {
		server.Shutdown()
		return nil, errors.Wrap(err, "eventqueue: connect")
	}
	ec, err := nats.NewEncodedConn(nc, nats.GOB_ENCODER)
	if err != nil {
		nc.Close()
		server.Shutdown()
		return nil, errors.Wrap(err, "eventqueue: encoded conn")
	}

	return &Queue{server: server, conn: ec, logger: logger}, nil
}

func (q *Queue) Close() {
	q.conn.Close()
	q.server.Shutdown()
}

// PublishEvent hands one decoded binlog event to the orchestrator side.
func (q *Queue) PublishEvent(ev *event.Event) error {
	return q.conn.Publish(EventsSubject, ev)
}

// SubscribeEvents registers the orchestrator's event handler, returning
// an unsubscribe function.
func (q *Queue) SubscribeEvents(handler func(*event.Event)) (func() error, error) {
	sub, err := q.conn.Subscribe(EventsSubject, handler)
	if err != nil {
		return nil, errors.Wrap(err, "eventqueue: subscribe events")
	}
	return sub.Unsubscribe, nil
}

// PublishControl sends a restart/stop signal to the producer.
func (q *Queue) PublishControl(msg ControlMessage) error {
	return q.conn.Publish(ControlSubject, msg)
}

// SubscribeControl registers the producer's control-signal handler.
func (q *Queue) SubscribeControl(handler func(ControlMessage)) (func() error, error) {
	sub, err := q.conn.Subscribe(ControlSubject, handler)
	if err != nil {
		return nil, errors.Wrap(err, "eventqueue: subscribe control")
	}
	return sub.Unsubscribe, nil
}
