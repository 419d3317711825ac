// Package overseer implements the supervision/metrics-drain loop from
// spec §4.6: once a second, it restarts a stopped producer and pushes
// drained metric buckets to a graphite-style stats endpoint.
package overseer

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dtle-io/hbase-replicator/internal/event"
	"github.com/dtle-io/hbase-replicator/internal/g"
	"github.com/dtle-io/hbase-replicator/internal/metrics"
	"github.com/dtle-io/hbase-replicator/internal/producer"
)

// NoStats is the literal sentinel namespace value that disables stats
// emission entirely (spec §6 configuration options).
const NoStats = "no-stats"

// Config carries the overseer's tunables, one field per spec §6 option
// this component consumes.
type Config struct {
	// Namespace is graphiteStatsNamesapce; NoStats disables the UDP push.
	Namespace string
	Schema    string
	ShardID   string
	// StatsAddr is the stats endpoint, default "localhost:3002".
	StatsAddr string
}

// Overseer ties a Producer, the metrics Registry and the UDP stats
// writer together. Tick is exported so tests can drive it without a
// real 1-second ticker.
type Overseer struct {
	producer producer.Producer
	deliver  producer.DeliveryFunc
	metrics  *metrics.Registry
	logger   g.LoggerType
	cfg      Config
	nowFn    func() int64

	conn *net.UDPConn

	// LastMapEventPosition supplies the restart anchor the orchestrator
	// is tracking (spec §4.3's LAST_KNOWN_MAP_EVENT_POSITION).
	LastMapEventPosition func() event.BinlogPosition
	// OnRecoverPosition, if set, is called with the recovered position's
	// fake-microseconds value before the producer restarts, so the
	// orchestrator can reset its own counter to match (spec §4.6 step 1).
	OnRecoverPosition func(fakeMicros int64)

	stopCh chan struct{}
}

func New(p producer.Producer, deliver producer.DeliveryFunc, reg *metrics.Registry, cfg Config, logger g.LoggerType) (*Overseer, error) {
	if logger == nil {
		logger = g.Logger
	}
	if cfg.StatsAddr == "" {
		cfg.StatsAddr = "localhost:3002"
	}

	o := &Overseer{
		producer: p,
		deliver:  deliver,
		metrics:  reg,
		logger:   logger,
		cfg:      cfg,
		nowFn:    func() int64 { return time.Now().Unix() },
		stopCh:   make(chan struct{}),
	}

	if o.statsEnabled() {
		addr, err := net.ResolveUDPAddr("udp", cfg.StatsAddr)
		if err != nil {
			return nil, fmt.Errorf("overseer: resolve stats addr: %w", err)
		}
		conn, err := net.DialUDP("udp", nil, addr)
		if err != nil {
			return nil, fmt.Errorf("overseer: dial stats addr: %w", err)
		}
		o.conn = conn
	}

	return o, nil
}

func (o *Overseer) statsEnabled() bool {
	return o.cfg.Namespace != "" && o.cfg.Namespace != NoStats
}

// Run starts the once-per-second tick loop. It returns only when Stop
// is called or Tick reports a fatal restart failure.
func (o *Overseer) Run() error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return nil
		case <-ticker.C:
			if err := o.Tick(); err != nil {
				return err
			}
		}
	}
}

func (o *Overseer) Stop() {
	close(o.stopCh)
	if o.conn != nil {
		o.conn.Close()
	}
}

// Tick runs one supervision cycle (spec §4.6). A non-nil return means a
// recovery-phase producer restart failed to connect — per spec §6 Exit
// codes this is fatal, and the caller is expected to route it into
// g.Fatalf rather than retry, unlike every other error this package
// can produce.
func (o *Overseer) Tick() error {
	if !o.producer.IsRunning() {
		if err := o.recoverProducer(); err != nil {
			return err
		}
	}

	if o.statsEnabled() {
		o.pushStats()
	}
	return nil
}

func (o *Overseer) recoverProducer() error {
	if o.LastMapEventPosition != nil {
		pos := o.LastMapEventPosition()
		o.producer.SetLastMapEventPosition(producer.Position{File: pos.File, Offset: pos.Offset})
		if o.OnRecoverPosition != nil {
			o.OnRecoverPosition(pos.FakeMicrosecond)
		}
	}
	if err := o.producer.StartFromLastMapEvent(o.deliver); err != nil {
		return fmt.Errorf("overseer: recovery-phase producer restart failed: %w", err)
	}
	return nil
}

func (o *Overseer) pushStats() {
	now := o.nowFn()
	buckets := o.metrics.DrainBefore(now)
	tableTotals := o.metrics.TableTotals()

	lines := make([]string, 0, 16)
	dbAlias := o.dbAlias()

	for _, b := range buckets {
		for id, v := range b.Values {
			lines = append(lines, fmt.Sprintf("%s.%s.%s %d %d", o.cfg.Namespace, dbAlias, metrics.Name(id), v, b.EpochSecond))
		}
	}
	for table, counters := range tableTotals {
		for id, v := range counters {
			lines = append(lines, fmt.Sprintf("%s.%s.%s.%s %d %d", o.cfg.Namespace, dbAlias, table, metrics.Name(id), v, now))
		}
	}
	if len(lines) == 0 {
		return
	}

	payload := strings.Join(lines, "\n")
	if _, err := o.conn.Write([]byte(payload)); err != nil {
		o.logger.Warn("overseer: stats push failed", "err", err)
	}
}

func (o *Overseer) dbAlias() string {
	if o.cfg.ShardID != "" {
		return o.cfg.Schema + o.cfg.ShardID
	}
	return o.cfg.Schema
}
