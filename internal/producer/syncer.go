package producer

import (
	"context"
	"strings"
	"sync"
	"time"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/pkg/errors"

	"github.com/dtle-io/hbase-replicator/internal/event"
	"github.com/dtle-io/hbase-replicator/internal/g"
)

// ConnectionConfig is the minimal set of fields SyncerProducer needs
// to dial the master, mirroring the teacher's
// `mysqlconfig.ConnectionConfig` (host/port/user/password) without
// the rest of that struct's TLS/timeout knobs, which this repository
// does not expose.
type ConnectionConfig struct {
	Host     string
	Port     uint16
	User     string
	Password string
	ServerID uint32
}

// SyncerProducer adapts go-mysql-org/go-mysql/replication.BinlogSyncer
// into the Producer interface, the same library and calling convention
// the teacher's BinlogReader uses (StartSync, then a GetEvent loop
// switching on the concrete *replication.XxxEvent type).
type SyncerProducer struct {
	cfg    ConnectionConfig
	logger g.LoggerType

	mu           sync.Mutex
	syncer       *replication.BinlogSyncer
	streamer     *replication.BinlogStreamer
	running      bool
	stopCh       chan struct{}
	currentFile  string
	currentPos   uint32
	lastMapEvent Position
}

func NewSyncerProducer(cfg ConnectionConfig, logger g.LoggerType) *SyncerProducer {
	return &SyncerProducer{cfg: cfg, logger: logger}
}

func (p *SyncerProducer) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *SyncerProducer) BinlogFileName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentFile
}

func (p *SyncerProducer) BinlogPosition() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentPos
}

func (p *SyncerProducer) Stop() {
	p.mu.Lock()
	running := p.running
	stopCh := p.stopCh
	p.running = false
	p.mu.Unlock()
	if running {
		close(stopCh)
	}
	if p.syncer != nil {
		p.syncer.Close()
	}
}

func (p *SyncerProducer) Start(pos Position, deliver DeliveryFunc) error {
	syncerCfg := replication.BinlogSyncerConfig{
		ServerID:             p.cfg.ServerID,
		Flavor:               "mysql",
		Host:                 p.cfg.Host,
		Port:                 p.cfg.Port,
		User:                 p.cfg.User,
		Password:             p.cfg.Password,
		RawModeEnabled:       false,
		UseDecimal:           true,
		MaxReconnectAttempts: 10,
		HeartbeatPeriod:      3 * time.Second,
		ReadTimeout:          12 * time.Second,
		ParseTime:            true,
		TimestampStringLocation: time.UTC,
	}

	p.mu.Lock()
	p.syncer = replication.NewBinlogSyncer(syncerCfg)
	p.mu.Unlock()

	streamer, err := p.syncer.StartSync(gomysql.Position{Name: pos.File, Pos: pos.Offset})
	if err != nil {
		return errors.Wrap(err, "StartSync")
	}

	p.mu.Lock()
	p.streamer = streamer
	p.running = true
	p.stopCh = make(chan struct{})
	p.currentFile = pos.File
	p.currentPos = pos.Offset
	p.mu.Unlock()

	go p.loop(deliver)
	return nil
}

// StartFromLastMapEvent restarts the stream from the most recent
// TableMap event position recorded by the orchestrator — the restart
// anchor named in spec §4.3 ("the latter is the restart anchor handed
// to the producer on recovery").
func (p *SyncerProducer) StartFromLastMapEvent(deliver DeliveryFunc) error {
	p.mu.Lock()
	pos := p.lastMapEvent
	p.mu.Unlock()
	return p.Start(pos, deliver)
}

// SetLastMapEventPosition lets the overseer hand back the restart
// anchor the orchestrator is tracking (LAST_KNOWN_MAP_EVENT_POSITION), since the
// producer itself has no visibility into table-map bookkeeping once an
// event has been delivered upstream.
func (p *SyncerProducer) SetLastMapEventPosition(pos Position) {
	p.mu.Lock()
	p.lastMapEvent = pos
	p.mu.Unlock()
}

func (p *SyncerProducer) loop(deliver DeliveryFunc) {
	for {
		p.mu.Lock()
		stopCh := p.stopCh
		streamer := p.streamer
		p.mu.Unlock()

		select {
		case <-stopCh:
			return
		default:
		}

		ev, err := streamer.GetEvent(context.Background())
		if err != nil {
			p.logger.Error("producer: GetEvent failed, stopping", "err", err)
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			return
		}

		if ev.Header.EventType == replication.HEARTBEAT_EVENT {
			continue
		}

		p.mu.Lock()
		p.currentPos = ev.Header.LogPos
		p.mu.Unlock()

		translated := translate(ev)
		if translated == nil {
			continue
		}
		translated.EpochSecond = int64(ev.Header.Timestamp)
		translated.Position.File = p.BinlogFileName()
		translated.Position.Offset = ev.Header.LogPos

		if translated.Kind == event.KindRotate {
			p.mu.Lock()
			p.currentFile = translated.Rotate.NextFile
			p.mu.Unlock()
		}

		if err := deliver(translated); err != nil {
			p.logger.Warn("producer: delivery callback stopped the stream", "err", err)
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			return
		}
	}
}

var ddlPrefixes = []string{"CREATE", "ALTER", "DROP", "TRUNCATE", "RENAME"}

func classifyQuery(sql string) event.QueryKind {
	trimmed := strings.TrimSpace(sql)
	upper := strings.ToUpper(trimmed)
	switch upper {
	case "BEGIN":
		return event.QueryBegin
	case "COMMIT":
		return event.QueryCommit
	}
	for _, prefix := range ddlPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return event.QueryDDL
		}
	}
	return event.QueryOther
}

func translate(ev *replication.BinlogEvent) *event.Event {
	switch e := ev.Event.(type) {
	case *replication.FormatDescriptionEvent:
		return &event.Event{Kind: event.KindFormatDescription}

	case *replication.RotateEvent:
		return &event.Event{
			Kind:   event.KindRotate,
			Rotate: &event.Rotate{NextFile: string(e.NextLogName), Position: e.Position},
		}

	case *replication.QueryEvent:
		sql := string(e.Query)
		return &event.Event{
			Kind: event.KindQuery,
			Query: &event.Query{
				Schema: string(e.Schema),
				SQL:    sql,
				Kind:   classifyQuery(sql),
			},
		}

	case *replication.XIDEvent:
		return &event.Event{Kind: event.KindXid, Xid: &event.Xid{XID: e.XID}}

	case *replication.TableMapEvent:
		return &event.Event{
			Kind: event.KindTableMap,
			TableMap: &event.TableMap{
				TableID: e.TableID,
				Schema:  string(e.Schema),
				Table:   string(e.Table),
			},
		}

	case *replication.RowsEvent:
		op, ok := rowOpFor(ev.Header.EventType)
		if !ok {
			return nil
		}
		rows := make([]event.RawRow, len(e.Rows))
		for i, r := range e.Rows {
			rows[i] = event.RawRow(r)
		}
		return &event.Event{
			Kind: event.KindRows,
			Rows: &event.Rows{
				TableID: e.TableID,
				Schema:  string(e.Table.Schema),
				Table:   string(e.Table.Table),
				Op:      op,
				Rows:    rows,
			},
		}

	default:
		return nil
	}
}

func rowOpFor(eventType replication.EventType) (event.RowOp, bool) {
	switch eventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return event.OpInsert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return event.OpUpdate, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return event.OpDelete, true
	default:
		return 0, false
	}
}
