// Command replicator wires together the schema cache, augmenter,
// task-buffering applier, pipeline orchestrator, binlog producer and
// overseer into one running process. It is thin wiring, not a general
// CLI: the Config it builds is programmatic, matching the teacher's
// own `main.go` bootstrap shape (realMain, then exit with a status
// code) rather than its full `mitchellh/cli` command tree, which this
// single-purpose binary has no use for.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	armonmetrics "github.com/armon/go-metrics"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/dtle-io/hbase-replicator/internal/activeschema"
	"github.com/dtle-io/hbase-replicator/internal/augmenter"
	"github.com/dtle-io/hbase-replicator/internal/config"
	"github.com/dtle-io/hbase-replicator/internal/event"
	"github.com/dtle-io/hbase-replicator/internal/eventqueue"
	"github.com/dtle-io/hbase-replicator/internal/g"
	"github.com/dtle-io/hbase-replicator/internal/metrics"
	"github.com/dtle-io/hbase-replicator/internal/overseer"
	"github.com/dtle-io/hbase-replicator/internal/pipeline"
	"github.com/dtle-io/hbase-replicator/internal/producer"
	"github.com/dtle-io/hbase-replicator/internal/schemacache"
	"github.com/dtle-io/hbase-replicator/internal/sink"
	"github.com/dtle-io/hbase-replicator/internal/task"
)

func main() {
	// Before a logger exists this is the one place in the repository
	// allowed to reach for the bare log package (spec §10).
	log.SetPrefix("replicator: ")
	os.Exit(realMain())
}

func realMain() int {
	cfg := buildConfig()
	cfg.SetDefaultForEmpty()
	if err := cfg.Validate(); err != nil {
		log.Printf("invalid configuration: %v", err)
		return -1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "replicator",
		Level: hclog.Info,
	})
	g.Logger = logger

	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true",
		cfg.ActiveSchemaUserName, cfg.ActiveSchemaPassword, cfg.ActiveSchemaHost, cfg.ActiveSchemaDB)
	activeSchema, err := activeschema.Open(dsn)
	if err != nil {
		g.Fatalf(logger, "opening active-schema connection: %v", err)
	}
	defer activeSchema.Close()

	cache := schemacache.New(activeSchema, logger.Named("schemacache"))
	aug := augmenter.New(cache, cfg)

	armonConf := armonmetrics.DefaultConfig("replicator")
	armonConf.EnableHostname = false
	armonSink := armonmetrics.NewInmemSink(10*time.Second, time.Minute)
	armonClient, err := armonmetrics.New(armonConf, armonSink)
	if err != nil {
		g.Fatalf(logger, "setting up armon/go-metrics: %v", err)
	}
	reg := metrics.New(armonClient)

	memSink := sink.NewMemSink()
	if err := memSink.OpenConnection(context.Background()); err != nil {
		g.Fatalf(logger, "opening sink connection: %v", err)
	}

	var chaos task.ChaosMonkey = task.NoChaos{}
	if g.EnvIsTrue(g.ENV_FORCE_CHAOS) {
		chaos = task.NewRandomChaos(0.1, time.Now().UnixNano())
	}

	applier := task.New(task.Options{
		PoolSize: cfg.ApplierPool,
		Sink:     memSink,
		Chaos:    chaos,
		DryRun:   g.EnvIsTrue(g.ENV_DRY_RUN),
		Metrics:  reg,
		Logger:   logger.Named("applier"),
	})
	defer applier.Close()

	orch := pipeline.New(pipeline.Options{
		Applier:              applier,
		Augmenter:            aug,
		Metrics:              reg,
		Logger:               logger.Named("pipeline"),
		RowBudget:            cfg.RowBudget,
		EndingBinlogFileName: cfg.EndingBinlogFileName,
		OnSchemaChange: func(sc *event.SchemaChange) {
			logger.Info("schema change observed", "schema", sc.Schema, "table", sc.Table)
		},
		NowFn: func() int64 { return time.Now().Unix() },
	})

	queue, err := eventqueue.Start(cfg.EventQueueAddr, logger.Named("eventqueue"))
	if err != nil {
		g.Fatalf(logger, "starting event queue: %v", err)
	}
	defer queue.Close()

	unsubscribe, err := queue.SubscribeEvents(func(ev *event.Event) {
		if err := orch.HandleEvent(ev); err != nil {
			if task.IsInvariantViolation(err) {
				g.Fatalf(logger, "orchestrator hit an invariant violation: %v", err)
			}
			logger.Error("orchestrator failed to handle event", "err", err)
		}
	})
	if err != nil {
		g.Fatalf(logger, "subscribing to event queue: %v", err)
	}
	defer unsubscribe()

	syncer := producer.NewSyncerProducer(producer.ConnectionConfig{
		Host:     cfg.MySQL.Host,
		Port:     cfg.MySQL.Port,
		User:     cfg.MySQL.UserName,
		Password: cfg.MySQL.Password,
		ServerID: cfg.ServerID,
	}, logger.Named("producer"))

	deliver := func(ev *event.Event) error { return queue.PublishEvent(ev) }

	ov, err := overseer.New(syncer, deliver, reg, overseer.Config{
		Namespace: cfg.GraphiteStatsNamespace,
		Schema:    cfg.ReplicantSchemaName,
		ShardID:   cfg.ReplicantShardID,
		StatsAddr: cfg.GraphiteStatsAddr,
	}, logger.Named("overseer"))
	if err != nil {
		g.Fatalf(logger, "starting overseer: %v", err)
	}
	ov.LastMapEventPosition = orch.LastKnownMapEventPosition
	ov.OnRecoverPosition = orch.ResetFakeMicros

	if err := syncer.Start(producer.Position{
		File:   cfg.StartingBinlogFileName,
		Offset: cfg.StartingBinlogPosition,
	}, deliver); err != nil {
		g.Fatalf(logger, "starting producer: %v", err)
	}

	go g.MemoryMonitor(logger)

	if err := ov.Run(); err != nil {
		g.Fatalf(logger, "overseer stopped: %v", err)
	}
	return 0
}

// buildConfig assembles a Config programmatically. No on-disk or
// flag-based loader ships in this repository (spec §6); a real
// deployment would call config.FromMap with values sourced from
// wherever this process's orchestration layer keeps them.
func buildConfig() *config.Config {
	return &config.Config{
		ReplicantSchemaName:    "replicated",
		ActiveSchemaHost:       "127.0.0.1:3306",
		ActiveSchemaUserName:   "replicator",
		ActiveSchemaDB:         "information_schema",
		ReplicantDBActiveHost:  "127.0.0.1:3306",
		StartingBinlogFileName: "mysql-bin.000001",
		MySQL: config.ConnectionConfig{
			Host:     "127.0.0.1",
			Port:     3306,
			UserName: "replicator",
		},
	}
}
