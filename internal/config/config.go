// Package config defines Config, one field per configuration option
// named in spec §6, with mapstructure tags in the teacher's
// config.Config convention. No file/flag loader ships in this
// repository; cmd/replicator builds a Config by hand.
package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// NoStats is the literal sentinel that disables stats emission.
const NoStats = "no-stats"

const (
	ApplierTypeHBase = "hbase"
	ApplierTypeMem   = "mem"
)

// ConnectionConfig is a (host, port, user, password) set, the shape of
// the binlog master connection in Config.MySQL.
type ConnectionConfig struct {
	Host     string `mapstructure:"host"`
	Port     uint16 `mapstructure:"port"`
	UserName string `mapstructure:"user_name"`
	Password string `mapstructure:"password"`
}

func (c ConnectionConfig) String() string {
	return fmt.Sprintf("%s@%s:%d", c.UserName, c.Host, c.Port)
}

// Config is one field per recognized option in spec §6.
type Config struct {
	// ApplierType selects the Sink backing the task applier. Only "mem"
	// ships in this repository; "hbase" is reserved and rejected by
	// Validate until a production Sink exists (spec §1 Non-goals).
	ApplierType string `mapstructure:"applier_type"`

	ReplicantSchemaName   string   `mapstructure:"replicant_schema_name"`
	ReplicantShardID      string   `mapstructure:"replicant_shard_id"`
	ReplicantDBSlavesByDC []string `mapstructure:"replicant_db_slaves_by_dc"`
	ReplicantDBActiveHost string   `mapstructure:"replicant_db_active_host"`

	StartingBinlogFileName string `mapstructure:"starting_binlog_file_name"`
	StartingBinlogPosition uint32 `mapstructure:"starting_binlog_position"`
	EndingBinlogFileName   string `mapstructure:"ending_binlog_file_name"`

	InitialSnapshotMode bool `mapstructure:"initial_snapshot_mode"`

	WriteRecentChangesToDeltaTables   bool     `mapstructure:"write_recent_changes_to_delta_tables"`
	TablesForWhichToTrackDailyChanges []string `mapstructure:"tables_for_which_to_track_daily_changes"`

	ActiveSchemaHost     string `mapstructure:"active_schema_host"`
	ActiveSchemaUserName string `mapstructure:"active_schema_user_name"`
	ActiveSchemaPassword string `mapstructure:"active_schema_password"`
	ActiveSchemaDB       string `mapstructure:"active_schema_db"`

	MetaDataDBName string `mapstructure:"meta_data_db_name"`

	ZookeeperQuorum string `mapstructure:"zookeeper_quorum"`

	// GraphiteStatsNamespace is the namespace prefix for every stats
	// line the overseer emits; NoStats disables the UDP push entirely.
	GraphiteStatsNamespace string `mapstructure:"graphite_stats_namesapce"`
	GraphiteStatsAddr      string `mapstructure:"graphite_stats_addr"`

	MySQL    ConnectionConfig `mapstructure:"mysql"`
	ServerID uint32           `mapstructure:"server_id"`

	RowBudget   int `mapstructure:"row_budget"`
	ApplierPool int `mapstructure:"applier_pool"`

	// EventQueueAddr is the address the embedded NATS server binds and
	// the producer/overseer connect to for the rows/control subjects.
	EventQueueAddr string `mapstructure:"event_queue_addr"`
}

// FromMap decodes a raw key/value map (e.g. parsed from a config file
// by some future loader) into a Config using the mapstructure tags
// above, the same decode step the teacher's own config loaders run
// before filling in defaults.
func FromMap(raw map[string]interface{}) (*Config, error) {
	var c Config
	if err := mapstructure.Decode(raw, &c); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	c.SetDefaultForEmpty()
	return &c, nil
}

// SetDefaultForEmpty mirrors the teacher's DtleTaskConfig.SetDefaultForEmpty
// convention: fill in zero-value fields with the spec's stated defaults,
// leave anything the caller already set alone.
func (c *Config) SetDefaultForEmpty() {
	if c.ApplierType == "" {
		c.ApplierType = ApplierTypeMem
	}
	if c.RowBudget <= 0 {
		c.RowBudget = 1000
	}
	if c.ApplierPool <= 0 {
		c.ApplierPool = 4
	}
	if c.GraphiteStatsNamespace == "" {
		c.GraphiteStatsNamespace = NoStats
	}
	if c.GraphiteStatsAddr == "" {
		c.GraphiteStatsAddr = "localhost:3002"
	}
	if c.EventQueueAddr == "" {
		c.EventQueueAddr = "127.0.0.1:4222"
	}
	if c.ServerID == 0 {
		c.ServerID = 1
	}
}

// DBAlias is the <schema><shardId> (or bare schema) identifier the
// overseer uses as the stats namespace's database component.
func (c *Config) DBAlias() string {
	if c.ReplicantShardID != "" {
		return c.ReplicantSchemaName + c.ReplicantShardID
	}
	return c.ReplicantSchemaName
}

// StatsEnabled reports whether GraphiteStatsNamespace names a real
// namespace rather than the "no-stats" sentinel.
func (c *Config) StatsEnabled() bool {
	return c.GraphiteStatsNamespace != "" && c.GraphiteStatsNamespace != NoStats
}

// TracksDelta implements augmenter.DeltaPolicy against
// TablesForWhichToTrackDailyChanges, matching either "schema.table" or
// a bare table name.
func (c *Config) TracksDelta(schema, table string) bool {
	for _, t := range c.TablesForWhichToTrackDailyChanges {
		if t == table || t == schema+"."+table {
			return true
		}
	}
	return false
}

// Validate checks the options this repository can actually act on.
// It does not validate ApplierType == "hbase" configurations beyond
// rejecting them outright, since no production Sink ships here.
func (c *Config) Validate() error {
	if c.ReplicantSchemaName == "" {
		return fmt.Errorf("config: replicant_schema_name is required")
	}
	if c.ApplierType != ApplierTypeMem {
		return fmt.Errorf("config: unsupported applier_type %q, only %q ships in this repository", c.ApplierType, ApplierTypeMem)
	}
	if c.ActiveSchemaHost == "" {
		return fmt.Errorf("config: active_schema_host is required")
	}
	if c.ReplicantDBActiveHost == "" && len(c.ReplicantDBSlavesByDC) == 0 {
		return fmt.Errorf("config: replicant_db_active_host or replicant_db_slaves_by_dc is required")
	}
	if c.StartingBinlogFileName == "" {
		return fmt.Errorf("config: starting_binlog_file_name is required")
	}
	if c.EndingBinlogFileName != "" && c.EndingBinlogFileName < c.StartingBinlogFileName {
		return fmt.Errorf("config: ending_binlog_file_name %q precedes starting_binlog_file_name %q", c.EndingBinlogFileName, c.StartingBinlogFileName)
	}
	return nil
}
