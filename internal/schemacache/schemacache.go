// Package schemacache maps (schema, table) to ordered column metadata
// at a given binlog position, fetching from the active-schema database
// on a table's first use and again after a DDL event invalidates it.
// Nothing is fetched ahead of first use; the cache starts empty.
package schemacache

import (
	"fmt"
	"sync"

	"github.com/dtle-io/hbase-replicator/internal/activeschema"
	"github.com/dtle-io/hbase-replicator/internal/event"
	"github.com/dtle-io/hbase-replicator/internal/g"
)

type entry struct {
	table   *activeschema.Table
	version event.BinlogPosition
}

// Cache resolves column metadata for a table, refreshing it lazily on
// first use and explicitly whenever the orchestrator observes a DDL
// event for that table.
type Cache struct {
	mu     sync.RWMutex
	source activeschema.ActiveSchema
	tables map[string]*entry
	logger g.LoggerType
}

func New(source activeschema.ActiveSchema, logger g.LoggerType) *Cache {
	return &Cache{
		source: source,
		tables: make(map[string]*entry),
		logger: logger,
	}
}

func key(schema, table string) string {
	return schema + "." + table
}

// Get returns the cached column metadata for (schema, table), fetching
// it from the active-schema database on first reference.
func (c *Cache) Get(schema, table string) (*activeschema.Table, error) {
	k := key(schema, table)

	c.mu.RLock()
	e, ok := c.tables[k]
	c.mu.RUnlock()
	if ok {
		return e.table, nil
	}

	return c.refresh(schema, table, event.BinlogPosition{})
}

// Refresh re-resolves (schema, table) against the active-schema
// database, versioned by the binlog position *preceding* the DDL event
// that triggered the refresh (spec §4.1): the column list as of
// `atPosition` is whatever the active-schema DB reports once the DDL
// that produced this refresh call has itself been mirrored there.
func (c *Cache) Refresh(schema, table string, atPosition event.BinlogPosition) (*activeschema.Table, error) {
	return c.refresh(schema, table, atPosition)
}

func (c *Cache) refresh(schema, table string, atPosition event.BinlogPosition) (*activeschema.Table, error) {
	t, err := c.source.Columns(schema, table)
	if err != nil {
		// Schema miss: the DDL that created/altered this table may not
		// have propagated to the active-schema mirror yet. Per spec §7
		// this is a retry-after-short-delay condition, not fatal; the
		// caller (augmenter) is expected to retry the whole event.
		return nil, fmt.Errorf("schema miss for %s.%s at %s: %w", schema, table, atPosition, err)
	}

	c.mu.Lock()
	c.tables[key(schema, table)] = &entry{table: t, version: atPosition}
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Debug("schema cache refreshed", "schema", schema, "table", table, "at", atPosition.String())
	}
	return t, nil
}

// Invalidate drops the cached entry for (schema, table), forcing the
// next Get to refresh. The orchestrator calls it for the table named in
// an ALTER/CREATE/DROP/TRUNCATE TABLE statement.
func (c *Cache) Invalidate(schema, table string) {
	c.mu.Lock()
	delete(c.tables, key(schema, table))
	c.mu.Unlock()
}
