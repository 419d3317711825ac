// Package activeschema talks to the active-schema database: a MySQL
// mirror of the replicated source, queried for column metadata at
// schema-cache refresh time. This is one of the named external
// collaborators from spec §1 — connection bootstrap and pooling policy
// live outside this repository's scope; what we own is the narrow
// ActiveSchema interface and one concrete implementation.
package activeschema

import (
	"database/sql"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	gomysqlschema "github.com/go-mysql-org/go-mysql/schema"
	"github.com/pkg/errors"
)

// ColumnType buckets a MySQL column type into the sink-encoding classes
// from spec §4.1's type-coding table.
type ColumnType int

const (
	TypeNumeric ColumnType = iota
	TypeText
	TypeBlob
	TypeTimestamp
	TypeEnum
	TypeTime
	TypeOther
)

// Column is the subset of column metadata the type coder needs.
type Column struct {
	Name       string
	Type       ColumnType
	Charset    string
	RawType    string // e.g. "varchar(255)", "enum('a','b')", "time(3)"
	IsUnsigned bool
	Precision  int
}

// Table is one table's ordered column list plus primary-key ordinals,
// as of some schema version.
type Table struct {
	Schema     string
	Name       string
	Columns    []Column
	PKOrdinals []int
}

// ActiveSchema resolves column metadata for a (schema, table) pair. The
// schema cache (internal/schemacache) is the only caller; it owns
// versioning by binlog position, this interface just answers "what do
// the columns look like right now".
type ActiveSchema interface {
	Columns(schema, table string) (*Table, error)
	Close() error
}

// MySQLActiveSchema implements ActiveSchema against a live MySQL
// connection, the way the teacher's extractor resolves table structure
// through its inspector against the same kind of mirror database.
type MySQLActiveSchema struct {
	db *sql.DB
}

// Open establishes the active-schema connection. dsn follows
// go-sql-driver/mysql's DSN format, e.g.
// "user:pass@tcp(host:3306)/?timeout=5s&charset=utf8mb4".
func Open(dsn string) (*MySQLActiveSchema, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening active-schema connection")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "pinging active-schema connection")
	}
	return &MySQLActiveSchema{db: db}, nil
}

func (m *MySQLActiveSchema) Close() error {
	return m.db.Close()
}

var enumOrSetValues = regexp.MustCompile(`^(?:enum|set)\(['"](.*)['"]\)$`)

// Columns fetches the ordered column list and primary-key ordinals for
// one table via go-mysql-org/go-mysql/schema, the binlog client
// library's own table-structure resolver, reusing its information_schema
// query instead of hand-rolling one.
func (m *MySQLActiveSchema) Columns(schema, table string) (*Table, error) {
	t, err := gomysqlschema.NewTableFromSqlDB(m.db, schema, table)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving schema for %s.%s", schema, table)
	}

	out := &Table{
		Schema:     schema,
		Name:       table,
		Columns:    make([]Column, len(t.Columns)),
		PKOrdinals: append([]int(nil), t.PKColumns...),
	}
	for i, c := range t.Columns {
		out.Columns[i] = classify(c)
	}
	return out, nil
}

func classify(c gomysqlschema.TableColumn) Column {
	col := Column{
		Name:       c.Name,
		Charset:    strings.SplitN(c.Collation, "_", 2)[0], // "latin1_swedish_ci" -> "latin1"
		RawType:    c.RawType,
		IsUnsigned: c.IsUnsigned,
	}

	switch c.Type {
	case gomysqlschema.TYPE_NUMBER, gomysqlschema.TYPE_FLOAT, gomysqlschema.TYPE_DECIMAL, gomysqlschema.TYPE_MEDIUM_INT:
		col.Type = TypeNumeric
	case gomysqlschema.TYPE_ENUM:
		col.Type = TypeEnum
	case gomysqlschema.TYPE_BINARY:
		col.Type = TypeBlob
	case gomysqlschema.TYPE_TIMESTAMP, gomysqlschema.TYPE_DATETIME:
		col.Type = TypeTimestamp
	case gomysqlschema.TYPE_DATE:
		col.Type = TypeTimestamp
	case gomysqlschema.TYPE_STRING:
		col.Type = TypeText
	default:
		col.Type = classifyRawType(c.RawType)
	}
	return col
}

// classifyRawType is a fallback for column kinds go-mysql-org/go-mysql's
// schema.ColumnType doesn't distinguish closely enough for our encoding
// table (e.g. TIME columns, which that library folds into a generic
// bucket) — mirrors spec §4.1's own reliance on the raw declared type.
func classifyRawType(raw string) ColumnType {
	lower := strings.ToLower(raw)
	switch {
	case enumOrSetValues.MatchString(raw):
		return TypeEnum
	case strings.Contains(lower, "time"):
		return TypeTime
	case strings.Contains(lower, "blob") || strings.Contains(lower, "binary"):
		return TypeBlob
	case strings.Contains(lower, "text") || strings.Contains(lower, "char"):
		return TypeText
	default:
		return TypeOther
	}
}
