package task

import "context"

// Sink is the minimal surface the applier needs: open a connection,
// resolve a table handle, and batch-put mutations into it. Puts must be
// idempotent under same (row, column, timestamp) re-application, since
// retries and chaos-injected re-flushes replay the same mutations.
type Sink interface {
	OpenConnection(ctx context.Context) error
	Table(name string) Table
}

// Table is a handle to one named table in the sink.
type Table interface {
	Put(ctx context.Context, mutations []Mutation) error
}
