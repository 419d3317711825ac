// Package sink defines the in-process reference implementation of the
// task package's Sink interface (spec §6), used by tests and by the
// property-test harness, not a production HBase client. Sink cluster
// configuration and connection bootstrap are explicitly out of scope
// per spec §1.
package sink
