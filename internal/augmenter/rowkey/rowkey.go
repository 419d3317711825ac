// Package rowkey builds the stable, ordering-preserving row-key
// fingerprint used to address every sink mutation for a logical row.
package rowkey

import (
	"bytes"
	"time"
)

// Separator joins composite primary-key parts. It is a single byte that
// cannot appear in any encoded column value: every typecode.Encode
// output is either hex, decimal, or a UTF-8 string produced by decoding
// away from raw bytes, none of which can contain a NUL byte by
// construction. Documented here because the invariant is load-bearing:
// changing this constant changes every existing row key.
const Separator = byte(0x00)

// Build concatenates the already-encoded primary-key column values with
// Separator, in primary-key column order.
func Build(pkValues []string) []byte {
	buf := bytes.Buffer{}
	for i, v := range pkValues {
		if i > 0 {
			buf.WriteByte(Separator)
		}
		buf.WriteString(v)
	}
	return buf.Bytes()
}

// DeltaPrefix formats the YYYYMMDD day prefix a delta-table row key
// gets, derived from the commit microseconds in UTC (no timezone
// conversion, matching the rest of the type-coding rules).
func DeltaPrefix(commitMicros int64) string {
	t := time.Unix(0, commitMicros*1000).UTC()
	return t.Format("20060102")
}

// WithDeltaPrefix prepends the YYYYMMDD day prefix to an already-built
// row key, producing the key used against the date-suffixed delta
// table (spec §4.1's "delta-table row key additionally prefixes the
// YYYYMMDD of the commit day").
func WithDeltaPrefix(mainKey []byte, commitMicros int64) []byte {
	buf := bytes.Buffer{}
	buf.WriteString(DeltaPrefix(commitMicros))
	buf.WriteByte(Separator)
	buf.Write(mainKey)
	return buf.Bytes()
}
