// Package typecode implements the per-type value encoding rules from
// spec §4.1, reproduced bit-for-bit for compatibility with existing
// sink consumers: every encoded value is a string, the same shape the
// teacher's mysqlconfig.Column.ConvertArg produces for its own
// destination-write path.
package typecode

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/dtle-io/hbase-replicator/internal/activeschema"
)

// charsetDecoders mirrors the teacher's charsetEncodingMap in
// mysqlconfig/encoding.go: only charsets that actually need conversion
// to Unicode are listed; utf8/utf8mb4 pass straight through.
var charsetDecoders = map[string]func(string) (string, error){
	"latin1": func(s string) (string, error) {
		out, _, err := transform.String(charmap.Windows1252.NewDecoder(), s)
		return out, err
	},
}

var enumLabels = regexp.MustCompile(`enum\(([^)]*)\)`)

// Encode applies spec §4.1's type-coding table to one raw column value.
func Encode(col activeschema.Column, value interface{}) (string, error) {
	if value == nil {
		return "", nil
	}

	switch col.Type {
	case activeschema.TypeBlob:
		return encodeBlob(value), nil
	case activeschema.TypeTimestamp:
		return encodeTimestamp(value), nil
	case activeschema.TypeEnum:
		return encodeEnum(col, value), nil
	case activeschema.TypeTime:
		return encodeTime(value), nil
	case activeschema.TypeText:
		return encodeText(col, value)
	case activeschema.TypeNumeric:
		return encodeNumeric(value), nil
	default:
		return encodeText(col, value)
	}
}

func encodeBlob(v interface{}) string {
	switch b := v.(type) {
	case []byte:
		return hex.EncodeToString(b)
	case string:
		return hex.EncodeToString([]byte(b))
	default:
		return hex.EncodeToString([]byte(fmt.Sprintf("%v", b)))
	}
}

// encodeTimestamp renders TIMESTAMP/DATETIME as a decimal string of
// epoch microseconds with no timezone conversion, per spec.
func encodeTimestamp(v interface{}) string {
	switch t := v.(type) {
	case time.Time:
		return strconv.FormatInt(t.Unix()*1e6+int64(t.Nanosecond())/1e3, 10)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", v)
	}
}

// encodeTime renders TIME as a decimal string of microseconds since
// midnight. go-mysql-org/go-mysql's replication decoder (Time2, for
// column precision >= 1) hands back a time.Duration for TIME columns.
func encodeTime(v interface{}) string {
	switch d := v.(type) {
	case time.Duration:
		return strconv.FormatInt(d.Microseconds(), 10)
	case int64:
		return strconv.FormatInt(d, 10)
	case string:
		return d
	default:
		return fmt.Sprintf("%v", v)
	}
}

// encodeEnum resolves the textual enum label by regex-parsing the
// column's raw `enum('a','b',...)` declaration, per spec, rather than
// trusting a library-provided label list.
func encodeEnum(col activeschema.Column, v interface{}) string {
	idx, ok := toInt(v)
	if !ok || idx <= 0 {
		return ""
	}
	labels := parseEnumLabels(col.RawType)
	if idx > int64(len(labels)) {
		return ""
	}
	return labels[idx-1]
}

func parseEnumLabels(rawType string) []string {
	m := enumLabels.FindStringSubmatch(rawType)
	if m == nil {
		return nil
	}
	parts := strings.Split(m[1], ",")
	labels := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, "'\"")
		labels = append(labels, p)
	}
	return labels
}

func encodeText(col activeschema.Column, v interface{}) (string, error) {
	var s string
	switch x := v.(type) {
	case []byte:
		s = string(x)
	case string:
		s = x
	default:
		s = fmt.Sprintf("%v", x)
	}

	if dec, ok := charsetDecoders[strings.ToLower(col.Charset)]; ok {
		out, err := dec(s)
		if err != nil {
			return "", fmt.Errorf("decoding %s value for charset %s: %w", col.Name, col.Charset, err)
		}
		return out, nil
	}
	return s, nil
}

// encodeNumeric renders any numeric MySQL type as its canonical decimal
// string representation.
func encodeNumeric(v interface{}) string {
	switch n := v.(type) {
	case int64:
		return strconv.FormatInt(n, 10)
	case uint64:
		return strconv.FormatUint(n, 10)
	case int32:
		return strconv.FormatInt(int64(n), 10)
	case uint32:
		return strconv.FormatUint(uint64(n), 10)
	case int16:
		return strconv.FormatInt(int64(n), 10)
	case uint16:
		return strconv.FormatUint(uint64(n), 10)
	case int8:
		return strconv.FormatInt(int64(n), 10)
	case uint8:
		return strconv.FormatUint(uint64(n), 10)
	case int:
		return strconv.Itoa(n)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case []byte:
		// DECIMAL columns are frequently decoded to their already-canonical
		// textual representation by the binlog client.
		return string(n)
	case string:
		return n
	default:
		return fmt.Sprintf("%v", n)
	}
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}
