// Package keys lays out the coordination keyspace.
//
// Every table lives under one routing scope so that transactions touching
// its log pointer, part registry and results stay on one shard:
//
//	/ttlmerge/v1/tables/<table>/definition
//	/ttlmerge/v1/tables/<table>/schema-versions/<versionZ>
//	/ttlmerge/v1/tables/<table>/ttl-current
//	/ttlmerge/v1/tables/<table>/ttl-versions/<versionZ>
//	/ttlmerge/v1/tables/<table>/block-numbers
//	/ttlmerge/v1/tables/<table>/leader                      (ephemeral)
//	/ttlmerge/v1/tables/<table>/log-head
//	/ttlmerge/v1/tables/<table>/log/<seqZ>
//	/ttlmerge/v1/tables/<table>/results/<seqZ>
//	/ttlmerge/v1/tables/<table>/force/<requestId>
//	/ttlmerge/v1/tables/<table>/replica-hosts/<replica>     (ephemeral)
//	/ttlmerge/v1/tables/<table>/replica-pointers/<replica>
//	/ttlmerge/v1/tables/<table>/replica-parts/<replica>/<part>
//
// Numeric components are zero-padded to SeqWidth so lexicographic order is
// numeric order. Listed prefixes only ever hold direct children, which is
// what Oxia's hierarchical range scans return.
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SeqWidth is the number of digits for zero-padded sequence numbers and
// versions.
const SeqWidth = 20

const (
	// Prefix is the root of all keys.
	Prefix = "/ttlmerge/v1"

	// TablesPrefix holds one subtree per table.
	TablesPrefix = Prefix + "/tables"

	// TableIndexPrefix lists table names: /ttlmerge/v1/table-index/<table>.
	TableIndexPrefix = Prefix + "/table-index/"
)

// ErrInvalidKey is returned when a key cannot be parsed.
var ErrInvalidKey = errors.New("keys: invalid key format")

// EncodeUint64 encodes v as a zero-padded decimal string of the given width.
func EncodeUint64(v uint64, width int) string {
	return fmt.Sprintf("%0*d", width, v)
}

// DecodeUint64 decodes a zero-padded decimal string.
func DecodeUint64(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// TableScope is the routing scope shared by every key of a table.
func TableScope(table string) string {
	return TablesPrefix + "/" + table
}

// TableIndexKey marks that a table exists.
func TableIndexKey(table string) string {
	return TableIndexPrefix + table
}

// TableDefinitionKey holds the current table definition.
func TableDefinitionKey(table string) string {
	return TableScope(table) + "/definition"
}

// SchemaVersionKey holds one immutable schema version.
func SchemaVersionKey(table string, version uint64) string {
	return TableScope(table) + "/schema-versions/" + EncodeUint64(version, SeqWidth)
}

// RulesCurrentKey holds the current TTL rule set.
func RulesCurrentKey(table string) string {
	return TableScope(table) + "/ttl-current"
}

// RulesVersionKey holds one immutable TTL rule set version.
func RulesVersionKey(table string, version uint64) string {
	return TableScope(table) + "/ttl-versions/" + EncodeUint64(version, SeqWidth)
}

// BlockNumbersKey holds the next block number to allocate for inserts.
func BlockNumbersKey(table string) string {
	return TableScope(table) + "/block-numbers"
}

// LeaderKey is the ephemeral lease of the replica allowed to propose merges.
func LeaderKey(table string) string {
	return TableScope(table) + "/leader"
}

// LogHeadKey holds the seq of the last appended log entry.
func LogHeadKey(table string) string {
	return TableScope(table) + "/log-head"
}

// LogPrefix is the prefix of all replication log entries of a table.
func LogPrefix(table string) string {
	return TableScope(table) + "/log/"
}

// LogEntryKey is the key of the log entry at seq.
func LogEntryKey(table string, seq uint64) string {
	return LogPrefix(table) + EncodeUint64(seq, SeqWidth)
}

// ParseLogEntryKey extracts the sequence number from a log entry key.
func ParseLogEntryKey(table, key string) (uint64, error) {
	return parseSeqSuffix(LogPrefix(table), key)
}

// ResultsPrefix is the prefix of merge result records.
func ResultsPrefix(table string) string {
	return TableScope(table) + "/results/"
}

// ResultKey records the outcome of the merge entry at seq.
func ResultKey(table string, seq uint64) string {
	return ResultsPrefix(table) + EncodeUint64(seq, SeqWidth)
}

// ParseResultKey extracts the sequence number from a result key.
func ParseResultKey(table, key string) (uint64, error) {
	return parseSeqSuffix(ResultsPrefix(table), key)
}

// ForcePrefix is the prefix of pending optimize requests.
func ForcePrefix(table string) string {
	return TableScope(table) + "/force/"
}

// ForceRequestKey is the key of one optimize request.
func ForceRequestKey(table, requestID string) string {
	return ForcePrefix(table) + requestID
}

// ReplicaHostsPrefix lists live replicas of a table.
func ReplicaHostsPrefix(table string) string {
	return TableScope(table) + "/replica-hosts/"
}

// ReplicaHostKey is the ephemeral registration of a live replica.
func ReplicaHostKey(table, replica string) string {
	return ReplicaHostsPrefix(table) + replica
}

// ReplicaPointersPrefix lists the acknowledged log positions of all replicas,
// live or not.
func ReplicaPointersPrefix(table string) string {
	return TableScope(table) + "/replica-pointers/"
}

// ReplicaPointerKey holds the highest log seq a replica has fully applied.
func ReplicaPointerKey(table, replica string) string {
	return ReplicaPointersPrefix(table) + replica
}

// ReplicaPartsPrefix lists the active parts a replica holds.
func ReplicaPartsPrefix(table, replica string) string {
	return TableScope(table) + "/replica-parts/" + replica + "/"
}

// ReplicaPartKey registers that replica holds part.
func ReplicaPartKey(table, replica, part string) string {
	return ReplicaPartsPrefix(table, replica) + part
}

// LastSegment returns the component after the final slash.
func LastSegment(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}

func parseSeqSuffix(prefix, key string) (uint64, error) {
	if !strings.HasPrefix(key, prefix) {
		return 0, fmt.Errorf("%w: %q does not start with %q", ErrInvalidKey, key, prefix)
	}
	seq, err := DecodeUint64(key[len(prefix):])
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidKey, key, err)
	}
	return seq, nil
}

// ScopeOf returns the routing scope of key: the table scope for table keys,
// empty for keys outside any table.
func ScopeOf(key string) string {
	rest, ok := strings.CutPrefix(key, TablesPrefix+"/")
	if !ok {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return ""
	}
	return TableScope(rest)
}
