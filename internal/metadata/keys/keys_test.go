package keys

import (
	"errors"
	"sort"
	"strings"
	"testing"
)

func TestLogEntryKeyOrdering(t *testing.T) {
	seqs := []uint64{10, 2, 100, 1, 9}
	var ks []string
	for _, s := range seqs {
		ks = append(ks, LogEntryKey("events", s))
	}
	sort.Strings(ks)

	var got []uint64
	for _, k := range ks {
		seq, err := ParseLogEntryKey("events", k)
		if err != nil {
			t.Fatalf("ParseLogEntryKey(%q) error = %v", k, err)
		}
		got = append(got, seq)
	}
	want := []uint64{1, 2, 9, 10, 100}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lexicographic order = %v, want %v", got, want)
		}
	}
}

func TestParseLogEntryKeyInvalid(t *testing.T) {
	if _, err := ParseLogEntryKey("events", "/ttlmerge/v1/tables/other/log/00000000000000000001"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for foreign table, got %v", err)
	}
	if _, err := ParseLogEntryKey("events", LogPrefix("events")+"abc"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for non-numeric seq, got %v", err)
	}
}

func TestKeysShareTableScope(t *testing.T) {
	scope := TableScope("events")
	all := []string{
		TableDefinitionKey("events"),
		SchemaVersionKey("events", 1),
		RulesCurrentKey("events"),
		RulesVersionKey("events", 3),
		BlockNumbersKey("events"),
		LeaderKey("events"),
		LogHeadKey("events"),
		LogEntryKey("events", 7),
		ResultKey("events", 7),
		ForceRequestKey("events", "req"),
		ReplicaHostKey("events", "r1"),
		ReplicaPointerKey("events", "r1"),
		ReplicaPartKey("events", "r1", "all_0_0_0"),
	}
	for _, k := range all {
		if !strings.HasPrefix(k, scope+"/") {
			t.Errorf("%q is outside table scope %q", k, scope)
		}
	}
}

func TestListedPrefixesHoldDirectChildren(t *testing.T) {
	cases := map[string]string{
		LogPrefix("t"):               LogEntryKey("t", 5),
		ResultsPrefix("t"):           ResultKey("t", 5),
		ReplicaPointersPrefix("t"):   ReplicaPointerKey("t", "r"),
		ReplicaHostsPrefix("t"):      ReplicaHostKey("t", "r"),
		ReplicaPartsPrefix("t", "r"): ReplicaPartKey("t", "r", "p_1_1_0"),
		TableIndexPrefix:             TableIndexKey("t"),
	}
	for prefix, key := range cases {
		rest := strings.TrimPrefix(key, prefix)
		if rest == key || strings.Contains(rest, "/") {
			t.Errorf("%q is not a direct child of %q", key, prefix)
		}
	}
}

func TestLogHeadOutsideLogPrefix(t *testing.T) {
	if strings.HasPrefix(LogHeadKey("t"), LogPrefix("t")) {
		t.Errorf("LogHeadKey %q must not be listed with log entries", LogHeadKey("t"))
	}
}

func TestLastSegment(t *testing.T) {
	if got := LastSegment(ReplicaPartKey("t", "r", "all_1_2_1")); got != "all_1_2_1" {
		t.Errorf("LastSegment() = %q", got)
	}
	if got := LastSegment("plain"); got != "plain" {
		t.Errorf("LastSegment() = %q", got)
	}
}

func TestScopeOf(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{LogEntryKey("events", 1), TableScope("events")},
		{ReplicaPartKey("events", "r", "p"), TableScope("events")},
		{TableScope("events"), TableScope("events")},
		{TableIndexKey("events"), ""},
		{"/elsewhere", ""},
	}
	for _, tt := range tests {
		if got := ScopeOf(tt.key); got != tt.want {
			t.Errorf("ScopeOf(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
