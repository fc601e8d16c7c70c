package expr

import (
	"errors"
	"testing"
	"time"

	"github.com/dray-io/ttlmerge/internal/part"
)

var testColumns = []part.Column{
	{Name: "date", Type: part.TypeDateTime},
	{Name: "id", Type: part.TypeInt64},
	{Name: "val", Type: part.TypeFloat64},
	{Name: "name", Type: part.TypeString},
}

func testRow(date time.Time, id int64) part.Row {
	return part.Row{part.DateTime(date), part.Int(id), part.Float(1.5), part.Str("x")}
}

func TestRewrite(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"date + INTERVAL 1 DAY", `date + duration("86400s")`},
		{"date + interval 30 minute", `date + duration("1800s")`},
		{"date + INTERVAL 4 HOURS", `date + duration("14400s")`},
		{"date + INTERVAL 2 MONTH", "addMonths(date, 2)"},
		{"date - INTERVAL 1 YEAR", "addMonths(date, -12)"},
		{"id % 2 == 1", "id % 2 == 1"},
	}
	for _, tt := range tests {
		if got := Rewrite(tt.in); got != tt.want {
			t.Errorf("Rewrite(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEvalTime(t *testing.T) {
	e := New(0)
	date := time.Date(2000, 10, 10, 0, 0, 0, 0, time.UTC)

	got, err := e.EvalTime("date + INTERVAL 1 DAY", testColumns, testRow(date, 1))
	if err != nil {
		t.Fatalf("EvalTime() error = %v", err)
	}
	if want := date.AddDate(0, 0, 1); !got.Equal(want) {
		t.Errorf("EvalTime() = %v, want %v", got, want)
	}

	got, err = e.EvalTime("date", testColumns, testRow(date, 1))
	if err != nil {
		t.Fatalf("EvalTime() error = %v", err)
	}
	if !got.Equal(date) {
		t.Errorf("EvalTime() = %v, want %v", got, date)
	}
}

func TestEvalTime_MonthClamp(t *testing.T) {
	e := New(0)
	date := time.Date(2020, 1, 31, 8, 0, 0, 0, time.UTC)

	got, err := e.EvalTime("date + INTERVAL 1 MONTH", testColumns, testRow(date, 1))
	if err != nil {
		t.Fatalf("EvalTime() error = %v", err)
	}
	if want := time.Date(2020, 2, 29, 8, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("EvalTime() = %v, want %v", got, want)
	}
}

func TestEvalBool(t *testing.T) {
	e := New(0)
	date := time.Now()
	for id, want := range map[int64]bool{1: true, 2: false, 3: true} {
		got, err := e.EvalBool("id % 2 == 1", testColumns, testRow(date, id))
		if err != nil {
			t.Fatalf("EvalBool() error = %v", err)
		}
		if got != want {
			t.Errorf("EvalBool(id=%d) = %v, want %v", id, got, want)
		}
	}
}

func TestEvalValue(t *testing.T) {
	e := New(0)
	row := testRow(time.Now(), 7)

	v, err := e.EvalValue("42", part.TypeInt64, testColumns, row)
	if err != nil {
		t.Fatalf("EvalValue() error = %v", err)
	}
	if v != part.Int(42) {
		t.Errorf("EvalValue() = %v, want 42", v)
	}

	v, err = e.EvalValue("id * 2", part.TypeFloat64, testColumns, row)
	if err != nil {
		t.Fatalf("EvalValue() error = %v", err)
	}
	if v != part.Float(14) {
		t.Errorf("EvalValue() = %v, want 14", v)
	}

	if _, err := e.EvalValue(`"s"`, part.TypeInt64, testColumns, row); !errors.Is(err, ErrEval) {
		t.Errorf("EvalValue(string into Int64) error = %v, want ErrEval", err)
	}
}

func TestEvalAny_Partition(t *testing.T) {
	e := New(0)
	row := testRow(time.Date(2000, 10, 11, 0, 0, 0, 0, time.UTC), 1)

	v, err := e.EvalAny("toYYYYMM(date)", testColumns, row)
	if err != nil {
		t.Fatalf("EvalAny() error = %v", err)
	}
	if v != part.Int(200010) {
		t.Errorf("EvalAny() = %v, want 200010", v)
	}
}

func TestCompile_Errors(t *testing.T) {
	e := New(0)
	tests := []struct {
		src  string
		kind Kind
	}{
		{"missing + 1", KindValue},
		{"date +", KindTime},
		{"name", KindTime},
		{"id + 1", KindBool},
	}
	for _, tt := range tests {
		if err := e.Compile(tt.src, testColumns, tt.kind); !errors.Is(err, ErrCompile) {
			t.Errorf("Compile(%q) error = %v, want ErrCompile", tt.src, err)
		}
	}
	if err := e.Compile("date + INTERVAL 30 MINUTE", testColumns, KindTime); err != nil {
		t.Errorf("Compile() error = %v", err)
	}
}

func TestEval_ShortRow(t *testing.T) {
	e := New(0)
	if _, err := e.EvalBool("id == 1", testColumns, part.Row{part.Int(1)}); !errors.Is(err, ErrEval) {
		t.Errorf("EvalBool() error = %v, want ErrEval", err)
	}
}
