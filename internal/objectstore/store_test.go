package objectstore

import (
	"context"
	"errors"
	"testing"
)

func TestMockStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()

	if err := PutBytes(ctx, s, "replicas/r1/t/a.part", []byte("abc"), "application/octet-stream"); err != nil {
		t.Fatalf("PutBytes() error = %v", err)
	}
	got, err := GetBytes(ctx, s, "replicas/r1/t/a.part")
	if err != nil {
		t.Fatalf("GetBytes() error = %v", err)
	}
	if string(got) != "abc" {
		t.Errorf("GetBytes() = %q", got)
	}

	meta, err := s.Head(ctx, "replicas/r1/t/a.part")
	if err != nil || meta.Size != 3 {
		t.Errorf("Head() = %+v, %v", meta, err)
	}

	if err := s.Delete(ctx, "replicas/r1/t/a.part"); err != nil {
		t.Fatal(err)
	}
	if _, err := GetBytes(ctx, s, "replicas/r1/t/a.part"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMockStoreListSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	for _, k := range []string{"p/b", "p/a", "q/c"} {
		PutBytes(ctx, s, k, nil, "")
	}
	list, _ := s.List(ctx, "p/")
	if len(list) != 2 || list[0].Key != "p/a" || list[1].Key != "p/b" {
		t.Errorf("List() = %+v", list)
	}
}

type opRecord struct {
	op    string
	ok    bool
	bytes int64
}

type fakeRecorder struct{ ops []opRecord }

func (r *fakeRecorder) RecordOp(op string, _ float64, success bool, n int64) {
	r.ops = append(r.ops, opRecord{op, success, n})
}

func TestInstrumentedStoreCountsBytes(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	s := NewInstrumentedStore(NewMockStore(), rec)

	PutBytes(ctx, s, "k", []byte("hello"), "")
	if _, err := GetBytes(ctx, s, "k"); err != nil {
		t.Fatal(err)
	}
	GetBytes(ctx, s, "missing")

	want := []opRecord{{"put", true, 5}, {"get", true, 5}, {"get", false, 0}}
	if len(rec.ops) != len(want) {
		t.Fatalf("recorded %+v", rec.ops)
	}
	for i := range want {
		if rec.ops[i] != want[i] {
			t.Errorf("op %d = %+v, want %+v", i, rec.ops[i], want[i])
		}
	}
}

func TestFailureHook(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	boom := errors.New("unreachable")
	s.SetFailureHook(func(op, _ string) error {
		if op == "get" {
			return boom
		}
		return nil
	})
	PutBytes(ctx, s, "k", []byte("x"), "")
	if _, err := GetBytes(ctx, s, "k"); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
}
