package consensus

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/hashicorp/raft"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "raft.db"))
	if err != nil {
		t.Fatalf("failed to create bolt store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLogStoreRoundTrip(t *testing.T) {
	store := newTestBoltStore(t)

	first, err := store.FirstIndex()
	if err != nil || first != 0 {
		t.Errorf("expected empty log, got first=%d err=%v", first, err)
	}

	logs := []*raft.Log{
		{Index: 1, Term: 1, Type: raft.LogCommand, Data: []byte("one")},
		{Index: 2, Term: 1, Type: raft.LogCommand, Data: []byte("two")},
		{Index: 3, Term: 2, Type: raft.LogNoop},
	}
	if err := store.StoreLogs(logs); err != nil {
		t.Fatalf("StoreLogs failed: %v", err)
	}

	first, _ = store.FirstIndex()
	last, _ := store.LastIndex()
	if first != 1 || last != 3 {
		t.Errorf("expected range [1,3], got [%d,%d]", first, last)
	}

	var got raft.Log
	if err := store.GetLog(2, &got); err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}
	if got.Term != 1 || string(got.Data) != "two" {
		t.Errorf("unexpected log entry: %+v", got)
	}

	if err := store.GetLog(99, &got); !errors.Is(err, raft.ErrLogNotFound) {
		t.Errorf("expected ErrLogNotFound, got %v", err)
	}
}

func TestDeleteRange(t *testing.T) {
	store := newTestBoltStore(t)

	for i := uint64(1); i <= 5; i++ {
		if err := store.StoreLog(&raft.Log{Index: i, Term: 1}); err != nil {
			t.Fatalf("StoreLog failed: %v", err)
		}
	}

	if err := store.DeleteRange(1, 3); err != nil {
		t.Fatalf("DeleteRange failed: %v", err)
	}

	first, _ := store.FirstIndex()
	last, _ := store.LastIndex()
	if first != 4 || last != 5 {
		t.Errorf("expected range [4,5] after delete, got [%d,%d]", first, last)
	}

	var got raft.Log
	if err := store.GetLog(2, &got); !errors.Is(err, raft.ErrLogNotFound) {
		t.Errorf("deleted entry must be gone, got %v", err)
	}
}

func TestStableStore(t *testing.T) {
	store := newTestBoltStore(t)

	if err := store.Set([]byte("term-owner"), []byte("node-1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, err := store.Get([]byte("term-owner"))
	if err != nil || string(val) != "node-1" {
		t.Errorf("expected node-1, got %q err=%v", val, err)
	}

	val, err = store.Get([]byte("absent"))
	if err != nil || len(val) != 0 {
		t.Errorf("absent key must return empty value, got %q err=%v", val, err)
	}

	if err := store.SetUint64([]byte("current-term"), 7); err != nil {
		t.Fatalf("SetUint64 failed: %v", err)
	}
	n, err := store.GetUint64([]byte("current-term"))
	if err != nil || n != 7 {
		t.Errorf("expected 7, got %d err=%v", n, err)
	}

	n, err = store.GetUint64([]byte("absent"))
	if err != nil || n != 0 {
		t.Errorf("absent counter must be 0, got %d err=%v", n, err)
	}
}
