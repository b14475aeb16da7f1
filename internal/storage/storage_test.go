package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNodeRoundTrip(t *testing.T) {
	store := newTestStore(t)

	node := &Node{
		Address:               "node-a",
		Name:                  "Clinic A",
		IsEnrollmentAuthority: true,
		IsAuthorized:          true,
		RegisteredAt:          time.Now().UTC(),
	}

	err := store.Mutate(func(tx *Tx) error {
		return tx.PutNode(node)
	})
	if err != nil {
		t.Fatalf("PutNode failed: %v", err)
	}

	got, err := store.GetNode("node-a")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if got.Name != "Clinic A" || !got.IsEnrollmentAuthority || !got.IsAuthorized {
		t.Errorf("node fields did not survive the round trip: %+v", got)
	}
}

func TestGetNodeNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetNode("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubjectRoundTrip(t *testing.T) {
	store := newTestStore(t)

	subject := &Subject{
		ID:             "subject-1",
		CommitmentHash: "abc123",
		Delta:          []byte{0x01, 0x02, 0x03},
		BiometricType:  BiometricFacial,
		EnrolledBy:     "node-a",
		EnrolledAt:     time.Now().UTC(),
		IsActive:       true,
	}

	err := store.Mutate(func(tx *Tx) error {
		return tx.PutSubject(subject)
	})
	if err != nil {
		t.Fatalf("PutSubject failed: %v", err)
	}

	got, err := store.GetSubject("subject-1")
	if err != nil {
		t.Fatalf("GetSubject failed: %v", err)
	}
	if got.CommitmentHash != "abc123" || len(got.Delta) != 3 || !got.IsActive {
		t.Errorf("subject fields did not survive the round trip: %+v", got)
	}
}

func TestMutateRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	sentinel := errors.New("precondition failed")

	err := store.Mutate(func(tx *Tx) error {
		if err := tx.PutNode(&Node{Address: "node-b"}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	if _, err := store.GetNode("node-b"); !errors.Is(err, ErrNotFound) {
		t.Error("a failed transaction must not leave a partial write behind")
	}
}

func TestAppendAuthRecordSequentialIDs(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		err := store.Mutate(func(tx *Tx) error {
			id, err := tx.AppendAuthRecord(&AuthRecord{
				SubjectID: "subject-1",
				Verifier:  "node-a",
				Success:   i%2 == 0,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			if id != uint64(i+1) {
				t.Errorf("expected id %d, got %d", i+1, id)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("AppendAuthRecord failed: %v", err)
		}
	}

	if last := store.LastAuthID(); last != 3 {
		t.Errorf("expected LastAuthID 3, got %d", last)
	}

	record, err := store.GetAuthRecord(2)
	if err != nil {
		t.Fatalf("GetAuthRecord failed: %v", err)
	}
	if record.ID != 2 || record.Success {
		t.Errorf("unexpected record: %+v", record)
	}

	if _, err := store.GetAuthRecord(99); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for absent id, got %v", err)
	}
}

func TestSubjectIndex(t *testing.T) {
	store := newTestStore(t)

	err := store.Mutate(func(tx *Tx) error {
		for _, id := range []string{"s1", "s2", "s3"} {
			if err := tx.AppendSubjectIndex("node-a", id); err != nil {
				return err
			}
		}
		return tx.AppendSubjectIndex("node-b", "s4")
	})
	if err != nil {
		t.Fatalf("AppendSubjectIndex failed: %v", err)
	}

	ids, err := store.SubjectIDsByNode("node-a")
	if err != nil {
		t.Fatalf("SubjectIDsByNode failed: %v", err)
	}
	if len(ids) != 3 || ids[0] != "s1" || ids[2] != "s3" {
		t.Errorf("unexpected ids for node-a: %v", ids)
	}

	ids, err = store.SubjectIDsByNode("unknown")
	if err != nil {
		t.Fatalf("SubjectIDsByNode failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected empty index for unknown node, got %v", ids)
	}
}

func TestMetadataAndCounters(t *testing.T) {
	store := newTestStore(t)

	err := store.Mutate(func(tx *Tx) error {
		if err := tx.SetMetadata(OwnerKey, "node-owner"); err != nil {
			return err
		}
		for i := 0; i < 5; i++ {
			if _, err := tx.IncrementCounter(TotalSubjectsKey); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	owner, ok := store.GetMetadata(OwnerKey)
	if !ok || owner != "node-owner" {
		t.Errorf("expected owner metadata, got %q ok=%v", owner, ok)
	}
	if v := store.GetCounter(TotalSubjectsKey); v != 5 {
		t.Errorf("expected counter 5, got %d", v)
	}
	if v := store.GetCounter(TotalNodesKey); v != 0 {
		t.Errorf("expected untouched counter 0, got %d", v)
	}
}

func TestListPagination(t *testing.T) {
	store := newTestStore(t)

	err := store.Mutate(func(tx *Tx) error {
		for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
			if err := tx.PutSubject(&Subject{ID: id, IsActive: true}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	subjects, err := store.ListSubjects(1, 2)
	if err != nil {
		t.Fatalf("ListSubjects failed: %v", err)
	}
	if len(subjects) != 2 || subjects[0].ID != "s2" || subjects[1].ID != "s3" {
		t.Errorf("unexpected page: %+v", subjects)
	}

	all, err := store.ListSubjects(0, 0)
	if err != nil {
		t.Fatalf("ListSubjects failed: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("expected all 5 subjects with no limit, got %d", len(all))
	}

	none, err := store.ListSubjects(10, 5)
	if err != nil {
		t.Fatalf("ListSubjects failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(none))
	}
}

func TestBiometricTypeValid(t *testing.T) {
	for _, bt := range []BiometricType{BiometricFacial, BiometricFingerprint, BiometricIris, BiometricMultimodal} {
		if !bt.Valid() {
			t.Errorf("%s should be valid", bt)
		}
	}
	if BiometricType("voice").Valid() {
		t.Error("unknown modality must be invalid")
	}
}
