package registry

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestInsertDuplicateName(t *testing.T) {
	r := openTestRegistry(t)

	rec := Record{ID: "aaaa1111", Name: "box1", PID: 111, SocketPath: "/tmp/a.sock", Status: StatusRunning, ConfigJSON: "{}"}
	if err := r.Insert(rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rec2 := rec
	rec2.ID = "bbbb2222"
	if err := r.Insert(rec2); !errors.Is(err, ErrNameInUse) {
		t.Fatalf("expected ErrNameInUse, got %v", err)
	}
}

func TestGetByIDPrefix(t *testing.T) {
	r := openTestRegistry(t)

	must := func(rec Record) {
		t.Helper()
		if err := r.Insert(rec); err != nil {
			t.Fatalf("Insert %s: %v", rec.ID, err)
		}
	}
	must(Record{ID: "abc123", PID: 1, SocketPath: "/tmp/1.sock", Status: StatusRunning, ConfigJSON: "{}"})

	rec, err := r.GetByIDPrefix("abc")
	if err != nil {
		t.Fatalf("GetByIDPrefix: %v", err)
	}
	if rec.ID != "abc123" {
		t.Fatalf("unexpected match: %s", rec.ID)
	}

	must(Record{ID: "abcxyz", PID: 2, SocketPath: "/tmp/2.sock", Status: StatusRunning, ConfigJSON: "{}"})
	if _, err := r.GetByIDPrefix("abc"); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}

	if _, err := r.GetByIDPrefix("zzz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateNameConflict(t *testing.T) {
	r := openTestRegistry(t)
	if err := r.Insert(Record{ID: "id1", Name: "alpha", PID: 1, SocketPath: "/tmp/1.sock", Status: StatusRunning, ConfigJSON: "{}"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := r.Insert(Record{ID: "id2", Name: "beta", PID: 2, SocketPath: "/tmp/2.sock", Status: StatusRunning, ConfigJSON: "{}"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := r.UpdateName("id2", "gamma"); err != nil {
		t.Fatalf("UpdateName: %v", err)
	}
	if err := r.UpdateName("id1", "gamma"); !errors.Is(err, ErrNameInUse) {
		t.Fatalf("expected ErrNameInUse, got %v", err)
	}
	if err := r.UpdateName("id1", "alpha"); err != nil {
		t.Fatalf("UpdateName to own current name should succeed: %v", err)
	}
}

func TestListReturnsAllRecords(t *testing.T) {
	r := openTestRegistry(t)
	for i, id := range []string{"first", "second", "third"} {
		if err := r.Insert(Record{ID: id, PID: i, SocketPath: "/tmp/" + id, Status: StatusRunning, ConfigJSON: "{}"}); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}
	list, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
}

func TestDeleteMissing(t *testing.T) {
	r := openTestRegistry(t)
	if err := r.Delete("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
