package hashtable

import (
	"testing"

	"github.com/b-open-io/opensync/model"
)

func TestClassification(t *testing.T) {
	tbl := New()

	if ct := tbl.GetChangeType("u1", "h1"); ct != model.Added {
		t.Fatalf("expected ADDED for unknown uid, got %s", ct)
	}
	tbl.UpdateChange(&model.Change{UID: "u1", Hash: "h1", Type: model.Added})

	tbl.Reset()
	if ct := tbl.GetChangeType("u1", "h1"); ct != model.Unmodified {
		t.Fatalf("expected UNMODIFIED for matching hash, got %s", ct)
	}
	if ct := tbl.GetChangeType("u1", "h2"); ct != model.Modified {
		t.Fatalf("expected MODIFIED for differing hash, got %s", ct)
	}
}

func TestGetDeleted(t *testing.T) {
	tbl := New()
	tbl.UpdateChange(&model.Change{UID: "u1", Hash: "h1", Type: model.Added})
	tbl.UpdateChange(&model.Change{UID: "u2", Hash: "h2", Type: model.Added})

	tbl.Reset()
	tbl.UpdateChange(&model.Change{UID: "u1", Hash: "h1", Type: model.Unmodified})
	// u2 never touched this round -> deleted

	deleted := tbl.GetDeleted()
	if len(deleted) != 1 || deleted[0] != "u2" {
		t.Fatalf("expected only u2 deleted, got %v", deleted)
	}
}

func TestSlowsyncForcesAdded(t *testing.T) {
	tbl := New()
	tbl.UpdateChange(&model.Change{UID: "u1", Hash: "h1", Type: model.Added})
	tbl.Slowsync()

	if ct := tbl.GetChangeType("u1", "h1"); ct != model.Added {
		t.Fatalf("expected ADDED after slowsync, got %s", ct)
	}
}

func TestDeletedRemovesEntry(t *testing.T) {
	tbl := New()
	tbl.UpdateChange(&model.Change{UID: "u1", Hash: "h1", Type: model.Added})
	tbl.Reset()
	tbl.UpdateChange(&model.Change{UID: "u1", Type: model.Deleted})

	if ct := tbl.GetChangeType("u1", "anything"); ct != model.Added {
		t.Fatalf("expected deleted uid to classify as ADDED if reported again, got %s", ct)
	}
}

func TestComputeHashStable(t *testing.T) {
	a := ComputeHash([]byte("hello"))
	b := ComputeHash([]byte("hello"))
	c := ComputeHash([]byte("world"))
	if a != b {
		t.Fatal("hash must be stable for identical input")
	}
	if a == c {
		t.Fatal("hash should differ for different input")
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex digits, got %d", len(a))
	}
}
