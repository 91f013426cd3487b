package archive

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/b-open-io/opensync/model"
)

func TestFileArchiveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.json")
	a, err := NewFileArchive(path)
	if err != nil {
		t.Fatalf("NewFileArchive: %v", err)
	}

	m := model.NewMapping(1, "contact")
	m.Put(model.MappingEntry{Member: "m1", UID: "u1"})
	m.Put(model.MappingEntry{Member: "m2", UID: "u2"})
	if err := a.SaveMapping(m); err != nil {
		t.Fatalf("SaveMapping: %v", err)
	}

	// Reopen to verify the snapshot was persisted to disk.
	reopened, err := NewFileArchive(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	table, err := reopened.LoadMappings("contact")
	if err != nil {
		t.Fatalf("LoadMappings: %v", err)
	}
	if len(table.Mappings) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(table.Mappings))
	}
	if table.Mappings[0].Entries["m1"].UID != "u1" {
		t.Fatalf("unexpected entries: %+v", table.Mappings[0].Entries)
	}
}

func TestFileArchiveDeleteMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.json")
	a, err := NewFileArchive(path)
	if err != nil {
		t.Fatalf("NewFileArchive: %v", err)
	}
	m := model.NewMapping(1, "contact")
	m.Put(model.MappingEntry{Member: "m1", UID: "u1"})
	if err := a.SaveMapping(m); err != nil {
		t.Fatalf("SaveMapping: %v", err)
	}
	if err := a.DeleteMapping("contact", 1); err != nil {
		t.Fatalf("DeleteMapping: %v", err)
	}
	table, err := a.LoadMappings("contact")
	if err != nil {
		t.Fatalf("LoadMappings: %v", err)
	}
	if len(table.Mappings) != 0 {
		t.Fatalf("expected mapping dropped, got %d", len(table.Mappings))
	}
}

func TestFileArchiveAnchors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.json")
	a, err := NewFileArchive(path)
	if err != nil {
		t.Fatalf("NewFileArchive: %v", err)
	}
	if err := a.SaveAnchor("m1", "contact", "path", "/db/contacts"); err != nil {
		t.Fatalf("SaveAnchor: %v", err)
	}
	v, ok, err := a.GetAnchor("m1", "contact", "path")
	if err != nil || !ok || v != "/db/contacts" {
		t.Fatalf("GetAnchor: v=%q ok=%v err=%v", v, ok, err)
	}
	_, ok, err = a.GetAnchor("m1", "contact", "missing")
	if err != nil || ok {
		t.Fatalf("expected missing anchor to report !ok")
	}
}

func TestFileArchiveHashtableRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.json")
	a, err := NewFileArchive(path)
	if err != nil {
		t.Fatalf("NewFileArchive: %v", err)
	}

	entries := []model.HashEntry{{UID: "u1", Hash: "h1"}, {UID: "u2", Hash: "h2"}}
	if err := a.SaveHashtable("m1", "contact", entries); err != nil {
		t.Fatalf("SaveHashtable: %v", err)
	}

	reopened, err := NewFileArchive(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.LoadHashtable("m1", "contact")
	if err != nil {
		t.Fatalf("LoadHashtable: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hash rows, got %d", len(got))
	}

	missing, err := reopened.LoadHashtable("m2", "contact")
	if err != nil {
		t.Fatalf("LoadHashtable missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for a member with no saved hashtable, got %+v", missing)
	}
}

func TestFileArchiveRepairDropsOrphans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.json")
	a, err := NewFileArchive(path)
	if err != nil {
		t.Fatalf("NewFileArchive: %v", err)
	}
	m := model.NewMapping(1, "contact")
	m.Put(model.MappingEntry{Member: "gone", UID: "u1"})
	m.Put(model.MappingEntry{Member: "stays", UID: "u2"})
	if err := a.SaveMapping(m); err != nil {
		t.Fatalf("SaveMapping: %v", err)
	}

	if err := a.Repair(map[model.MemberID]bool{"stays": true}); err != nil {
		t.Fatalf("Repair: %v", err)
	}

	table, err := a.LoadMappings("contact")
	if err != nil {
		t.Fatalf("LoadMappings: %v", err)
	}
	if len(table.Mappings) != 1 {
		t.Fatalf("expected mapping to survive with remaining member, got %d", len(table.Mappings))
	}
	if _, ok := table.Mappings[0].Entries["gone"]; ok {
		t.Fatal("expected orphan member entry removed")
	}
}

func TestSQLiteArchiveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	a, err := OpenSQLite(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer a.Close()

	m := model.NewMapping(1, "contact")
	m.Put(model.MappingEntry{Member: "m1", UID: "u1"})
	if err := a.SaveMapping(m); err != nil {
		t.Fatalf("SaveMapping: %v", err)
	}

	table, err := a.LoadMappings("contact")
	if err != nil {
		t.Fatalf("LoadMappings: %v", err)
	}
	if len(table.Mappings) != 1 || table.Mappings[0].Entries["m1"].UID != "u1" {
		t.Fatalf("unexpected table: %+v", table)
	}

	if err := a.SaveAnchor("m1", "contact", "path", "/x"); err != nil {
		t.Fatalf("SaveAnchor: %v", err)
	}
	v, ok, err := a.GetAnchor("m1", "contact", "path")
	if err != nil || !ok || v != "/x" {
		t.Fatalf("GetAnchor: %q %v %v", v, ok, err)
	}

	entries := []model.HashEntry{{UID: "u1", Hash: "h1"}}
	if err := a.SaveHashtable("m1", "contact", entries); err != nil {
		t.Fatalf("SaveHashtable: %v", err)
	}
	got, err := a.LoadHashtable("m1", "contact")
	if err != nil || len(got) != 1 || got[0].Hash != "h1" {
		t.Fatalf("LoadHashtable: %+v err=%v", got, err)
	}

	// Overwriting replaces the full row set rather than appending.
	if err := a.SaveHashtable("m1", "contact", []model.HashEntry{{UID: "u2", Hash: "h2"}}); err != nil {
		t.Fatalf("SaveHashtable overwrite: %v", err)
	}
	got, err = a.LoadHashtable("m1", "contact")
	if err != nil || len(got) != 1 || got[0].UID != "u2" {
		t.Fatalf("expected overwrite to replace rows, got %+v err=%v", got, err)
	}
}
