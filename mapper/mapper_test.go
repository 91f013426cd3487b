package mapper

import (
	"bytes"
	"testing"

	"github.com/b-open-io/opensync/format"
	"github.com/b-open-io/opensync/model"
)

func plainEnv() *format.Env {
	env := format.NewEnv()
	env.RegisterFormat(&format.ObjectFormat{
		Name:    "plainfile",
		ObjType: "file",
		Compare: func(a, b *model.Change) model.CompareResult {
			if bytes.Equal(a.Data, b.Data) {
				return model.Same
			}
			return model.Different
		},
	})
	return env
}

func TestTrivialAddNoArchiveCreatesMapping(t *testing.T) {
	env := plainEnv()
	mp := New(env)
	table := model.NewMappingTable("file")

	changes := map[model.MemberID][]model.Change{
		"m1": {{UID: "testdata", Type: model.Added, Format: "plainfile", ObjType: "file", Data: []byte("hello")}},
	}
	result, err := mp.Map("file", table, changes, []model.MemberID{"m1"}, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(result.Solved) != 1 {
		t.Fatalf("expected 1 solved mapping for single-member add, got %d", len(result.Solved))
	}
}

func TestSameAddedAcrossMembersMerges(t *testing.T) {
	env := plainEnv()
	mp := New(env)
	table := model.NewMappingTable("file")

	changes := map[model.MemberID][]model.Change{
		"m1": {{UID: "testdata", Type: model.Added, Format: "plainfile", ObjType: "file", Data: []byte("hello")}},
		"m2": {{UID: "testdata2", Type: model.Added, Format: "plainfile", ObjType: "file", Data: []byte("hello")}},
	}
	result, err := mp.Map("file", table, changes, []model.MemberID{"m1", "m2"}, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	total := len(result.Solved) + len(result.NoOp) + len(result.Conflicted)
	if total != 1 {
		t.Fatalf("expected the SAME pair to merge into one mapping, got %d mappings", total)
	}
	if len(result.Conflicted) != 0 {
		t.Fatal("identical content must not conflict")
	}
	merged := append(append(result.Solved, result.NoOp...), result.Conflicted...)[0]
	if len(merged.Entries) != 2 {
		t.Fatalf("expected merged mapping to have 2 entries, got %d", len(merged.Entries))
	}
}

func TestDifferentAddedStaySeparate(t *testing.T) {
	env := plainEnv()
	mp := New(env)
	table := model.NewMappingTable("file")

	changes := map[model.MemberID][]model.Change{
		"m1": {{UID: "a", Type: model.Added, Format: "plainfile", ObjType: "file", Data: []byte("xxx")}},
		"m2": {{UID: "b", Type: model.Added, Format: "plainfile", ObjType: "file", Data: []byte("yyy")}},
	}
	result, err := mp.Map("file", table, changes, []model.MemberID{"m1", "m2"}, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	total := len(result.Solved) + len(result.NoOp) + len(result.Conflicted)
	if total != 2 {
		t.Fatalf("expected 2 separate mappings for different content, got %d", total)
	}
}

func TestConflictDetectedOnDivergentModify(t *testing.T) {
	env := plainEnv()
	mp := New(env)
	table := model.NewMappingTable("file")
	row := table.NewRow()
	row.Put(model.MappingEntry{Member: "m1", UID: "t"})
	row.Put(model.MappingEntry{Member: "m2", UID: "t"})

	changes := map[model.MemberID][]model.Change{
		"m1": {{UID: "t", Type: model.Modified, Format: "plainfile", ObjType: "file", Data: []byte("alpha")}},
		"m2": {{UID: "t", Type: model.Modified, Format: "plainfile", ObjType: "file", Data: []byte("beta")}},
	}
	result, err := mp.Map("file", table, changes, []model.MemberID{"m1", "m2"}, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(result.Conflicted) != 1 {
		t.Fatalf("expected a conflict for divergent modify, got solved=%d conflicted=%d",
			len(result.Solved), len(result.Conflicted))
	}
}

// mockEnv mirrors the original_source mock plugin's format compare
// (tests/mock-plugin/mock_sync.c): identical bytes are SAME, same
// length but different bytes is SIMILAR (a same-size overwrite most
// mock formats can't tell apart from a near-duplicate), anything else
// is DIFFERENT.
func mockEnv() *format.Env {
	env := format.NewEnv()
	env.RegisterFormat(&format.ObjectFormat{
		Name:    "mockfile",
		ObjType: "file",
		Compare: func(a, b *model.Change) model.CompareResult {
			if bytes.Equal(a.Data, b.Data) {
				return model.Same
			}
			if len(a.Data) == len(b.Data) {
				return model.Similar
			}
			return model.Different
		},
	})
	return env
}

// TestSameBeforeSimilarAvoidsSpuriousConflict reproduces the original
// upstream engine's bug #883 regression
// (tests/engine-tests/check_mapping_engine.c's
// mapping_engine_same_similar_conflict): member1 reports two entries of
// equal size, member2 reports only the one that is byte-identical to
// one of them. EntryB's SIMILAR compare against member2's entry must
// not pull it into member1's EntryA/member2 SAME pairing just because
// nothing else claimed it first.
func TestSameBeforeSimilarAvoidsSpuriousConflict(t *testing.T) {
	env := mockEnv()
	mp := New(env)
	table := model.NewMappingTable("file")

	changes := map[model.MemberID][]model.Change{
		"m1": {
			{UID: "entryA", Type: model.Added, Format: "mockfile", ObjType: "file", Data: []byte("xxx")},
			{UID: "entryB", Type: model.Added, Format: "mockfile", ObjType: "file", Data: []byte("xxy")},
		},
		"m2": {
			{UID: "entryA2", Type: model.Added, Format: "mockfile", ObjType: "file", Data: []byte("xxx")},
		},
	}
	result, err := mp.Map("file", table, changes, []model.MemberID{"m1", "m2"}, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(result.Conflicted) != 0 {
		t.Fatalf("entryB must not be dragged into entryA's SAME mapping as a conflict, got %d conflicted", len(result.Conflicted))
	}
	total := len(result.Solved) + len(result.NoOp)
	if total != 2 {
		t.Fatalf("expected entryA+entryA2 merged and entryB standing alone (2 mappings), got %d", total)
	}
	for _, m := range append(append([]*model.Mapping{}, result.Solved...), result.NoOp...) {
		if len(m.Entries) == 1 {
			continue // entryB, unmatched
		}
		if len(m.Entries) != 2 {
			t.Fatalf("expected entryA's merge to have exactly 2 entries, got %d", len(m.Entries))
		}
	}
}

// TestSameBeforeSimilarOrderIndependent is the order-swapped variant
// from check_mapping_engine.c's mapping_engine_same_similar_conflict2:
// member2's lone report matches member1's SECOND entry exactly, rather
// than its first, to guard against a mapping-selection bug that only
// shows up for one iteration order.
func TestSameBeforeSimilarOrderIndependent(t *testing.T) {
	env := mockEnv()
	mp := New(env)
	table := model.NewMappingTable("file")

	changes := map[model.MemberID][]model.Change{
		"m1": {
			{UID: "entryA", Type: model.Added, Format: "mockfile", ObjType: "file", Data: []byte("xxy")},
			{UID: "entryB", Type: model.Added, Format: "mockfile", ObjType: "file", Data: []byte("xxx")},
		},
		"m2": {
			{UID: "entryB2", Type: model.Added, Format: "mockfile", ObjType: "file", Data: []byte("xxx")},
		},
	}
	result, err := mp.Map("file", table, changes, []model.MemberID{"m1", "m2"}, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(result.Conflicted) != 0 {
		t.Fatalf("entryA must not be dragged into entryB's SAME mapping as a conflict, got %d conflicted", len(result.Conflicted))
	}
	total := len(result.Solved) + len(result.NoOp)
	if total != 2 {
		t.Fatalf("expected entryB+entryB2 merged and entryA standing alone (2 mappings), got %d", total)
	}
}

func TestErroredMemberContributesNothing(t *testing.T) {
	env := plainEnv()
	mp := New(env)
	table := model.NewMappingTable("file")

	changes := map[model.MemberID][]model.Change{
		"m1": {{UID: "a", Type: model.Added, Format: "plainfile", ObjType: "file", Data: []byte("xxx")}},
		"m2": {{UID: "b", Type: model.Added, Format: "plainfile", ObjType: "file", Data: []byte("xxx")}},
	}
	result, err := mp.Map("file", table, changes, []model.MemberID{"m1", "m2"}, map[model.MemberID]bool{"m2": true})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	total := len(result.Solved) + len(result.NoOp) + len(result.Conflicted)
	if total != 1 {
		t.Fatalf("expected errored member's change excluded, got %d mappings", total)
	}
}
