// Package mapper implements ChangeMapper (C5): for one objtype, ties
// changes reported by different members into Mappings, using archive
// history first and then format-level compare for unmapped adds.
// Grounded on the teacher's SyncManager.calculateChanges (sync.go) as
// the anti-pattern to improve on -- that function does a naive
// JSON-string diff; this package does the real per-entity comparison
// the spec requires, via format.Env's compare/convert operations.
package mapper

import (
	"github.com/b-open-io/opensync/format"
	"github.com/b-open-io/opensync/model"
)

// Result partitions one round's mapping work the way §4.5 describes.
type Result struct {
	NoOp       []*model.Mapping
	Solved     []*model.Mapping
	Conflicted []*model.Mapping
}

// Mapper runs the matching rules for one objtype's sync round. It is
// re-created per round; it holds no state across rounds (Archive and
// the MappingTable do).
type Mapper struct {
	env *format.Env
}

func New(env *format.Env) *Mapper {
	return &Mapper{env: env}
}

type candidate struct {
	member model.MemberID
	change model.Change
	parent int // union-find parent index; equals the node's own index at a root
}

// Map runs rules 1-5 against one round's reported changes. memberOrder
// fixes the deterministic iteration order the spec requires; erroredMembers
// lists members tainted earlier in the round, whose changes contribute
// nothing to new mappings (but whose pre-existing archive entries are
// left untouched).
func (m *Mapper) Map(
	objType model.ObjType,
	table *model.MappingTable,
	changesByMember map[model.MemberID][]model.Change,
	memberOrder []model.MemberID,
	erroredMembers map[model.MemberID]bool,
) (*Result, error) {
	touched := make(map[int64]bool)

	var unmatchedAdded []candidate

	// Rule 1 (archive match) and rule 2 (new mapping for unmapped
	// DELETED/MODIFIED). ADDED changes with no archive match are
	// deferred to rule 3.
	for _, member := range memberOrder {
		if erroredMembers[member] {
			continue
		}
		for _, c := range changesByMember[member] {
			existing := table.Find(member, c.UID)
			if existing != nil {
				cc := c
				existing.Put(model.MappingEntry{Member: member, UID: c.UID, Change: &cc})
				touched[existing.ID] = true
				continue
			}

			switch c.Type {
			case model.Deleted, model.Modified:
				// No archive predecessor for a DELETED/MODIFIED report
				// is an inconsistency (the member reported a uid the
				// archive never saw); still create a mapping for it so
				// the round can proceed instead of dropping the change.
				row := table.NewRow()
				cc := c
				row.Put(model.MappingEntry{Member: member, UID: c.UID, Change: &cc})
				touched[row.ID] = true
			case model.Added:
				unmatchedAdded = append(unmatchedAdded, candidate{member: member, change: c, parent: -1})
			}
		}
	}

	// Rule 3 + 4: cross-member grouping of unmapped ADDED changes via
	// union-find over pairwise compare results.
	for i := range unmatchedAdded {
		unmatchedAdded[i].parent = i
	}
	find := func(i int) int {
		for unmatchedAdded[i].parent != i {
			unmatchedAdded[i].parent = unmatchedAdded[unmatchedAdded[i].parent].parent
			i = unmatchedAdded[i].parent
		}
		return i
	}
	union := func(i, j int) {
		ri, rj := find(i), find(j)
		if ri != rj {
			unmatchedAdded[rj].parent = ri
		}
	}

	type pairResult struct {
		i, j   int
		result model.CompareResult
	}
	var same, similar []pairResult

	for i := 0; i < len(unmatchedAdded); i++ {
		for j := i + 1; j < len(unmatchedAdded); j++ {
			if unmatchedAdded[i].member == unmatchedAdded[j].member {
				continue // i != j members required by rule 3
			}
			res, ok := m.compare(unmatchedAdded[i].change, unmatchedAdded[j].change)
			if !ok {
				continue
			}
			switch res {
			case model.Same:
				same = append(same, pairResult{i, j, res})
			case model.Similar:
				similar = append(similar, pairResult{i, j, res})
			}
		}
	}

	// SAME pairs union greedily first.
	hasSameOption := make(map[int]bool)
	for _, pr := range same {
		union(pr.i, pr.j)
		hasSameOption[pr.i] = true
		hasSameOption[pr.j] = true
	}
	// SIMILAR pairs union only when neither side has a SAME option
	// elsewhere -- prevents picking a SIMILAR partner when a SAME one
	// exists (the "same+similar" bug from spec §4.5 rule 4).
	for _, pr := range similar {
		if hasSameOption[pr.i] || hasSameOption[pr.j] {
			continue
		}
		union(pr.i, pr.j)
	}

	groups := make(map[int][]int)
	var roots []int
	for i := range unmatchedAdded {
		root := find(i)
		if _, ok := groups[root]; !ok {
			roots = append(roots, root)
		}
		groups[root] = append(groups[root], i)
	}
	for _, root := range roots {
		members := groups[root]
		row := table.NewRow()
		for _, idx := range members {
			c := unmatchedAdded[idx]
			cc := c.change
			row.Put(model.MappingEntry{Member: c.member, UID: c.change.UID, Change: &cc})
		}
		touched[row.ID] = true
	}

	// Rule 5: conflict detection, restricted to mappings touched this
	// round (no-op mappings from a prior round stay in whatever bucket
	// they last resolved to and are not re-examined).
	result := &Result{}
	for _, row := range table.Mappings {
		if !touched[row.ID] {
			continue
		}
		if !row.Solved() {
			result.Conflicted = append(result.Conflicted, row)
			continue
		}
		if m.hasCompareConflict(row) {
			result.Conflicted = append(result.Conflicted, row)
			continue
		}
		if m.isNoOp(row) {
			result.NoOp = append(result.NoOp, row)
		} else {
			result.Solved = append(result.Solved, row)
		}
	}

	return result, nil
}

// compare converts a and b to a common format (preferring a's format as
// the target) and runs that format's compare function.
func (m *Mapper) compare(a, b model.Change) (model.CompareResult, bool) {
	target := a.Format
	bConverted := b
	if b.Format != target {
		path, ok := m.env.FindPath(b.Format, b.ObjType, b.Data, []string{target})
		if !ok {
			return 0, false
		}
		if err := m.env.Convert(&bConverted, path); err != nil {
			return 0, false
		}
	}
	f, ok := m.env.FindFormat(target)
	if !ok || f.Compare == nil {
		return 0, false
	}
	return f.Compare(&a, &bConverted), true
}

// hasCompareConflict reports whether any pair of ADDED/MODIFIED entries
// in the mapping compares SIMILAR or DIFFERENT: "pure one member
// modified, others unchanged" is not a conflict, so UNMODIFIED/absent
// entries are excluded from the pairwise check.
func (m *Mapper) hasCompareConflict(row *model.Mapping) bool {
	var changed []model.Change
	for _, e := range row.Entries {
		if e.Change == nil {
			continue
		}
		if e.Change.Type == model.Added || e.Change.Type == model.Modified {
			changed = append(changed, *e.Change)
		}
	}
	for i := 0; i < len(changed); i++ {
		for j := i + 1; j < len(changed); j++ {
			res, ok := m.compare(changed[i], changed[j])
			if !ok {
				continue
			}
			if res != model.Same {
				return true
			}
		}
	}
	return false
}

func (m *Mapper) isNoOp(row *model.Mapping) bool {
	for _, e := range row.Entries {
		if e.Change != nil && e.Change.Type != model.Unmodified {
			return false
		}
	}
	return true
}

// MustCompareEnv is a defensive guard a caller constructing a Mapper
// can use to fail fast if env is nil, rather than panicking deep inside
// Map on the first cross-member comparison.
func MustCompareEnv(env *format.Env) *format.Env {
	if env == nil {
		panic("mapper: nil format.Env")
	}
	return env
}
