// Package archive implements Archive (C2): the durable store of
// mapping, changelog, and anchor rows described in spec §4.2. Grounded
// on tonimelisma-onedrive-go/internal/sync/ledger.go's SQLite-backed,
// sole-writer persistence design, with schema migrations following
// that package's migrations.go goose pattern, and on the teacher's
// FileStorage atomic tmp+rename writes for the no-cgo fallback.
package archive

import (
	"github.com/b-open-io/opensync/model"
)

// Archive is the durable store behind one group: mapping rows, ignored
// entries, and per-member/objtype anchors. All writes are atomic with
// respect to process crashes.
type Archive interface {
	// LoadMappings returns the persisted MappingTable for one objtype,
	// rebuilding an empty table if none exists yet.
	LoadMappings(objType model.ObjType) (*model.MappingTable, error)
	// SaveMapping persists or updates one mapping row.
	SaveMapping(m *model.Mapping) error
	// DeleteMapping drops a mapping row once every entry is DELETED
	// and written.
	DeleteMapping(objType model.ObjType, id int64) error

	// LoadIgnored returns mapping ids pending from a prior IGNORE
	// conflict resolution.
	LoadIgnored(objType model.ObjType) ([]int64, error)
	SaveIgnored(objType model.ObjType, ids []int64) error

	// SaveAnchor/GetAnchor manage the plugin-opaque SinkStateDB token
	// used to detect slow-sync.
	SaveAnchor(member model.MemberID, objType model.ObjType, key, value string) error
	GetAnchor(member model.MemberID, objType model.ObjType, key string) (string, bool, error)

	// SaveHashtable/LoadHashtable persist one member/objtype's
	// Hashtable rows (spec §4.2's Hashtable/MappingTable bijection
	// survives restarts only if both sides are durable). SaveHashtable
	// replaces the full row set; LoadHashtable returns nil, nil when
	// nothing has been saved yet, so a fresh member starts from an
	// empty Table exactly as hashtable.New() would.
	SaveHashtable(member model.MemberID, objType model.ObjType, entries []model.HashEntry) error
	LoadHashtable(member model.MemberID, objType model.ObjType) ([]model.HashEntry, error)

	// Repair drops mapping rows whose member_id no longer references a
	// currently-declared member (spec §4.7's cheap consistency check).
	Repair(knownMembers map[model.MemberID]bool) error

	Close() error
}
