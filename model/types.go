package model

import "time"

// MemberID identifies one member (endpoint) within a group. Opaque to
// every component except the owning plugin.
type MemberID string

// ObjType names a class of synchronizable entities: contact, event,
// note, file, ...
type ObjType string

// UID is a member-local identifier for one logical entity. Opaque to
// the core; only the owning member interprets it.
type UID string

// ChangeType classifies a reported delta.
type ChangeType int

const (
	Unknown ChangeType = iota
	Added
	Modified
	Deleted
	Unmodified
)

func (c ChangeType) String() string {
	switch c {
	case Added:
		return "ADDED"
	case Modified:
		return "MODIFIED"
	case Deleted:
		return "DELETED"
	case Unmodified:
		return "UNMODIFIED"
	default:
		return "UNKNOWN"
	}
}

// CompareResult is the outcome of an ObjectFormat's compare(a, b).
type CompareResult int

const (
	Same CompareResult = iota
	Similar
	Different
)

func (r CompareResult) String() string {
	switch r {
	case Same:
		return "SAME"
	case Similar:
		return "SIMILAR"
	default:
		return "DIFFERENT"
	}
}

// Change is one reported delta from a member: what changed, its blob,
// and the format the blob is encoded in.
type Change struct {
	UID        UID
	Hash       string
	Type       ChangeType
	Data       []byte
	Format     string // ObjectFormat name
	ObjType    ObjType
	Member     MemberID
	ReceivedAt time.Time
}

// MappingEntry is one member's side of a Mapping: the uid it knows the
// logical entity by, and the change (if any) reported this round.
type MappingEntry struct {
	Member MemberID
	UID    UID
	Change *Change
}

// Mapping is a cross-member identity record: at most one entry per
// member, at least one entry total, all entries referring to the same
// logical entity.
type Mapping struct {
	ID      int64
	ObjType ObjType
	Entries map[MemberID]MappingEntry
}

func NewMapping(id int64, objType ObjType) *Mapping {
	return &Mapping{ID: id, ObjType: objType, Entries: make(map[MemberID]MappingEntry)}
}

// Put sets or replaces this mapping's entry for a member.
func (m *Mapping) Put(e MappingEntry) {
	m.Entries[e.Member] = e
}

// Solved reports whether every entry in the mapping carries a
// non-conflicting change (or none at all, meaning nothing to do).
// Conflict detection itself lives in the mapper package, which has
// access to format comparison; Solved here only checks the mechanical
// precondition the ObjEngine needs before it may write back: no two
// entries may show ADDED and DELETED simultaneously.
func (m *Mapping) Solved() bool {
	sawAdded, sawDeleted := false, false
	for _, e := range m.Entries {
		if e.Change == nil {
			continue
		}
		switch e.Change.Type {
		case Added:
			sawAdded = true
		case Deleted:
			sawDeleted = true
		}
	}
	return !(sawAdded && sawDeleted)
}

// MappingTable is a per-objtype collection of Mappings.
type MappingTable struct {
	ObjType  ObjType
	Mappings []*Mapping
	nextID   int64
}

func NewMappingTable(objType ObjType) *MappingTable {
	return &MappingTable{ObjType: objType}
}

// NewRow allocates a fresh Mapping and appends it to the table.
func (t *MappingTable) NewRow() *Mapping {
	t.nextID++
	m := NewMapping(t.nextID, t.ObjType)
	t.Mappings = append(t.Mappings, m)
	return m
}

// SetNextID seeds the table's row-id allocator, used when rebuilding a
// table from persisted rows so future NewRow calls don't collide.
func (t *MappingTable) SetNextID(id int64) {
	if id > t.nextID {
		t.nextID = id
	}
}

// Drop removes a mapping (all entries became DELETED and were written).
func (t *MappingTable) Drop(id int64) {
	for i, m := range t.Mappings {
		if m.ID == id {
			t.Mappings = append(t.Mappings[:i], t.Mappings[i+1:]...)
			return
		}
	}
}

// Find looks up the mapping containing (member, uid), the "archive
// match" step of ChangeMapper rule 1.
func (t *MappingTable) Find(member MemberID, uid UID) *Mapping {
	for _, m := range t.Mappings {
		if e, ok := m.Entries[member]; ok && e.UID == uid {
			return m
		}
	}
	return nil
}

// HashEntry is one Hashtable row: "what I reported last time,
// successfully."
type HashEntry struct {
	UID  UID
	Hash string
}

// ConflictPolicy is the fixed menu of conflict resolutions; UI callbacks
// provide the actual choice, never a policy of their own invention.
type ConflictPolicy int

const (
	PolicyNone ConflictPolicy = iota
	PolicyPickMember
	PolicyPickLatest
	PolicyDuplicate
	PolicyIgnore
	PolicyDelete
	PolicyAbort
)

// EventKind enumerates the statuses EngineCore emits to its callbacks.
type EventKind string

const (
	EventConnected      EventKind = "CONNECTED"
	EventConnectDone    EventKind = "CONNECT_DONE"
	EventRead           EventKind = "READ"
	EventMapped         EventKind = "MAPPED"
	EventMultiplied     EventKind = "MULTIPLIED"
	EventWritten        EventKind = "WRITTEN"
	EventSyncDone       EventKind = "SYNC_DONE"
	EventDisconnected   EventKind = "DISCONNECTED"
	EventSuccessful     EventKind = "SUCCESSFUL"
	EventError          EventKind = "ERROR"
	EventPrevUnclean    EventKind = "PREV_UNCLEAN"
	EventEndConflicts   EventKind = "END_CONFLICTS"
)

// StatusUpdate is the payload carried to engine/member/change/mapping
// callbacks: an event kind plus whatever it happened about, and the
// offending error if any.
type StatusUpdate struct {
	Kind    EventKind
	Member  MemberID
	ObjType ObjType
	Mapping *Mapping
	Err     error
}
