// Package hashtable implements the per-(member, objtype) uid->hash map
// that classifies reported changes into ADDED/MODIFIED/UNMODIFIED/
// DELETED. Grounded on the teacher's Hashtable-adjacent config-diffing
// in sync.go (calculateChanges), generalized here into the real
// hash-comparison rule the spec requires instead of a JSON string diff.
package hashtable

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/b-open-io/opensync/model"
)

// Table is one member's hashtable for one objtype: "what I reported
// last time, successfully."
type Table struct {
	mu      sync.Mutex
	entries map[model.UID]string
	seen    map[model.UID]bool // touched this round
}

func New() *Table {
	return &Table{
		entries: make(map[model.UID]string),
		seen:    make(map[model.UID]bool),
	}
}

// Load replaces the table's contents, e.g. after reading from Archive.
func (t *Table) Load(entries []model.HashEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[model.UID]string, len(entries))
	for _, e := range entries {
		t.entries[e.UID] = e.Hash
	}
	t.seen = make(map[model.UID]bool)
}

// Save returns the table's contents for persistence.
func (t *Table) Save() []model.HashEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.HashEntry, 0, len(t.entries))
	for uid, hash := range t.entries {
		out = append(out, model.HashEntry{UID: uid, Hash: hash})
	}
	return out
}

// GetChangeType classifies an incoming change by comparing its hash to
// the stored one, without mutating the table (UpdateChange does that).
func (t *Table) GetChangeType(uid model.UID, newHash string) model.ChangeType {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.entries[uid]
	if !ok {
		return model.Added
	}
	if old == newHash {
		return model.Unmodified
	}
	return model.Modified
}

// UpdateChange records (uid, new_hash) for an ADDED/MODIFIED change, or
// removes the entry for a DELETED one. Marks uid seen this round.
func (t *Table) UpdateChange(c *model.Change) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[c.UID] = true
	if c.Type == model.Deleted {
		delete(t.entries, c.UID)
		return
	}
	t.entries[c.UID] = c.Hash
}

// GetDeleted returns uids present in the table before this round but
// not touched by UpdateChange this round: reported DELETED after
// get_changes completes.
func (t *Table) GetDeleted() []model.UID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var deleted []model.UID
	for uid := range t.entries {
		if !t.seen[uid] {
			deleted = append(deleted, uid)
		}
	}
	return deleted
}

// Slowsync empties the table in memory, forcing every reported change
// to classify as ADDED regardless of prior state.
func (t *Table) Slowsync() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[model.UID]string)
	t.seen = make(map[model.UID]bool)
}

// Reset clears the seen-this-round marker ahead of a fresh get_changes
// pass, keeping stored entries intact. Called at the start of each
// sync round before replaying GetChangeType/UpdateChange.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = make(map[model.UID]bool)
}

// ComputeHash is a stable, fast content fingerprint: the 16-digit hex
// xxhash64 of data. The engine does not call it; Table stores whatever
// Hash a plugin reports on each Change.
func ComputeHash(data []byte) string {
	h := xxhash.Sum64(data)
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[h&0xf]
		h >>= 4
	}
	return string(buf)
}
