package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/b-open-io/opensync/model"
)

// FileArchive is a JSON-snapshot Archive for tests and for environments
// without a cgo-free SQLite driver available. Writes follow the
// teacher's FileStorage pattern: marshal, write to path+".tmp", fsync,
// rename -- atomic with respect to process crashes.
type FileArchive struct {
	path string
	mu   sync.Mutex
	doc  fileArchiveDoc
}

type fileArchiveDoc struct {
	Mappings map[model.ObjType][]mappingRow `json:"mappings"`
	Ignored  map[model.ObjType][]int64      `json:"ignored"`
	Anchors  map[string]string              `json:"anchors"`
	NextID   map[model.ObjType]int64        `json:"next_id"`
	Hashes   map[string][]hashRow           `json:"hashes"` // key: member\x00objtype
}

type hashRow struct {
	UID  string `json:"uid"`
	Hash string `json:"hash"`
}

type mappingRow struct {
	ID      int64             `json:"id"`
	Entries map[string]string `json:"entries"` // member -> uid
}

func NewFileArchive(path string) (*FileArchive, error) {
	a := &FileArchive{
		path: path,
		doc: fileArchiveDoc{
			Mappings: make(map[model.ObjType][]mappingRow),
			Ignored:  make(map[model.ObjType][]int64),
			Anchors:  make(map[string]string),
			NextID:   make(map[model.ObjType]int64),
			Hashes:   make(map[string][]hashRow),
		},
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &a.doc); err != nil {
			return nil, model.Wrap(model.KindIO, "file_archive: parse snapshot", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, model.Wrap(model.KindIO, "file_archive: read snapshot", err)
	}
	return a, nil
}

func anchorKey(member model.MemberID, objType model.ObjType, key string) string {
	return string(member) + "\x00" + string(objType) + "\x00" + key
}

func hashtableKey(member model.MemberID, objType model.ObjType) string {
	return string(member) + "\x00" + string(objType)
}

func (a *FileArchive) writeLocked() error {
	data, err := json.MarshalIndent(a.doc, "", "  ")
	if err != nil {
		return model.Wrap(model.KindIO, "file_archive: marshal snapshot", err)
	}
	if dir := filepath.Dir(a.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return model.Wrap(model.KindIO, "file_archive: mkdir", err)
		}
	}
	tmp := a.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return model.Wrap(model.KindIO, "file_archive: open tmp", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return model.Wrap(model.KindIO, "file_archive: write tmp", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return model.Wrap(model.KindIO, "file_archive: fsync tmp", err)
	}
	if err := f.Close(); err != nil {
		return model.Wrap(model.KindIO, "file_archive: close tmp", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		return model.Wrap(model.KindIO, "file_archive: rename tmp", err)
	}
	return nil
}

func (a *FileArchive) LoadMappings(objType model.ObjType) (*model.MappingTable, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	table := model.NewMappingTable(objType)
	var maxID int64
	for _, row := range a.doc.Mappings[objType] {
		m := model.NewMapping(row.ID, objType)
		for member, uid := range row.Entries {
			m.Put(model.MappingEntry{Member: model.MemberID(member), UID: model.UID(uid)})
		}
		table.Mappings = append(table.Mappings, m)
		if row.ID > maxID {
			maxID = row.ID
		}
	}
	table.SetNextID(maxID)
	return table, nil
}

func (a *FileArchive) SaveMapping(m *model.Mapping) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows := a.doc.Mappings[m.ObjType]
	entries := make(map[string]string, len(m.Entries))
	for member, e := range m.Entries {
		entries[string(member)] = string(e.UID)
	}
	replaced := false
	for i, r := range rows {
		if r.ID == m.ID {
			rows[i] = mappingRow{ID: m.ID, Entries: entries}
			replaced = true
			break
		}
	}
	if !replaced {
		rows = append(rows, mappingRow{ID: m.ID, Entries: entries})
	}
	a.doc.Mappings[m.ObjType] = rows
	return a.writeLocked()
}

func (a *FileArchive) DeleteMapping(objType model.ObjType, id int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows := a.doc.Mappings[objType]
	for i, r := range rows {
		if r.ID == id {
			a.doc.Mappings[objType] = append(rows[:i], rows[i+1:]...)
			break
		}
	}
	return a.writeLocked()
}

func (a *FileArchive) LoadIgnored(objType model.ObjType) ([]int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64{}, a.doc.Ignored[objType]...), nil
}

func (a *FileArchive) SaveIgnored(objType model.ObjType, ids []int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doc.Ignored[objType] = ids
	return a.writeLocked()
}

func (a *FileArchive) SaveAnchor(member model.MemberID, objType model.ObjType, key, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doc.Anchors[anchorKey(member, objType, key)] = value
	return a.writeLocked()
}

func (a *FileArchive) GetAnchor(member model.MemberID, objType model.ObjType, key string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.doc.Anchors[anchorKey(member, objType, key)]
	return v, ok, nil
}

func (a *FileArchive) SaveHashtable(member model.MemberID, objType model.ObjType, entries []model.HashEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rows := make([]hashRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, hashRow{UID: string(e.UID), Hash: e.Hash})
	}
	a.doc.Hashes[hashtableKey(member, objType)] = rows
	return a.writeLocked()
}

func (a *FileArchive) LoadHashtable(member model.MemberID, objType model.ObjType) ([]model.HashEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rows, ok := a.doc.Hashes[hashtableKey(member, objType)]
	if !ok {
		return nil, nil
	}
	entries := make([]model.HashEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, model.HashEntry{UID: model.UID(r.UID), Hash: r.Hash})
	}
	return entries, nil
}

func (a *FileArchive) Repair(knownMembers map[model.MemberID]bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for objType, rows := range a.doc.Mappings {
		kept := rows[:0]
		for _, r := range rows {
			filtered := make(map[string]string, len(r.Entries))
			for member, uid := range r.Entries {
				if knownMembers[model.MemberID(member)] {
					filtered[member] = uid
				}
			}
			if len(filtered) > 0 {
				r.Entries = filtered
				kept = append(kept, r)
			}
		}
		a.doc.Mappings[objType] = kept
	}
	for key := range a.doc.Hashes {
		member, _, found := strings.Cut(key, "\x00")
		if found && !knownMembers[model.MemberID(member)] {
			delete(a.doc.Hashes, key)
		}
	}
	return a.writeLocked()
}

func (a *FileArchive) Close() error {
	return nil
}
