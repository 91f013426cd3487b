package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/b-open-io/opensync/model"
)

// SQLiteArchive is the default Archive backend: one SQLite file per
// group, sole-writer (SetMaxOpenConns(1)) the same way the ledger
// shares a *sql.DB with its baseline manager in tonimelisma-onedrive-go,
// since Archive writes are serialized through the engine loop anyway.
type SQLiteArchive struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the archive database at path
// and brings its schema up to date.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteArchive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, model.Wrap(model.KindIO, "archive: open sqlite", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteArchive{db: db, logger: logger}, nil
}

func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

func (a *SQLiteArchive) LoadMappings(objType model.ObjType) (*model.MappingTable, error) {
	rows, err := a.db.Query(
		`SELECT mapping_id, member_id, uid FROM tbl_changes WHERE objtype = ? ORDER BY mapping_id`,
		string(objType))
	if err != nil {
		return nil, model.Wrap(model.KindIO, "archive: load mappings", err)
	}
	defer rows.Close()

	table := model.NewMappingTable(objType)
	byID := make(map[int64]*model.Mapping)
	var maxID int64

	for rows.Next() {
		var mappingID int64
		var memberID, uid string
		if err := rows.Scan(&mappingID, &memberID, &uid); err != nil {
			return nil, model.Wrap(model.KindIO, "archive: scan mapping row", err)
		}
		m, ok := byID[mappingID]
		if !ok {
			m = model.NewMapping(mappingID, objType)
			byID[mappingID] = m
			table.Mappings = append(table.Mappings, m)
		}
		m.Put(model.MappingEntry{Member: model.MemberID(memberID), UID: model.UID(uid)})
		if mappingID > maxID {
			maxID = mappingID
		}
	}
	if err := rows.Err(); err != nil {
		return nil, model.Wrap(model.KindIO, "archive: iterate mapping rows", err)
	}

	table.SetNextID(maxID)
	return table, nil
}

func (a *SQLiteArchive) SaveMapping(m *model.Mapping) error {
	tx, err := a.db.Begin()
	if err != nil {
		return model.Wrap(model.KindIO, "archive: begin save_mapping tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tbl_changes WHERE objtype = ? AND mapping_id = ?`,
		string(m.ObjType), m.ID); err != nil {
		return model.Wrap(model.KindIO, "archive: clear prior mapping rows", err)
	}

	for _, e := range m.Entries {
		if _, err := tx.Exec(
			`INSERT INTO tbl_changes (mapping_id, objtype, member_id, uid) VALUES (?, ?, ?, ?)`,
			m.ID, string(m.ObjType), string(e.Member), string(e.UID)); err != nil {
			return model.Wrap(model.KindIO, "archive: insert mapping row", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Wrap(model.KindIO, "archive: commit save_mapping", err)
	}
	return nil
}

func (a *SQLiteArchive) DeleteMapping(objType model.ObjType, id int64) error {
	tx, err := a.db.Begin()
	if err != nil {
		return model.Wrap(model.KindIO, "archive: begin delete_mapping tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tbl_changes WHERE objtype = ? AND mapping_id = ?`,
		string(objType), id); err != nil {
		return model.Wrap(model.KindIO, "archive: delete mapping rows", err)
	}
	if _, err := tx.Exec(`DELETE FROM tbl_changelog WHERE objtype = ? AND mapping_id = ?`,
		string(objType), id); err != nil {
		return model.Wrap(model.KindIO, "archive: delete changelog row", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Wrap(model.KindIO, "archive: commit delete_mapping", err)
	}
	return nil
}

func (a *SQLiteArchive) LoadIgnored(objType model.ObjType) ([]int64, error) {
	rows, err := a.db.Query(`SELECT mapping_id FROM tbl_changelog WHERE objtype = ? AND status = 'ignored'`,
		string(objType))
	if err != nil {
		return nil, model.Wrap(model.KindIO, "archive: load ignored", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, model.Wrap(model.KindIO, "archive: scan ignored row", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (a *SQLiteArchive) SaveIgnored(objType model.ObjType, ids []int64) error {
	tx, err := a.db.Begin()
	if err != nil {
		return model.Wrap(model.KindIO, "archive: begin save_ignored tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tbl_changelog WHERE objtype = ? AND status = 'ignored'`,
		string(objType)); err != nil {
		return model.Wrap(model.KindIO, "archive: clear ignored rows", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec(
			`INSERT INTO tbl_changelog (objtype, mapping_id, status) VALUES (?, ?, 'ignored')`,
			string(objType), id); err != nil {
			return model.Wrap(model.KindIO, "archive: insert ignored row", err)
		}
	}
	return tx.Commit()
}

func (a *SQLiteArchive) SaveAnchor(member model.MemberID, objType model.ObjType, key, value string) error {
	_, err := a.db.Exec(
		`INSERT INTO tbl_sync_anchors (member_id, objtype, key, value) VALUES (?, ?, ?, ?)
		 ON CONFLICT(member_id, objtype, key) DO UPDATE SET value = excluded.value`,
		string(member), string(objType), key, value)
	if err != nil {
		return model.Wrap(model.KindIO, "archive: save anchor", err)
	}
	return nil
}

func (a *SQLiteArchive) GetAnchor(member model.MemberID, objType model.ObjType, key string) (string, bool, error) {
	var value string
	err := a.db.QueryRow(
		`SELECT value FROM tbl_sync_anchors WHERE member_id = ? AND objtype = ? AND key = ?`,
		string(member), string(objType), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, model.Wrap(model.KindIO, "archive: get anchor", err)
	}
	return value, true, nil
}

func (a *SQLiteArchive) SaveHashtable(member model.MemberID, objType model.ObjType, entries []model.HashEntry) error {
	tx, err := a.db.Begin()
	if err != nil {
		return model.Wrap(model.KindIO, "archive: begin save_hashtable tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tbl_hash WHERE member_id = ? AND objtype = ?`,
		string(member), string(objType)); err != nil {
		return model.Wrap(model.KindIO, "archive: clear prior hash rows", err)
	}
	for _, e := range entries {
		if _, err := tx.Exec(
			`INSERT INTO tbl_hash (member_id, objtype, uid, hash) VALUES (?, ?, ?, ?)`,
			string(member), string(objType), string(e.UID), e.Hash); err != nil {
			return model.Wrap(model.KindIO, "archive: insert hash row", err)
		}
	}
	return tx.Commit()
}

func (a *SQLiteArchive) LoadHashtable(member model.MemberID, objType model.ObjType) ([]model.HashEntry, error) {
	rows, err := a.db.Query(`SELECT uid, hash FROM tbl_hash WHERE member_id = ? AND objtype = ?`,
		string(member), string(objType))
	if err != nil {
		return nil, model.Wrap(model.KindIO, "archive: load hashtable", err)
	}
	defer rows.Close()

	var entries []model.HashEntry
	for rows.Next() {
		var uid, hash string
		if err := rows.Scan(&uid, &hash); err != nil {
			return nil, model.Wrap(model.KindIO, "archive: scan hash row", err)
		}
		entries = append(entries, model.HashEntry{UID: model.UID(uid), Hash: hash})
	}
	return entries, rows.Err()
}

func (a *SQLiteArchive) Repair(knownMembers map[model.MemberID]bool) error {
	rows, err := a.db.Query(`SELECT DISTINCT member_id FROM tbl_changes`)
	if err != nil {
		return model.Wrap(model.KindIO, "archive: repair scan members", err)
	}
	var orphans []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			rows.Close()
			return model.Wrap(model.KindIO, "archive: repair scan row", err)
		}
		if !knownMembers[model.MemberID(member)] {
			orphans = append(orphans, member)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.Wrap(model.KindIO, "archive: repair iterate", err)
	}

	for _, member := range orphans {
		if _, err := a.db.Exec(`DELETE FROM tbl_changes WHERE member_id = ?`, member); err != nil {
			return model.Wrap(model.KindIO, fmt.Sprintf("archive: repair drop orphan member %s", member), err)
		}
		if _, err := a.db.Exec(`DELETE FROM tbl_hash WHERE member_id = ?`, member); err != nil {
			return model.Wrap(model.KindIO, fmt.Sprintf("archive: repair drop orphan hash rows %s", member), err)
		}
	}
	return nil
}
