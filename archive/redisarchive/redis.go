// Package redisarchive is an optional Archive backend for groups whose
// state should live in a shared cache rather than on local disk.
// Adapted from the teacher's storage/redis/redis.go, generalized from a
// flat key->JSON blob Storage into the Archive shape (mapping rows,
// ignored lists, anchors) needed by spec §4.2.
package redisarchive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/b-open-io/opensync/model"
)

// Archive stores mapping/anchor/ignored state under prefix-scoped keys
// in Redis. Suited to groups run from multiple hosts against a shared
// engine deployment, where a local SQLite file would not be visible to
// every instance.
type Archive struct {
	client *redis.Client
	prefix string
	ctx    context.Context
}

func New(client *redis.Client, prefix string) *Archive {
	return &Archive{client: client, prefix: prefix, ctx: context.Background()}
}

func (a *Archive) mappingsKey(objType model.ObjType) string {
	return fmt.Sprintf("%s:mappings:%s", a.prefix, objType)
}

func (a *Archive) ignoredKey(objType model.ObjType) string {
	return fmt.Sprintf("%s:ignored:%s", a.prefix, objType)
}

func (a *Archive) anchorKey(member model.MemberID, objType model.ObjType, key string) string {
	return fmt.Sprintf("%s:anchor:%s:%s:%s", a.prefix, member, objType, key)
}

func (a *Archive) hashtableKey(member model.MemberID, objType model.ObjType) string {
	return fmt.Sprintf("%s:hash:%s:%s", a.prefix, member, objType)
}

type mappingRow struct {
	ID      int64             `json:"id"`
	Entries map[string]string `json:"entries"`
}

func (a *Archive) LoadMappings(objType model.ObjType) (*model.MappingTable, error) {
	raw, err := a.client.Get(a.ctx, a.mappingsKey(objType)).Bytes()
	table := model.NewMappingTable(objType)
	if err == redis.Nil {
		return table, nil
	}
	if err != nil {
		return nil, model.Wrap(model.KindIO, "redisarchive: load mappings", err)
	}

	var rows []mappingRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, model.Wrap(model.KindIO, "redisarchive: decode mappings", err)
	}
	var maxID int64
	for _, row := range rows {
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

func (a *Archive) saveRows(objType model.ObjType, rows []mappingRow) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return model.Wrap(model.KindIO, "redisarchive: encode mappings", err)
	}
	if err := a.client.Set(a.ctx, a.mappingsKey(objType), data, 0).Err(); err != nil {
		return model.Wrap(model.KindIO, "redisarchive: write mappings", err)
	}
	return nil
}

func (a *Archive) SaveMapping(m *model.Mapping) error {
	table, err := a.LoadMappings(m.ObjType)
	if err != nil {
		return err
	}
	rows := make([]mappingRow, 0, len(table.Mappings)+1)
	replaced := false
	for _, existing := range table.Mappings {
		if existing.ID == m.ID {
			existing = m
			replaced = true
		}
		rows = append(rows, toRow(existing))
	}
	if !replaced {
		rows = append(rows, toRow(m))
	}
	return a.saveRows(m.ObjType, rows)
}

func toRow(m *model.Mapping) mappingRow {
	entries := make(map[string]string, len(m.Entries))
	for member, e := range m.Entries {
		entries[string(member)] = string(e.UID)
	}
	return mappingRow{ID: m.ID, Entries: entries}
}

func (a *Archive) DeleteMapping(objType model.ObjType, id int64) error {
	table, err := a.LoadMappings(objType)
	if err != nil {
		return err
	}
	rows := make([]mappingRow, 0, len(table.Mappings))
	for _, m := range table.Mappings {
		if m.ID == id {
			continue
		}
		rows = append(rows, toRow(m))
	}
	return a.saveRows(objType, rows)
}

func (a *Archive) LoadIgnored(objType model.ObjType) ([]int64, error) {
	raw, err := a.client.Get(a.ctx, a.ignoredKey(objType)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, model.Wrap(model.KindIO, "redisarchive: load ignored", err)
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, model.Wrap(model.KindIO, "redisarchive: decode ignored", err)
	}
	return ids, nil
}

func (a *Archive) SaveIgnored(objType model.ObjType, ids []int64) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return model.Wrap(model.KindIO, "redisarchive: encode ignored", err)
	}
	if err := a.client.Set(a.ctx, a.ignoredKey(objType), data, 0).Err(); err != nil {
		return model.Wrap(model.KindIO, "redisarchive: write ignored", err)
	}
	return nil
}

func (a *Archive) SaveAnchor(member model.MemberID, objType model.ObjType, key, value string) error {
	if err := a.client.Set(a.ctx, a.anchorKey(member, objType, key), value, 0).Err(); err != nil {
		return model.Wrap(model.KindIO, "redisarchive: save anchor", err)
	}
	return nil
}

func (a *Archive) GetAnchor(member model.MemberID, objType model.ObjType, key string) (string, bool, error) {
	v, err := a.client.Get(a.ctx, a.anchorKey(member, objType, key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, model.Wrap(model.KindIO, "redisarchive: get anchor", err)
	}
	return v, true, nil
}

func (a *Archive) SaveHashtable(member model.MemberID, objType model.ObjType, entries []model.HashEntry) error {
	rows := make(map[string]string, len(entries))
	for _, e := range entries {
		rows[string(e.UID)] = e.Hash
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return model.Wrap(model.KindIO, "redisarchive: encode hashtable", err)
	}
	if err := a.client.Set(a.ctx, a.hashtableKey(member, objType), data, 0).Err(); err != nil {
		return model.Wrap(model.KindIO, "redisarchive: write hashtable", err)
	}
	return nil
}

func (a *Archive) LoadHashtable(member model.MemberID, objType model.ObjType) ([]model.HashEntry, error) {
	raw, err := a.client.Get(a.ctx, a.hashtableKey(member, objType)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, model.Wrap(model.KindIO, "redisarchive: load hashtable", err)
	}
	var rows map[string]string
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, model.Wrap(model.KindIO, "redisarchive: decode hashtable", err)
	}
	entries := make([]model.HashEntry, 0, len(rows))
	for uid, hash := range rows {
		entries = append(entries, model.HashEntry{UID: model.UID(uid), Hash: hash})
	}
	return entries, nil
}

func (a *Archive) Repair(knownMembers map[model.MemberID]bool) error {
	keys, err := a.client.Keys(a.ctx, a.prefix+":mappings:*").Result()
	if err != nil {
		return model.Wrap(model.KindIO, "redisarchive: repair scan", err)
	}
	for _, key := range keys {
		objType := model.ObjType(key[len(a.prefix+":mappings:"):])
		table, err := a.LoadMappings(objType)
		if err != nil {
			return err
		}
		rows := make([]mappingRow, 0, len(table.Mappings))
		for _, m := range table.Mappings {
			for member := range m.Entries {
				if !knownMembers[member] {
					delete(m.Entries, member)
				}
			}
			if len(m.Entries) > 0 {
				rows = append(rows, toRow(m))
			}
		}
		if err := a.saveRows(objType, rows); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) Close() error {
	return a.client.Close()
}
