// Package record defines the versioned record model shared by the client
// and the server: tables, pointers, record maps, secondary-index derivation
// and per-table read/write permission rules.
package record

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Table identifies one of the record tables. The set of tables is closed;
// Spec dispatches over it exhaustively.
type Table string

const (
	TableUser         Table = "user"
	TableUserSettings Table = "user_settings"
	TablePassword     Table = "password"
	TableAuthToken    Table = "auth_token"
	TableThread       Table = "thread"
	TableMessage      Table = "message"
	TableFile         Table = "file"
)

// Tables returns every known table.
func Tables() []Table {
	return []Table{
		TableUser, TableUserSettings, TablePassword, TableAuthToken,
		TableThread, TableMessage, TableFile,
	}
}

// Pointer addresses a single record. It is the cache key, the subscription
// key unit and the permission-check unit.
type Pointer struct {
	Table Table  `json:"table"`
	ID    string `json:"id"`
}

func (p Pointer) String() string {
	return string(p.Table) + ":" + p.ID
}

// Record is a versioned row of any table. Version starts at 1 for a freshly
// created record and grows by exactly 1 per applied operation; an absent
// record has implicit version 0. Deletion is a soft flag, records are never
// physically removed.
//
// The JSON encoding is flat: id, version and deleted live alongside the
// attributes, e.g. {"id":"t1","version":3,"title":"general",...}.
type Record struct {
	ID      string
	Version int64
	Deleted bool
	Attrs   map[string]any
}

func (r *Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Attrs)+3)
	for k, v := range r.Attrs {
		out[k] = v
	}
	out["id"] = r.ID
	out["version"] = r.Version
	if r.Deleted {
		out["deleted"] = true
	}
	return json.Marshal(out)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, _ := raw["id"].(string)
	if id == "" {
		return fmt.Errorf("record without id")
	}
	version, ok := raw["version"].(float64)
	if !ok {
		return fmt.Errorf("record %q without version", id)
	}
	deleted, _ := raw["deleted"].(bool)
	delete(raw, "id")
	delete(raw, "version")
	delete(raw, "deleted")
	r.ID = id
	r.Version = int64(version)
	r.Deleted = deleted
	r.Attrs = raw
	return nil
}

// Clone returns a deep copy. Mutating the clone never aliases the original.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		ID:      r.ID,
		Version: r.Version,
		Deleted: r.Deleted,
		Attrs:   CloneValue(r.Attrs).(map[string]any),
	}
}

// CloneValue deep-copies a JSON-shaped value (maps, slices, scalars).
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = CloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	default:
		return v
	}
}

// StringAttr reads a string attribute, "" when absent or not a string.
func (r *Record) StringAttr(key string) string {
	if r == nil || r.Attrs == nil {
		return ""
	}
	s, _ := r.Attrs[key].(string)
	return s
}

// StringListAttr reads a list-of-strings attribute. Non-string elements are
// skipped; JSON decoding produces []any, so both shapes are accepted.
func (r *Record) StringListAttr(key string) []string {
	if r == nil || r.Attrs == nil {
		return nil
	}
	switch t := r.Attrs[key].(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// RecordMap is the batch transport unit between layers: table → id → record.
// A key that is present with a nil record means "loaded, does not exist"; a
// missing key means "not loaded". Callers must distinguish the two.
type RecordMap map[Table]map[string]*Record

func NewRecordMap() RecordMap {
	return RecordMap{}
}

// Get returns the record at p and whether the pointer has been loaded at
// all. (nil, true) means the record is known not to exist.
func (m RecordMap) Get(p Pointer) (*Record, bool) {
	rows, ok := m[p.Table]
	if !ok {
		return nil, false
	}
	r, ok := rows[p.ID]
	return r, ok
}

// Set stores r at p, marking the pointer as loaded even when r is nil.
func (m RecordMap) Set(p Pointer, r *Record) {
	rows, ok := m[p.Table]
	if !ok {
		rows = map[string]*Record{}
		m[p.Table] = rows
	}
	rows[p.ID] = r
}

// Pointers returns every loaded pointer in deterministic order.
func (m RecordMap) Pointers() []Pointer {
	out := make([]Pointer, 0)
	for tbl, rows := range m {
		for id := range rows {
			out = append(out, Pointer{Table: tbl, ID: id})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Merge copies every loaded pointer of other into m, overwriting existing
// slots.
func (m RecordMap) Merge(other RecordMap) {
	for tbl, rows := range other {
		for id, r := range rows {
			m.Set(Pointer{Table: tbl, ID: id}, r)
		}
	}
}

// Clone deep-copies the map and every record in it.
func (m RecordMap) Clone() RecordMap {
	out := NewRecordMap()
	for tbl, rows := range m {
		for id, r := range rows {
			out.Set(Pointer{Table: tbl, ID: id}, r.Clone())
		}
	}
	return out
}
