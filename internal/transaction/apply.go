package transaction

import (
	"fmt"
	"reflect"

	"threadsync/internal/common"
	"threadsync/internal/record"
)

// Apply applies one operation to m. The touched record is deep-cloned
// before mutation and its version is bumped by exactly 1; records already
// stored in m are never mutated in place, so callers holding references to
// them observe no change. Version numbers are only ever derived here, never
// set by operations directly.
//
// Errors wrap common.ErrValidation and leave m untouched.
func Apply(m record.RecordMap, op Operation) (*record.Record, error) {
	if _, ok := record.Spec(op.Table); !ok {
		return nil, fmt.Errorf("unknown table %q: %w", op.Table, common.ErrValidation)
	}
	if op.ID == "" {
		return nil, fmt.Errorf("operation without record id: %w", common.ErrValidation)
	}

	ptr := op.Pointer()
	cur, _ := m.Get(ptr)

	if cur == nil {
		if op.Type != OpSet || len(op.Path) != 0 {
			return nil, fmt.Errorf("%s on missing record %s: %w", op.Type, ptr, common.ErrValidation)
		}
		attrs, ok := op.Value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("create %s: value must be an object: %w", ptr, common.ErrValidation)
		}
		next := &record.Record{
			ID:      op.ID,
			Version: 1,
			Attrs:   record.CloneValue(attrs).(map[string]any),
		}
		m.Set(ptr, next)
		return next, nil
	}

	next := cur.Clone()

	switch op.Type {
	case OpSet:
		if len(op.Path) == 0 {
			return nil, fmt.Errorf("set without path on existing record %s: %w", ptr, common.ErrValidation)
		}
		if isDeletedPath(op.Path) {
			del, ok := op.Value.(bool)
			if !ok {
				return nil, fmt.Errorf("set %s.deleted: value must be a bool: %w", ptr, common.ErrValidation)
			}
			next.Deleted = del
		} else if op.Value == nil {
			// a nil set unsets the attribute, so inverting a set that
			// introduced a key restores "absent" rather than an explicit
			// null
			deleteIn(next.Attrs, op.Path)
		} else {
			setIn(next.Attrs, op.Path, record.CloneValue(op.Value))
		}

	case OpListInsert:
		if len(op.Path) == 0 || isDeletedPath(op.Path) {
			return nil, fmt.Errorf("listInsert %s: bad path: %w", ptr, common.ErrValidation)
		}
		list := listAt(next.Attrs, op.Path)
		v := record.CloneValue(op.Value)
		if op.Where == WherePrepend {
			list = append([]any{v}, list...)
		} else {
			list = append(list, v)
		}
		setIn(next.Attrs, op.Path, list)

	case OpListRemove:
		if len(op.Path) == 0 || isDeletedPath(op.Path) {
			return nil, fmt.Errorf("listRemove %s: bad path: %w", ptr, common.ErrValidation)
		}
		list := listAt(next.Attrs, op.Path)
		if idx := indexOf(list, op.Value); idx >= 0 {
			list = append(list[:idx], list[idx+1:]...)
			setIn(next.Attrs, op.Path, list)
		}

	default:
		return nil, fmt.Errorf("unknown operation type %q: %w", op.Type, common.ErrValidation)
	}

	next.Version = cur.Version + 1
	m.Set(ptr, next)
	return next, nil
}

// ApplyAll applies every operation of a transaction, or none: operations
// run against a staging copy of the touched slots and the staging map is
// merged into m only when all of them succeed.
func ApplyAll(m record.RecordMap, ops []Operation) error {
	stage := record.NewRecordMap()
	for _, op := range ops {
		ptr := op.Pointer()
		if _, loaded := stage.Get(ptr); !loaded {
			cur, _ := m.Get(ptr)
			stage.Set(ptr, cur.Clone())
		}
		if _, err := Apply(stage, op); err != nil {
			return err
		}
	}
	m.Merge(stage)
	return nil
}

func isDeletedPath(path []string) bool {
	return len(path) == 1 && path[0] == "deleted"
}

// setIn writes value at path inside attrs, creating intermediate objects.
func setIn(attrs map[string]any, path []string, value any) {
	for len(path) > 1 {
		child, ok := attrs[path[0]].(map[string]any)
		if !ok {
			child = map[string]any{}
			attrs[path[0]] = child
		}
		attrs = child
		path = path[1:]
	}
	attrs[path[0]] = value
}

// deleteIn removes the key at path without creating intermediate objects.
func deleteIn(attrs map[string]any, path []string) {
	for len(path) > 1 {
		child, ok := attrs[path[0]].(map[string]any)
		if !ok {
			return
		}
		attrs = child
		path = path[1:]
	}
	delete(attrs, path[0])
}

// getIn reads the value at path; the second result reports presence.
func getIn(attrs map[string]any, path []string) (any, bool) {
	for len(path) > 1 {
		child, ok := attrs[path[0]].(map[string]any)
		if !ok {
			return nil, false
		}
		attrs = child
		path = path[1:]
	}
	v, ok := attrs[path[0]]
	return v, ok
}

// listAt reads the list at path, treating anything else as empty.
func listAt(attrs map[string]any, path []string) []any {
	v, ok := getIn(attrs, path)
	if !ok {
		return nil
	}
	list, _ := v.([]any)
	return list
}

func indexOf(list []any, value any) int {
	for i, e := range list {
		if reflect.DeepEqual(e, value) {
			return i
		}
	}
	return -1
}
