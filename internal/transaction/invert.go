package transaction

import (
	"fmt"

	"github.com/google/uuid"

	"threadsync/internal/record"
)

// Invert computes the inverse operations for ops against the before-state
// in m. It must run at write time: the before-state is generally not
// recoverable later. The returned operations are ordered so that applying
// them restores every touched field to its original value (versions keep
// advancing, they are never rolled back).
func Invert(m record.RecordMap, ops []Operation) ([]Operation, error) {
	// roll a private copy of the touched state forward, inverting each
	// operation against the state it sees
	state := record.NewRecordMap()
	var inverses []Operation
	for _, op := range ops {
		ptr := op.Pointer()
		if _, loaded := state.Get(ptr); !loaded {
			cur, _ := m.Get(ptr)
			state.Set(ptr, cur.Clone())
		}
		inv, ok, err := invertOne(state, op)
		if err != nil {
			return nil, err
		}
		if ok {
			inverses = append(inverses, inv)
		}
		if _, err := Apply(state, op); err != nil {
			return nil, err
		}
	}
	// undo reverses the original order
	for i, j := 0, len(inverses)-1; i < j; i, j = i+1, j-1 {
		inverses[i], inverses[j] = inverses[j], inverses[i]
	}
	return inverses, nil
}

func invertOne(state record.RecordMap, op Operation) (Operation, bool, error) {
	cur, _ := state.Get(op.Pointer())

	if cur == nil {
		if op.Type != OpSet || len(op.Path) != 0 {
			return Operation{}, false, fmt.Errorf("cannot invert %s on missing record %s", op.Type, op.Pointer())
		}
		// inverse of create is a soft delete
		return Operation{
			Type:  OpSet,
			Table: op.Table,
			ID:    op.ID,
			Path:  []string{"deleted"},
			Value: true,
		}, true, nil
	}

	switch op.Type {
	case OpSet:
		var prev any
		if isDeletedPath(op.Path) {
			prev = cur.Deleted
		} else {
			v, ok := getIn(cur.Attrs, op.Path)
			if ok {
				prev = record.CloneValue(v)
			}
		}
		return Operation{
			Type:  OpSet,
			Table: op.Table,
			ID:    op.ID,
			Path:  op.Path,
			Value: prev,
		}, true, nil

	case OpListInsert:
		return Operation{
			Type:  OpListRemove,
			Table: op.Table,
			ID:    op.ID,
			Path:  op.Path,
			Value: record.CloneValue(op.Value),
		}, true, nil

	case OpListRemove:
		idx := indexOf(listAt(cur.Attrs, op.Path), op.Value)
		if idx < 0 {
			// removing an absent element changes nothing, so there is
			// nothing to restore
			return Operation{}, false, nil
		}
		where := WhereAppend
		if idx == 0 {
			where = WherePrepend
		}
		return Operation{
			Type:  OpListInsert,
			Table: op.Table,
			ID:    op.ID,
			Path:  op.Path,
			Value: record.CloneValue(op.Value),
			Where: where,
		}, true, nil
	}

	return Operation{}, false, fmt.Errorf("cannot invert operation type %q", op.Type)
}

// Squash merges a newer undo entry into an older one. The newer inverse
// operations run first when the combined entry is applied, unwinding edits
// in reverse order.
func Squash(older, newer Transaction) Transaction {
	ops := make([]Operation, 0, len(newer.Operations)+len(older.Operations))
	ops = append(ops, newer.Operations...)
	ops = append(ops, older.Operations...)
	return Transaction{TxID: uuid.NewString(), AuthorID: older.AuthorID, Operations: ops}
}
