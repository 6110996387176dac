// Package transaction defines the declarative mutation model: operations
// (set / listInsert / listRemove), the atomic transaction batch, pure
// application to record maps, inversion for undo, and squashing.
package transaction

import (
	"encoding/json"

	"github.com/google/uuid"

	"threadsync/internal/record"
)

type OpType string

const (
	OpSet        OpType = "set"
	OpListInsert OpType = "listInsert"
	OpListRemove OpType = "listRemove"
)

// Where positions a listInsert.
type Where string

const (
	WherePrepend Where = "prepend"
	WhereAppend  Where = "append"
)

// Operation is one declarative mutation of a single record. Path addresses
// a field (or a nested field) of the record; the one-element path
// ["deleted"] addresses the soft-delete flag. A set with an empty path
// creates the record from Value when it does not exist yet.
type Operation struct {
	Type  OpType       `json:"type"`
	Table record.Table `json:"table"`
	ID    string       `json:"id"`
	Path  []string     `json:"path"`
	Value any          `json:"value,omitempty"`
	Where Where        `json:"where,omitempty"`
}

func (op Operation) Pointer() record.Pointer {
	return record.Pointer{Table: op.Table, ID: op.ID}
}

// Transaction is the atomic unit submitted to the server: all operations
// are accepted or rejected together.
type Transaction struct {
	TxID       string      `json:"txId"`
	AuthorID   string      `json:"authorId"`
	Operations []Operation `json:"operations"`
}

// New builds a transaction with a fresh id.
func New(authorID string, ops ...Operation) Transaction {
	return Transaction{TxID: uuid.NewString(), AuthorID: authorID, Operations: ops}
}

// EncodedSize returns the JSON byte length, used for batch budgeting
// against server payload limits.
func (t Transaction) EncodedSize() int {
	data, err := json.Marshal(t)
	if err != nil {
		return 0
	}
	return len(data)
}

// Pointers returns the distinct pointers touched by the transaction, in
// operation order.
func (t Transaction) Pointers() []record.Pointer {
	seen := map[record.Pointer]struct{}{}
	var out []record.Pointer
	for _, op := range t.Operations {
		p := op.Pointer()
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
