// Package undo keeps the local undo and redo history. Each recorded write
// stores the inverse transaction computed against the state before the
// write, so undoing is just an ordinary write of that inverse.
package undo

import (
	"context"
	"sync"
	"time"

	"threadsync/internal/record"
	"threadsync/internal/transaction"
)

// DefaultWindow is how close together two writes must land to be squashed
// into a single undo step.
const DefaultWindow = 1200 * time.Millisecond

// Enqueuer submits a transaction through the ordinary write path.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx transaction.Transaction) <-chan error
}

// StateFunc reads the current local state of the given pointers, used to
// invert an undo step at the moment it is replayed.
type StateFunc func(ptrs []record.Pointer) record.RecordMap

type item struct {
	tx transaction.Transaction
	at time.Time
}

// Manager holds the two history stacks.
type Manager struct {
	q      Enqueuer
	state  StateFunc
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	undo []*item
	redo []*item
}

func New(q Enqueuer, state StateFunc, window time.Duration) *Manager {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Manager{q: q, state: state, window: window, now: time.Now}
}

// Record captures the inverse of a forward write. before must be the local
// state of the transaction's pointers prior to applying it. Writes landing
// within the squash window merge into the previous undo step, and any
// forward write clears the redo stack.
func (m *Manager) Record(before record.RecordMap, tx transaction.Transaction) error {
	inv, err := transaction.Invert(before, tx.Operations)
	if err != nil {
		return err
	}
	invTx := transaction.New(tx.AuthorID, inv...)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if n := len(m.undo); n > 0 && now.Sub(m.undo[n-1].at) <= m.window {
		top := m.undo[n-1]
		top.tx = transaction.Squash(top.tx, invTx)
		top.at = now
	} else {
		m.undo = append(m.undo, &item{tx: invTx, at: now})
	}
	m.redo = nil
	return nil
}

// Undo replays the most recent undo step and moves it to the redo stack.
// The second return is false when there is nothing to undo.
func (m *Manager) Undo(ctx context.Context) (<-chan error, bool) {
	return m.replay(ctx, &m.undo, &m.redo)
}

// Redo replays the most recent redo step and moves it back to the undo
// stack. The second return is false when there is nothing to redo.
func (m *Manager) Redo(ctx context.Context) (<-chan error, bool) {
	return m.replay(ctx, &m.redo, &m.undo)
}

func (m *Manager) replay(ctx context.Context, from, to *[]*item) (<-chan error, bool) {
	m.mu.Lock()
	n := len(*from)
	if n == 0 {
		m.mu.Unlock()
		return nil, false
	}
	it := (*from)[n-1]
	*from = (*from)[:n-1]

	// The opposite step is the inverse of this one against the state as it
	// is right now, before the replayed transaction lands.
	opposite, err := transaction.Invert(m.state(it.tx.Pointers()), it.tx.Operations)
	if err == nil {
		*to = append(*to, &item{tx: transaction.New(it.tx.AuthorID, opposite...), at: m.now()})
	}
	m.mu.Unlock()

	if err != nil {
		done := make(chan error, 1)
		done <- err
		return done, true
	}
	return m.q.Enqueue(ctx, it.tx), true
}

// CanUndo reports whether the undo stack is non-empty.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

// CanRedo reports whether the redo stack is non-empty.
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}
