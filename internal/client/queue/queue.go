// Package queue holds writes that have been applied locally but not yet
// accepted by the server. Transactions are applied to the cache and local
// storage immediately, persisted, and drained to the server in order by a
// single background goroutine.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"threadsync/internal/common"
	"threadsync/internal/logging"
	"threadsync/internal/record"
	"threadsync/internal/transaction"
)

const (
	// DefaultBatchBudget caps the encoded size of one write batch.
	DefaultBatchBudget = 256 << 10

	// DefaultConflictRetryLimit is how many consecutive version conflicts a
	// transaction is retried immediately before retries degrade to backoff.
	DefaultConflictRetryLimit = 100

	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 30 * time.Second
)

// API is the subset of the server client the queue needs.
type API interface {
	GetRecords(ctx context.Context, ptrs []record.Pointer) (record.RecordMap, error)
	Write(ctx context.Context, txs []transaction.Transaction) (record.RecordMap, error)
}

// Cache is the in-memory record cache the queue applies to.
type Cache interface {
	GetRecordMap(ptrs []record.Pointer) record.RecordMap
	WriteRecordMap(m record.RecordMap, force bool)
}

// Store is the durable side of the client: records plus the persisted queue.
type Store interface {
	WriteRecordMap(ctx context.Context, m record.RecordMap, force bool) error
	SaveQueue(ctx context.Context, txs []transaction.Transaction) error
	LoadQueue(ctx context.Context) ([]transaction.Transaction, error)
}

type entry struct {
	tx   transaction.Transaction
	done chan error
}

// TransactionQueue orders pending writes and drains them to the server.
type TransactionQueue struct {
	api   API
	cache Cache
	store Store
	log   logging.Logger

	batchBudget        int
	conflictRetryLimit int
	newBackoff         func() retry.Backoff
	sleep              func(time.Duration)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  []*entry
	counters map[record.Pointer]int
	running  bool
}

// Option tweaks queue behavior, mostly for tests.
type Option func(*TransactionQueue)

func WithBatchBudget(n int) Option {
	return func(q *TransactionQueue) { q.batchBudget = n }
}

func WithConflictRetryLimit(n int) Option {
	return func(q *TransactionQueue) { q.conflictRetryLimit = n }
}

func WithBackoff(f func() retry.Backoff) Option {
	return func(q *TransactionQueue) { q.newBackoff = f }
}

func New(api API, cache Cache, store Store, log logging.Logger, opts ...Option) *TransactionQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &TransactionQueue{
		api:                api,
		cache:              cache,
		store:              store,
		log:                log,
		batchBudget:        DefaultBatchBudget,
		conflictRetryLimit: DefaultConflictRetryLimit,
		newBackoff: func() retry.Backoff {
			return retry.WithCappedDuration(defaultBackoffCap, retry.NewExponential(defaultBackoffBase))
		},
		sleep:    time.Sleep,
		ctx:      ctx,
		cancel:   cancel,
		counters: make(map[record.Pointer]int),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Close stops the drain goroutine. Pending transactions stay persisted and
// are resubmitted by Restore on the next start.
func (q *TransactionQueue) Close() {
	q.cancel()
}

// Enqueue applies the transaction optimistically to the cache and storage,
// persists it, and schedules it for submission. The returned channel resolves
// with nil once the server accepts the transaction, or with the rejection
// error after the local state has been rolled back.
func (q *TransactionQueue) Enqueue(ctx context.Context, tx transaction.Transaction) <-chan error {
	done := make(chan error, 1)

	m := q.cache.GetRecordMap(tx.Pointers())
	if err := transaction.ApplyAll(m, tx.Operations); err != nil {
		done <- err
		return done
	}
	q.cache.WriteRecordMap(m, false)
	if err := q.store.WriteRecordMap(ctx, m, false); err != nil {
		q.log.Error(ctx, "persisting optimistic write", "error", err)
	}

	q.mu.Lock()
	q.pending = append(q.pending, &entry{tx: tx, done: done})
	for _, p := range tx.Pointers() {
		q.counters[p]++
	}
	txs := q.pendingLocked()
	q.mu.Unlock()

	if err := q.store.SaveQueue(ctx, txs); err != nil {
		q.log.Error(ctx, "persisting queue", "error", err)
	}

	q.Kick()
	return done
}

// Restore reloads the persisted queue and resubmits it in order. The
// transactions were already applied locally before the previous shutdown, so
// they are not applied again.
func (q *TransactionQueue) Restore(ctx context.Context) error {
	txs, err := q.store.LoadQueue(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	for _, tx := range txs {
		q.pending = append(q.pending, &entry{tx: tx, done: make(chan error, 1)})
		for _, p := range tx.Pointers() {
			q.counters[p]++
		}
	}
	q.mu.Unlock()

	q.Kick()
	return nil
}

// Kick starts the drain goroutine if there is work and it is not already
// running. The online monitor calls this on the offline-to-online edge.
func (q *TransactionQueue) Kick() {
	q.mu.Lock()
	if q.running || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
}

// IsPendingWrite reports whether any queued transaction touches the pointer.
func (q *TransactionQueue) IsPendingWrite(p record.Pointer) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counters[p] > 0
}

// Len returns the number of pending transactions.
func (q *TransactionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *TransactionQueue) pendingLocked() []transaction.Transaction {
	txs := make([]transaction.Transaction, len(q.pending))
	for i, e := range q.pending {
		txs[i] = e.tx
	}
	return txs
}

// batchLocked takes the longest prefix of pending transactions that fits the
// byte budget, always at least one.
func (q *TransactionQueue) batchLocked() []*entry {
	var batch []*entry
	size := 0
	for _, e := range q.pending {
		n := e.tx.EncodedSize()
		if len(batch) > 0 && size+n > q.batchBudget {
			break
		}
		batch = append(batch, e)
		size += n
	}
	return batch
}

func (q *TransactionQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.ctx.Err() != nil {
			q.running = false
			q.mu.Unlock()
			return
		}
		batch := q.batchLocked()
		q.mu.Unlock()

		if len(batch) > 1 {
			txs := make([]transaction.Transaction, len(batch))
			for i, e := range batch {
				txs[i] = e.tx
			}
			m, err := q.api.Write(q.ctx, txs)
			if err == nil {
				q.commit(batch, m)
				continue
			}
			if errors.Is(err, common.ErrOffline) {
				q.suspend()
				return
			}
			q.log.Warn(q.ctx, "batch write failed, falling back to per-transaction submission", "size", len(batch), "error", err)
		}

		for _, e := range batch {
			if !q.submitOne(e) {
				q.suspend()
				return
			}
		}
	}
}

// submitOne pushes a single transaction until it is accepted or rejected.
// It returns false when the server is unreachable, which suspends the drain
// until the next Kick.
func (q *TransactionQueue) submitOne(e *entry) bool {
	conflicts := 0
	backoff := q.newBackoff()

	for {
		if q.ctx.Err() != nil {
			return false
		}

		m, err := q.api.Write(q.ctx, []transaction.Transaction{e.tx})
		switch {
		case err == nil:
			q.commit([]*entry{e}, m)
			return true

		case errors.Is(err, common.ErrOffline):
			return false

		case errors.Is(err, common.ErrValidation),
			errors.Is(err, common.ErrPermission),
			errors.Is(err, common.ErrUnauthorized):
			q.rollback(e, err)
			return true

		case errors.Is(err, common.ErrVersionConflict):
			conflicts++
			if conflicts <= q.conflictRetryLimit {
				continue
			}
			q.log.Warn(q.ctx, "degrading conflict retries to backoff", "txId", e.tx.TxID, "conflicts", conflicts)
		}

		d, stop := backoff.Next()
		if stop {
			d = defaultBackoffCap
		}
		q.log.Debug(q.ctx, "retrying write", "txId", e.tx.TxID, "after", d, "error", err)
		q.sleep(d)
	}
}

// commit applies the server's authoritative state, removes the entries from
// the queue and resolves their channels.
func (q *TransactionQueue) commit(batch []*entry, m record.RecordMap) {
	q.cache.WriteRecordMap(m, false)
	if err := q.store.WriteRecordMap(q.ctx, m, false); err != nil {
		q.log.Error(q.ctx, "persisting accepted write", "error", err)
	}

	q.remove(batch)
	for _, e := range batch {
		e.done <- nil
	}
}

// rollback drops a rejected transaction and force-refetches every pointer it
// touched so the optimistic state is replaced by the server's.
func (q *TransactionQueue) rollback(e *entry, cause error) {
	q.log.Warn(q.ctx, "transaction rejected, rolling back", "txId", e.tx.TxID, "error", cause)
	q.remove([]*entry{e})

	ptrs := e.tx.Pointers()
	m, err := q.api.GetRecords(q.ctx, ptrs)
	if err != nil {
		q.log.Error(q.ctx, "refetch after rollback failed", "error", err)
	} else {
		q.cache.WriteRecordMap(m, true)
		if err := q.store.WriteRecordMap(q.ctx, m, true); err != nil {
			q.log.Error(q.ctx, "persisting rollback state", "error", err)
		}
	}

	e.done <- cause
}

func (q *TransactionQueue) remove(batch []*entry) {
	q.mu.Lock()
	for _, e := range batch {
		for i, p := range q.pending {
			if p == e {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
		for _, ptr := range e.tx.Pointers() {
			if q.counters[ptr] > 1 {
				q.counters[ptr]--
			} else {
				delete(q.counters, ptr)
			}
		}
	}
	txs := q.pendingLocked()
	q.mu.Unlock()

	if err := q.store.SaveQueue(q.ctx, txs); err != nil {
		q.log.Error(q.ctx, "persisting queue", "error", err)
	}
}

func (q *TransactionQueue) suspend() {
	q.log.Info(q.ctx, "server unreachable, suspending queue drain", "pending", q.Len())
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
}
