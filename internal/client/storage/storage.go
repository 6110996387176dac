// Package storage implements the client's durable record store: a sqlite
// mirror of the in-memory cache with the same version-gated write rule and
// the same secondary indexes, plus the persistent slot for the pending
// transaction queue.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"threadsync/internal/client/storage/migrations"
	"threadsync/internal/dbx"
	"threadsync/internal/record"
	"threadsync/internal/transaction"
)

// queueSlot is the fixed slot holding the ordered pending transactions.
const queueSlot = "pending_transactions"

type Storage struct {
	db *sql.DB
}

// Open opens (or creates) the client database at dsn and applies pending
// migrations.
func Open(ctx context.Context, dsn string) (*Storage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open client db: %w", err)
	}
	// sqlite handles no write concurrency; keep a single connection
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate client db: %w", err)
	}
	return &Storage{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// GetRecord reads one record; (nil, nil) when it does not exist.
func (s *Storage) GetRecord(ctx context.Context, p record.Pointer) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, deleted, attrs FROM records WHERE tbl=? AND id=?`,
		string(p.Table), p.ID)
	return scanRecord(row, p.ID)
}

// GetRecordMap reads every pointer, marking each one loaded whether or not
// a record exists.
func (s *Storage) GetRecordMap(ctx context.Context, ptrs []record.Pointer) (record.RecordMap, error) {
	m := record.NewRecordMap()
	for _, p := range ptrs {
		r, err := s.GetRecord(ctx, p)
		if err != nil {
			return nil, err
		}
		m.Set(p, r)
	}
	return m, nil
}

// WriteRecordMap persists every acceptable record of m. Primary rows and
// index rows are written inside a single sqlite transaction per call, so a
// crash mid-write cannot leave them out of sync. The acceptance rule
// matches the cache: force, absent, or strictly newer version.
func (s *Storage) WriteRecordMap(ctx context.Context, m record.RecordMap, force bool) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, p := range m.Pointers() {
			incoming, _ := m.Get(p)
			if err := writeOne(ctx, tx, p, incoming, force); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeOne(ctx context.Context, tx dbx.DBTX, p record.Pointer, incoming *record.Record, force bool) error {
	var stored int64
	err := tx.QueryRowContext(ctx,
		`SELECT version FROM records WHERE tbl=? AND id=?`,
		string(p.Table), p.ID).Scan(&stored)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("read stored version of %s: %w", p, err)
	}

	if incoming == nil {
		if !force || !exists {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE tbl=? AND id=?`, string(p.Table), p.ID); err != nil {
			return err
		}
		return replaceIndexRows(ctx, tx, p, nil)
	}

	if !force && exists && incoming.Version <= stored {
		return nil
	}

	attrs, err := json.Marshal(incoming.Attrs)
	if err != nil {
		return fmt.Errorf("marshal attrs of %s: %w", p, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (tbl, id, version, deleted, attrs)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tbl, id) DO UPDATE SET
			version = excluded.version,
			deleted = excluded.deleted,
			attrs   = excluded.attrs`,
		string(p.Table), p.ID, incoming.Version, boolToInt(incoming.Deleted), string(attrs))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", p, err)
	}
	return replaceIndexRows(ctx, tx, p, incoming)
}

// replaceIndexRows swaps the index rows derived from a record. Passing a
// nil or soft-deleted record leaves no rows behind.
func replaceIndexRows(ctx context.Context, tx dbx.DBTX, p record.Pointer, r *record.Record) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_index WHERE tbl=? AND id=?`, string(p.Table), p.ID); err != nil {
		return err
	}
	spec, ok := record.Spec(p.Table)
	if !ok {
		return nil
	}
	for _, e := range spec.IndexEntries(r) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO record_index (key, sort, value, tbl, id)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (key, value) DO UPDATE SET sort = excluded.sort`,
			e.Key, e.Sort, e.Value, string(p.Table), p.ID); err != nil {
			return err
		}
	}
	return nil
}

// GetMessages returns the last limit messages of a thread in ascending
// createdAt order, read off the secondary index rather than a table scan.
func (s *Storage) GetMessages(ctx context.Context, threadID string, limit int) ([]*record.Record, error) {
	return s.queryIndex(ctx, record.MessagesKey(threadID), limit)
}

// GetThreads returns the threads a user is a member of, most recent reply
// last.
func (s *Storage) GetThreads(ctx context.Context, userID string) ([]*record.Record, error) {
	return s.queryIndex(ctx, record.ThreadsKey(userID), 0)
}

func (s *Storage) queryIndex(ctx context.Context, key string, limit int) ([]*record.Record, error) {
	q := `
		SELECT r.id, r.version, r.deleted, r.attrs
		FROM record_index i
		JOIN records r ON r.tbl = i.tbl AND r.id = i.id
		WHERE i.key = ?
		ORDER BY i.sort DESC`
	args := []any{key}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query index %q: %w", key, err)
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		var (
			id      string
			version int64
			deleted int
			attrs   string
		)
		if err := rows.Scan(&id, &version, &deleted, &attrs); err != nil {
			return nil, err
		}
		r, err := buildRecord(id, version, deleted, attrs)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// the scan walked newest-first; callers want chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SaveQueue persists the ordered pending transactions in the fixed slot.
func (s *Storage) SaveQueue(ctx context.Context, txs []transaction.Transaction) error {
	if txs == nil {
		txs = []transaction.Transaction{}
	}
	data, err := json.Marshal(txs)
	if err != nil {
		return fmt.Errorf("marshal pending queue: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_queue (slot, data) VALUES (?, ?)
		ON CONFLICT (slot) DO UPDATE SET data = excluded.data`,
		queueSlot, string(data))
	return err
}

// LoadQueue returns the persisted pending transactions in original order.
func (s *Storage) LoadQueue(ctx context.Context) ([]transaction.Transaction, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM pending_queue WHERE slot=?`, queueSlot).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var txs []transaction.Transaction
	if err := json.Unmarshal([]byte(data), &txs); err != nil {
		return nil, fmt.Errorf("unmarshal pending queue: %w", err)
	}
	return txs, nil
}

func scanRecord(row *sql.Row, id string) (*record.Record, error) {
	var (
		version int64
		deleted int
		attrs   string
	)
	err := row.Scan(&version, &deleted, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return buildRecord(id, version, deleted, attrs)
}

func buildRecord(id string, version int64, deleted int, attrs string) (*record.Record, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(attrs), &m); err != nil {
		return nil, fmt.Errorf("unmarshal attrs of %s: %w", id, err)
	}
	return &record.Record{ID: id, Version: version, Deleted: deleted != 0, Attrs: m}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
