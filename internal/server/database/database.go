// Package database is the authoritative record store: postgres-backed
// reads, the optimistic-concurrency write path with permission checks, and
// the secondary index serving the list queries.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"threadsync/internal/common"
	"threadsync/internal/dbx"
	"threadsync/internal/logging"
	"threadsync/internal/record"
	"threadsync/internal/server/database/migrations"
	"threadsync/internal/transaction"
)

type Database struct {
	db  *sql.DB
	log logging.Logger
}

// Open connects to postgres and runs the embedded migrations.
func Open(ctx context.Context, dsn string, log logging.Logger) (*Database, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return &Database{db: db, log: log}, nil
}

// NewWithDB wraps an existing connection. Migrations are the caller's
// responsibility; tests use this with sqlmock.
func NewWithDB(db *sql.DB, log logging.Logger) *Database {
	return &Database{db: db, log: log}
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Update is one pub/sub notification produced by an accepted write.
type Update struct {
	Key   string
	Value string
}

// WriteResult is the outcome of an accepted transaction: the authoritative
// post-state of every touched pointer plus the notifications to publish.
type WriteResult struct {
	Records record.RecordMap
	Updates []Update
}

// GetRecords reads the pointers and filters them by the requesting user's
// read permissions. Every requested pointer comes back loaded; records the
// user may not see come back nil, indistinguishable from absent ones.
func (d *Database) GetRecords(ctx context.Context, userID string, ptrs []record.Pointer) (record.RecordMap, error) {
	m := record.NewRecordMap()
	for _, p := range ptrs {
		r, err := getRecord(ctx, d.db, p, false)
		if err != nil {
			return nil, err
		}
		m.Set(p, r)
	}

	lookup := d.lookupFrom(ctx, m)
	for _, p := range m.Pointers() {
		r, _ := m.Get(p)
		if r == nil {
			continue
		}
		spec, ok := record.Spec(p.Table)
		if !ok || spec.ValidateRead(userID, r, lookup) != nil {
			m.Set(p, nil)
		}
	}
	return m, nil
}

// Write applies one transaction atomically. Touched rows are locked in
// deterministic order, operations run against the locked state, per-table
// validation and write permissions are checked, and the version
// compare-and-swap persists all records or none. A transaction id seen
// before is not applied again; the current records come back as success.
func (d *Database) Write(ctx context.Context, tx transaction.Transaction) (*WriteResult, error) {
	res := &WriteResult{}

	err := dbx.WithTx(ctx, d.db, nil, func(ctx context.Context, q dbx.DBTX) error {
		var seen bool
		err := q.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM transactions WHERE tx_id = $1)`, tx.TxID).Scan(&seen)
		if err != nil {
			return err
		}

		ptrs := sortedPointers(tx.Pointers())

		if seen {
			// replay of an already accepted transaction
			m := record.NewRecordMap()
			for _, p := range ptrs {
				r, err := getRecord(ctx, q, p, false)
				if err != nil {
					return err
				}
				m.Set(p, r)
			}
			res.Records = m
			return nil
		}

		before := record.NewRecordMap()
		for _, p := range ptrs {
			r, err := getRecord(ctx, q, p, true)
			if err != nil {
				return err
			}
			before.Set(p, r)
		}

		after := before.Clone()
		if err := transaction.ApplyAll(after, tx.Operations); err != nil {
			return err
		}

		if err := d.authorize(ctx, q, tx.AuthorID, ptrs, before, after); err != nil {
			return err
		}

		for _, p := range ptrs {
			b, _ := before.Get(p)
			a, _ := after.Get(p)
			if err := casWrite(ctx, q, p, b, a); err != nil {
				return err
			}
			if err := replaceIndexRows(ctx, q, p, a); err != nil {
				return err
			}
			res.Updates = append(res.Updates, recordUpdates(p, b, a, tx.TxID)...)
		}

		_, err = q.ExecContext(ctx,
			`INSERT INTO transactions (tx_id, author_id) VALUES ($1, $2)`, tx.TxID, tx.AuthorID)
		if err != nil {
			return err
		}

		res.Records = after
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// authorize runs schema validation and write permissions for every touched
// pointer. Any failure rejects the whole transaction.
func (d *Database) authorize(ctx context.Context, q dbx.DBTX, authorID string, ptrs []record.Pointer, before, after record.RecordMap) error {
	// relationship checks resolve against the after-state first, so a
	// thread created in this same transaction counts
	lookup := d.txLookupFrom(ctx, q, after)

	for _, p := range ptrs {
		spec, ok := record.Spec(p.Table)
		if !ok {
			return fmt.Errorf("unknown table %q: %w", p.Table, common.ErrValidation)
		}
		b, _ := before.Get(p)
		a, _ := after.Get(p)

		if a != nil {
			if err := spec.Validate(a); err != nil {
				return fmt.Errorf("%s: %v: %w", p, err, common.ErrValidation)
			}
		}
		if err := spec.ValidateWrite(authorID, b, a, lookup); err != nil {
			return fmt.Errorf("%s: %v: %w", p, err, common.ErrPermission)
		}
	}
	return nil
}

// casWrite persists one record guarded by its previous version. A failed
// guard means a concurrent writer got there first.
func casWrite(ctx context.Context, q dbx.DBTX, p record.Pointer, before, after *record.Record) error {
	attrs, err := json.Marshal(after.Attrs)
	if err != nil {
		return err
	}

	var res sql.Result
	if before == nil {
		res, err = q.ExecContext(ctx,
			`INSERT INTO records (tbl, id, version, deleted, attrs)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (tbl, id) DO NOTHING`,
			p.Table, p.ID, after.Version, after.Deleted, attrs)
	} else {
		res, err = q.ExecContext(ctx,
			`UPDATE records SET version = $1, deleted = $2, attrs = $3
			 WHERE tbl = $4 AND id = $5 AND version = $6`,
			after.Version, after.Deleted, attrs, p.Table, p.ID, before.Version)
	}
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%s: %w", p, common.ErrVersionConflict)
	}
	return nil
}

func replaceIndexRows(ctx context.Context, q dbx.DBTX, p record.Pointer, r *record.Record) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM record_index WHERE tbl = $1 AND id = $2`, p.Table, p.ID); err != nil {
		return err
	}

	spec, ok := record.Spec(p.Table)
	if !ok {
		return nil
	}
	for _, e := range spec.IndexEntries(r) {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO record_index (key, sort, value, tbl, id) VALUES ($1, $2, $3, $4, $5)`,
			e.Key, e.Sort, e.Value, p.Table, p.ID); err != nil {
			return err
		}
	}
	return nil
}

// recordUpdates derives the notifications of one accepted record write: the
// record's own key carries the new version, changed index keys carry the
// transaction id.
func recordUpdates(p record.Pointer, before, after *record.Record, txID string) []Update {
	updates := []Update{{Key: record.RecordKey(p), Value: strconv.FormatInt(after.Version, 10)}}

	spec, ok := record.Spec(p.Table)
	if !ok {
		return updates
	}
	oldKeys := map[string]struct{}{}
	for _, e := range spec.IndexEntries(before) {
		oldKeys[e.Key] = struct{}{}
	}
	newKeys := map[string]struct{}{}
	for _, e := range spec.IndexEntries(after) {
		newKeys[e.Key] = struct{}{}
	}

	changed := map[string]struct{}{}
	for k := range oldKeys {
		changed[k] = struct{}{}
	}
	for k := range newKeys {
		changed[k] = struct{}{}
	}
	keys := make([]string, 0, len(changed))
	for k := range changed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		updates = append(updates, Update{Key: k, Value: txID})
	}
	return updates
}

// GetMessages returns the last limit messages of a thread off the
// secondary index, newest page in chronological order. The requesting user
// must be able to read the thread.
func (d *Database) GetMessages(ctx context.Context, userID, threadID string, limit int) (record.RecordMap, error) {
	thread, err := getRecord(ctx, d.db, record.Pointer{Table: record.TableThread, ID: threadID}, false)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, fmt.Errorf("thread %s: %w", threadID, common.ErrNotFound)
	}
	spec, _ := record.Spec(record.TableThread)
	if err := spec.ValidateRead(userID, thread, d.lookupFrom(ctx, record.NewRecordMap())); err != nil {
		return nil, fmt.Errorf("thread %s: %v: %w", threadID, err, common.ErrPermission)
	}

	return d.queryIndex(ctx, record.MessagesKey(threadID), limit)
}

// GetThreads returns the threads the user is a member of, most recent
// activity last.
func (d *Database) GetThreads(ctx context.Context, userID string) (record.RecordMap, error) {
	return d.queryIndex(ctx, record.ThreadsKey(userID), 0)
}

func (d *Database) queryIndex(ctx context.Context, key string, limit int) (record.RecordMap, error) {
	query := `SELECT r.tbl, r.id, r.version, r.deleted, r.attrs
		FROM record_index i
		JOIN records r ON r.tbl = i.tbl AND r.id = i.id
		WHERE i.key = $1
		ORDER BY i.sort DESC`
	args := []any{key}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := record.NewRecordMap()
	for rows.Next() {
		var tbl, id string
		var version int64
		var deleted bool
		var attrs []byte
		if err := rows.Scan(&tbl, &id, &version, &deleted, &attrs); err != nil {
			return nil, err
		}
		r, err := buildRecord(id, version, deleted, attrs)
		if err != nil {
			return nil, err
		}
		m.Set(record.Pointer{Table: record.Table(tbl), ID: id}, r)
	}
	return m, rows.Err()
}

// GetUserByName resolves a user record by its unique name attribute, nil
// when no such user exists. Used by signup and login.
func (d *Database) GetUserByName(ctx context.Context, name string) (*record.Record, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, version, deleted, attrs FROM records
		 WHERE tbl = 'user' AND attrs ->> 'name' = $1`, name)

	var id string
	var version int64
	var deleted bool
	var attrs []byte
	if err := row.Scan(&id, &version, &deleted, &attrs); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return buildRecord(id, version, deleted, attrs)
}

// GetRecordRaw reads one record without permission filtering. Only the
// server's own auth flow uses it, for the password and auth_token tables.
func (d *Database) GetRecordRaw(ctx context.Context, p record.Pointer) (*record.Record, error) {
	return getRecord(ctx, d.db, p, false)
}

// WriteSystemRecords force-upserts server-managed records (signup, login)
// together with their index rows, bypassing the record-API permission
// checks.
func (d *Database) WriteSystemRecords(ctx context.Context, m record.RecordMap) error {
	return dbx.WithTx(ctx, d.db, nil, func(ctx context.Context, q dbx.DBTX) error {
		for _, p := range m.Pointers() {
			r, _ := m.Get(p)
			if r == nil {
				continue
			}
			attrs, err := json.Marshal(r.Attrs)
			if err != nil {
				return err
			}
			_, err = q.ExecContext(ctx,
				`INSERT INTO records (tbl, id, version, deleted, attrs)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (tbl, id) DO UPDATE
				 SET version = excluded.version, deleted = excluded.deleted, attrs = excluded.attrs`,
				p.Table, p.ID, r.Version, r.Deleted, attrs)
			if err != nil {
				return err
			}
			if err := replaceIndexRows(ctx, q, p, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// lookupFrom resolves relationship lookups against a fetched map first and
// the live table second.
func (d *Database) lookupFrom(ctx context.Context, m record.RecordMap) record.Lookup {
	return func(p record.Pointer) *record.Record {
		if r, loaded := m.Get(p); loaded {
			return r
		}
		r, err := getRecord(ctx, d.db, p, false)
		if err != nil {
			d.log.Error(ctx, "lookup failed", "pointer", p.String(), "error", err)
			return nil
		}
		return r
	}
}

func (d *Database) txLookupFrom(ctx context.Context, q dbx.DBTX, m record.RecordMap) record.Lookup {
	return func(p record.Pointer) *record.Record {
		if r, loaded := m.Get(p); loaded {
			return r
		}
		r, err := getRecord(ctx, q, p, false)
		if err != nil {
			d.log.Error(ctx, "lookup failed", "pointer", p.String(), "error", err)
			return nil
		}
		return r
	}
}

func getRecord(ctx context.Context, q dbx.DBTX, p record.Pointer, forUpdate bool) (*record.Record, error) {
	query := `SELECT version, deleted, attrs FROM records WHERE tbl = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	row := q.QueryRowContext(ctx, query, p.Table, p.ID)

	var version int64
	var deleted bool
	var attrs []byte
	if err := row.Scan(&version, &deleted, &attrs); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return buildRecord(p.ID, version, deleted, attrs)
}

func buildRecord(id string, version int64, deleted bool, attrs []byte) (*record.Record, error) {
	r := &record.Record{ID: id, Version: version, Deleted: deleted}
	if err := json.Unmarshal(attrs, &r.Attrs); err != nil {
		return nil, fmt.Errorf("record %s: corrupt attrs: %w", id, err)
	}
	return r, nil
}

// sortedPointers locks rows in a deterministic order so concurrent
// transactions over the same pointers cannot deadlock.
func sortedPointers(ptrs []record.Pointer) []record.Pointer {
	out := append([]record.Pointer(nil), ptrs...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].ID < out[j].ID
	})
	return out
}
