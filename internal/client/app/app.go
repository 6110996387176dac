// Package app wires the client engine together: the HTTP API, the record
// cache, durable storage, the transaction queue, undo history, the
// subscription cache, the websocket channel and the online monitor.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"threadsync/internal/client/api"
	"threadsync/internal/client/cache"
	"threadsync/internal/client/config"
	"threadsync/internal/client/online"
	"threadsync/internal/client/pubsub"
	"threadsync/internal/client/queue"
	"threadsync/internal/client/storage"
	"threadsync/internal/client/subs"
	"threadsync/internal/client/undo"
	"threadsync/internal/common"
	"threadsync/internal/logging"
	"threadsync/internal/netx"
	"threadsync/internal/record"
	"threadsync/internal/transaction"
)

// Environment is the constructed-once client runtime.
type Environment struct {
	cfg    *config.Config
	log    logging.Logger
	api    *api.Client
	cache  *cache.RecordCache
	store  *storage.Storage
	queue  *queue.TransactionQueue
	undo   *undo.Manager
	subs   *subs.Cache
	pubsub *pubsub.Client
	online *online.Monitor

	mu     sync.Mutex
	userID string
}

func New(ctx context.Context, cfg *config.Config, log logging.Logger) (*Environment, error) {
	store, err := storage.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("opening local storage: %w", err)
	}

	env := &Environment{
		cfg:   cfg,
		log:   log,
		api:   api.New(cfg.ServerAddr),
		cache: cache.New(),
		store: store,
	}
	env.queue = queue.New(env.api, env.cache, store, log)
	env.undo = undo.New(env.queue, env.cache.GetRecordMap, cfg.UndoWindow)
	env.online = online.New(env.api, cfg.OnlineCheckInterval, log)
	env.subs = subs.New(subs.DefaultGrace,
		func(key string) { env.pubsub.Subscribe(key) },
		func(key string) { env.pubsub.Unsubscribe(key) },
	)
	env.pubsub = pubsub.New(subscribeURL(cfg.ServerAddr), env.subs.Keys, env.invalidate, env.online.Online, log)

	env.online.Subscribe(func(up bool) {
		if up {
			env.queue.Kick()
		}
	})

	return env, nil
}

// Start launches the background loops and resubmits writes persisted by a
// previous run.
func (e *Environment) Start(ctx context.Context) error {
	e.online.Start(ctx)
	e.pubsub.Start(ctx)
	return e.queue.Restore(ctx)
}

func (e *Environment) Close() error {
	e.queue.Close()
	e.pubsub.Close()
	return e.store.Close()
}

func subscribeURL(serverAddr string) string {
	url := strings.Replace(serverAddr, "http", "ws", 1)
	return url + "/api/ws"
}

// Signup creates an account and signs the client in.
func (e *Environment) Signup(ctx context.Context, name, password string) error {
	res, err := e.api.Signup(ctx, name, password)
	if err != nil {
		return err
	}
	e.setUser(res.UserID)
	return nil
}

// Login signs the client in.
func (e *Environment) Login(ctx context.Context, name, password string) error {
	res, err := e.api.Login(ctx, name, password)
	if err != nil {
		return err
	}
	e.setUser(res.UserID)
	return nil
}

func (e *Environment) setUser(id string) {
	e.mu.Lock()
	e.userID = id
	e.mu.Unlock()
}

// UserID returns the signed-in user id, or "" before login.
func (e *Environment) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// Write applies the operations locally, records the undo step and queues
// the transaction for the server. The returned channel resolves once the
// server accepts or the write is rolled back.
func (e *Environment) Write(ctx context.Context, ops ...transaction.Operation) (<-chan error, error) {
	tx := transaction.New(e.UserID(), ops...)
	before := e.cache.GetRecordMap(tx.Pointers())

	// validate against a scratch copy so a bad batch never reaches the
	// queue or the history
	if err := transaction.ApplyAll(before.Clone(), tx.Operations); err != nil {
		return nil, err
	}
	if err := e.undo.Record(before, tx); err != nil {
		return nil, err
	}
	return e.queue.Enqueue(ctx, tx), nil
}

// Undo reverts the most recent undo step. ok is false when the history is
// empty.
func (e *Environment) Undo(ctx context.Context) (<-chan error, bool) {
	return e.undo.Undo(ctx)
}

// Redo replays the most recently undone step.
func (e *Environment) Redo(ctx context.Context) (<-chan error, bool) {
	return e.undo.Redo(ctx)
}

// IsPendingWrite reports whether the record has writes not yet accepted by
// the server.
func (e *Environment) IsPendingWrite(p record.Pointer) bool {
	return e.queue.IsPendingWrite(p)
}

// GetRecord reads a record: cache first, then local storage, then the
// server. Offline reads answer from local state only.
func (e *Environment) GetRecord(ctx context.Context, p record.Pointer) (*record.Record, error) {
	if r := e.cache.Get(p); r != nil {
		return r, nil
	}

	r, err := e.store.GetRecord(ctx, p)
	if err != nil {
		return nil, err
	}
	if r != nil {
		m := record.NewRecordMap()
		m.Set(p, r)
		e.cache.WriteRecordMap(m, false)
		return r, nil
	}

	m, err := e.api.GetRecords(ctx, []record.Pointer{p})
	if err != nil {
		if errors.Is(err, common.ErrOffline) {
			return nil, nil
		}
		return nil, err
	}
	e.writeBoth(ctx, m, false)
	r, _ = m.Get(p)
	return r, nil
}

// GetMessages returns the last limit messages of a thread in chronological
// order, refreshing from the server when reachable.
func (e *Environment) GetMessages(ctx context.Context, threadID string, limit int) ([]*record.Record, error) {
	if e.online.Online() {
		m, err := e.api.GetMessages(ctx, threadID, limit)
		if err != nil && !errors.Is(err, common.ErrOffline) {
			return nil, err
		}
		if err == nil {
			e.writeBoth(ctx, m, false)
			if limit == 0 {
				// a partial page cannot tell "deleted" from "older than
				// the page"
				e.reconcileList(ctx, record.QueryMessages, threadID, m)
			}
		}
	}
	return e.store.GetMessages(ctx, threadID, limit)
}

// GetThreads returns the user's threads ordered by last activity,
// refreshing from the server when reachable.
func (e *Environment) GetThreads(ctx context.Context, userID string) ([]*record.Record, error) {
	if e.online.Online() {
		m, err := e.api.GetThreads(ctx, userID)
		if err != nil && !errors.Is(err, common.ErrOffline) {
			return nil, err
		}
		if err == nil {
			e.writeBoth(ctx, m, false)
			e.reconcileList(ctx, record.QueryThreads, userID, m)
		}
	}
	return e.store.GetThreads(ctx, userID)
}

// FileURL returns a presigned URL for a file's content.
func (e *Environment) FileURL(ctx context.Context, fileID string, put bool) (string, error) {
	return e.api.FileURL(ctx, fileID, put)
}

// UploadFile pushes a file's content straight to object storage through a
// presigned URL. The file record itself is written separately.
func (e *Environment) UploadFile(ctx context.Context, fileID string, data []byte) error {
	url, err := e.api.FileURL(ctx, fileID, true)
	if err != nil {
		return err
	}
	return netx.UploadToPresignedURL(ctx, http.DefaultClient, url, data)
}

// DownloadFile fetches a file's content through a presigned URL.
func (e *Environment) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := e.api.FileURL(ctx, fileID, false)
	if err != nil {
		return nil, err
	}
	return netx.DownloadFromPresignedURL(ctx, http.DefaultClient, url)
}

// Watch subscribes to a query key: the server starts pushing invalidations
// for it and fn runs after every local change of the key. The returned
// release undoes both registrations.
func (e *Environment) Watch(key string, fn func()) (func(), error) {
	if _, err := record.ParseKey(key); err != nil {
		return nil, err
	}
	releaseCache := e.cache.SubscribeKey(key, fn)
	releaseSubs := e.subs.Subscribe(key)
	return func() {
		releaseCache()
		releaseSubs()
	}, nil
}

// invalidate handles one update frame from the subscription channel by
// refetching the named query and merging the authoritative state into the
// cache and storage. Stale frames lose to the version gate.
func (e *Environment) invalidate(key string, _ json.RawMessage) {
	ctx := context.Background()
	k, err := record.ParseKey(key)
	if err != nil {
		e.log.Warn(ctx, "ignoring malformed invalidation", "key", key)
		return
	}

	var m record.RecordMap
	switch k.Query {
	case record.QueryRecord:
		m, err = e.api.GetRecords(ctx, []record.Pointer{k.Pointer})
	case record.QueryMessages:
		m, err = e.api.GetMessages(ctx, k.Param, 0)
	case record.QueryThreads:
		m, err = e.api.GetThreads(ctx, k.Param)
	}
	if err != nil {
		e.log.Warn(ctx, "invalidation refetch failed", "key", key, "error", err)
		return
	}
	e.writeBoth(ctx, m, false)
	if k.Query != record.QueryRecord {
		e.reconcileList(ctx, k.Query, k.Param, m)
	}
}

// reconcileList repairs records that fell out of an authoritative list
// response. The server's list queries read its secondary index, which a
// soft delete has already left, so a tombstone shows up only as an
// absence. Locally indexed records missing from the response are refetched
// by pointer and force-written, erasing or tombstoning the stale copy.
// Records with queued local writes are left alone; they are absent because
// the server has not accepted them yet.
func (e *Environment) reconcileList(ctx context.Context, query, param string, m record.RecordMap) {
	var table record.Table
	var local []*record.Record
	var err error
	switch query {
	case record.QueryMessages:
		table = record.TableMessage
		local, err = e.store.GetMessages(ctx, param, 0)
	case record.QueryThreads:
		table = record.TableThread
		local, err = e.store.GetThreads(ctx, param)
	default:
		return
	}
	if err != nil {
		e.log.Warn(ctx, "list reconcile read failed", "query", query, "param", param, "error", err)
		return
	}

	var dropped []record.Pointer
	for _, r := range local {
		p := record.Pointer{Table: table, ID: r.ID}
		if _, loaded := m.Get(p); loaded {
			continue
		}
		if e.queue.IsPendingWrite(p) {
			continue
		}
		dropped = append(dropped, p)
	}
	if len(dropped) == 0 {
		return
	}

	gone, err := e.api.GetRecords(ctx, dropped)
	if err != nil {
		e.log.Warn(ctx, "refetching dropped records failed", "query", query, "error", err)
		return
	}
	e.writeBoth(ctx, gone, true)
}

func (e *Environment) writeBoth(ctx context.Context, m record.RecordMap, force bool) {
	e.cache.WriteRecordMap(m, force)
	if err := e.store.WriteRecordMap(ctx, m, force); err != nil {
		e.log.Error(ctx, "persisting records", "error", err)
	}
}
