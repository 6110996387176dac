// Package api exposes the record store over HTTP JSON plus the websocket
// subscription endpoint. Handlers translate the error taxonomy into status
// codes; everything stateful lives behind the Store, Accounts and Hub
// interfaces.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"threadsync/internal/common"
	"threadsync/internal/logging"
	"threadsync/internal/record"
	"threadsync/internal/server/auth"
	"threadsync/internal/server/config"
	"threadsync/internal/server/database"
	"threadsync/internal/server/users"
	"threadsync/internal/transaction"
)

const maxBodyBytes = 4 << 20

// Store is the authoritative record store surface the handlers use.
type Store interface {
	GetRecords(ctx context.Context, userID string, ptrs []record.Pointer) (record.RecordMap, error)
	Write(ctx context.Context, tx transaction.Transaction) (*database.WriteResult, error)
	GetMessages(ctx context.Context, userID, threadID string, limit int) (record.RecordMap, error)
	GetThreads(ctx context.Context, userID string) (record.RecordMap, error)
}

// Accounts is the signup and login flow.
type Accounts interface {
	Signup(ctx context.Context, name, password string) (*users.Result, error)
	Login(ctx context.Context, name, password string) (*users.Result, error)
}

// Hub owns subscription connections and invalidation fan-out.
type Hub interface {
	Serve(ctx context.Context, ws *websocket.Conn)
	Publish(key, value string)
}

// FileSigner issues presigned URLs for file content.
type FileSigner interface {
	PutURL(ctx context.Context, fileID string) (string, error)
	GetURL(ctx context.Context, fileID string) (string, error)
}

type Server struct {
	store     Store
	accounts  Accounts
	hub       Hub
	signer    FileSigner
	jwtSecret []byte
	log       logging.Logger

	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

func New(store Store, accounts Accounts, hub Hub, signer FileSigner, cfg *config.Config, log logging.Logger) *Server {
	s := &Server{
		store:     store,
		accounts:  accounts,
		hub:       hub,
		signer:    signer,
		jwtSecret: []byte(cfg.SecretKey),
		log:       log,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/ping", s.handlePing)
	s.mux.HandleFunc("/api/signup", s.handleSignup)
	s.mux.HandleFunc("/api/login", s.handleLogin)
	s.mux.HandleFunc("/api/ws", s.handleSubscribe)

	s.mux.Handle("/api/getRecords", s.authenticated(s.handleGetRecords))
	s.mux.Handle("/api/write", s.authenticated(s.handleWrite))
	s.mux.Handle("/api/getMessages", s.authenticated(s.handleGetMessages))
	s.mux.Handle("/api/getThreads", s.authenticated(s.handleGetThreads))
	s.mux.Handle("/api/fileUrl", s.authenticated(s.handleFileURL))
}

// wire types, mirrored by the client

type getRecordsRequest struct {
	Pointers []record.Pointer `json:"pointers"`
}

type recordsResponse struct {
	RecordMap record.RecordMap `json:"recordMap"`
}

type writeRequest struct {
	Transactions []transaction.Transaction `json:"transactions"`
}

type authRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type authResponse struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

type messagesRequest struct {
	ThreadID string `json:"threadId"`
	Limit    int    `json:"limit,omitempty"`
}

type threadsRequest struct {
	UserID string `json:"userId"`
}

type fileURLRequest struct {
	FileID string `json:"fileId"`
	Put    bool   `json:"put,omitempty"`
}

type fileURLResponse struct {
	URL string `json:"url"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	s.handleAuth(w, r, s.accounts.Signup)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.handleAuth(w, r, s.accounts.Login)
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string) (*users.Result, error)) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req authRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := fn(r.Context(), req.Name, req.Password)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{UserID: res.UserID, Token: res.Token})
}

func (s *Server) handleGetRecords(w http.ResponseWriter, r *http.Request, userID string) {
	var req getRecordsRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.store.GetRecords(r.Context(), userID, req.Pointers)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordsResponse{RecordMap: m})
}

// handleWrite applies the submitted transactions in order. Each
// transaction is atomic on its own; a failure stops the batch and the
// client falls back to submitting its queue one transaction at a time.
// Invalidations for whatever committed are published regardless.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, userID string) {
	var req writeRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Transactions) == 0 {
		writeError(w, http.StatusBadRequest, "no transactions")
		return
	}

	merged := record.NewRecordMap()
	var updates []database.Update

	for _, tx := range req.Transactions {
		if tx.AuthorID != userID {
			s.publishAsync(updates)
			writeError(w, http.StatusForbidden, "transaction author mismatch")
			return
		}
		res, err := s.store.Write(r.Context(), tx)
		if err != nil {
			s.publishAsync(updates)
			s.writeFailure(w, r, err)
			return
		}
		for _, p := range res.Records.Pointers() {
			rec, _ := res.Records.Get(p)
			merged.Set(p, rec)
		}
		updates = append(updates, res.Updates...)
	}

	s.publishAsync(updates)
	writeJSON(w, http.StatusOK, recordsResponse{RecordMap: merged})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request, userID string) {
	var req messagesRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.store.GetMessages(r.Context(), userID, req.ThreadID, req.Limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordsResponse{RecordMap: m})
}

func (s *Server) handleGetThreads(w http.ResponseWriter, r *http.Request, userID string) {
	var req threadsRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID != "" && req.UserID != userID {
		writeError(w, http.StatusForbidden, "cannot list another user's threads")
		return
	}
	m, err := s.store.GetThreads(r.Context(), userID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordsResponse{RecordMap: m})
}

// handleFileURL signs an upload or download URL, but only for a file
// record the caller can read. Unreadable and missing files look the same.
func (s *Server) handleFileURL(w http.ResponseWriter, r *http.Request, userID string) {
	var req fileURLRequest
	if !decode(w, r, &req) {
		return
	}
	ptr := record.Pointer{Table: record.TableFile, ID: req.FileID}
	m, err := s.store.GetRecords(r.Context(), userID, []record.Pointer{ptr})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if rec, _ := m.Get(ptr); rec == nil {
		writeError(w, http.StatusForbidden, "file not accessible")
		return
	}

	var url string
	if req.Put {
		url, err = s.signer.PutURL(r.Context(), req.FileID)
	} else {
		url, err = s.signer.GetURL(r.Context(), req.FileID)
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fileURLResponse{URL: url})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	s.hub.Serve(r.Context(), ws)
}

// publishAsync fans committed invalidations out without holding up the
// HTTP response.
func (s *Server) publishAsync(updates []database.Update) {
	if len(updates) == 0 {
		return
	}
	go func() {
		for _, u := range updates {
			s.hub.Publish(u.Key, u.Value)
		}
	}()
}

type authHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := auth.GetUserIDFromToken(token, s.jwtSecret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, userID)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get(common.AccessTokenHeaderName)
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFromError(err)
	if status == http.StatusInternalServerError {
		s.log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, common.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
