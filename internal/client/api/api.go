// Package api implements the HTTP client for the server's record API. It
// maps transport failures and response status codes onto the shared error
// taxonomy: 400 validation, 401 unauthorized, 403 permission, 409 version
// conflict, 500 internal, and the synthesized status 0 for "network
// unreachable".
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"threadsync/internal/common"
	"threadsync/internal/record"
	"threadsync/internal/transaction"
)

// Error carries the protocol status code of a failed call.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status == common.StatusOffline {
		return "network unreachable"
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// Unwrap maps the status onto the sentinel taxonomy so callers can use
// errors.Is.
func (e *Error) Unwrap() error {
	switch e.Status {
	case common.StatusOffline:
		return common.ErrOffline
	case http.StatusBadRequest:
		return common.ErrValidation
	case http.StatusUnauthorized:
		return common.ErrUnauthorized
	case http.StatusForbidden:
		return common.ErrPermission
	case http.StatusConflict:
		return common.ErrVersionConflict
	default:
		return common.ErrInternal
	}
}

type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	token string
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SetAccessToken installs the bearer token attached to subsequent calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// AccessToken returns the current bearer token ("" when logged out).
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

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

// AuthResult is returned by Signup and Login.
type AuthResult struct {
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

// FileURL is a presigned URL for reading or writing a file's content.
type FileURL struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GetRecords fetches the authoritative state of the given pointers. Every
// requested pointer comes back loaded; nonexistent records come back nil.
func (c *Client) GetRecords(ctx context.Context, ptrs []record.Pointer) (record.RecordMap, error) {
	var resp recordsResponse
	if err := c.post(ctx, "/api/getRecords", getRecordsRequest{Pointers: ptrs}, &resp); err != nil {
		return nil, err
	}
	return withLoaded(resp.RecordMap, ptrs), nil
}

// Write submits a batch of transactions as one unit of work. The returned
// record map carries the authoritative post-write records.
func (c *Client) Write(ctx context.Context, txs []transaction.Transaction) (record.RecordMap, error) {
	var resp recordsResponse
	if err := c.post(ctx, "/api/write", writeRequest{Transactions: txs}, &resp); err != nil {
		return nil, err
	}
	return resp.RecordMap, nil
}

// GetMessages fetches the last limit messages of a thread.
func (c *Client) GetMessages(ctx context.Context, threadID string, limit int) (record.RecordMap, error) {
	var resp recordsResponse
	if err := c.post(ctx, "/api/getMessages", messagesRequest{ThreadID: threadID, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return resp.RecordMap, nil
}

// GetThreads fetches the threads the given user is a member of.
func (c *Client) GetThreads(ctx context.Context, userID string) (record.RecordMap, error) {
	var resp recordsResponse
	if err := c.post(ctx, "/api/getThreads", threadsRequest{UserID: userID}, &resp); err != nil {
		return nil, err
	}
	return resp.RecordMap, nil
}

// Signup registers a new user and installs the returned token.
func (c *Client) Signup(ctx context.Context, name, password string) (AuthResult, error) {
	return c.auth(ctx, "/api/signup", name, password)
}

// Login authenticates an existing user and installs the returned token.
func (c *Client) Login(ctx context.Context, name, password string) (AuthResult, error) {
	return c.auth(ctx, "/api/login", name, password)
}

func (c *Client) auth(ctx context.Context, path, name, password string) (AuthResult, error) {
	var resp AuthResult
	if err := c.post(ctx, path, authRequest{Name: name, Password: password}, &resp); err != nil {
		return AuthResult{}, err
	}
	c.SetAccessToken(resp.Token)
	return resp, nil
}

// FileURL asks for a presigned URL for a file record's content.
func (c *Client) FileURL(ctx context.Context, fileID string, put bool) (string, error) {
	var resp FileURL
	if err := c.post(ctx, "/api/fileUrl", fileURLRequest{FileID: fileID, Put: put}, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// Ping probes server reachability.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Status: common.StatusOffline}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Error{Status: resp.StatusCode, Message: "ping failed"}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.AccessToken(); token != "" {
		req.Header.Set(common.AccessTokenHeaderName, "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// the server could not be reached at all; synthesize status 0 so
		// the queue can tell "offline" apart from a server-side failure
		return &Error{Status: common.StatusOffline}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Status: common.StatusOffline}
	}

	if resp.StatusCode != http.StatusOK {
		var er errorResponse
		_ = json.Unmarshal(raw, &er)
		return &Error{Status: resp.StatusCode, Message: er.Error}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// withLoaded marks every requested pointer loaded, preserving the
// "loaded but nonexistent" nil entries the JSON decoding may have dropped.
func withLoaded(m record.RecordMap, ptrs []record.Pointer) record.RecordMap {
	if m == nil {
		m = record.NewRecordMap()
	}
	for _, p := range ptrs {
		if _, loaded := m.Get(p); !loaded {
			m.Set(p, nil)
		}
	}
	return m
}
