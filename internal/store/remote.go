package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/froz-husain/sketchsync/internal/model"
)

// Wire types shared between the remote client and the replica server.

// DocsResponse carries a range scan result
type DocsResponse struct {
	Docs []model.Document `json:"docs"`
}

// ChangesResponse carries a batch changes pull result
type ChangesResponse struct {
	Changes []Change `json:"changes"`
	Next    int64    `json:"next"`
}

// ApplyRequest carries replication documents to apply
type ApplyRequest struct {
	Docs []model.Document `json:"docs"`
}

// ApplyResponse reports how many documents a replication apply took
type ApplyResponse struct {
	Applied int `json:"applied"`
}

// InfoResponse describes a database on the replica server
type InfoResponse struct {
	Name string `json:"name"`
	Seq  int64  `json:"seq"`
}

// SessionResponse carries a short-lived feed token
type SessionResponse struct {
	Token string `json:"token"`
}

// RemoteConfig describes the connection to a remote replica endpoint
type RemoteConfig struct {
	BaseURL  string
	Username string
	Password string
	Database string

	// HTTPClient overrides the default client, mainly for tests
	HTTPClient *http.Client
}

// RemoteStore drives one database on the remote replica server over HTTP.
// It implements Store; transport failures surface as TransportError and are
// retried only by the replication driver, never here.
type RemoteStore struct {
	cfg    RemoteConfig
	client *http.Client
}

// NewRemote creates a remote replica handle. No connection is made until
// the first request.
func NewRemote(cfg RemoteConfig) *RemoteStore {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RemoteStore{cfg: cfg, client: client}
}

// Name returns the remote database name
func (r *RemoteStore) Name() string { return r.cfg.Database }

// Close releases the handle
func (r *RemoteStore) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func (r *RemoteStore) dbURL(parts ...string) string {
	u := strings.TrimRight(r.cfg.BaseURL, "/") + "/v1/db/" + url.PathEscape(r.cfg.Database)
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// do issues an authenticated request and decodes the response into out.
// expect lists the status codes that are not errors.
func (r *RemoteStore) do(ctx context.Context, op, method, rawURL string, body, out interface{}, expect ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	req.SetBasicAuth(r.cfg.Username, r.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, &TransportError{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	for _, code := range expect {
		if resp.StatusCode == code {
			if out != nil && resp.StatusCode != http.StatusNoContent {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return resp.StatusCode, &TransportError{Op: op, Cause: err}
				}
			}
			return resp.StatusCode, nil
		}
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return resp.StatusCode, fmt.Errorf("%s: %w", op, ErrNotFound)
	case http.StatusConflict:
		return resp.StatusCode, fmt.Errorf("%s: %w", op, ErrConflict)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, &TransportError{
			Op:    op,
			Cause: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}
}

// EnsureDatabase creates the remote database if it does not exist
func (r *RemoteStore) EnsureDatabase(ctx context.Context) error {
	_, err := r.do(ctx, "ensure database "+r.cfg.Database, http.MethodPut, r.dbURL(), nil, nil,
		http.StatusOK, http.StatusCreated)
	return err
}

// Seq returns the remote database's current update sequence
func (r *RemoteStore) Seq(ctx context.Context) (int64, error) {
	var info InfoResponse
	_, err := r.do(ctx, "info "+r.cfg.Database, http.MethodGet, r.dbURL(), nil, &info, http.StatusOK)
	if err != nil {
		return 0, err
	}
	return info.Seq, nil
}

// Get fetches a document by key
func (r *RemoteStore) Get(ctx context.Context, key string) (*model.Document, error) {
	var doc model.Document
	_, err := r.do(ctx, "get "+key, http.MethodGet, r.dbURL("doc", key), nil, &doc, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Put writes a document conditionally on its revision
func (r *RemoteStore) Put(ctx context.Context, doc *model.Document) (*model.Document, error) {
	var written model.Document
	_, err := r.do(ctx, "put "+doc.Key, http.MethodPut, r.dbURL("doc", doc.Key), doc, &written,
		http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	return &written, nil
}

// Delete tombstones a document at the given revision
func (r *RemoteStore) Delete(ctx context.Context, key, rev string) error {
	u := r.dbURL("doc", key) + "?rev=" + url.QueryEscape(rev)
	_, err := r.do(ctx, "delete "+key, http.MethodDelete, u, nil, nil, http.StatusOK, http.StatusNoContent)
	return err
}

// List scans the half-open key interval [start, end)
func (r *RemoteStore) List(ctx context.Context, start, end string) ([]model.Document, error) {
	u := r.dbURL("docs") + "?start=" + url.QueryEscape(start) + "&end=" + url.QueryEscape(end)
	var out DocsResponse
	_, err := r.do(ctx, "list", http.MethodGet, u, nil, &out, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return out.Docs, nil
}

// Changes returns up to limit changes with sequence greater than since
func (r *RemoteStore) Changes(ctx context.Context, since int64, limit int) ([]Change, int64, error) {
	u := r.dbURL("changes") + "?since=" + strconv.FormatInt(since, 10) + "&limit=" + strconv.Itoa(limit)
	var out ChangesResponse
	_, err := r.do(ctx, "changes", http.MethodGet, u, nil, &out, http.StatusOK)
	if err != nil {
		return nil, since, err
	}
	return out.Changes, out.Next, nil
}

// Apply performs replication writes on the remote database
func (r *RemoteStore) Apply(ctx context.Context, docs []model.Document) (int, error) {
	var out ApplyResponse
	_, err := r.do(ctx, "apply", http.MethodPost, r.dbURL("apply"), ApplyRequest{Docs: docs}, &out,
		http.StatusOK)
	if err != nil {
		return 0, err
	}
	return out.Applied, nil
}

// FeedToken exchanges the basic credentials for a short-lived token used
// to authenticate the websocket change feed.
func (r *RemoteStore) FeedToken(ctx context.Context) (string, error) {
	var out SessionResponse
	u := strings.TrimRight(r.cfg.BaseURL, "/") + "/v1/session?db=" + url.QueryEscape(r.cfg.Database)
	_, err := r.do(ctx, "feed token", http.MethodPost, u, nil, &out, http.StatusOK)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}

// Feed opens a live websocket change subscription starting after since.
// A broken connection ends the feed with a TransportError; reconnecting is
// the replication driver's responsibility.
func (r *RemoteStore) Feed(ctx context.Context, since int64) (*Feed, error) {
	token, err := r.FeedToken(ctx)
	if err != nil {
		return nil, err
	}

	wsURL := r.dbURL("feed") + "?since=" + strconv.FormatInt(since, 10) + "&token=" + url.QueryEscape(token)
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, &TransportError{Op: "feed dial", Cause: err}
	}

	feedCtx, cancel := context.WithCancel(ctx)
	out := make(chan Change, 64)
	feed := NewFeed(out, cancel)

	go func() {
		<-feedCtx.Done()
		conn.Close()
	}()

	go func() {
		defer close(out)
		defer cancel()
		for {
			var ch Change
			if err := conn.ReadJSON(&ch); err != nil {
				if feedCtx.Err() == nil {
					feed.Fail(&TransportError{Op: "feed read", Cause: err})
				}
				return
			}
			select {
			case out <- ch:
			case <-feedCtx.Done():
				return
			}
		}
	}()

	return feed, nil
}
