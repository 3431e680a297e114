package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/froz-husain/sketchsync/internal/model"
	"github.com/froz-husain/sketchsync/internal/store"
)

// feedWriteTimeout bounds a single websocket write to a feed subscriber
const feedWriteTimeout = 10 * time.Second

// errorResponse is the JSON error body for every failed request
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Error("encode response", zap.Error(err))
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, store.ErrConflict):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: "revision conflict"})
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

// openDatabase resolves the {db} route variable to its store
func (s *Server) openDatabase(w http.ResponseWriter, r *http.Request) (store.Store, bool) {
	name := mux.Vars(r)["db"]
	if !ValidDatabaseName(name) {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid database name"})
		return nil, false
	}
	db, err := s.backend.Open(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return db, true
}

// handleCreateSession mints a feed token for the requested database
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	database := r.URL.Query().Get("db")
	if !ValidDatabaseName(database) {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid database name"})
		return
	}

	username, _ := r.Context().Value(UsernameKey).(string)
	token, err := s.auth.IssueFeedToken(username, database)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, store.SessionResponse{Token: token})
}

// handleEnsureDatabase creates a database if it does not exist
func (s *Server) handleEnsureDatabase(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["db"]
	if !ValidDatabaseName(name) {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid database name"})
		return
	}

	existing, err := s.backend.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	for _, n := range existing {
		if n == name {
			status = http.StatusOK
			break
		}
	}

	if _, err := s.backend.Open(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, status, map[string]string{"name": name})
}

// handleInfo reports a database's name and current update sequence
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	db, ok := s.openDatabase(w, r)
	if !ok {
		return
	}
	seq, err := db.Seq(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, store.InfoResponse{Name: db.Name(), Seq: seq})
}

// handleGetDoc fetches a single document
func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	db, ok := s.openDatabase(w, r)
	if !ok {
		return
	}
	doc, err := db.Get(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

// handlePutDoc writes a document conditionally on its revision
func (s *Server) handlePutDoc(w http.ResponseWriter, r *http.Request) {
	db, ok := s.openDatabase(w, r)
	if !ok {
		return
	}

	var doc model.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid document body"})
		return
	}
	doc.Key = mux.Vars(r)["key"]

	status := http.StatusOK
	if doc.Rev == "" {
		status = http.StatusCreated
	}
	written, err := db.Put(r.Context(), &doc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, status, written)
}

// handleDeleteDoc tombstones a document at the given revision
func (s *Server) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	db, ok := s.openDatabase(w, r)
	if !ok {
		return
	}
	if err := db.Delete(r.Context(), mux.Vars(r)["key"], r.URL.Query().Get("rev")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListDocs scans the half-open key interval [start, end)
func (s *Server) handleListDocs(w http.ResponseWriter, r *http.Request) {
	db, ok := s.openDatabase(w, r)
	if !ok {
		return
	}
	docs, err := db.List(r.Context(), r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, store.DocsResponse{Docs: docs})
}

// handleChanges returns a batch of changes after the since sequence
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	db, ok := s.openDatabase(w, r)
	if !ok {
		return
	}

	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	changes, next, err := db.Changes(r.Context(), since, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, store.ChangesResponse{Changes: changes, Next: next})
}

// handleApply performs replication writes under last-write-wins
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	db, ok := s.openDatabase(w, r)
	if !ok {
		return
	}

	var req store.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid apply body"})
		return
	}
	applied, err := db.Apply(r.Context(), req.Docs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, store.ApplyResponse{Applied: applied})
}

// handleFeed streams live changes over a websocket. Authentication uses a
// feed token from the session endpoint since browsers cannot attach an
// Authorization header to a websocket dial.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["db"]
	if !ValidDatabaseName(name) {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid database name"})
		return
	}
	if _, err := s.auth.VerifyFeedToken(r.URL.Query().Get("token"), name); err != nil {
		s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	db, err := s.backend.Open(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The feed must outlive the upgrade request context; it ends when the
	// peer disconnects or the server shuts down.
	feed, err := db.Feed(s.baseCtx, since)
	if err != nil {
		s.logger.Error("open feed", zap.String("db", name), zap.Error(err))
		return
	}
	defer feed.Cancel()

	// Reads only surface disconnects; the client never sends frames.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				feed.Cancel()
				return
			}
		}
	}()

	for ch := range feed.C {
		// A stalled peer must not pin this goroutine; the deadline turns a
		// dead connection into a write error and the feed is torn down.
		conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		if err := conn.WriteJSON(ch); err != nil {
			return
		}
	}
	if err := feed.Err(); err != nil {
		s.logger.Warn("feed ended", zap.String("db", name), zap.Error(err))
	}
}

// handleHealth reports server liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
