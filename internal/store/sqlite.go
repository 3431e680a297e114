package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/froz-husain/sketchsync/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	key     TEXT PRIMARY KEY,
	rev     TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	body    BLOB,
	seq     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_seq ON documents(seq);

CREATE TABLE IF NOT EXISTS meta (
	id  INTEGER PRIMARY KEY CHECK (id = 1),
	seq INTEGER NOT NULL
);
INSERT OR IGNORE INTO meta (id, seq) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS checkpoints (
	id  TEXT PRIMARY KEY,
	seq INTEGER NOT NULL
);
`

// SQLiteStore is the device-local replica: one SQLite file per tenant,
// writable without network access. WAL mode allows the change feed to read
// while a write is in flight; the connection pool is limited to a single
// writer to avoid SQLITE_BUSY churn.
type SQLiteStore struct {
	name     string
	db       *sql.DB
	notifier *notifier
	closed   atomic.Bool
}

// OpenSQLite creates or opens the replica database at path
func OpenSQLite(path, name string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open replica %s: %w", name, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open replica %s: %w", name, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("open replica %s: %q: %w", name, pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("open replica %s: apply schema: %w", name, err)
	}

	return &SQLiteStore{
		name:     name,
		db:       db,
		notifier: newNotifier(),
	}, nil
}

// Name returns the replica's database name
func (s *SQLiteStore) Name() string { return s.name }

// Close releases the replica. Outstanding feeds observe ErrClosed.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.notifier.close()
	return s.db.Close()
}

// Seq returns the replica's current update sequence
func (s *SQLiteStore) Seq(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM meta WHERE id = 1`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	return seq, nil
}

// Get fetches a document by key
func (s *SQLiteStore) Get(ctx context.Context, key string) (*model.Document, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var doc model.Document
	var deleted int
	err := s.db.QueryRowContext(ctx,
		`SELECT key, rev, deleted, body FROM documents WHERE key = ?`, key,
	).Scan(&doc.Key, &doc.Rev, &deleted, (*[]byte)(&doc.Body))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if deleted != 0 {
		return nil, ErrNotFound
	}
	return &doc, nil
}

// Put writes a document conditionally on its revision
func (s *SQLiteStore) Put(ctx context.Context, doc *model.Document) (*model.Document, error) {
	return s.write(ctx, doc.Key, doc.Body, false, doc.Rev)
}

// Delete tombstones a document at the given revision
func (s *SQLiteStore) Delete(ctx context.Context, key, rev string) error {
	_, err := s.write(ctx, key, nil, true, rev)
	return err
}

// write commits a new document state under a fresh sequence number iff the
// stored revision equals expectedRev ("" meaning absent or tombstoned).
// The new revision always extends the stored revision chain, so a document
// recreated over a tombstone still supersedes the tombstone on peers.
func (s *SQLiteStore) write(ctx context.Context, key string, body []byte, deleted bool, expectedRev string) (*model.Document, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", key, err)
	}
	defer tx.Rollback()

	var currentRev string
	var currentDeleted int
	err = tx.QueryRowContext(ctx,
		`SELECT rev, deleted FROM documents WHERE key = ?`, key,
	).Scan(&currentRev, &currentDeleted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		currentRev, currentDeleted = "", 0
	case err != nil:
		return nil, fmt.Errorf("write %s: %w", key, err)
	}

	effective := currentRev
	if currentDeleted != 0 {
		effective = ""
	}
	if effective != expectedRev {
		return nil, fmt.Errorf("write %s: %w", key, ErrConflict)
	}

	doc := &model.Document{
		Key:     key,
		Rev:     model.NewRev(currentRev, body),
		Deleted: deleted,
		Body:    body,
	}
	if err := s.commit(ctx, tx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Apply performs replication writes under the last-write-wins rule
func (s *SQLiteStore) Apply(ctx context.Context, docs []model.Document) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	applied := 0
	for i := range docs {
		doc := docs[i]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("apply %s: %w", doc.Key, err)
		}

		var currentRev string
		err = tx.QueryRowContext(ctx,
			`SELECT rev FROM documents WHERE key = ?`, doc.Key,
		).Scan(&currentRev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			tx.Rollback()
			return applied, fmt.Errorf("apply %s: %w", doc.Key, err)
		}

		if !model.Supersedes(doc.Rev, currentRev) {
			tx.Rollback()
			continue
		}
		if err := s.commit(ctx, tx, &doc); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// commit writes doc inside tx, allocates its sequence and notifies feeds
func (s *SQLiteStore) commit(ctx context.Context, tx *sql.Tx, doc *model.Document) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`UPDATE meta SET seq = seq + 1 WHERE id = 1 RETURNING seq`,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("write %s: allocate seq: %w", doc.Key, err)
	}

	deleted := 0
	if doc.Deleted {
		deleted = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (key, rev, deleted, body, seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET rev = excluded.rev,
			deleted = excluded.deleted, body = excluded.body, seq = excluded.seq
	`, doc.Key, doc.Rev, deleted, []byte(doc.Body), seq)
	if err != nil {
		return fmt.Errorf("write %s: %w", doc.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write %s: %w", doc.Key, err)
	}

	s.notifier.notify()
	return nil
}

// List scans the half-open key interval [start, end)
func (s *SQLiteStore) List(ctx context.Context, start, end string) ([]model.Document, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, rev, body FROM documents
		WHERE key >= ? AND key < ? AND deleted = 0
		ORDER BY key
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("list [%s, %s): %w", start, end, err)
	}
	defer rows.Close()

	docs := []model.Document{}
	for rows.Next() {
		var doc model.Document
		if err := rows.Scan(&doc.Key, &doc.Rev, (*[]byte)(&doc.Body)); err != nil {
			return nil, fmt.Errorf("list [%s, %s): %w", start, end, err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Changes returns up to limit changes with sequence greater than since
func (s *SQLiteStore) Changes(ctx context.Context, since int64, limit int) ([]Change, int64, error) {
	if s.closed.Load() {
		return nil, since, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, rev, deleted, body, seq FROM documents
		WHERE seq > ?
		ORDER BY seq
		LIMIT ?
	`, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("changes since %d: %w", since, err)
	}
	defer rows.Close()

	changes := []Change{}
	next := since
	for rows.Next() {
		var ch Change
		var deleted int
		if err := rows.Scan(&ch.Doc.Key, &ch.Doc.Rev, &deleted, (*[]byte)(&ch.Doc.Body), &ch.Seq); err != nil {
			return nil, since, fmt.Errorf("changes since %d: %w", since, err)
		}
		ch.Doc.Deleted = deleted != 0
		changes = append(changes, ch)
		next = ch.Seq
	}
	return changes, next, rows.Err()
}

// Feed opens a live change subscription starting strictly after since.
// The wakeup listener is registered before the catch-up query runs, so a
// write landing between the caller's snapshot and the subscription start
// is never dropped.
func (s *SQLiteStore) Feed(ctx context.Context, since int64) (*Feed, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	wake, unsubscribe := s.notifier.subscribe()
	feedCtx, cancel := context.WithCancel(ctx)
	out := make(chan Change, 64)
	feed := NewFeed(out, cancel)

	go func() {
		defer close(out)
		defer unsubscribe()

		cursor := since
		for {
			batch, next, err := s.Changes(feedCtx, cursor, 100)
			if err != nil {
				if feedCtx.Err() == nil && !errors.Is(err, ErrClosed) {
					feed.Fail(err)
				} else if errors.Is(err, ErrClosed) {
					feed.Fail(ErrClosed)
				}
				return
			}
			for _, ch := range batch {
				select {
				case out <- ch:
				case <-feedCtx.Done():
					return
				}
			}
			cursor = next
			if len(batch) > 0 {
				continue
			}

			select {
			case <-wake:
			case <-feedCtx.Done():
				return
			case <-time.After(time.Second):
				// Fallback poll in case a wakeup was coalesced away
				// while the subscriber channel was full.
			}
		}
	}()

	return feed, nil
}

// GetCheckpoint returns the stored replication checkpoint for id
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM checkpoints WHERE id = ?`, id).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get checkpoint %s: %w", id, err)
	}
	return seq, nil
}

// SetCheckpoint stores the replication checkpoint for id
func (s *SQLiteStore) SetCheckpoint(ctx context.Context, id string, seq int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, seq) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET seq = excluded.seq
	`, id, seq)
	if err != nil {
		return fmt.Errorf("set checkpoint %s: %w", id, err)
	}
	return nil
}

// notifier delivers coalesced write wakeups to feed goroutines
type notifier struct {
	mu     sync.Mutex
	subs   map[int]chan struct{}
	nextID int
	closed bool
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]chan struct{})}
}

func (n *notifier) subscribe() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	ch := make(chan struct{}, 1)
	if !n.closed {
		n.subs[id] = ch
	} else {
		close(ch)
	}
	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for id, ch := range n.subs {
		close(ch)
		delete(n.subs, id)
	}
}
