package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/froz-husain/sketchsync/internal/model"
	"github.com/froz-husain/sketchsync/internal/store"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS databases (
	name       TEXT PRIMARY KEY,
	seq        BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS documents (
	db      TEXT NOT NULL REFERENCES databases(name),
	key     TEXT NOT NULL,
	rev     TEXT NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	body    JSONB,
	seq     BIGINT NOT NULL,
	PRIMARY KEY (db, key)
);

CREATE INDEX IF NOT EXISTS idx_documents_db_seq ON documents (db, seq);
`

// PostgresBackend keeps every database in a shared Postgres cluster,
// one logical database per row in the databases table. Feeds are woken
// through the fan-out so several server instances can share one cluster.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	fanout Fanout

	mu   sync.Mutex
	open map[string]*pgStore
}

// NewPostgresBackend connects the backend and applies the schema
func NewPostgresBackend(ctx context.Context, url string, maxConns int, fanout Fanout) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &PostgresBackend{pool: pool, fanout: fanout, open: map[string]*pgStore{}}, nil
}

// Open returns the store for name, registering the database if needed
func (b *PostgresBackend) Open(ctx context.Context, name string) (store.Store, error) {
	if !ValidDatabaseName(name) {
		return nil, fmt.Errorf("invalid database name %q", name)
	}

	b.mu.Lock()
	if s, ok := b.open[name]; ok {
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	_, err := b.pool.Exec(ctx,
		`INSERT INTO databases (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return nil, fmt.Errorf("create database %s: %w", name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.open[name]; ok {
		return s, nil
	}
	s := &pgStore{name: name, pool: b.pool, fanout: b.fanout}
	b.open[name] = s
	return s, nil
}

// List returns the names of all registered databases
func (b *PostgresBackend) List(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT name FROM databases ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list databases: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close releases the connection pool
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

// pgStore implements store.Store for one logical database
type pgStore struct {
	name   string
	pool   *pgxpool.Pool
	fanout Fanout
}

// Name returns the database name
func (s *pgStore) Name() string { return s.name }

// Close is a no-op; the pool belongs to the backend
func (s *pgStore) Close() error { return nil }

// Seq returns the database's current update sequence
func (s *pgStore) Seq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT seq FROM databases WHERE name = $1`, s.name).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	return seq, nil
}

// Get fetches a document by key
func (s *pgStore) Get(ctx context.Context, key string) (*model.Document, error) {
	var doc model.Document
	var deleted bool
	err := s.pool.QueryRow(ctx,
		`SELECT key, rev, deleted, body FROM documents WHERE db = $1 AND key = $2`,
		s.name, key,
	).Scan(&doc.Key, &doc.Rev, &deleted, (*[]byte)(&doc.Body))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if deleted {
		return nil, store.ErrNotFound
	}
	return &doc, nil
}

// Put writes a document conditionally on its revision
func (s *pgStore) Put(ctx context.Context, doc *model.Document) (*model.Document, error) {
	return s.write(ctx, doc.Key, doc.Body, false, doc.Rev)
}

// Delete tombstones a document at the given revision
func (s *pgStore) Delete(ctx context.Context, key, rev string) error {
	_, err := s.write(ctx, key, nil, true, rev)
	return err
}

func (s *pgStore) write(ctx context.Context, key string, body []byte, deleted bool, expectedRev string) (*model.Document, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", key, err)
	}
	defer tx.Rollback(ctx)

	var currentRev string
	var currentDeleted bool
	err = tx.QueryRow(ctx,
		`SELECT rev, deleted FROM documents WHERE db = $1 AND key = $2 FOR UPDATE`,
		s.name, key,
	).Scan(&currentRev, &currentDeleted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		currentRev, currentDeleted = "", false
	case err != nil:
		return nil, fmt.Errorf("write %s: %w", key, err)
	}

	effective := currentRev
	if currentDeleted {
		effective = ""
	}
	if effective != expectedRev {
		return nil, fmt.Errorf("write %s: %w", key, store.ErrConflict)
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
func (s *pgStore) Apply(ctx context.Context, docs []model.Document) (int, error) {
	applied := 0
	for i := range docs {
		doc := docs[i]
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return applied, fmt.Errorf("apply %s: %w", doc.Key, err)
		}

		var currentRev string
		err = tx.QueryRow(ctx,
			`SELECT rev FROM documents WHERE db = $1 AND key = $2 FOR UPDATE`,
			s.name, doc.Key,
		).Scan(&currentRev)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			tx.Rollback(ctx)
			return applied, fmt.Errorf("apply %s: %w", doc.Key, err)
		}

		if !model.Supersedes(doc.Rev, currentRev) {
			tx.Rollback(ctx)
			continue
		}
		if err := s.commit(ctx, tx, &doc); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// commit writes doc inside tx, allocates its sequence and wakes feeds.
// The sequence comes from the database's counter row, not a shared
// sequence: the UPDATE holds the row lock until the transaction commits,
// so writers to one database serialize and sequence order always equals
// commit order. A detached nextval() would let a lower seq commit after a
// higher one and pollers advancing past the higher seq would skip it.
func (s *pgStore) commit(ctx context.Context, tx pgx.Tx, doc *model.Document) error {
	var seq int64
	err := tx.QueryRow(ctx,
		`UPDATE databases SET seq = seq + 1 WHERE name = $1 RETURNING seq`, s.name,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("write %s: allocate seq: %w", doc.Key, err)
	}

	var body interface{}
	if len(doc.Body) > 0 {
		body = []byte(doc.Body)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO documents (db, key, rev, deleted, body, seq)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (db, key) DO UPDATE SET rev = EXCLUDED.rev,
			deleted = EXCLUDED.deleted, body = EXCLUDED.body, seq = EXCLUDED.seq
	`, s.name, doc.Key, doc.Rev, doc.Deleted, body, seq)
	if err != nil {
		return fmt.Errorf("write %s: %w", doc.Key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("write %s: %w", doc.Key, err)
	}

	if s.fanout != nil {
		s.fanout.Publish(s.name)
	}
	return nil
}

// List scans the half-open key interval [start, end)
func (s *pgStore) List(ctx context.Context, start, end string) ([]model.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, rev, body FROM documents
		WHERE db = $1 AND key >= $2 AND key < $3 AND NOT deleted
		ORDER BY key
	`, s.name, start, end)
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
func (s *pgStore) Changes(ctx context.Context, since int64, limit int) ([]store.Change, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT key, rev, deleted, body, seq FROM documents
		WHERE db = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, s.name, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("changes since %d: %w", since, err)
	}
	defer rows.Close()

	changes := []store.Change{}
	next := since
	for rows.Next() {
		var ch store.Change
		if err := rows.Scan(&ch.Doc.Key, &ch.Doc.Rev, &ch.Doc.Deleted, (*[]byte)(&ch.Doc.Body), &ch.Seq); err != nil {
			return nil, since, fmt.Errorf("changes since %d: %w", since, err)
		}
		changes = append(changes, ch)
		next = ch.Seq
	}
	return changes, next, rows.Err()
}

// Feed opens a live change subscription woken by the fan-out
func (s *pgStore) Feed(ctx context.Context, since int64) (*store.Feed, error) {
	var wake <-chan struct{}
	unsubscribe := func() {}
	if s.fanout != nil {
		wake, unsubscribe = s.fanout.Subscribe(s.name)
	}

	feedCtx, cancel := context.WithCancel(ctx)
	out := make(chan store.Change, 64)
	feed := store.NewFeed(out, cancel)

	go func() {
		defer close(out)
		defer unsubscribe()

		cursor := since
		for {
			batch, next, err := s.Changes(feedCtx, cursor, 100)
			if err != nil {
				if feedCtx.Err() == nil {
					feed.Fail(err)
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

			poll := time.After(time.Second)
			if wake != nil {
				select {
				case <-wake:
				case <-poll:
				case <-feedCtx.Done():
					return
				}
			} else {
				select {
				case <-poll:
				case <-feedCtx.Done():
					return
				}
			}
		}
	}()

	return feed, nil
}
