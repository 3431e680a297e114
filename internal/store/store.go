// Package store defines the replicated document store primitive the sync
// engine drives: revisioned documents, prefix range scans, a sequence-based
// change feed, and a multi-master apply operation whose conflict rule is
// deterministic last-write-wins by revision token.
package store

import (
	"context"
	"sync"

	"github.com/froz-husain/sketchsync/internal/model"
)

// Change is a single entry in a replica's change feed. Doc carries the
// current state of the document at the time the change was read, which is
// sufficient for last-write-wins replication and projection folding.
type Change struct {
	Seq int64          `json:"seq"`
	Doc model.Document `json:"doc"`
}

// Store is a single replica of a tenant's document keyspace
type Store interface {
	// Name returns the replica's database name
	Name() string

	// Seq returns the replica's current update sequence
	Seq(ctx context.Context) (int64, error)

	// Get fetches a document by key. Returns ErrNotFound for missing or
	// deleted documents.
	Get(ctx context.Context, key string) (*model.Document, error)

	// Put writes a document. doc.Rev must equal the current revision
	// (empty for a create); a stale revision returns ErrConflict.
	// On success the returned document carries the new revision.
	Put(ctx context.Context, doc *model.Document) (*model.Document, error)

	// Delete tombstones a document at the given revision
	Delete(ctx context.Context, key, rev string) error

	// List scans the half-open key interval [start, end), excluding
	// tombstones, in key order.
	List(ctx context.Context, start, end string) ([]model.Document, error)

	// Changes returns up to limit changes with sequence greater than since,
	// in sequence order, plus the sequence to resume from.
	Changes(ctx context.Context, since int64, limit int) ([]Change, int64, error)

	// Feed opens a live change subscription starting strictly after since.
	// A change committed after since is delivered even if it lands between
	// the caller's snapshot read and the subscription start.
	Feed(ctx context.Context, since int64) (*Feed, error)

	// Apply performs replication writes: each document is written with its
	// incoming revision iff that revision supersedes the current one, and
	// silently skipped otherwise. Returns the number of documents applied.
	Apply(ctx context.Context, docs []model.Document) (int, error)

	// Close releases the replica
	Close() error
}

// Checkpointer persists replication progress against a peer. Checkpoints
// live outside the document keyspace and never replicate.
type Checkpointer interface {
	GetCheckpoint(ctx context.Context, id string) (int64, error)
	SetCheckpoint(ctx context.Context, id string, seq int64) error
}

// Replica is a store that can also record replication checkpoints.
// The local replica always is one.
type Replica interface {
	Store
	Checkpointer
}

// Feed is a cancellable live change subscription. C is closed when the
// subscription ends; Err reports why, nil meaning a clean cancel.
type Feed struct {
	C <-chan Change

	cancel context.CancelFunc
	once   sync.Once

	mu  sync.Mutex
	err error
}

// NewFeed wires a feed around a delivery channel and its cancel function
func NewFeed(c <-chan Change, cancel context.CancelFunc) *Feed {
	return &Feed{C: c, cancel: cancel}
}

// Cancel stops the subscription. Safe to call multiple times and from a
// different goroutine than the consumer.
func (f *Feed) Cancel() {
	f.once.Do(f.cancel)
}

// Err returns the terminal error after C is closed
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Fail records the terminal error for the subscription
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}
