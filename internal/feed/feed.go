// Package feed subscribes to the local replica's change feed scoped to a
// single board, classifies each change by document kind and folds it into
// an in-memory projection for the rendering layer. Presence (cursors) is
// merged into the same projection but filtered by a liveness threshold at
// read time.
package feed

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/froz-husain/sketchsync/internal/metrics"
	"github.com/froz-husain/sketchsync/internal/model"
	"github.com/froz-husain/sketchsync/internal/session"
	"github.com/froz-husain/sketchsync/internal/store"
)

// State is the feed subscription lifecycle
type State string

const (
	StateStarting  State = "starting"
	StateStreaming State = "streaming"
	StateCancelled State = "cancelled"
	StateErrored   State = "errored"
)

// EventType classifies projection notifications
type EventType string

const (
	EventBoardUpdated  EventType = "board_updated"
	EventBoardDeleted  EventType = "board_deleted"
	EventShapesChanged EventType = "shapes_changed"
	EventCursorMoved   EventType = "cursor_moved"
	EventStale         EventType = "stale"
)

// Event notifies the consumer that the projection changed. Consumers read
// the new state via Snapshot; events tagged with a superseded session ID
// must be ignored.
type Event struct {
	SessionID string
	Type      EventType
}

// Snapshot is a point-in-time copy of the board projection
type Snapshot struct {
	SessionID string
	BoardID   string

	Board        *model.Board
	Shapes       []model.Shape
	Cursors      []model.Cursor
	BoardDeleted bool

	// Stale means the underlying subscription errored and the projection
	// may lag; ownership of transport retry lives in the replication
	// driver, so the feed only reports.
	Stale bool
}

// BoardFeed is a live, cancellable board projection
type BoardFeed struct {
	sessionID string
	boardID   string
	selfID    string
	ttl       time.Duration
	now       func() time.Time

	sess    *session.Session
	live    *store.Feed
	regID   int
	metrics *metrics.Metrics
	logger  *zap.Logger

	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	state     State
	board     *model.Board
	shapes    []model.Shape
	cursors   map[string]model.Cursor
	deleted   bool
	stale     bool
	cancelled bool
}

// Open loads the board's current state in one shot and then streams
// subsequent changes. The live subscription is established at the snapshot
// sequence before any change is folded, so a write landing between the
// bulk read and the subscription start is never dropped.
func Open(ctx context.Context, sess *session.Session, boardID, selfUserID string, ttl time.Duration, m *metrics.Metrics, logger *zap.Logger) (*BoardFeed, error) {
	local := sess.Local()

	f := &BoardFeed{
		sessionID: sess.ID,
		boardID:   boardID,
		selfID:    selfUserID,
		ttl:       ttl,
		now:       time.Now,
		sess:      sess,
		metrics:   m,
		logger:    logger,
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
		state:     StateStarting,
		cursors:   map[string]model.Cursor{},
	}

	seq, err := local.Seq(ctx)
	if err != nil {
		return nil, err
	}

	boardDoc, err := local.Get(ctx, model.Key(model.KindBoard, boardID))
	if err != nil {
		return nil, err
	}
	if f.board, err = boardDoc.Board(); err != nil {
		return nil, err
	}

	if err := f.loadShapes(ctx, local); err != nil {
		return nil, err
	}
	if err := f.loadCursors(ctx, local); err != nil {
		return nil, err
	}

	// The subscription outlives the opening call; only Cancel (directly or
	// via session teardown) ends it.
	live, err := local.Feed(context.Background(), seq)
	if err != nil {
		return nil, err
	}
	f.live = live

	regID, ok := sess.RegisterFeed(f.Cancel)
	if !ok {
		live.Cancel()
		return nil, session.ErrNoSession
	}
	f.regID = regID

	f.mu.Lock()
	f.state = StateStreaming
	f.mu.Unlock()
	go f.run()

	return f, nil
}

func (f *BoardFeed) loadShapes(ctx context.Context, local store.Store) error {
	start, end := model.KindRange(model.KindShape)
	docs, err := local.List(ctx, start, end)
	if err != nil {
		return err
	}
	for i := range docs {
		shape, err := docs[i].Shape()
		if err != nil {
			f.logger.Warn("skipping undecodable shape", zap.String("key", docs[i].Key), zap.Error(err))
			continue
		}
		if shape.BoardID == f.boardID {
			f.shapes = append(f.shapes, *shape)
		}
	}
	sortShapes(f.shapes)
	return nil
}

func (f *BoardFeed) loadCursors(ctx context.Context, local store.Store) error {
	start, end := model.KindRange(model.KindCursor)
	docs, err := local.List(ctx, start, end)
	if err != nil {
		return err
	}
	for i := range docs {
		cursor, err := docs[i].Cursor()
		if err != nil {
			continue
		}
		if cursor.BoardID == f.boardID && cursor.UserID != f.selfID {
			f.cursors[cursor.UserID] = *cursor
		}
	}
	return nil
}

// Events delivers projection change notifications. The channel is closed
// when the feed ends. Slow consumers lose notifications, never state:
// Snapshot always reflects every folded change.
func (f *BoardFeed) Events() <-chan Event { return f.events }

// State returns the current subscription state
func (f *BoardFeed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Snapshot returns a copy of the projection. Cursors older than the
// liveness threshold are hidden here rather than waiting for a delete
// event that may never come.
func (f *BoardFeed) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := Snapshot{
		SessionID:    f.sessionID,
		BoardID:      f.boardID,
		BoardDeleted: f.deleted,
		Stale:        f.stale,
	}
	if f.board != nil {
		b := *f.board
		snap.Board = &b
	}
	snap.Shapes = append([]model.Shape(nil), f.shapes...)

	now := f.now()
	for _, c := range f.cursors {
		if !c.Stale(now, f.ttl) {
			snap.Cursors = append(snap.Cursors, c)
		}
	}
	sort.Slice(snap.Cursors, func(i, j int) bool {
		return snap.Cursors[i].UserID < snap.Cursors[j].UserID
	})
	return snap
}

// Cancel stops the subscription. After Cancel returns no further event is
// delivered for this feed. Safe to call multiple times.
func (f *BoardFeed) Cancel() {
	f.mu.Lock()
	already := f.cancelled
	f.cancelled = true
	if f.state == StateStreaming || f.state == StateStarting {
		f.state = StateCancelled
	}
	f.mu.Unlock()
	if already {
		return
	}

	f.live.Cancel()
	f.sess.UnregisterFeed(f.regID)
	<-f.done
}

// run folds live changes until the subscription ends
func (f *BoardFeed) run() {
	defer close(f.events)
	defer close(f.done)

	for ch := range f.live.C {
		f.fold(ch)
	}

	err := f.live.Err()
	f.mu.Lock()
	cancelled := f.cancelled
	if !cancelled && err != nil {
		f.state = StateErrored
		f.stale = true
	}
	f.mu.Unlock()

	if !cancelled && err != nil && !errors.Is(err, store.ErrClosed) {
		f.logger.Warn("board feed errored, projection may be stale",
			zap.String("board", f.boardID),
			zap.Error(err))
		f.emit(EventStale)
	}
}

// fold applies one change to the projection
func (f *BoardFeed) fold(ch store.Change) {
	switch ch.Doc.Kind() {
	case model.KindBoard:
		f.foldBoard(ch.Doc)
	case model.KindShape:
		f.foldShape(ch.Doc)
	case model.KindCursor:
		f.foldCursor(ch.Doc)
	}
}

func (f *BoardFeed) foldBoard(doc model.Document) {
	if doc.Key != model.Key(model.KindBoard, f.boardID) {
		return
	}
	if doc.Deleted {
		f.mu.Lock()
		f.deleted = true
		f.mu.Unlock()
		f.count("board")
		f.emit(EventBoardDeleted)
		return
	}
	board, err := doc.Board()
	if err != nil {
		f.logger.Warn("skipping undecodable board change", zap.String("key", doc.Key), zap.Error(err))
		return
	}
	f.mu.Lock()
	f.board = board
	f.mu.Unlock()
	f.count("board")
	f.emit(EventBoardUpdated)
}

func (f *BoardFeed) foldShape(doc model.Document) {
	_, id, err := model.SplitKey(doc.Key)
	if err != nil {
		return
	}

	if doc.Deleted {
		f.mu.Lock()
		removed := false
		for i := range f.shapes {
			if f.shapes[i].ID == id {
				f.shapes = append(f.shapes[:i], f.shapes[i+1:]...)
				removed = true
				break
			}
		}
		f.mu.Unlock()
		if removed {
			f.count("shape")
			f.emit(EventShapesChanged)
		}
		return
	}

	shape, err := doc.Shape()
	if err != nil {
		f.logger.Warn("skipping undecodable shape change", zap.String("key", doc.Key), zap.Error(err))
		return
	}
	if shape.BoardID != f.boardID {
		return
	}

	f.mu.Lock()
	replaced := false
	for i := range f.shapes {
		if f.shapes[i].ID == shape.ID {
			f.shapes[i] = *shape
			replaced = true
			break
		}
	}
	if !replaced {
		f.shapes = append(f.shapes, *shape)
	}
	// Keep creation-time order for a stable z-order.
	sortShapes(f.shapes)
	f.mu.Unlock()

	f.count("shape")
	f.emit(EventShapesChanged)
}

func (f *BoardFeed) foldCursor(doc model.Document) {
	_, id, err := model.SplitKey(doc.Key)
	if err != nil {
		return
	}

	if doc.Deleted {
		// Tombstones carry no body; the cursor id is "<boardID>:<userID>".
		userID, ok := strings.CutPrefix(id, f.boardID+":")
		if !ok || userID == f.selfID {
			return
		}
		f.mu.Lock()
		_, existed := f.cursors[userID]
		delete(f.cursors, userID)
		f.mu.Unlock()
		if existed {
			f.count("cursor")
			f.emit(EventCursorMoved)
		}
		return
	}

	cursor, err := doc.Cursor()
	if err != nil {
		return
	}
	// The local user's own cursor is never echoed back.
	if cursor.BoardID != f.boardID || cursor.UserID == f.selfID {
		return
	}

	f.mu.Lock()
	f.cursors[cursor.UserID] = *cursor
	f.mu.Unlock()
	f.count("cursor")
	f.emit(EventCursorMoved)
}

// emit delivers a notification unless the feed was cancelled. Delivery is
// best-effort: a full channel drops the notification, the projection
// itself is never lost.
func (f *BoardFeed) emit(t EventType) {
	f.mu.Lock()
	cancelled := f.cancelled
	f.mu.Unlock()
	if cancelled {
		return
	}
	select {
	case f.events <- Event{SessionID: f.sessionID, Type: t}:
	default:
	}
}

func (f *BoardFeed) count(kind string) {
	if f.metrics != nil {
		f.metrics.FeedEvents.WithLabelValues(kind).Inc()
	}
}

func sortShapes(shapes []model.Shape) {
	sort.SliceStable(shapes, func(i, j int) bool {
		if shapes[i].CreatedAt.Equal(shapes[j].CreatedAt) {
			return shapes[i].ID < shapes[j].ID
		}
		return shapes[i].CreatedAt.Before(shapes[j].CreatedAt)
	})
}
