package feed

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/froz-husain/sketchsync/internal/boards"
	"github.com/froz-husain/sketchsync/internal/config"
	"github.com/froz-husain/sketchsync/internal/metrics"
	"github.com/froz-husain/sketchsync/internal/model"
	"github.com/froz-husain/sketchsync/internal/replication"
	"github.com/froz-husain/sketchsync/internal/session"
	"github.com/froz-husain/sketchsync/internal/store"
)

type fixture struct {
	mgr    *session.Manager
	boards *boards.Service
	m      *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	m := metrics.New(prometheus.NewRegistry())
	driver := replication.NewDriver(replication.DefaultConfig(), m, zap.NewNop())
	mgr := session.NewManager(config.EngineConfig{
		LocalOnly:   true,
		DataDir:     t.TempDir(),
		PresenceTTL: 30 * time.Second,
	}, driver, m, zap.NewNop())
	require.NoError(t, mgr.Activate(context.Background(), "tenant-test"))
	t.Cleanup(func() { mgr.Teardown(context.Background()) })

	return &fixture{
		mgr:    mgr,
		boards: boards.NewService(mgr, m, zap.NewNop()),
		m:      m,
	}
}

func (fx *fixture) session(t *testing.T) *session.Session {
	t.Helper()
	sess, err := fx.mgr.EnsureActive(context.Background())
	require.NoError(t, err)
	return sess
}

func (fx *fixture) open(t *testing.T, boardID, selfID string) *BoardFeed {
	t.Helper()
	f, err := Open(context.Background(), fx.session(t), boardID, selfID,
		30*time.Second, fx.m, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(f.Cancel)
	return f
}

// waitFor polls the snapshot until cond holds or the deadline passes
func waitFor(t *testing.T, f *BoardFeed, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := f.Snapshot()
		if cond(snap) {
			return snap
		}
		select {
		case <-f.Events():
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatal("projection never reached the expected state")
	return Snapshot{}
}

func TestOpenLoadsInitialState(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	board, err := fx.boards.CreateBoard(ctx, "retro", "alice@example.com")
	require.NoError(t, err)
	_, err = fx.boards.AddShape(ctx, &model.Shape{BoardID: board.ID, Tool: model.ToolPen})
	require.NoError(t, err)

	f := fx.open(t, board.ID, "alice@example.com")
	assert.Equal(t, StateStreaming, f.State())

	snap := f.Snapshot()
	require.NotNil(t, snap.Board)
	assert.Equal(t, "retro", snap.Board.Name)
	assert.Len(t, snap.Shapes, 1)
	assert.Empty(t, snap.Cursors)
	assert.False(t, snap.Stale)
}

func TestOpenUnknownBoard(t *testing.T) {
	fx := newFixture(t)

	_, err := Open(context.Background(), fx.session(t), "missing", "alice@example.com",
		30*time.Second, fx.m, zap.NewNop())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFeedFoldsShapes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	board, err := fx.boards.CreateBoard(ctx, "canvas", "alice@example.com")
	require.NoError(t, err)
	f := fx.open(t, board.ID, "alice@example.com")

	early := time.Now().UTC().Add(-time.Minute)
	late := time.Now().UTC()
	second, err := fx.boards.AddShape(ctx, &model.Shape{BoardID: board.ID, Tool: model.ToolPen, CreatedAt: late})
	require.NoError(t, err)
	first, err := fx.boards.AddShape(ctx, &model.Shape{BoardID: board.ID, Tool: model.ToolLine, CreatedAt: early})
	require.NoError(t, err)

	snap := waitFor(t, f, func(s Snapshot) bool { return len(s.Shapes) == 2 })
	assert.Equal(t, first.ID, snap.Shapes[0].ID, "commit order does not disturb z-order")
	assert.Equal(t, second.ID, snap.Shapes[1].ID)

	require.NoError(t, fx.boards.DeleteShape(ctx, first.ID))
	snap = waitFor(t, f, func(s Snapshot) bool { return len(s.Shapes) == 1 })
	assert.Equal(t, second.ID, snap.Shapes[0].ID)
}

func TestFeedIgnoresOtherBoards(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	board, err := fx.boards.CreateBoard(ctx, "mine", "alice@example.com")
	require.NoError(t, err)
	other, err := fx.boards.CreateBoard(ctx, "theirs", "alice@example.com")
	require.NoError(t, err)

	f := fx.open(t, board.ID, "alice@example.com")

	_, err = fx.boards.AddShape(ctx, &model.Shape{BoardID: other.ID, Tool: model.ToolPen})
	require.NoError(t, err)
	mine, err := fx.boards.AddShape(ctx, &model.Shape{BoardID: board.ID, Tool: model.ToolPen})
	require.NoError(t, err)

	snap := waitFor(t, f, func(s Snapshot) bool { return len(s.Shapes) == 1 })
	assert.Equal(t, mine.ID, snap.Shapes[0].ID)
}

func TestFeedBoardDeleted(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	board, err := fx.boards.CreateBoard(ctx, "doomed", "alice@example.com")
	require.NoError(t, err)
	f := fx.open(t, board.ID, "alice@example.com")

	require.NoError(t, fx.boards.DeleteBoard(ctx, board.ID, "alice@example.com"))
	waitFor(t, f, func(s Snapshot) bool { return s.BoardDeleted })
}

func TestFeedMergesPresence(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	board, err := fx.boards.CreateBoard(ctx, "canvas", "alice@example.com")
	require.NoError(t, err)
	f := fx.open(t, board.ID, "alice@example.com")

	// The local user's own cursor is never echoed back
	require.NoError(t, fx.boards.TouchCursor(ctx, &model.Cursor{
		BoardID: board.ID, UserID: "alice@example.com", X: 1,
	}))
	require.NoError(t, fx.boards.TouchCursor(ctx, &model.Cursor{
		BoardID: board.ID, UserID: "bob@example.com", X: 10,
	}))

	snap := waitFor(t, f, func(s Snapshot) bool { return len(s.Cursors) == 1 })
	assert.Equal(t, "bob@example.com", snap.Cursors[0].UserID)

	// A newer position replaces the slot instead of adding an entry
	require.NoError(t, fx.boards.TouchCursor(ctx, &model.Cursor{
		BoardID: board.ID, UserID: "bob@example.com", X: 42,
	}))
	snap = waitFor(t, f, func(s Snapshot) bool {
		return len(s.Cursors) == 1 && s.Cursors[0].X == 42
	})
	assert.Len(t, snap.Cursors, 1)
}

func TestSnapshotHidesStaleCursors(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	board, err := fx.boards.CreateBoard(ctx, "canvas", "alice@example.com")
	require.NoError(t, err)
	f := fx.open(t, board.ID, "alice@example.com")

	require.NoError(t, fx.boards.TouchCursor(ctx, &model.Cursor{
		BoardID: board.ID, UserID: "bob@example.com",
	}))
	waitFor(t, f, func(s Snapshot) bool { return len(s.Cursors) == 1 })

	// Advance the feed's clock past the liveness threshold
	f.now = func() time.Time { return time.Now().Add(time.Minute) }
	assert.Empty(t, f.Snapshot().Cursors, "stale cursors are hidden at read time")
}

func TestCancelStopsDelivery(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	board, err := fx.boards.CreateBoard(ctx, "canvas", "alice@example.com")
	require.NoError(t, err)
	f := fx.open(t, board.ID, "alice@example.com")

	f.Cancel()
	assert.Equal(t, StateCancelled, f.State())
	f.Cancel() // idempotent

	_, err = fx.boards.AddShape(ctx, &model.Shape{BoardID: board.ID, Tool: model.ToolPen})
	require.NoError(t, err)

	select {
	case ev, open := <-f.Events():
		assert.False(t, open, "no event after cancel, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("events channel not closed after cancel")
	}
}

func TestSessionTeardownMarksFeedCancelled(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	board, err := fx.boards.CreateBoard(ctx, "canvas", "alice@example.com")
	require.NoError(t, err)
	f := fx.open(t, board.ID, "alice@example.com")

	fx.mgr.Teardown(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for f.State() != StateCancelled && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, StateCancelled, f.State())
}

func TestOpenAfterTeardownRefused(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	board, err := fx.boards.CreateBoard(ctx, "canvas", "alice@example.com")
	require.NoError(t, err)
	sess := fx.session(t)

	fx.mgr.Teardown(ctx)

	_, err = Open(context.Background(), sess, board.ID, "alice@example.com",
		30*time.Second, fx.m, zap.NewNop())
	assert.Error(t, err)
}
