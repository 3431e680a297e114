package server

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/froz-husain/sketchsync/internal/model"
	"github.com/froz-husain/sketchsync/internal/store"
)

func openTestPostgres(t *testing.T) *PostgresBackend {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SKETCHSYNC_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("SKETCHSYNC_TEST_DATABASE_URL is not set")
	}

	backend, err := NewPostgresBackend(context.Background(), dsn, 8, NewLocalFanout())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func openTestPgStore(t *testing.T, backend *PostgresBackend) store.Store {
	t.Helper()
	name := fmt.Sprintf("t%d", time.Now().UnixNano())
	db, err := backend.Open(context.Background(), name)
	require.NoError(t, err)
	return db
}

func TestPostgresPutGetDelete(t *testing.T) {
	backend := openTestPostgres(t)
	db := openTestPgStore(t, backend)
	ctx := context.Background()

	written := putBoardDoc(t, db, "b1", "sketch")
	assert.Equal(t, int64(1), model.RevGeneration(written.Rev))

	got, err := db.Get(ctx, written.Key)
	require.NoError(t, err)
	assert.Equal(t, written.Rev, got.Rev)

	// Stale revision loses the conditional put
	stale := &model.Document{Key: written.Key, Rev: "", Body: written.Body}
	_, err = db.Put(ctx, stale)
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, db.Delete(ctx, written.Key, written.Rev))
	_, err = db.Get(ctx, written.Key)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Recreate extends the tombstone's revision chain
	recreated := putBoardDoc(t, db, "b1", "again")
	assert.Equal(t, int64(3), model.RevGeneration(recreated.Rev))
}

func TestPostgresApplyLastWriteWins(t *testing.T) {
	backend := openTestPostgres(t)
	db := openTestPgStore(t, backend)
	ctx := context.Background()

	written := putBoardDoc(t, db, "b1", "local")

	winner := model.Document{Key: written.Key, Rev: "2-ffffffffffffffff", Body: written.Body}
	loser := model.Document{Key: written.Key, Rev: "1-0000000000000000", Body: written.Body}

	applied, err := db.Apply(ctx, []model.Document{winner, loser})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	got, err := db.Get(ctx, written.Key)
	require.NoError(t, err)
	assert.Equal(t, winner.Rev, got.Rev)

	// Replaying the same batch applies nothing
	applied, err = db.Apply(ctx, []model.Document{winner, loser})
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
}

// A poller advancing its cursor while transactions commit out of order
// must never skip a committed document: the counter-row allocation holds
// the database row lock until commit, so sequence order equals commit
// order. A detached sequence would let this test strand documents.
func TestPostgresChangesObserveEveryConcurrentWrite(t *testing.T) {
	backend := openTestPostgres(t)
	db := openTestPgStore(t, backend)
	ctx := context.Background()

	const writers = 8
	const docsPerWriter = 25

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < docsPerWriter; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				doc, err := model.NewDocument(model.Key(model.KindShape, id), &model.Shape{
					Kind: model.KindShape, ID: id, BoardID: "b1",
					Tool: model.ToolPen, CreatedAt: time.Now().UTC(),
				})
				if !assert.NoError(t, err) {
					return
				}
				if _, err := db.Put(ctx, doc); !assert.NoError(t, err) {
					return
				}
			}
		}(w)
	}

	// Poll concurrently with the writers, persisting the cursor the way
	// the replication pump does.
	writersDone := make(chan struct{})
	go func() { wg.Wait(); close(writersDone) }()

	seen := map[string]struct{}{}
	cursor := int64(0)
	deadline := time.After(60 * time.Second)
	done := false
	for !done {
		select {
		case <-writersDone:
			done = true
		case <-deadline:
			t.Fatal("writers never finished")
		default:
		}

		for {
			batch, next, err := db.Changes(ctx, cursor, 50)
			require.NoError(t, err)
			for _, ch := range batch {
				assert.Greater(t, ch.Seq, cursor, "changes must arrive in sequence order")
				cursor = ch.Seq
				seen[ch.Doc.Key] = struct{}{}
			}
			cursor = next
			if len(batch) == 0 {
				break
			}
		}
		if !done {
			time.Sleep(5 * time.Millisecond)
		}
	}

	assert.Len(t, seen, writers*docsPerWriter,
		"every committed document must be observed by a cursor-advancing poller")

	seq, err := db.Seq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*docsPerWriter), seq)
}

func putBoardDoc(t *testing.T, db store.Store, id, name string) *model.Document {
	t.Helper()
	doc, err := model.NewDocument(model.Key(model.KindBoard, id),
		&model.Board{Kind: model.KindBoard, ID: id, Name: name, Collaborators: []string{}})
	require.NoError(t, err)
	written, err := db.Put(context.Background(), doc)
	require.NoError(t, err)
	return written
}
