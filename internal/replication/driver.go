// Package replication maintains a continuous, automatically retried
// bidirectional stream between a local and a remote replica. Transient
// transport failures are retried with backoff and never surfaced to
// callers; the stream runs until it is cancelled.
package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/froz-husain/sketchsync/internal/metrics"
	"github.com/froz-husain/sketchsync/internal/model"
	"github.com/froz-husain/sketchsync/internal/store"
)

// State represents the observable state of one replication direction
type State string

const (
	StateActive State = "active" // data flowing
	StatePaused State = "paused" // caught up, idle
	StateError  State = "error"  // non-fatal, retrying
)

// Direction labels the two halves of a bidirectional stream
type Direction string

const (
	DirectionPush Direction = "push" // local -> remote
	DirectionPull Direction = "pull" // remote -> local
)

// Event is a replication lifecycle notification
type Event struct {
	Direction Direction
	State     State
	Err       error
}

// Listener receives replication lifecycle events. It is called from the
// pump goroutines and must not block.
type Listener func(Event)

// Config tunes the replication driver
type Config struct {
	BatchSize       int
	PollInterval    time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultConfig returns the driver defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		PollInterval:    time.Second,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

// Driver starts replication streams between replica pairs
type Driver struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewDriver creates a replication driver
func NewDriver(cfg Config, m *metrics.Metrics, logger *zap.Logger) *Driver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultConfig().InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultConfig().MaxInterval
	}
	return &Driver{cfg: cfg, metrics: m, logger: logger}
}

// Handle controls a running replication stream
type Handle struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Cancel stops the retry loops and releases the stream. Safe to call
// multiple times and from any goroutine; it blocks until both pumps exit.
func (h *Handle) Cancel() {
	h.once.Do(h.cancel)
	h.wg.Wait()
}

// Start begins a live, retrying bidirectional sync between local and
// remote. Checkpoints for both directions are persisted on the local
// replica. The returned handle cancels the stream.
//
// Ordering contract: documents committed on either side are eventually
// applied to the other, but no cross-document ordering is guaranteed.
// Conflicts resolve by the revision token inside Store.Apply.
func (d *Driver) Start(local store.Replica, remote store.Store, listener Listener) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{cancel: cancel}

	if listener == nil {
		listener = func(Event) {}
	}

	h.wg.Add(2)
	go d.pump(ctx, &h.wg, DirectionPush, local, remote, local, listener)
	go d.pump(ctx, &h.wg, DirectionPull, remote, local, local, listener)

	return h
}

// pump ships changes from src to dst until ctx is cancelled. Transport
// and store errors are logged, reported as StateError and retried with
// exponential backoff; retries are unbounded while the stream is active.
func (d *Driver) pump(ctx context.Context, wg *sync.WaitGroup, dir Direction, src, dst store.Store, ckpt store.Checkpointer, listener Listener) {
	defer wg.Done()

	checkpointID := "replication:" + string(dir) + ":" + src.Name() + ">" + dst.Name()
	state := State("")
	report := func(next State, err error) {
		if next == state && next != StateError {
			return
		}
		state = next
		d.setStateGauge(dir, next)
		listener(Event{Direction: dir, State: next, Err: err})
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = d.cfg.InitialInterval
	retry.MaxInterval = d.cfg.MaxInterval
	retry.MaxElapsedTime = 0 // retry forever until teardown

	since, err := ckpt.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.logger.Warn("replication checkpoint unavailable, starting from zero",
			zap.String("direction", string(dir)),
			zap.Error(err))
	}

	wake := &feedWakeup{src: src, dir: dir, logger: d.logger}
	defer wake.close()

	fail := func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		d.logger.Warn("replication stream error",
			zap.String("direction", string(dir)),
			zap.String("source", src.Name()),
			zap.Error(err))
		if d.metrics != nil {
			d.metrics.ReplicationErrors.WithLabelValues(string(dir)).Inc()
			d.metrics.ReplicationRetries.WithLabelValues(string(dir)).Inc()
		}
		report(StateError, err)
		return sleep(ctx, retry.NextBackOff())
	}

	for {
		if ctx.Err() != nil {
			return
		}

		batch, next, err := src.Changes(ctx, since, d.cfg.BatchSize)
		if err != nil {
			if errors.Is(err, store.ErrClosed) || !fail(err) {
				return
			}
			continue
		}

		if len(batch) == 0 {
			retry.Reset()
			report(StatePaused, nil)
			if !wake.wait(ctx, d.cfg.PollInterval, since) {
				return
			}
			continue
		}

		applied, err := dst.Apply(ctx, docsOf(batch))
		if err != nil {
			if errors.Is(err, store.ErrClosed) || !fail(err) {
				return
			}
			continue
		}

		if err := ckpt.SetCheckpoint(ctx, checkpointID, next); err != nil {
			if errors.Is(err, store.ErrClosed) || !fail(err) {
				return
			}
			continue
		}

		since = next
		retry.Reset()
		if d.metrics != nil {
			d.metrics.ReplicationDocs.WithLabelValues(string(dir)).Add(float64(applied))
		}
		report(StateActive, nil)
	}
}

func (d *Driver) setStateGauge(dir Direction, s State) {
	if d.metrics == nil {
		return
	}
	var v float64
	switch s {
	case StateActive:
		v = 1
	case StateError:
		v = 2
	}
	d.metrics.ReplicationState.WithLabelValues(string(dir)).Set(v)
}

// feedResubscribeDelay spaces out attempts to reopen a dead wakeup feed.
// Polling keeps the stream correct in the meantime.
const feedResubscribeDelay = 30 * time.Second

// feedWakeup turns the source store's live change feed into an idle-wait
// wakeup, so a paused pump reacts to a new write immediately instead of
// waiting out the poll interval. For the pull direction this subscribes to
// the remote websocket feed. The feed is only a signal: delivery still
// happens through Changes, and plain interval polling remains the
// correctness backstop whenever the feed cannot be opened or dies.
type feedWakeup struct {
	src    store.Store
	dir    Direction
	logger *zap.Logger

	feed    *store.Feed
	wake    chan struct{}
	retryAt time.Time
}

// subscribe opens the feed if none is live and a retry is due. The feed
// starts at the pump's cursor, so a write landing between the empty pull
// and the subscription still produces a wakeup.
func (w *feedWakeup) subscribe(ctx context.Context, since int64) {
	if w.feed != nil || time.Now().Before(w.retryAt) {
		return
	}

	feed, err := w.src.Feed(ctx, since)
	if err != nil {
		w.retryAt = time.Now().Add(feedResubscribeDelay)
		if ctx.Err() == nil && !errors.Is(err, store.ErrClosed) {
			w.logger.Debug("change feed unavailable, falling back to polling",
				zap.String("direction", string(w.dir)),
				zap.Error(err))
		}
		return
	}

	// Drain into a coalesced signal so the feed never backs up while the
	// pump is busy shipping batches.
	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		for range feed.C {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()

	w.feed = feed
	w.wake = wake
}

// wait blocks until a wakeup, the poll interval, or cancellation,
// reporting whether the pump should continue.
func (w *feedWakeup) wait(ctx context.Context, poll time.Duration, since int64) bool {
	w.subscribe(ctx, since)
	if w.wake == nil {
		return sleep(ctx, poll)
	}

	timer := time.NewTimer(poll)
	defer timer.Stop()
	select {
	case _, ok := <-w.wake:
		if !ok {
			w.feed.Cancel()
			w.feed, w.wake = nil, nil
			w.retryAt = time.Now().Add(feedResubscribeDelay)
		}
		return ctx.Err() == nil
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *feedWakeup) close() {
	if w.feed != nil {
		w.feed.Cancel()
	}
}

// docsOf extracts the documents from a changes batch
func docsOf(batch []store.Change) []model.Document {
	docs := make([]model.Document, len(batch))
	for i, ch := range batch {
		docs[i] = ch.Doc
	}
	return docs
}

// sleep waits for the duration or context cancellation, reporting whether
// the caller should continue.
func sleep(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
