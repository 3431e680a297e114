package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/froz-husain/sketchsync/internal/metrics"
	"github.com/froz-husain/sketchsync/internal/model"
	"github.com/froz-husain/sketchsync/internal/store"
)

// Reaper deletes stale cursor documents server-side so presence left
// behind by a vanished client does not linger in every replica. Feeds
// additionally hide stale cursors at read time; the reaper keeps the
// stored state from accumulating.
type Reaper struct {
	backend Backend
	ttl     time.Duration
	every   time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReaper creates a stale cursor reaper over the backend
func NewReaper(backend Backend, ttl, every time.Duration, m *metrics.Metrics, logger *zap.Logger) *Reaper {
	return &Reaper{
		backend: backend,
		ttl:     ttl,
		every:   every,
		metrics: m,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the periodic reap loop
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Info("cursor reaper started",
		zap.Duration("ttl", r.ttl),
		zap.Duration("interval", r.every),
	)
}

// Stop halts the reap loop and waits for an in-flight sweep to finish
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Sweep(context.Background()); err != nil {
				r.logger.Warn("cursor sweep failed", zap.Error(err))
			}
		case <-r.stopCh:
			return
		}
	}
}

// Sweep deletes every cursor older than the TTL across all databases
func (r *Reaper) Sweep(ctx context.Context) error {
	names, err := r.backend.List(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, name := range names {
		db, err := r.backend.Open(ctx, name)
		if err != nil {
			return err
		}
		if err := r.sweepDatabase(ctx, db, now); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reaper) sweepDatabase(ctx context.Context, db store.Store, now time.Time) error {
	start, end := model.KindRange(model.KindCursor)
	docs, err := db.List(ctx, start, end)
	if err != nil {
		return err
	}

	for i := range docs {
		cursor, err := docs[i].Cursor()
		if err != nil {
			r.logger.Warn("malformed cursor document",
				zap.String("db", db.Name()),
				zap.String("key", docs[i].Key),
				zap.Error(err),
			)
			continue
		}
		if !cursor.Stale(now, r.ttl) {
			continue
		}

		err = db.Delete(ctx, docs[i].Key, docs[i].Rev)
		switch {
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			// The cursor moved under us, it is alive again
			continue
		case err != nil:
			return err
		}
		r.metrics.CursorsReaped.Inc()
		r.logger.Debug("reaped stale cursor",
			zap.String("db", db.Name()),
			zap.String("key", docs[i].Key),
		)
	}
	return nil
}
