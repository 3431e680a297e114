// Package session owns the lifecycle of the active tenant replica pair:
// which local replica is open, which remote it replicates with, and the
// teardown ordering that keeps change feeds from firing into a closed
// replica.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/froz-husain/sketchsync/internal/config"
	"github.com/froz-husain/sketchsync/internal/metrics"
	"github.com/froz-husain/sketchsync/internal/replication"
	"github.com/froz-husain/sketchsync/internal/store"
)

// ErrMissingRemoteConfig is returned when session activation requires a
// remote endpoint but the connection descriptor is incomplete.
var ErrMissingRemoteConfig = errors.New("remote replica configuration is incomplete")

// ErrNoSession is returned by EnsureActive when no activation was started
var ErrNoSession = errors.New("no active session")

// ReplicaOpenError wraps a failure to open the local replica storage
type ReplicaOpenError struct {
	TenantKey string
	Cause     error
}

func (e *ReplicaOpenError) Error() string {
	return fmt.Sprintf("open local replica for tenant %s: %v", e.TenantKey, e.Cause)
}

func (e *ReplicaOpenError) Unwrap() error { return e.Cause }

// Session is the currently active tenant replica pair. Exactly one exists
// per Manager; it is replaced wholesale on tenant switch.
type Session struct {
	// ID tags feed events so consumers can discard late deliveries from
	// a superseded session.
	ID        string
	TenantKey string

	local  *store.SQLiteStore
	remote *store.RemoteStore
	repl   *replication.Handle

	ready chan struct{}
	err   error

	mu     sync.Mutex
	feeds  map[int]func()
	feedID int
	downed bool
}

// Local returns the session's local replica
func (s *Session) Local() store.Replica { return s.local }

// Remote returns the session's remote replica, nil when running local-only
func (s *Session) Remote() store.Store {
	if s.remote == nil {
		return nil
	}
	return s.remote
}

// RegisterFeed records a live feed's cancel function so teardown can cancel
// every outstanding subscription before the replica closes. It returns
// false if the session is already torn down, in which case the caller must
// not start the feed.
func (s *Session) RegisterFeed(cancel func()) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.downed {
		return 0, false
	}
	s.feedID++
	id := s.feedID
	s.feeds[id] = cancel
	return id, true
}

// UnregisterFeed removes a finished feed from the registry
func (s *Session) UnregisterFeed(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.feeds, id)
}

// cancelFeeds cancels every outstanding feed exactly once
func (s *Session) cancelFeeds() {
	s.mu.Lock()
	if s.downed {
		s.mu.Unlock()
		return
	}
	s.downed = true
	cancels := make([]func(), 0, len(s.feeds))
	for _, c := range s.feeds {
		cancels = append(cancels, c)
	}
	s.feeds = map[int]func(){}
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}

// Manager owns the single active session. It is an explicit object so
// tests can run several managers side by side; nothing here is process
// global.
type Manager struct {
	cfg     config.EngineConfig
	driver  *replication.Driver
	metrics *metrics.Metrics
	logger  *zap.Logger

	listener replication.Listener

	// actMu serializes Activate/Teardown; mu guards current
	actMu   sync.Mutex
	mu      sync.Mutex
	current *Session
}

// NewManager creates a session manager
func NewManager(cfg config.EngineConfig, driver *replication.Driver, m *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, driver: driver, metrics: m, logger: logger}
}

// OnReplicationEvent installs a listener for replication lifecycle events
// of sessions activated afterwards. Intended for "working offline" UI
// signalling; must not block.
func (m *Manager) OnReplicationEvent(l replication.Listener) {
	m.listener = l
}

// replicaDatabaseName derives the deterministic per-tenant database name
func replicaDatabaseName(tenantKey string) string {
	return "sketchsync_" + tenantKey
}

// Activate opens (or creates) the tenant's local replica and starts
// replication with the remote. An already-active session for a different
// tenant is fully torn down first; no two local replicas are ever open
// concurrently for one manager.
func (m *Manager) Activate(ctx context.Context, tenantKey string) error {
	m.actMu.Lock()
	defer m.actMu.Unlock()

	if !m.cfg.LocalOnly && !m.cfg.Remote.Complete() {
		m.countActivation("missing_remote_config")
		return ErrMissingRemoteConfig
	}

	m.mu.Lock()
	old := m.current
	if old != nil && old.TenantKey == tenantKey && old.err == nil {
		m.mu.Unlock()
		return nil
	}
	sess := &Session{
		ID:        uuid.NewString(),
		TenantKey: tenantKey,
		ready:     make(chan struct{}),
		feeds:     map[int]func(){},
	}
	m.current = sess
	m.mu.Unlock()

	if old != nil {
		m.teardownSession(old)
	}

	err := m.open(ctx, sess)
	sess.err = err
	close(sess.ready)

	if err != nil {
		m.mu.Lock()
		if m.current == sess {
			m.current = nil
		}
		m.mu.Unlock()
		m.countActivation("error")
		return err
	}

	m.countActivation("ok")
	m.logger.Info("tenant session activated",
		zap.String("session_id", sess.ID),
		zap.String("tenant", tenantKey),
		zap.Bool("local_only", sess.remote == nil))
	return nil
}

// open builds the replica pair and starts replication
func (m *Manager) open(ctx context.Context, sess *Session) error {
	if err := os.MkdirAll(m.cfg.DataDir, 0o755); err != nil {
		return &ReplicaOpenError{TenantKey: sess.TenantKey, Cause: err}
	}

	name := replicaDatabaseName(sess.TenantKey)
	path := filepath.Join(m.cfg.DataDir, name+".db")
	local, err := store.OpenSQLite(path, name)
	if err != nil {
		return &ReplicaOpenError{TenantKey: sess.TenantKey, Cause: err}
	}
	sess.local = local

	if m.cfg.LocalOnly {
		return nil
	}

	remote := store.NewRemote(store.RemoteConfig{
		BaseURL:  m.cfg.Remote.BaseURL,
		Username: m.cfg.Remote.Username,
		Password: m.cfg.Remote.Password,
		Database: name,
	})
	if err := remote.EnsureDatabase(ctx); err != nil {
		local.Close()
		sess.local = nil
		return err
	}
	sess.remote = remote

	sess.repl = m.driver.Start(local, remote, m.sessionListener(sess))
	return nil
}

// sessionListener forwards replication events with session context
func (m *Manager) sessionListener(sess *Session) replication.Listener {
	return func(ev replication.Event) {
		if ev.State == replication.StateError {
			m.logger.Debug("replication degraded, working offline",
				zap.String("session_id", sess.ID),
				zap.String("direction", string(ev.Direction)),
				zap.Error(ev.Err))
		}
		if m.listener != nil {
			m.listener(ev)
		}
	}
}

// EnsureActive blocks until the in-progress activation completes and
// returns the active session. Every read or write path calls this first.
func (m *Manager) EnsureActive(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()

	if sess == nil {
		return nil, ErrNoSession
	}

	select {
	case <-sess.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if sess.err != nil {
		return nil, sess.err
	}
	return sess, nil
}

// Teardown cancels replication and every outstanding change feed, then
// closes the local replica. Idempotent and safe from shutdown hooks.
func (m *Manager) Teardown(ctx context.Context) {
	m.actMu.Lock()
	defer m.actMu.Unlock()

	m.mu.Lock()
	sess := m.current
	m.current = nil
	m.mu.Unlock()

	if sess == nil {
		return
	}
	<-sess.ready
	m.teardownSession(sess)
}

// teardownSession tears a session down in the required order: feeds first,
// then the replication stream, then the local replica. Reversing this
// order risks a feed callback firing against a closed handle.
func (m *Manager) teardownSession(sess *Session) {
	sess.cancelFeeds()

	if sess.repl != nil {
		sess.repl.Cancel()
	}
	if sess.remote != nil {
		sess.remote.Close()
	}
	if sess.local != nil {
		if err := sess.local.Close(); err != nil {
			m.logger.Warn("close local replica",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
	}

	if m.metrics != nil {
		m.metrics.SessionTeardowns.Inc()
	}
	m.logger.Info("tenant session torn down",
		zap.String("session_id", sess.ID),
		zap.String("tenant", sess.TenantKey))
}

func (m *Manager) countActivation(result string) {
	if m.metrics != nil {
		m.metrics.SessionActivations.WithLabelValues(result).Inc()
	}
}
