package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Fanout wakes change feed subscribers when a database is written to.
// The local fan-out covers a single server process; the Redis fan-out
// bridges several instances sharing one Postgres backend.
type Fanout interface {
	Publish(db string)
	Subscribe(db string) (<-chan struct{}, func())
	Close() error
}

// LocalFanout delivers coalesced wakeups inside one process
type LocalFanout struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan struct{}
	nextID int
	closed bool
}

// NewLocalFanout creates an in-process fan-out
func NewLocalFanout() *LocalFanout {
	return &LocalFanout{subs: map[string]map[int]chan struct{}{}}
}

// Publish wakes every subscriber of db
func (f *LocalFanout) Publish(db string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[db] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a wakeup channel for db
func (f *LocalFanout) Subscribe(db string) (<-chan struct{}, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{}, 1)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	if f.subs[db] == nil {
		f.subs[db] = map[int]chan struct{}{}
	}
	f.subs[db][id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[db], id)
	}
}

// Close closes every subscriber channel
func (f *LocalFanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for db, subs := range f.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(f.subs, db)
	}
	return nil
}

const redisFanoutChannel = "sketchsync:changes"

// RedisFanout bridges change wakeups across server instances through a
// Redis pub/sub channel. Local subscribers are woken both by local writes
// and by messages from peer instances.
type RedisFanout struct {
	local  *LocalFanout
	client *redis.Client
	pubsub *redis.PubSub
	logger *zap.Logger
	done   chan struct{}
}

// NewRedisFanout connects the fan-out to Redis
func NewRedisFanout(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisFanout, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	f := &RedisFanout{
		local:  NewLocalFanout(),
		client: client,
		pubsub: client.Subscribe(ctx, redisFanoutChannel),
		logger: logger,
		done:   make(chan struct{}),
	}
	go f.receive()
	return f, nil
}

// receive forwards peer notifications to local subscribers
func (f *RedisFanout) receive() {
	defer close(f.done)
	for msg := range f.pubsub.Channel() {
		f.local.Publish(msg.Payload)
	}
}

// Publish wakes local subscribers and notifies peer instances
func (f *RedisFanout) Publish(db string) {
	f.local.Publish(db)
	if err := f.client.Publish(context.Background(), redisFanoutChannel, db).Err(); err != nil {
		f.logger.Warn("redis fanout publish failed", zap.String("db", db), zap.Error(err))
	}
}

// Subscribe registers a wakeup channel for db
func (f *RedisFanout) Subscribe(db string) (<-chan struct{}, func()) {
	return f.local.Subscribe(db)
}

// Close stops the bridge and closes local subscribers
func (f *RedisFanout) Close() error {
	f.pubsub.Close()
	<-f.done
	f.client.Close()
	return f.local.Close()
}
