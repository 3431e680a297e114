package server

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func expectWake(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a wakeup")
	}
}

func expectSilence(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected wakeup")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalFanout(t *testing.T) {
	f := NewLocalFanout()
	defer f.Close()

	a, cancelA := f.Subscribe("db-a")
	b, cancelB := f.Subscribe("db-b")
	defer cancelA()
	defer cancelB()

	f.Publish("db-a")
	expectWake(t, a)
	expectSilence(t, b)
}

func TestLocalFanoutCoalesces(t *testing.T) {
	f := NewLocalFanout()
	defer f.Close()

	ch, cancel := f.Subscribe("db")
	defer cancel()

	f.Publish("db")
	f.Publish("db")
	f.Publish("db")

	expectWake(t, ch)
	expectSilence(t, ch)
}

func TestLocalFanoutUnsubscribe(t *testing.T) {
	f := NewLocalFanout()
	defer f.Close()

	ch, cancel := f.Subscribe("db")
	cancel()

	f.Publish("db")
	expectSilence(t, ch)
}

func TestLocalFanoutClose(t *testing.T) {
	f := NewLocalFanout()
	ch, _ := f.Subscribe("db")

	require.NoError(t, f.Close())

	_, open := <-ch
	assert.False(t, open, "subscriber channels close with the fanout")

	// Subscribing after close yields an already-closed channel
	late, _ := f.Subscribe("db")
	_, open = <-late
	assert.False(t, open)
}

func TestRedisFanoutBridgesInstances(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()

	one, err := NewRedisFanout(ctx, "redis://"+srv.Addr(), zap.NewNop())
	require.NoError(t, err)
	defer one.Close()
	two, err := NewRedisFanout(ctx, "redis://"+srv.Addr(), zap.NewNop())
	require.NoError(t, err)
	defer two.Close()

	ch, cancel := two.Subscribe("shared-db")
	defer cancel()

	// A write on instance one wakes subscribers on instance two
	one.Publish("shared-db")
	expectWake(t, ch)
}

func TestRedisFanoutLocalDelivery(t *testing.T) {
	srv := miniredis.RunT(t)

	f, err := NewRedisFanout(context.Background(), "redis://"+srv.Addr(), zap.NewNop())
	require.NoError(t, err)
	defer f.Close()

	ch, cancel := f.Subscribe("db")
	defer cancel()

	f.Publish("db")
	expectWake(t, ch)
}

func TestRedisFanoutRejectsBadURL(t *testing.T) {
	_, err := NewRedisFanout(context.Background(), "://nope", zap.NewNop())
	assert.Error(t, err)
}
