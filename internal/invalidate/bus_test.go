package invalidate

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, stream <-chan Event) Event {
	t.Helper()

	select {
	case event := <-stream:
		return event
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return Event{}
}

func TestMemoryBusFanOut(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	ctx := context.Background()
	key := Key{Credential: "tok", PageID: "p1"}

	first, cancelFirst := bus.Subscribe(ctx, key)
	defer cancelFirst()
	second, cancelSecond := bus.Subscribe(ctx, key)
	defer cancelSecond()
	other, cancelOther := bus.Subscribe(ctx, Key{Credential: "tok", PageID: "p2"})
	defer cancelOther()

	require.NoError(t, bus.Publish(ctx, key))

	assert.Equal(t, key, receive(t, first).Key)
	assert.Equal(t, key, receive(t, second).Key)
	assert.Empty(t, other)
}

func TestPublishPage(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	ctx := context.Background()

	list, cancel := bus.Subscribe(ctx, Key{Credential: "tok", PageID: AllPages})
	defer cancel()

	require.NoError(t, PublishPage(ctx, bus, "tok", "p1"))
	assert.Equal(t, AllPages, receive(t, list).Key.PageID)
}

func TestMemoryBusDropsWhenFull(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	ctx := context.Background()
	key := Key{Credential: "tok", PageID: "p1"}

	stream, cancel := bus.Subscribe(ctx, key)
	defer cancel()

	for range defaultBufferSize * 2 {
		require.NoError(t, bus.Publish(ctx, key))
	}
	assert.Len(t, stream, defaultBufferSize)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	key := Key{Credential: "tok", PageID: "p1"}

	_, cancel := bus.Subscribe(context.Background(), key)
	assert.Equal(t, 1, bus.subscriberCount(key))
	cancel()
	cancel()
	assert.Equal(t, 0, bus.subscriberCount(key))

	ctx, stop := context.WithCancel(context.Background())
	_, cancelCtx := bus.Subscribe(ctx, key)
	defer cancelCtx()
	stop()
	assert.Eventually(t, func() bool { return bus.subscriberCount(key) == 0 }, time.Second, 10*time.Millisecond)
}

// Not parallel: it counts goroutines.
func TestMemoryBusCancelReleasesWatcher(t *testing.T) {
	bus := NewMemoryBus()
	key := Key{Credential: "tok", PageID: "p1"}
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	before := runtime.NumGoroutine()
	for range 50 {
		_, cancel := bus.Subscribe(ctx, key)
		cancel()
	}

	assert.Equal(t, 0, bus.subscriberCount(key))
	assert.Eventually(t, func() bool { return runtime.NumGoroutine() <= before }, time.Second, 10*time.Millisecond)
}

func TestChannel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "notrition:invalidate:tok:all", Channel(Key{Credential: "tok", PageID: AllPages}))
}
