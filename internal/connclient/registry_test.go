package connclient

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireCreatesThenAdopts(t *testing.T) {
	reg := NewRegistry()
	transport := newFakeTransport()
	dialer := newFakeDialer(dialOutcome{transport: transport})
	opts := Options{Dialer: dialer, Clock: clockwork.NewFakeClock()}

	first, adopted := reg.Acquire("dashboard-1", "ws://upstream", opts)
	assert.False(t, adopted)
	first.Connect(context.Background())
	waitEvent(t, first, EventOpen)

	second, adopted := reg.Acquire("dashboard-1", "ws://upstream", opts)
	assert.True(t, adopted)
	assert.Same(t, first, second)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestAcquireReplacesDeadEntry(t *testing.T) {
	reg := NewRegistry()
	transport := newFakeTransport()
	dialer := newFakeDialer(dialOutcome{transport: transport})
	opts := Options{Dialer: dialer, Clock: clockwork.NewFakeClock(), Registry: reg}

	first, _ := reg.Acquire("dashboard-1", "ws://upstream", opts)
	first.Connect(context.Background())
	waitEvent(t, first, EventOpen)
	first.Close(websocket.CloseNormalClosure, "done")
	waitEvent(t, first, EventClosed)

	second, adopted := reg.Acquire("dashboard-1", "ws://upstream", opts)
	assert.False(t, adopted)
	assert.NotSame(t, first, second)
}

func TestConcurrentConnectsOneLiveTransport(t *testing.T) {
	reg := NewRegistry()

	transports := make([]*fakeTransport, 0, 8)
	var mu sync.Mutex
	dialer := &countingDialer{make: func() Transport {
		tr := newFakeTransport()
		mu.Lock()
		transports = append(transports, tr)
		mu.Unlock()
		return tr
	}}
	opts := Options{Dialer: dialer, Clock: clockwork.NewFakeClock(), Registry: reg}

	var wg sync.WaitGroup
	clients := make([]*Client, 8)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _ := reg.Acquire("dashboard-1", "ws://upstream", opts)
			c.Connect(context.Background())
			clients[i] = c
		}(i)
	}
	wg.Wait()

	// Every goroutine got the same client, so at most one dial ran.
	for _, c := range clients[1:] {
		require.Same(t, clients[0], c)
	}
	waitStatus(t, clients[0], StatusConnected)
	assert.Equal(t, 1, reg.Len())

	mu.Lock()
	open := 0
	for _, tr := range transports {
		select {
		case <-tr.closed:
		default:
			open++
		}
	}
	mu.Unlock()
	assert.Equal(t, 1, open)
}

func TestRegisterRefusesSecondLiveClient(t *testing.T) {
	reg := NewRegistry()
	clock := clockwork.NewFakeClock()

	holder := newFakeTransport()
	a := New("dashboard-1", "ws://upstream", Options{
		Dialer: newFakeDialer(dialOutcome{transport: holder}), Clock: clock, Registry: reg,
	})
	a.Connect(context.Background())
	waitEvent(t, a, EventOpen)

	// A rogue client built outside Acquire must not steal the slot.
	b := New("dashboard-1", "ws://upstream", Options{
		Dialer: newFakeDialer(dialOutcome{transport: newFakeTransport()}), Clock: clock, Registry: reg,
	})
	b.Connect(context.Background())
	waitEvent(t, b, EventError)
	assert.Equal(t, StatusDisconnected, b.Status())

	got, ok := reg.Lookup("dashboard-1")
	require.True(t, ok)
	assert.Same(t, a, got)
}

func TestRemoveOnlyDropsOwnEntry(t *testing.T) {
	reg := NewRegistry()
	clock := clockwork.NewFakeClock()
	opts := Options{
		Dialer:   newFakeDialer(dialOutcome{transport: newFakeTransport()}),
		Clock:    clock,
		Registry: reg,
	}

	a, _ := reg.Acquire("dashboard-1", "ws://upstream", opts)
	a.Connect(context.Background())
	waitEvent(t, a, EventOpen)

	// A stale handle closing must not evict the live owner.
	stale := New("dashboard-1", "ws://upstream", opts)
	stale.Close(websocket.CloseNormalClosure, "stale")

	got, ok := reg.Lookup("dashboard-1")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, 1, reg.Len())
}

func TestLenCountsOnlyLiveClients(t *testing.T) {
	reg := NewRegistry()
	clock := clockwork.NewFakeClock()

	for i := 0; i < 3; i++ {
		opts := Options{
			Dialer:   newFakeDialer(dialOutcome{transport: newFakeTransport()}),
			Clock:    clock,
			Registry: reg,
		}
		c, _ := reg.Acquire(fmt.Sprintf("dashboard-%d", i), "ws://upstream", opts)
		c.Connect(context.Background())
		waitEvent(t, c, EventOpen)
		if i == 0 {
			c.Close(websocket.CloseNormalClosure, "done")
			waitEvent(t, c, EventClosed)
		}
	}

	assert.Equal(t, 2, reg.Len())
}

// countingDialer builds a fresh transport per dial.
type countingDialer struct {
	mu    sync.Mutex
	dials int
	make  func() Transport
}

func (d *countingDialer) Dial(context.Context, string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return d.make(), nil
}
