package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasta-dave/lightninglens-platform-sub000/internal/connclient"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/message"
)

// fakeConn is a scriptable inbound transport.
type fakeConn struct {
	mu        sync.Mutex
	written   [][]byte
	closeCode int
	closed    bool

	incoming chan []byte
	readErr  chan error
	done     chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		readErr:  make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.incoming:
		return websocket.TextMessage, data, nil
	case err := <-c.readErr:
		return 0, nil, err
	case <-c.done:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.CloseMessage {
		if len(data) >= 2 {
			c.closeCode = int(data[0])<<8 | int(data[1])
		}
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.written = append(c.written, buf)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

// writtenKinds decodes the type discriminator of every text message
// written to the inbound side.
func (c *fakeConn) writtenKinds() []message.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]message.Kind, 0, len(c.written))
	for _, data := range c.written {
		var envelope struct {
			Type message.Kind `json:"type"`
		}
		_ = json.Unmarshal(data, &envelope)
		kinds = append(kinds, envelope.Type)
	}
	return kinds
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) lastCloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// fakeUpstream stands in for the upstream connection client; tests
// push events and observe sends.
type fakeUpstream struct {
	mu        sync.Mutex
	sent      [][]byte
	connected bool
	closeCode int

	events chan connclient.Event
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan connclient.Event, 16)}
}

func (u *fakeUpstream) Connect(context.Context) {
	u.mu.Lock()
	u.connected = true
	u.mu.Unlock()
}

func (u *fakeUpstream) Send(data []byte) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	u.sent = append(u.sent, buf)
	return true
}

func (u *fakeUpstream) Events() <-chan connclient.Event { return u.events }

func (u *fakeUpstream) Close(code int, reason string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closeCode = code
}

func (u *fakeUpstream) sentCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sent)
}

func (u *fakeUpstream) sentMessages() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.sent))
	for i, s := range u.sent {
		out[i] = string(s)
	}
	return out
}

func (u *fakeUpstream) closedWith() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closeCode
}

func startSession(t *testing.T) (*Session, *fakeConn, *fakeUpstream, *clockwork.FakeClock, context.CancelFunc) {
	t.Helper()
	conn := newFakeConn()
	upstream := newFakeUpstream()
	clock := clockwork.NewFakeClock()
	session := NewSession("test-session", "ws://upstream", conn, upstream, clock)

	ctx, cancel := context.WithCancel(context.Background())
	go session.Run(ctx)

	// Run creates the flush and heartbeat tickers before serving.
	clock.BlockUntil(2)
	return session, conn, upstream, clock, cancel
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", what)
}

func encodeMsg(t *testing.T, m message.Message) []byte {
	t.Helper()
	data, err := message.Encode(m)
	require.NoError(t, err)
	return data
}

func TestPingAnsweredLocallyNotForwarded(t *testing.T) {
	_, conn, upstream, clock, cancel := startSession(t)
	defer cancel()

	conn.incoming <- encodeMsg(t, message.NewPing(clock.Now()))

	eventually(t, "pong written to inbound", func() bool {
		for _, k := range conn.writtenKinds() {
			if k == message.KindPong {
				return true
			}
		}
		return false
	})
	assert.Equal(t, 0, upstream.sentCount())
}

func TestPayloadForwardedThenThrottled(t *testing.T) {
	_, conn, upstream, clock, cancel := startSession(t)
	defer cancel()

	first := encodeMsg(t, message.NewSimulationSwitched("a.csv", true, clock.Now()))
	second := encodeMsg(t, message.NewSimulationSwitched("b.csv", true, clock.Now()))

	conn.incoming <- first
	eventually(t, "first payload forwarded", func() bool { return upstream.sentCount() == 1 })

	// Inside the rate window: important payloads are queued, not sent.
	conn.incoming <- second
	eventually(t, "second payload buffered", func() bool {
		sess := upstream.sentCount()
		return sess == 1
	})

	clock.Advance(forwardMinInterval)
	eventually(t, "queued payload flushed", func() bool { return upstream.sentCount() == 2 })
	assert.Equal(t, []string{string(first), string(second)}, upstream.sentMessages())
}

// awaitDrained pushes a ping and waits for its pong, proving every
// inbound message queued before it has been handled.
func awaitDrained(t *testing.T, conn *fakeConn, clock clockwork.Clock) {
	t.Helper()
	conn.incoming <- encodeMsg(t, message.NewPing(clock.Now()))
	want := 0
	for _, k := range conn.writtenKinds() {
		if k == message.KindPong {
			want++
		}
	}
	want++
	eventually(t, "inbound pipeline drained", func() bool {
		got := 0
		for _, k := range conn.writtenKinds() {
			if k == message.KindPong {
				got++
			}
		}
		return got >= want
	})
}

func TestBurstDrainsLosslessInOrder(t *testing.T) {
	_, conn, upstream, clock, cancel := startSession(t)
	defer cancel()

	msgs := make([]string, 20)
	for i := 0; i < 20; i++ {
		data := encodeMsg(t, message.NewSwitchSimulation(fmt.Sprintf("file-%02d.csv", i), true, clock.Now()))
		msgs[i] = string(data)
		conn.incoming <- data
	}
	awaitDrained(t, conn, clock)

	// Only the head of the burst beats the rate limiter.
	assert.Equal(t, 1, upstream.sentCount())

	// The rest drain one per flush tick, in arrival order, none lost.
	for i := 2; i <= 20; i++ {
		clock.Advance(forwardMinInterval)
		want := i
		eventually(t, fmt.Sprintf("payload %d flushed", i), func() bool {
			return upstream.sentCount() == want
		})
	}
	assert.Equal(t, msgs, upstream.sentMessages())
}

func TestPendingQueueOverflowDropsOldest(t *testing.T) {
	_, conn, upstream, clock, cancel := startSession(t)
	defer cancel()

	// One forwarded immediately, then two more than the queue holds.
	total := 1 + pendingQueueLimit + 2
	msgs := make([]string, total)
	for i := 0; i < total; i++ {
		data := encodeMsg(t, message.NewSwitchSimulation(fmt.Sprintf("file-%02d.csv", i), true, clock.Now()))
		msgs[i] = string(data)
		conn.incoming <- data
	}
	awaitDrained(t, conn, clock)

	require.Equal(t, 1, upstream.sentCount())
	assert.Equal(t, msgs[0], upstream.sentMessages()[0])

	// The two oldest queued payloads were dropped, so the next flushes
	// release payload 3 and 4, not 1 and 2.
	clock.Advance(forwardMinInterval)
	eventually(t, "first queued payload flushed", func() bool { return upstream.sentCount() == 2 })
	clock.Advance(forwardMinInterval)
	eventually(t, "second queued payload flushed", func() bool { return upstream.sentCount() == 3 })

	sent := upstream.sentMessages()
	assert.Equal(t, msgs[3], sent[1])
	assert.Equal(t, msgs[4], sent[2])
}

func TestDroppablePayloadDiscardedUnderThrottle(t *testing.T) {
	_, conn, upstream, clock, cancel := startSession(t)
	defer cancel()

	conn.incoming <- encodeMsg(t, message.NewRequestLatest(clock.Now()))
	eventually(t, "first request forwarded", func() bool { return upstream.sentCount() == 1 })

	conn.incoming <- encodeMsg(t, message.NewRequestLatest(clock.Now()))
	conn.incoming <- encodeMsg(t, message.NewRequestLatest(clock.Now()))

	clock.Advance(forwardMinInterval)
	clock.Advance(forwardMinInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, upstream.sentCount())
}

func TestUpstreamMessageRelayedToInbound(t *testing.T) {
	_, conn, upstream, clock, cancel := startSession(t)
	defer cancel()

	data := encodeMsg(t, message.NewSimulationLoaded("a.csv", 42, clock.Now()))
	upstream.events <- connclient.Event{Kind: connclient.EventMessage, Data: data}

	eventually(t, "payload relayed inbound", func() bool {
		for _, k := range conn.writtenKinds() {
			if k == message.KindSimulationLoaded {
				return true
			}
		}
		return false
	})
}

func TestUpstreamTerminalClosesInboundWithError(t *testing.T) {
	_, conn, upstream, _, cancel := startSession(t)
	defer cancel()

	upstream.events <- connclient.Event{Kind: connclient.EventTerminal, Err: fmt.Errorf("retries exhausted")}

	eventually(t, "inbound closed", conn.isClosed)
	assert.Equal(t, websocket.CloseInternalServerErr, conn.lastCloseCode())

	var sawError bool
	for _, k := range conn.writtenKinds() {
		if k == message.KindError {
			sawError = true
		}
	}
	assert.True(t, sawError, "inbound should receive a typed error before close")
}

func TestInboundCloseTearsDownUpstream(t *testing.T) {
	_, conn, upstream, _, cancel := startSession(t)
	defer cancel()

	conn.readErr <- &websocket.CloseError{Code: websocket.CloseNormalClosure}

	eventually(t, "upstream closed", func() bool {
		return upstream.closedWith() == websocket.CloseNormalClosure
	})
}

func TestHeartbeatGracePingThenTeardown(t *testing.T) {
	_, conn, _, clock, cancel := startSession(t)
	defer cancel()

	// Idle through the timeout: the session pings each cycle, grants
	// one suspect cycle, then tears down.
	for n := 0; n < 3; n++ {
		clock.Advance(heartbeatInterval)
		time.Sleep(20 * time.Millisecond)
	}
	assert.False(t, conn.isClosed())

	pings := 0
	for _, k := range conn.writtenKinds() {
		if k == message.KindPing {
			pings++
		}
	}
	assert.GreaterOrEqual(t, pings, 2)

	clock.Advance(heartbeatInterval)
	eventually(t, "session torn down after grace ping", conn.isClosed)
	assert.Equal(t, websocket.ClosePolicyViolation, conn.lastCloseCode())
}

func TestInboundActivityResetsHeartbeat(t *testing.T) {
	_, conn, _, clock, cancel := startSession(t)
	defer cancel()

	for n := 0; n < 6; n++ {
		clock.Advance(heartbeatInterval)
		conn.incoming <- encodeMsg(t, message.NewPong(clock.Now()))
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, conn.isClosed())
}
