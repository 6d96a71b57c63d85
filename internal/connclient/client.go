package connclient

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/rasta-dave/lightninglens-platform-sub000/internal/errors"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/logging"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/metrics"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/policy"
)

// Status is the connection state machine position.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

var statusGaugeValue = map[Status]float64{
	StatusDisconnected: 0,
	StatusConnecting:   1,
	StatusConnected:    2,
	StatusReconnecting: 3,
	StatusError:        4,
}

// EventKind tags entries on the client's event channel.
type EventKind string

const (
	// EventOpen fires once per successful handshake, before any message.
	EventOpen EventKind = "open"
	// EventMessage carries one inbound message in receipt order.
	EventMessage EventKind = "message"
	// EventClosed fires on deliberate or normal closure; no reconnect follows.
	EventClosed EventKind = "closed"
	// EventError fires on an abnormal failure; a reconnect is scheduled.
	EventError EventKind = "error"
	// EventTerminal fires when the retry budget is exhausted; only a
	// manual Reconnect revives the client.
	EventTerminal EventKind = "terminal"
)

// Event is the tagged union delivered on Events(). Exactly one of
// Data/Err is populated depending on Kind.
type Event struct {
	Kind   EventKind
	Data   []byte
	Err    error
	Code   int
	Reason string
}

const (
	defaultMaxRetries  = 5
	defaultQueueSize   = 64
	defaultEventBuffer = 256
)

// Options configures a Client. Zero values pick sane defaults; tests
// swap in fake dialers and clocks.
type Options struct {
	Dialer      Dialer
	Clock       clockwork.Clock
	Registry    *Registry
	MaxRetries  int
	QueueSize   int
	EventBuffer int
}

func (o *Options) withDefaults() {
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
}

// Client owns one logical connection. All transitions follow the state
// machine: disconnected → connecting → connected → {disconnected on
// normal close, reconnecting → connecting on failure}; the retry
// counter resets only on a successful open.
type Client struct {
	identity string
	url      string

	dialer     Dialer
	clock      clockwork.Clock
	registry   *Registry
	maxRetries int
	queueSize  int
	logger     *slog.Logger

	events chan Event

	// live means the client may own its identity's slot: set at
	// creation, cleared when the client is parked by Close, a normal
	// peer close, or retry exhaustion. The Registry reads it without
	// taking mu.
	live atomic.Bool

	mu         sync.Mutex
	ctx        context.Context
	status     Status
	connecting bool
	skip       bool
	attempt    int
	epoch      int
	transport  Transport
	queue      [][]byte
	retryTimer clockwork.Timer
}

// New creates a client for the given logical identity and endpoint.
// The client is inert until Connect is called.
func New(identity, url string, opts Options) *Client {
	opts.withDefaults()
	c := &Client{
		identity:   identity,
		url:        url,
		dialer:     opts.Dialer,
		clock:      opts.Clock,
		registry:   opts.Registry,
		maxRetries: opts.MaxRetries,
		queueSize:  opts.QueueSize,
		logger:     logging.WithConnection(identity),
		events:     make(chan Event, opts.EventBuffer),
		status:     StatusDisconnected,
	}
	c.live.Store(true)
	return c
}

// Identity returns the logical connection key.
func (c *Client) Identity() string { return c.identity }

// Events returns the ordered event stream. Consumers must drain it;
// the buffer drops on overflow rather than blocking the read loop.
func (c *Client) Events() <-chan Event { return c.events }

// Status returns the current state machine position.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect establishes the connection. Calls while a dial is already in
// flight or the connection is open are no-ops, so concurrent Connect
// calls never produce duplicate transports. A client parked by Close or
// retry exhaustion stays down until Reconnect.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.connecting || c.status == StatusConnected || c.skip {
		c.mu.Unlock()
		return
	}
	c.ctx = ctx
	c.connecting = true
	c.setStatusLocked(StatusConnecting)
	c.live.Store(true)
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	go c.dial(ctx, epoch)
}

func (c *Client) dial(ctx context.Context, epoch int) {
	transport, err := c.dialer.Dial(ctx, c.url)

	c.mu.Lock()
	if epoch != c.epoch {
		// Superseded by a newer connect or a close. Late handles are
		// discarded, never promoted.
		c.mu.Unlock()
		if err == nil {
			transport.Close(websocket.CloseNormalClosure, "superseded")
		}
		return
	}
	c.connecting = false

	if err != nil {
		c.failLocked(errors.TransportError("connect failed", err).WithContext("url", c.url))
		return
	}

	if c.registry != nil && !c.registry.register(c.identity, c) {
		c.setStatusLocked(StatusDisconnected)
		c.skip = true
		c.live.Store(false)
		c.mu.Unlock()
		transport.Close(websocket.CloseNormalClosure, "duplicate identity")
		c.logger.Warn("Discarding duplicate transport, identity already live")
		c.emit(Event{Kind: EventError, Err: errors.TransportError("identity already has a live connection", nil)})
		return
	}

	c.transport = transport
	c.attempt = 0

	// Flush sends queued while the socket was down, in order, before
	// anything else goes out.
	for len(c.queue) > 0 {
		batch := c.queue
		c.queue = nil
		for _, data := range batch {
			if werr := transport.WriteMessage(data); werr != nil {
				c.transport = nil
				c.epoch++
				c.failLocked(errors.TransportError("flush failed", werr))
				transport.Close(websocket.CloseGoingAway, "flush failed")
				return
			}
		}
	}

	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	c.logger.Info("Connected", "url", c.url)
	c.emit(Event{Kind: EventOpen})
	go c.readLoop(transport, epoch)
}

func (c *Client) readLoop(transport Transport, epoch int) {
	for {
		data, err := transport.ReadMessage()
		if err != nil {
			c.transportFailed(epoch, err)
			return
		}
		c.emit(Event{Kind: EventMessage, Data: data})
	}
}

// transportFailed handles a broken socket discovered by the read loop
// or a failed write. The dead transport is closed on every branch: a
// read error does not release the underlying socket by itself, and a
// leaked descriptor per reconnect adds up fast on a flaky upstream.
func (c *Client) transportFailed(epoch int, err error) {
	c.mu.Lock()
	if epoch != c.epoch {
		// A Close or newer connect already handled this transport.
		c.mu.Unlock()
		return
	}
	transport := c.transport
	c.transport = nil
	c.epoch++

	if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code == websocket.CloseNormalClosure {
		// Peer closed normally: stay down.
		c.setStatusLocked(StatusDisconnected)
		c.skip = true
		c.live.Store(false)
		if c.registry != nil {
			c.registry.remove(c.identity, c)
		}
		c.mu.Unlock()
		if transport != nil {
			transport.Close(websocket.CloseNormalClosure, "peer closed")
		}
		c.logger.Info("Connection closed by peer")
		c.emit(Event{Kind: EventClosed, Code: closeErr.Code, Reason: closeErr.Text})
		return
	}

	c.failLocked(errors.TransportError("connection lost", err))
	if transport != nil {
		transport.Close(websocket.CloseGoingAway, "connection lost")
	}
}

// failLocked decides between scheduling a retry and going terminal.
// Callers hold mu; it is released before events are emitted.
func (c *Client) failLocked(err *errors.Error) {
	c.setStatusLocked(StatusError)

	if c.attempt >= c.maxRetries {
		c.setStatusLocked(StatusDisconnected)
		c.skip = true
		c.live.Store(false)
		if c.registry != nil {
			c.registry.remove(c.identity, c)
		}
		attempts := c.attempt
		c.mu.Unlock()

		c.logger.Error("Retries exhausted, giving up", "attempts", attempts, "error", err)
		c.emit(Event{Kind: EventTerminal, Err: err.WithContext("attempts", attempts)})
		return
	}

	c.attempt++
	attempt := c.attempt
	delay := policy.BackoffDelay(attempt - 1)
	c.setStatusLocked(StatusReconnecting)
	ctx := c.ctx
	c.retryTimer = c.clock.AfterFunc(delay, func() {
		c.Connect(ctx)
	})
	c.mu.Unlock()

	metrics.ReconnectAttemptsTotal.WithLabelValues(c.identity).Inc()
	c.logger.Warn("Connection failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	c.emit(Event{Kind: EventError, Err: err})
}

// Send delivers data if connected, queues it while the connection is
// down or still opening, and reports false once the client is parked.
// The queue is bounded; on overflow the oldest entry is dropped.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	if c.skip {
		c.mu.Unlock()
		return false
	}

	if c.status == StatusConnected && c.transport != nil {
		transport := c.transport
		epoch := c.epoch
		c.mu.Unlock()

		if err := transport.WriteMessage(data); err != nil {
			c.transportFailed(epoch, err)
			return false
		}
		return true
	}

	if len(c.queue) >= c.queueSize {
		c.queue = c.queue[1:]
		metrics.QueuedSendsDropped.Inc()
		c.logger.Warn("Send queue full, dropping oldest message", "size", c.queueSize)
	}
	c.queue = append(c.queue, data)
	c.mu.Unlock()
	return true
}

// Close tears the connection down deterministically: pending queued
// sends and retry timers are cancelled, the registry entry is removed,
// and no reconnect follows.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	c.skip = true
	c.live.Store(false)
	c.epoch++
	c.connecting = false
	transport := c.transport
	c.transport = nil
	c.queue = nil
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	alreadyDown := c.status == StatusDisconnected
	c.setStatusLocked(StatusDisconnected)
	if c.registry != nil {
		c.registry.remove(c.identity, c)
	}
	c.mu.Unlock()

	if transport != nil {
		transport.Close(code, reason)
	}
	if !alreadyDown {
		c.logger.Info("Closed", "code", code, "reason", reason)
		c.emit(Event{Kind: EventClosed, Code: code, Reason: reason})
	}
}

// Reconnect forces a fresh attempt: it clears the do-not-connect flag
// and resets the retry counter, then connects.
func (c *Client) Reconnect(ctx context.Context) {
	c.mu.Lock()
	c.skip = false
	c.attempt = 0
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()

	c.Connect(ctx)
}

// QueuedCount reports how many sends wait for the next open.
func (c *Client) QueuedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) setStatusLocked(status Status) {
	c.status = status
	metrics.ConnectionState.WithLabelValues(c.identity).Set(statusGaugeValue[status])
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("Event buffer full, dropping event", "kind", ev.Kind)
	}
}
