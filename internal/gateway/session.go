package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/rasta-dave/lightninglens-platform-sub000/internal/connclient"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/errors"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/message"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/metrics"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/policy"
)

const (
	// forwardMinInterval is the per-direction rate limit: at most one
	// forwarded payload per interval per session.
	forwardMinInterval = 500 * time.Millisecond
	// pendingQueueLimit bounds the per-direction queue of important
	// payloads held back by the rate limiter.
	pendingQueueLimit = 50

	heartbeatInterval = 15 * time.Second
	heartbeatTimeout  = 30 * time.Second

	inboundWriteDeadline = 5 * time.Second
	inboundBufferSize    = 16
)

// Conn is the inbound subscriber transport. *websocket.Conn satisfies
// it; tests inject fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// upstreamLink is the slice of connclient.Client the session drives.
type upstreamLink interface {
	Connect(ctx context.Context)
	Send(data []byte) bool
	Events() <-chan connclient.Event
	Close(code int, reason string)
}

// forwarder holds per-direction throttle state. It is only touched by
// the session's run goroutine.
type forwarder struct {
	direction  string
	lastSentAt time.Time
	pending    [][]byte
}

// Session pairs one inbound subscriber connection with one exclusive
// upstream connection and forwards payloads in both directions subject
// to classification, rate limiting, and heartbeat liveness. Either side
// closing tears down the other.
type Session struct {
	id       string
	target   string
	inbound  Conn
	upstream upstreamLink
	clock    clockwork.Clock
	logger   *slog.Logger

	inboundMsgs chan []byte
	inboundErrs chan error
	writeCh     chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	writerWG    sync.WaitGroup

	toUpstream forwarder
	toInbound  forwarder

	lastInboundAt time.Time
	suspect       bool
}

// NewSession wires a session but does not start it; call Run.
func NewSession(id, target string, inbound Conn, upstream upstreamLink, clock clockwork.Clock) *Session {
	return &Session{
		id:          id,
		target:      target,
		inbound:     inbound,
		upstream:    upstream,
		clock:       clock,
		logger:      slog.Default().With("session_id", id),
		inboundMsgs: make(chan []byte, inboundBufferSize),
		inboundErrs: make(chan error, 1),
		writeCh:     make(chan []byte, inboundBufferSize),
		done:        make(chan struct{}),
		toUpstream:  forwarder{direction: "inbound"},
		toInbound:   forwarder{direction: "outbound"},
	}
}

// Run drives the session until either side closes, the upstream retry
// budget is exhausted, or ctx is cancelled. It blocks.
func (s *Session) Run(ctx context.Context) {
	metrics.GatewaySessionsActive.Inc()
	defer metrics.GatewaySessionsActive.Dec()

	s.lastInboundAt = s.clock.Now()

	s.writerWG.Add(1)
	go s.writeLoop()
	go s.readLoop()

	s.upstream.Connect(ctx)
	s.logger.Info("Relay session started", "target", s.target)

	flushTicker := s.clock.NewTicker(forwardMinInterval)
	defer flushTicker.Stop()
	heartbeat := s.clock.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case data := <-s.inboundMsgs:
			s.handleInbound(data)

		case err := <-s.inboundErrs:
			s.logger.Info("Inbound connection closed, tearing down upstream", "error", err)
			s.teardown(websocket.CloseNormalClosure, "inbound closed")
			return

		case ev := <-s.upstream.Events():
			if stop := s.handleUpstreamEvent(ev); stop {
				return
			}

		case <-flushTicker.Chan():
			s.flushPending(&s.toUpstream, s.sendUpstream)
			s.flushPending(&s.toInbound, s.sendInbound)

		case <-heartbeat.Chan():
			if stop := s.checkHeartbeat(); stop {
				return
			}

		case <-ctx.Done():
			s.teardown(websocket.CloseGoingAway, "gateway shutting down")
			return

		case <-s.done:
			return
		}
	}
}

// Close tears the session down from outside the run loop.
func (s *Session) Close() {
	s.teardown(websocket.CloseGoingAway, "session closed")
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.inbound.ReadMessage()
		if err != nil {
			select {
			case s.inboundErrs <- err:
			default:
			}
			return
		}
		select {
		case s.inboundMsgs <- data:
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer s.writerWG.Done()
	for {
		select {
		case data := <-s.writeCh:
			s.inbound.SetWriteDeadline(s.clock.Now().Add(inboundWriteDeadline))
			if err := s.inbound.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("Inbound write failed", "error", err)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) handleInbound(data []byte) {
	now := s.clock.Now()
	s.lastInboundAt = now
	s.suspect = false

	kind, err := message.PeekKind(data)
	if err != nil {
		// Malformed input is skipped, never fatal to the session.
		s.logger.Warn("Dropping malformed inbound message", "error", err)
		s.replyInbound(message.NewError("malformed message", "bad_request", now))
		return
	}

	if message.IsControl(kind) {
		switch kind {
		case message.KindPing:
			s.replyInbound(message.NewPong(now))
		case message.KindConnectionStatus:
			s.replyInbound(message.NewConnectionStatus("ok", s.id, "", now))
		}
		// Pong just refreshed the activity clock above.
		return
	}

	s.offer(&s.toUpstream, data, kind, s.sendUpstream)
}

func (s *Session) handleUpstreamEvent(ev connclient.Event) bool {
	switch ev.Kind {
	case connclient.EventOpen:
		s.logger.Info("Upstream connected", "target", s.target)
		s.replyInbound(message.NewConnectionStatus("connected", s.id, s.target, s.clock.Now()))
		return false

	case connclient.EventMessage:
		kind, err := message.PeekKind(ev.Data)
		if err != nil {
			s.logger.Warn("Dropping malformed upstream message", "error", err)
			return false
		}
		if message.IsControl(kind) {
			if kind == message.KindPing {
				s.sendUpstream(s.encode(message.NewPong(s.clock.Now())))
			}
			return false
		}
		s.offer(&s.toInbound, ev.Data, kind, s.sendInbound)
		return false

	case connclient.EventError:
		s.logger.Warn("Upstream connection error, client retrying", "error", ev.Err)
		return false

	case connclient.EventClosed:
		s.logger.Info("Upstream closed, tearing down inbound")
		s.teardown(websocket.CloseNormalClosure, "upstream closed")
		return true

	case connclient.EventTerminal:
		metrics.GatewayUpstreamFailures.Inc()
		attempts := terminalAttempts(ev.Err)
		s.logger.Error("Upstream retries exhausted, closing inbound", "target", s.target, "attempts", attempts)
		s.replyInbound(message.NewUpstreamError("upstream unavailable", s.target, attempts, s.clock.Now()))
		s.teardown(websocket.CloseInternalServerErr, "upstream unavailable")
		return true
	}
	return false
}

// offer forwards data immediately when the direction's rate budget
// allows it, queues important payloads otherwise, and discards
// droppable ones.
func (s *Session) offer(f *forwarder, data []byte, kind message.Kind, send func([]byte)) {
	now := s.clock.Now()
	if len(f.pending) == 0 && policy.ThrottleAllowed(f.lastSentAt, now, forwardMinInterval) {
		f.lastSentAt = now
		send(data)
		metrics.GatewayMessagesForwarded.WithLabelValues(f.direction).Inc()
		return
	}

	if message.IsDroppable(kind) {
		metrics.GatewayMessagesThrottled.WithLabelValues(f.direction, "dropped").Inc()
		s.logger.Debug("Dropping throttled payload", "direction", f.direction, "kind", kind)
		return
	}

	if len(f.pending) >= pendingQueueLimit {
		f.pending = f.pending[1:]
		overflow := errors.OverflowError("relay pending queue full").
			WithContext("direction", f.direction).
			WithContext("limit", pendingQueueLimit)
		s.logger.Warn("Pending queue overflow, dropping oldest payload", "error", overflow)
		metrics.GatewayMessagesThrottled.WithLabelValues(f.direction, "overflow").Inc()
	}
	f.pending = append(f.pending, data)
	metrics.GatewayMessagesThrottled.WithLabelValues(f.direction, "queued").Inc()
}

// flushPending releases at most one queued payload per tick.
func (s *Session) flushPending(f *forwarder, send func([]byte)) {
	if len(f.pending) == 0 {
		return
	}
	now := s.clock.Now()
	if !policy.ThrottleAllowed(f.lastSentAt, now, forwardMinInterval) {
		return
	}
	data := f.pending[0]
	f.pending = f.pending[1:]
	f.lastSentAt = now
	send(data)
	metrics.GatewayMessagesForwarded.WithLabelValues(f.direction).Inc()
}

// checkHeartbeat runs once per heartbeat tick: it pings the inbound
// side and, when the activity window has lapsed, grants one grace ping
// before tearing the session down.
func (s *Session) checkHeartbeat() bool {
	now := s.clock.Now()
	if policy.HeartbeatExpired(s.lastInboundAt, now, heartbeatTimeout) {
		if s.suspect {
			metrics.GatewayHeartbeatTimeouts.Inc()
			s.logger.Warn("Inbound heartbeat timed out, closing session", "idle", now.Sub(s.lastInboundAt))
			s.teardown(websocket.ClosePolicyViolation, "heartbeat timeout")
			return true
		}
		s.suspect = true
	}
	s.replyInbound(message.NewPing(now))
	return false
}

func (s *Session) sendUpstream(data []byte) {
	s.upstream.Send(data)
}

func (s *Session) sendInbound(data []byte) {
	select {
	case s.writeCh <- data:
	default:
		s.logger.Warn("Inbound write buffer full, dropping message")
		metrics.GatewayMessagesThrottled.WithLabelValues(s.toInbound.direction, "overflow").Inc()
	}
}

func (s *Session) replyInbound(m message.Message) {
	if data := s.encode(m); data != nil {
		s.sendInbound(data)
	}
}

func (s *Session) encode(m message.Message) []byte {
	data, err := message.Encode(m)
	if err != nil {
		s.logger.Error("Failed to encode message", "error", err)
		return nil
	}
	return data
}

// teardown closes both legs exactly once and pins the run loop shut.
func (s *Session) teardown(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.upstream.Close(code, reason)
		s.writerWG.Wait()

		closeMsg := websocket.FormatCloseMessage(code, reason)
		s.inbound.SetWriteDeadline(s.clock.Now().Add(inboundWriteDeadline))
		_ = s.inbound.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = s.inbound.Close()

		s.logger.Info("Relay session closed", "code", code, "reason", reason)
	})
}

func terminalAttempts(err error) int {
	structured := errors.AsStructuredError(err)
	if structured == nil {
		return 0
	}
	if n, ok := structured.Context["attempts"].(int); ok {
		return n
	}
	return 0
}
