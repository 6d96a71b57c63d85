package broadcast

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/rasta-dave/lightninglens-platform-sub000/internal/errors"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/message"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/metrics"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/simulation"
)

const (
	tickInterval     = 1 * time.Second
	sweepInterval    = 30 * time.Second
	idlePingInterval = 10 * time.Second
	commandTimeout   = 5 * time.Second
	stopTimeout      = 10 * time.Second
)

// --- Command types ---

type serverCmd interface{ isServerCmd() }

type baseServerCmd struct{}

func (baseServerCmd) isServerCmd() {}

type subscribeCmd struct {
	baseServerCmd
	id           string
	conn         subscriberConn
	errorChannel chan error
}

type unsubscribeCmd struct {
	baseServerCmd
	id string
}

type inboundCmd struct {
	baseServerCmd
	id   string
	data []byte
}

type switchFileCmd struct {
	baseServerCmd
	id           string // empty applies to every subscriber
	file         string
	userSelected bool
	errorChannel chan error
}

type fileEventCmd struct {
	baseServerCmd
	event simulation.FileEvent
}

type countCmd struct {
	baseServerCmd
	replyChannel chan int
}

type stopCmd struct {
	baseServerCmd
}

// subscriber is the server-side record of one connected consumer.
type subscriber struct {
	id           string
	writer       *clientWriter
	session      *simulation.Session
	cursor       int
	override     bool
	awaitingPong bool
	lastPushAt   time.Time
}

// Server replays simulation history to subscribers and streams
// incremental updates. A single actor goroutine owns all subscriber
// state; handlers talk to it through the command channel.
type Server struct {
	cmdCh          chan serverCmd
	clock          clockwork.Clock
	store          *simulation.Store
	dataDir        string
	pattern        string
	predictionsDir string

	subscribers map[string]*subscriber
	done        chan struct{}
}

func NewServer(store *simulation.Store, dataDir, pattern, predictionsDir string, clock clockwork.Clock) *Server {
	s := &Server{
		cmdCh:          make(chan serverCmd, 256),
		clock:          clock,
		store:          store,
		dataDir:        dataDir,
		pattern:        pattern,
		predictionsDir: predictionsDir,
		subscribers:    make(map[string]*subscriber),
		done:           make(chan struct{}),
	}
	go s.run()
	return s
}

// Subscribe registers a consumer and sends it the full snapshot.
func (s *Server) Subscribe(id string, conn subscriberConn) error {
	errCh := make(chan error, 1)
	s.cmdCh <- subscribeCmd{id: id, conn: conn, errorChannel: errCh}

	timer := s.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.Chan():
		return fmt.Errorf("subscribe command timed out after %v", commandTimeout)
	}
}

// Unsubscribe removes a consumer and stops its writer.
func (s *Server) Unsubscribe(id string) {
	s.cmdCh <- unsubscribeCmd{id: id}
}

// HandleInbound feeds one message read from a subscriber connection.
func (s *Server) HandleInbound(id string, data []byte) {
	s.cmdCh <- inboundCmd{id: id, data: data}
}

// SwitchFile loads the given file and moves subscribers onto it. An
// empty id applies the switch to every subscriber (the HTTP surface).
func (s *Server) SwitchFile(id, file string, userSelected bool) error {
	errCh := make(chan error, 1)
	s.cmdCh <- switchFileCmd{id: id, file: file, userSelected: userSelected, errorChannel: errCh}

	timer := s.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.Chan():
		return fmt.Errorf("switch command timed out after %v", commandTimeout)
	}
}

// NotifyFileEvent feeds one debounced watcher event.
func (s *Server) NotifyFileEvent(event simulation.FileEvent) {
	s.cmdCh <- fileEventCmd{event: event}
}

// SubscriberCount returns the number of connected subscribers, or -1 on
// timeout.
func (s *Server) SubscriberCount() int {
	replyCh := make(chan int, 1)
	s.cmdCh <- countCmd{replyChannel: replyCh}

	timer := s.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-timer.Chan():
		slog.Warn("SubscriberCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes every subscriber and waits for the actor to exit.
func (s *Server) Stop() {
	s.cmdCh <- stopCmd{}

	timer := s.clock.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-s.done:
		slog.Info("Broadcast server stopped gracefully")
	case <-timer.Chan():
		slog.Warn("Broadcast server stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (s *Server) run() {
	defer close(s.done)

	ticker := s.clock.NewTicker(tickInterval)
	defer ticker.Stop()
	sweeper := s.clock.NewTicker(sweepInterval)
	defer sweeper.Stop()

	for {
		select {
		case cmd := <-s.cmdCh:
			switch c := cmd.(type) {
			case subscribeCmd:
				s.handleSubscribe(c)
			case unsubscribeCmd:
				s.handleUnsubscribe(c.id, "unsubscribed")
			case inboundCmd:
				s.handleInbound(c)
			case switchFileCmd:
				c.errorChannel <- s.handleSwitchFile(c)
			case fileEventCmd:
				s.handleFileEvent(c.event)
			case countCmd:
				c.replyChannel <- len(s.subscribers)
			case stopCmd:
				s.handleStop()
				return
			default:
				slog.Warn("Broadcast server received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		case <-ticker.Chan():
			s.handleTick()
		case <-sweeper.Chan():
			s.handleSweep()
		}
	}
}

func (s *Server) handleSubscribe(c subscribeCmd) {
	if _, exists := s.subscribers[c.id]; exists {
		c.errorChannel <- fmt.Errorf("subscriber %q already registered", c.id)
		return
	}

	sub := &subscriber{
		id:         c.id,
		writer:     newClientWriter(c.conn, s.clock),
		session:    s.store.Current(),
		lastPushAt: s.clock.Now(),
	}
	s.subscribers[c.id] = sub
	metrics.BroadcastSubscribers.Set(float64(len(s.subscribers)))

	now := s.clock.Now()
	s.send(sub, message.NewConnectionStatus("connected", c.id, "", now))
	s.sendSnapshot(sub)

	slog.Info("Subscriber registered", "client_id", c.id, "total_subscribers", len(s.subscribers))
	c.errorChannel <- nil
}

// sendSnapshot replays the full current session to one subscriber.
func (s *Server) sendSnapshot(sub *subscriber) {
	now := s.clock.Now()
	if sub.session == nil {
		s.send(sub, message.NewNoSimulation("no simulation file loaded yet", now))
		return
	}
	s.send(sub, message.NewTransactions(sub.session, sub.cursor, now))
	s.send(sub, message.NewSimulationLoaded(filepath.Base(sub.session.Path), len(sub.session.Records), now))
}

func (s *Server) handleUnsubscribe(id, reason string) {
	sub, exists := s.subscribers[id]
	if !exists {
		return
	}

	sub.writer.stopGraceful(websocket.CloseNormalClosure, reason)
	delete(s.subscribers, id)
	metrics.BroadcastSubscribers.Set(float64(len(s.subscribers)))
	slog.Info("Subscriber removed", "client_id", id, "reason", reason, "remaining", len(s.subscribers))
}

func (s *Server) handleInbound(c inboundCmd) {
	sub, exists := s.subscribers[c.id]
	if !exists {
		return
	}
	sub.awaitingPong = false

	msg, err := message.Parse(c.data)
	if err != nil {
		slog.Warn("Dropping malformed subscriber message", "client_id", c.id, "error", err)
		s.send(sub, message.NewError("malformed message", "bad_request", s.clock.Now()))
		return
	}

	now := s.clock.Now()
	switch m := msg.(type) {
	case *message.Ping:
		s.send(sub, message.NewPong(now))

	case *message.Pong:
		// Liveness already refreshed above.

	case *message.ConnectionStatus:
		s.send(sub, message.NewConnectionStatus("ok", c.id, "", now))

	case *message.RequestLatest:
		s.sendSnapshot(sub)

	case *message.GetSimulations:
		files, err := simulation.ListFiles(s.dataDir, s.pattern)
		if err != nil {
			s.send(sub, message.NewError("failed to list simulations", "internal", now))
			return
		}
		names := make([]string, len(files))
		for i, f := range files {
			names[i] = filepath.Base(f)
		}
		s.send(sub, message.NewAllSimulations(names, now))

	case *message.GetPredictions:
		s.sendPredictions(sub)

	case *message.SwitchSimulation:
		if err := s.switchSubscriber(sub, m.File, m.UserSelected); err != nil {
			s.send(sub, message.NewError(err.Error(), "switch_failed", now))
		}

	case *message.ResetSimulation:
		sub.cursor = 0
		s.send(sub, message.NewSimulationReset(now))

	default:
		slog.Debug("Ignoring unexpected subscriber message", "client_id", c.id, "kind", msg.MessageKind())
	}
}

func (s *Server) sendPredictions(sub *subscriber) {
	now := s.clock.Now()
	preds, file, err := simulation.LoadLatestPredictions(s.predictionsDir)
	if err != nil {
		slog.Warn("Failed to load predictions", "error", err)
		s.send(sub, message.NewNoPredictions(now))
		return
	}
	if len(preds) == 0 {
		s.send(sub, message.NewNoPredictions(now))
		return
	}
	s.send(sub, message.NewPredictionsData(preds, filepath.Base(file), now))
}

func (s *Server) handleSwitchFile(c switchFileCmd) error {
	if c.id == "" {
		// HTTP-initiated switch: applies to everyone.
		session, err := s.loadByName(c.file)
		if err != nil {
			return err
		}
		for _, sub := range s.subscribers {
			s.moveSubscriber(sub, session, c.userSelected)
		}
		return nil
	}

	sub, exists := s.subscribers[c.id]
	if !exists {
		return fmt.Errorf("unknown subscriber %q", c.id)
	}
	return s.switchSubscriber(sub, c.file, c.userSelected)
}

// switchSubscriber moves one subscriber onto file. An empty file with
// userSelected unset clears the override and rejoins the shared
// current session.
func (s *Server) switchSubscriber(sub *subscriber, file string, userSelected bool) error {
	if file == "" && !userSelected {
		sub.override = false
		s.moveSubscriber(sub, s.store.Current(), false)
		return nil
	}

	session, err := s.loadByName(file)
	if err != nil {
		return err
	}
	s.moveSubscriber(sub, session, userSelected)
	return nil
}

func (s *Server) moveSubscriber(sub *subscriber, session *simulation.Session, userSelected bool) {
	sub.session = session
	sub.cursor = 0
	sub.override = userSelected

	now := s.clock.Now()
	file := ""
	if session != nil {
		file = filepath.Base(session.Path)
	}
	s.send(sub, message.NewSimulationSwitched(file, userSelected, now))
	s.sendSnapshot(sub)
}

func (s *Server) loadByName(file string) (*simulation.Session, error) {
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dataDir, file)
	}
	session, err := s.store.LoadIfNew(path)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// handleFileEvent reacts to a debounced watcher event: the active file
// changing is re-read in place, a new file triggers an automatic switch
// for every non-overridden subscriber.
func (s *Server) handleFileEvent(event simulation.FileEvent) {
	current := s.store.Current()

	if current != nil && event.Path == current.Path {
		session, err := s.store.LoadFile(event.Path)
		if err != nil {
			slog.Warn("Re-read of active file failed, keeping previous session", "path", event.Path, "error", err)
			return
		}
		// Appended records: subscribers keep their cursor.
		for _, sub := range s.subscribers {
			if sub.session != nil && sub.session.Path == session.Path {
				sub.session = session
				if sub.cursor > len(session.Records) {
					sub.cursor = len(session.Records)
				}
			}
		}
		return
	}

	session, err := s.store.LoadFile(event.Path)
	if err != nil {
		if errors.IsKind(err, errors.KindValidation) {
			slog.Warn("Skipping invalid simulation file", "path", event.Path, "error", err)
		} else {
			slog.Error("Failed to load simulation file", "path", event.Path, "error", err)
		}
		return
	}

	slog.Info("Switching to new simulation file", "path", event.Path, "records", len(session.Records))
	for _, sub := range s.subscribers {
		if sub.override {
			continue
		}
		s.moveSubscriber(sub, session, false)
	}
}

// handleTick advances every subscriber's replay cursor by one record.
// Subscribers at end-of-list get periodic idle pings instead.
func (s *Server) handleTick() {
	tickStart := s.clock.Now()
	defer func() {
		metrics.BroadcastTickDuration.Observe(s.clock.Since(tickStart).Seconds())
	}()

	var slow []string
	for id, sub := range s.subscribers {
		if sub.session == nil {
			continue
		}

		total := len(sub.session.Records)
		if sub.cursor < total {
			record := sub.session.Records[sub.cursor]
			sub.cursor++
			sub.lastPushAt = tickStart
			if !s.trySend(sub, message.NewTransaction(record, sub.cursor, total, tickStart)) {
				slow = append(slow, id)
			}
			continue
		}

		if tickStart.Sub(sub.lastPushAt) >= idlePingInterval {
			sub.lastPushAt = tickStart
			if !s.trySend(sub, message.NewPing(tickStart)) {
				slow = append(slow, id)
			}
		}
	}

	for _, id := range slow {
		s.evictSlowSubscriber(id)
	}
}

// evictSlowSubscriber drops a subscriber whose send buffer is full. The
// close is abrupt: a close frame would block behind the stuck writes.
func (s *Server) evictSlowSubscriber(id string) {
	sub, exists := s.subscribers[id]
	if !exists {
		return
	}

	slog.Warn("Disconnecting slow subscriber", "client_id", id)
	metrics.BroadcastSlowSubscribersEvicted.Inc()

	sub.writer.stop()
	delete(s.subscribers, id)
	metrics.BroadcastSubscribers.Set(float64(len(s.subscribers)))
}

// handleSweep prunes subscribers that have not answered since the
// previous sweep.
func (s *Server) handleSweep() {
	var dead []string
	for id, sub := range s.subscribers {
		if sub.awaitingPong {
			dead = append(dead, id)
			continue
		}
		sub.awaitingPong = true
		s.trySend(sub, message.NewPing(s.clock.Now()))
	}

	for _, id := range dead {
		slog.Info("Pruning unresponsive subscriber", "client_id", id)
		s.handleUnsubscribe(id, "liveness timeout")
	}
}

func (s *Server) handleStop() {
	for id, sub := range s.subscribers {
		sub.writer.stopGraceful(websocket.CloseGoingAway, "server shutting down")
		delete(s.subscribers, id)
	}
	metrics.BroadcastSubscribers.Set(0)
}

// send encodes and queues a message, evicting the subscriber if its
// buffer is full.
func (s *Server) send(sub *subscriber, m message.Message) {
	if !s.trySend(sub, m) {
		s.evictSlowSubscriber(sub.id)
	}
}

// trySend reports false when the subscriber's buffer is full.
func (s *Server) trySend(sub *subscriber, m message.Message) bool {
	data, err := message.Encode(m)
	if err != nil {
		slog.Error("Failed to encode message", "kind", m.MessageKind(), "error", err)
		return true
	}
	select {
	case sub.writer.sendChannel <- data:
		metrics.BroadcastMessagesSent.WithLabelValues(string(m.MessageKind())).Inc()
		return true
	default:
		return false
	}
}
