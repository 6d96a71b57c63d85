package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	messageBufferSize = 16
)

// subscriberConn is the transport side of one subscriber.
// *websocket.Conn satisfies it; tests inject fakes.
type subscriberConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// clientWriter serializes all writes to one subscriber connection so
// the actor loop never blocks on a slow socket.
type clientWriter struct {
	connection  subscriberConn
	clock       clockwork.Clock
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newClientWriter(connection subscriberConn, clock clockwork.Clock) *clientWriter {
	cw := &clientWriter{
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan []byte, messageBufferSize),
		doneChannel: make(chan struct{}),
	}
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	defer cw.wg.Done()
	for {
		select {
		case msg, ok := <-cw.sendChannel:
			if !ok {
				return
			}
			cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing.
func (cw *clientWriter) stopGraceful(code int, reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)

		// Wait for run to exit so the close frame is the only writer.
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(code, reason)
		cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
		_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.connection.Close()
	})
}
