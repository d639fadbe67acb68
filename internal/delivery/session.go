package delivery

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second

	// maxFrameSize bounds inbound client frames; clients only ever send
	// small control frames (attach, cancel).
	maxFrameSize = 4096
)

// Session is one live connection's attachment to a job's output stream. A
// job has at most one attached session at a time.
type Session struct {
	ID    string
	JobID string

	// Send carries marshalled frames to the transport write pump.
	Send chan []byte

	// wake signals the stream pump that new output is available.
	wake chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a detached session.
func NewSession() *Session {
	return &Session{
		ID:   uuid.New().String(),
		Send: make(chan []byte, 32),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Close marks the session dead exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// WritePump copies outbound frames from the session to the WebSocket and
// keeps the connection alive with pings. It runs until the session closes
// or the write fails.
func (s *Session) WritePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}

		case <-s.done:
			return
		}
	}
}

// ConfigureConn applies read limits and the pong handler to a new
// connection.
func ConfigureConn(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}
