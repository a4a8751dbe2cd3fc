package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"verse/server/internal/net/proto"
	"verse/server/internal/world"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// Session is one live player connection: the socket, its owning user,
// and a buffered outbound queue drained by a dedicated writer so
// fan-out never blocks the mutation engine.
type Session struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn

	user world.User
	rank atomic.Int64

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	// alive flips true on any pong and is consumed by the keepalive
	// sweep; a session that stayed false for a full interval is dead.
	alive atomic.Bool

	// ready flips true once the session has its snapshot. The slots in
	// the hub maps are claimed earlier, while the connect checks still
	// hold, so fan-out skips the session until then: everything before
	// the flip is baked into the snapshot it receives.
	ready atomic.Bool
}

func newSession(id string, hub *Hub, conn *websocket.Conn, user world.User) *Session {
	s := &Session{
		ID:     id,
		hub:    hub,
		conn:   conn,
		user:   user,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
	s.rank.Store(int64(user.Rank))
	s.alive.Store(true)
	conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		return nil
	})
	return s
}

// Rank returns the session's current rank.
func (s *Session) Rank() int { return int(s.rank.Load()) }

// Send frames and enqueues one packet. A full queue means the client
// stopped draining; the session is closed rather than blocking the
// caller.
func (s *Session) Send(tag proto.Tag, payload any) {
	data, err := proto.WritePacket(tag, payload)
	if err != nil {
		s.hub.log.Error("packet encode failed",
			zap.String("method", tag.Name()), zap.String("session", s.ID), zap.Error(err))
		return
	}
	s.enqueue(data)
}

// enqueue pushes a pre-framed packet onto the writer queue.
func (s *Session) enqueue(data []byte) {
	select {
	case <-s.closed:
	case s.send <- data:
	default:
		s.hub.log.Warn("send queue full, dropping session", zap.String("session", s.ID))
		go s.hub.disconnect(s)
	}
}

// writeLoop drains the send queue onto the socket.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				go s.hub.disconnect(s)
				return
			}
		}
	}
}

// readLoop parses inbound frames onto the hub queue until the socket
// dies.
func (s *Session) readLoop() {
	defer s.hub.disconnect(s)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		tag, payload, err := proto.ReadPacket(data)
		if err != nil {
			s.hub.log.Warn("discarding malformed packet",
				zap.String("session", s.ID), zap.Error(err))
			continue
		}
		s.hub.enqueueInbound(s, tag, payload)
	}
}

// ping sends a websocket control ping for the keepalive sweep.
func (s *Session) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close tears the socket down exactly once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}
