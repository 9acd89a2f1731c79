package peerlink

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sidelinehq/sideline/go/internal/models"
)

// link is the 1:1 peer channel. Exactly one link exists per transport while
// connected; a replacement is only possible after the current one closes.
type link struct {
	peer      models.PeerIdentity
	conn      *websocket.Conn
	send      chan []byte
	transport *Transport

	mu          sync.Mutex
	remoteRole  models.Role
	established bool

	closeOnce sync.Once
	done      chan struct{}
}

func newLink(t *Transport, peer models.PeerIdentity, conn *websocket.Conn) *link {
	return &link{
		peer:      peer,
		conn:      conn,
		send:      make(chan []byte, 64),
		transport: t,
		done:      make(chan struct{}),
	}
}

func (l *link) start() {
	go l.writePump()
	go l.readPump()
}

// enqueue queues a frame for delivery. Frames are dropped with a warning when
// the send buffer is full; the peer protocol tolerates loss (at-least-once
// delivery comes from the redundant document channel, not from the link).
func (l *link) enqueue(data []byte) {
	select {
	case l.send <- data:
	case <-l.done:
	default:
		log.Warn().
			Str("peer_id", l.peer.ID).
			Msg("peer link send buffer full, dropping frame")
	}
}

func (l *link) markEstablished(role models.Role) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.established {
		return false
	}
	l.established = true
	l.remoteRole = role
	return true
}

func (l *link) isEstablished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.established
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// writePump handles sending frames and keepalive pings to the peer.
func (l *link) writePump() {
	cfg := l.transport.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		l.close()
		l.transport.dropLink(l)
	}()

	for {
		select {
		case <-l.done:
			return
		case message := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().
					Err(err).
					Str("peer_id", l.peer.ID).
					Msg("failed to write frame to peer link")
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("peer_id", l.peer.ID).
					Msg("failed to ping peer link")
				return
			}
		}
	}
}

// readPump handles incoming frames from the peer.
func (l *link) readPump() {
	cfg := l.transport.cfg
	defer func() {
		l.close()
		l.transport.dropLink(l)
	}()

	l.conn.SetReadLimit(cfg.MaxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug().
					Err(err).
					Str("peer_id", l.peer.ID).
					Msg("peer link closed unexpectedly")
			}
			return
		}

		env, err := DecodeEnvelope(message)
		if err != nil {
			log.Debug().
				Err(err).
				Str("peer_id", l.peer.ID).
				Msg("ignoring malformed peer frame")
			l.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
			continue
		}

		l.transport.handleEnvelope(l, env)
		l.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	}
}
