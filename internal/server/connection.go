// Package server manages individual WebSocket connections, handling read/write
// pumps, rate limiting, and liveness bookkeeping for each peer.
package server

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	closeWriteWait = time.Second
)

// Connection is one live transport session. It is the single owner of its
// transport; everything else reaches the peer through the Broadcaster.
type Connection struct {
	id     string
	userID string
	addr   string

	transport      *websocket.Conn
	send           chan []byte
	done           chan struct{}
	closeOnce      sync.Once
	lastActivity   atomic.Int64
	maxMessageSize int64
	rateLimiter    *rateLimiter
}

// NewConnection wraps transport for a peer that resolved to userID ("" when
// anonymous). transport may be nil for connections that are never pumped.
func NewConnection(transport *websocket.Conn, userID, addr string, cfg *Config) *Connection {
	if cfg == nil {
		cfg = NewConfig()
	}
	if transport != nil {
		transport.SetReadLimit(cfg.maxMessageSize())
	}

	c := &Connection{
		userID:         userID,
		addr:           addr,
		transport:      transport,
		send:           make(chan []byte, cfg.sendBufferSize()),
		done:           make(chan struct{}),
		maxMessageSize: cfg.maxMessageSize(),
		rateLimiter:    newRateLimiter(cfg.RateLimitBurst, cfg.rateLimitRefill()),
	}
	c.touch()
	return c
}

// ID returns the identifier assigned at registration.
func (c *Connection) ID() string { return c.id }

// UserID returns the authenticated user, or "" for anonymous connections.
func (c *Connection) UserID() string { return c.userID }

// Authenticated reports whether a user was resolved at connect time.
func (c *Connection) Authenticated() bool { return c.userID != "" }

// Addr returns the peer's remote address.
func (c *Connection) Addr() string { return c.addr }

// LastActivity returns the time of the last inbound frame or pong.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Closed reports whether teardown has started.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// markClosed closes done and reports whether this call did so.
func (c *Connection) markClosed() bool {
	first := false
	c.closeOnce.Do(func() {
		close(c.done)
		first = true
	})
	return first
}

// enqueue queues an encoded envelope. It never blocks: a closed connection or
// a full queue both report false.
func (c *Connection) enqueue(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// ping writes a liveness probe. Control frames may be written concurrently
// with the write pump.
func (c *Connection) ping() error {
	if c.transport == nil {
		return nil
	}
	return c.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// forceClose drops the transport without a close handshake.
func (c *Connection) forceClose() {
	if c.transport == nil {
		return
	}
	if err := c.transport.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger().WithError(err).Debug("error force-closing transport")
	}
}

func (c *Connection) logger() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"comp":    "connection",
		"conn_id": c.id,
		"user_id": c.userID,
		"addr":    c.addr,
	})
}

func (c *Connection) setupReadConnection() {
	c.transport.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns the teardown reason.
func (c *Connection) handleReadError(err error) string {
	log := c.logger()

	if errors.Is(err, websocket.ErrReadLimit) {
		log.WithField("limit", c.maxMessageSize).Warn("frame exceeded maximum size")
		return "message too big"
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		log.WithError(err).Debug("peer disconnected")
		return "peer closed"
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		log.WithError(err).Debug("connection closed")
		return "connection closed"
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		log.WithError(err).Warn("unexpected close from peer")
		return "unexpected close"
	}

	log.WithError(err).Warn("transport read error")
	return "read error"
}

// checkRateLimit reports whether the next inbound frame may be processed.
func (c *Connection) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger().WithField("burst", c.rateLimiter.burst).WithField("period", c.rateLimiter.period).Warn("rate limit exceeded, discarding frame")
		return false
	}
	return true
}

// readPump is the connection's inbound task. Its exit always tears the
// connection down.
func (c *Connection) readPump(h *Hub) {
	reason := "read loop ended"
	defer func() {
		h.teardown(c, reason)
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.transport.ReadMessage()
		if err != nil {
			reason = c.handleReadError(err)
			return
		}
		c.touch()

		if !c.checkRateLimit() {
			h.broadcaster.SendTo(c.id, NewEnvelope(TypeError, errorPayload{Message: "Rate limit exceeded"}))
			continue
		}

		h.router.HandleRaw(c.id, raw)
	}
}

// writePump is the only writer of data frames. It exits on the first write
// failure, closing the transport so the read pump observes the disconnect.
func (c *Connection) writePump() {
	defer c.closeTransport()

	for {
		select {
		case message := <-c.send:
			if !c.writeTextMessage(message) {
				return
			}
		case <-c.done:
			c.writeCloseMessage()
			return
		}
	}
}

func (c *Connection) writeTextMessage(message []byte) bool {
	if err := c.transport.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger().WithError(err).Warn("error setting write deadline")
		return false
	}
	if err := c.transport.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger().WithError(err).Warn("error writing message")
		}
		return false
	}
	return true
}

func (c *Connection) writeCloseMessage() {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.transport.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeWriteWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.logger().WithError(err).Debug("error writing close message")
		}
	}
}

// closeTransport safely closes the WebSocket connection with proper error handling
func (c *Connection) closeTransport() {
	if err := c.transport.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger().WithError(err).Debug("error closing transport")
	}
}
