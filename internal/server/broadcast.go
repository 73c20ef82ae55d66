package server

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

// Broadcaster delivers outbound envelopes to one connection, a room, a
// user's connections or everyone. Recipient lists are snapshots taken when
// the call starts.
type Broadcaster struct {
	registry *Registry
	rooms    *RoomIndex
	log      *logrus.Entry

	// onSendFailure runs when a recipient's queue is full; the hub tears the
	// connection down.
	onSendFailure func(*Connection)
	now           func() time.Time
}

// NewBroadcaster creates a Broadcaster over registry and rooms.
func NewBroadcaster(registry *Registry, rooms *RoomIndex) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		rooms:    rooms,
		log:      logrus.WithField("comp", "broadcast"),
		now:      time.Now,
	}
}

// SendTo delivers env to a single connection. A missing or closed
// connection is silently skipped.
func (b *Broadcaster) SendTo(connID string, env *Envelope) bool {
	c, ok := b.registry.Get(connID)
	if !ok {
		return false
	}

	payload, ok := b.encode(env)
	if !ok {
		return false
	}
	return b.deliver(c, payload)
}

// BroadcastToRoom delivers env to every member of roomID except
// excludeConnID (pass "" to include everyone). It returns the number of
// connections the envelope was queued for.
func (b *Broadcaster) BroadcastToRoom(roomID string, env *Envelope, excludeConnID string) int {
	members := b.rooms.MembersOf(roomID)
	if len(members) == 0 {
		return 0
	}

	payload, ok := b.encode(env)
	if !ok {
		return 0
	}

	delivered := 0
	for _, connID := range members {
		if connID == excludeConnID {
			continue
		}
		c, ok := b.registry.Get(connID)
		if !ok {
			continue
		}
		if b.deliver(c, payload) {
			delivered++
		}
	}

	b.log.WithFields(logrus.Fields{
		"room_id":   roomID,
		"type":      env.Type,
		"delivered": delivered,
	}).Debug("room broadcast")
	return delivered
}

// BroadcastToUser delivers env to every connection authenticated as userID.
func (b *Broadcaster) BroadcastToUser(userID string, env *Envelope) int {
	return b.deliverAll(b.registry.ListByUser(userID), env)
}

// BroadcastToAll delivers env to every registered connection.
func (b *Broadcaster) BroadcastToAll(env *Envelope) int {
	return b.deliverAll(b.registry.All(), env)
}

// Probe sends a liveness probe to c.
func (b *Broadcaster) Probe(c *Connection) error {
	if c.Closed() {
		return nil
	}
	return c.ping()
}

func (b *Broadcaster) deliverAll(conns []*Connection, env *Envelope) int {
	if len(conns) == 0 {
		return 0
	}

	payload, ok := b.encode(env)
	if !ok {
		return 0
	}

	delivered := 0
	for _, c := range conns {
		if b.deliver(c, payload) {
			delivered++
		}
	}
	return delivered
}

func (b *Broadcaster) encode(env *Envelope) ([]byte, bool) {
	env.stamp(b.now())
	payload, err := json.Marshal(env)
	if err != nil {
		b.log.WithField("type", env.Type).WithError(err).Error("failed to encode envelope")
		return nil, false
	}
	return payload, true
}

func (b *Broadcaster) deliver(c *Connection, payload []byte) bool {
	if c.enqueue(payload) {
		return true
	}
	if c.Closed() {
		return false
	}

	c.logger().Warn("send buffer full, dropping connection")
	if b.onSendFailure != nil {
		go b.onSendFailure(c)
	}
	return false
}
