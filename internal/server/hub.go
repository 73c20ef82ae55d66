package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrHubStopped is returned when a connection is registered after shutdown
	// has begun.
	ErrHubStopped = errors.New("hub stopped")
	// ErrHubNotRunning is returned when a connection is registered before Run.
	ErrHubNotRunning = errors.New("hub not running")
)

const (
	eventBufferSize = 1024
	notifyTimeout   = 5 * time.Second
)

// Stats is a point-in-time summary of the hub.
type Stats struct {
	TotalConnections         int `json:"totalConnections"`
	TotalRooms               int `json:"totalRooms"`
	AuthenticatedConnections int `json:"authenticatedConnections"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithNotifier publishes hub events through n.
func WithNotifier(n Notifier) Option {
	return func(h *Hub) {
		if n != nil {
			h.notifier = n
		}
	}
}

// WithHeartbeat overrides the configured probe interval and eviction timeout.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(h *Hub) {
		h.heartbeatInterval = interval
		h.heartbeatTimeout = timeout
	}
}

// Hub owns the connection registry and room index and coordinates every
// connection's lifecycle. New connections are handed to the Run loop through
// a register channel; teardown may be triggered from any goroutine.
type Hub struct {
	cfg         *Config
	registry    *Registry
	rooms       *RoomIndex
	broadcaster *Broadcaster
	router      *Router
	heartbeat   *HeartbeatMonitor
	notifier    Notifier

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	register   chan *Connection
	events     chan Event
	eventsStop chan struct{}
	eventsDone chan struct{}

	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	running      atomic.Bool
	shuttingDown atomic.Bool

	log *logrus.Entry
}

// NewHub creates a Hub from cfg. The hub does nothing until Run is called.
func NewHub(cfg *Config, opts ...Option) *Hub {
	if cfg == nil {
		cfg = NewConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry := NewRegistry()
	rooms := NewRoomIndex(registry)

	h := &Hub{
		cfg:               cfg,
		registry:          registry,
		rooms:             rooms,
		broadcaster:       NewBroadcaster(registry, rooms),
		notifier:          NopNotifier(),
		heartbeatInterval: cfg.heartbeatInterval(),
		heartbeatTimeout:  cfg.heartbeatTimeout(),
		register:          make(chan *Connection),
		events:            make(chan Event, eventBufferSize),
		eventsStop:        make(chan struct{}),
		eventsDone:        make(chan struct{}),
		ctx:               ctx,
		cancel:            cancel,
		done:              make(chan struct{}),
		log:               logrus.WithField("comp", "hub"),
	}

	for _, opt := range opts {
		opt(h)
	}

	h.broadcaster.onSendFailure = func(c *Connection) { h.evict(c, "send buffer full") }
	h.router = NewRouter(registry, rooms, h.broadcaster, h.notify)
	h.heartbeat = NewHeartbeatMonitor(registry, h.broadcaster,
		func(c *Connection) { h.evict(c, "heartbeat timeout") },
		h.heartbeatInterval, h.heartbeatTimeout)

	return h
}

// Run starts the heartbeat monitor and event publisher, then accepts
// registrations until Shutdown is called. It should be called in its own
// goroutine.
func (h *Hub) Run() {
	if !h.running.CompareAndSwap(false, true) {
		h.log.Warn("hub already running")
		return
	}
	defer close(h.done)

	go h.publishEvents()
	h.heartbeat.Start(h.ctx)
	h.log.Info("hub started")

	for {
		select {
		case <-h.ctx.Done():
			return

		case c := <-h.register:
			if c == nil {
				h.log.Warn("received nil connection registration; skipping")
				continue
			}
			h.attach(c)
			if c.transport != nil {
				h.serve(c)
			}
		}
	}
}

// Register hands c to the Run loop. It fails with ErrHubStopped once shutdown
// has begun and with ErrHubNotRunning when Run has not been started.
func (h *Hub) Register(c *Connection) error {
	if h.shuttingDown.Load() {
		return ErrHubStopped
	}
	if !h.running.Load() {
		return ErrHubNotRunning
	}

	select {
	case h.register <- c:
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	}
}

// attach registers c and greets it with its connection id.
func (h *Hub) attach(c *Connection) {
	id := h.registry.Register(c)

	h.broadcaster.SendTo(id, NewEnvelope(TypeConnection, connectionPayload{
		ConnectionID:  id,
		UserID:        c.userID,
		Authenticated: c.Authenticated(),
	}))
	h.notify(newEvent(EventConnected, c, "", nil))

	c.logger().WithField("total", h.registry.Count()).Info("connection registered")
}

func (h *Hub) serve(c *Connection) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump(h)
	}()
}

// teardown removes c from the hub. Only the first call for a connection has
// any effect, whatever triggered it.
func (h *Hub) teardown(c *Connection, reason string) {
	if !c.markClosed() {
		return
	}

	// Unregister before dropping rooms so a concurrent join cannot re-add it.
	h.registry.Unregister(c.id)
	left := h.rooms.DropConnection(c.id)

	if !h.shuttingDown.Load() {
		for _, roomID := range left {
			h.broadcaster.BroadcastToRoom(roomID, NewEnvelope(TypeUserLeft, memberPayload{
				RoomID:       roomID,
				ConnectionID: c.id,
				UserID:       c.userID,
			}), c.id)
		}
	}

	h.notify(newEvent(EventDisconnected, c, "", map[string]any{"reason": reason, "rooms": left}))

	c.logger().WithFields(logrus.Fields{
		"reason": reason,
		"rooms":  len(left),
		"total":  h.registry.Count(),
	}).Info("connection unregistered")
}

// evict tears c down and drops its transport without waiting for a close
// handshake.
func (h *Hub) evict(c *Connection, reason string) {
	h.teardown(c, reason)
	c.forceClose()
}

// BroadcastToAll delivers env to every connection and returns how many it was
// queued for.
func (h *Hub) BroadcastToAll(env *Envelope) int {
	return h.broadcaster.BroadcastToAll(env)
}

// BroadcastToUser delivers env to every connection of userID.
func (h *Hub) BroadcastToUser(userID string, env *Envelope) int {
	return h.broadcaster.BroadcastToUser(userID, env)
}

// Stats returns current connection and room counts.
func (h *Hub) Stats() Stats {
	return Stats{
		TotalConnections:         h.registry.Count(),
		TotalRooms:               h.rooms.Count(),
		AuthenticatedConnections: h.registry.AuthenticatedCount(),
	}
}

// ShuttingDown reports whether Shutdown has been called.
func (h *Hub) ShuttingDown() bool {
	return h.shuttingDown.Load()
}

func (h *Hub) notify(event Event) {
	select {
	case h.events <- event:
	default:
		h.log.WithField("event", event.Type).Warn("event buffer full, dropping event")
	}
}

func (h *Hub) publishEvents() {
	defer close(h.eventsDone)

	for {
		select {
		case event := <-h.events:
			h.publish(event)
		case <-h.eventsStop:
			for {
				select {
				case event := <-h.events:
					h.publish(event)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) publish(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if err := h.notifier.Notify(ctx, event); err != nil {
		h.log.WithField("event", event.Type).WithError(err).Error("error publishing hub event")
	}
}

// Shutdown stops the heartbeat monitor, stops accepting registrations, closes
// every connection and waits up to timeout for their pumps to exit.
func (h *Hub) Shutdown(timeout time.Duration) error {
	if !h.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	h.log.Info("initiating hub shutdown")
	deadline := time.After(timeout)

	h.heartbeat.Stop()

	h.cancel()
	if h.running.Load() {
		<-h.done
	}

	conns := h.registry.All()
	for _, c := range conns {
		h.teardown(c, "server shutdown")
	}
	h.log.WithField("connections", len(conns)).Info("closed all connections")

	pumpsDone := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(pumpsDone)
	}()

	select {
	case <-pumpsDone:
	case <-deadline:
		h.log.Warn("hub shutdown timeout reached, some connections may still be draining")
		close(h.eventsStop)
		return context.DeadlineExceeded
	}

	close(h.eventsStop)
	if h.running.Load() {
		select {
		case <-h.eventsDone:
		case <-deadline:
			h.log.Warn("hub shutdown timeout reached while publishing events")
			return context.DeadlineExceeded
		}
	}

	h.log.Info("hub shutdown completed")
	return nil
}
