package server

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HeartbeatMonitor periodically probes every registered connection and evicts
// those whose last activity is older than the timeout.
type HeartbeatMonitor struct {
	registry    *Registry
	broadcaster *Broadcaster
	evict       func(*Connection)
	interval    time.Duration
	timeout     time.Duration
	log         *logrus.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeatMonitor creates a stopped monitor. evict is called for every
// connection that misses the timeout window.
func NewHeartbeatMonitor(registry *Registry, broadcaster *Broadcaster, evict func(*Connection), interval, timeout time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		registry:    registry,
		broadcaster: broadcaster,
		evict:       evict,
		interval:    interval,
		timeout:     timeout,
		log:         logrus.WithField("comp", "heartbeat"),
	}
}

// Start launches the probe loop. Calling Start on a running monitor does
// nothing.
func (m *HeartbeatMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx, m.done)

	m.log.WithField("interval", m.interval).WithField("timeout", m.timeout).Info("heartbeat monitor started")
}

// Stop cancels the probe loop and waits for it to exit. No probe is issued
// after Stop returns.
func (m *HeartbeatMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.log.Info("heartbeat monitor stopped")
}

func (m *HeartbeatMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			probed, evicted := m.sweep(ctx, now)
			if evicted > 0 {
				m.log.WithField("probed", probed).WithField("evicted", evicted).Info("heartbeat sweep evicted connections")
			}
		}
	}
}

// sweep runs one probe cycle and returns how many connections were probed
// and evicted.
func (m *HeartbeatMonitor) sweep(ctx context.Context, now time.Time) (probed, evicted int) {
	for _, c := range m.registry.All() {
		if ctx.Err() != nil {
			return probed, evicted
		}
		if c.Closed() {
			continue
		}

		if now.Sub(c.LastActivity()) > m.timeout {
			c.logger().WithField("last_activity", c.LastActivity()).Info("evicting unresponsive connection")
			m.evict(c)
			evicted++
			continue
		}

		if err := m.broadcaster.Probe(c); err != nil {
			c.logger().WithError(err).Debug("liveness probe failed")
		}
		probed++
	}
	return probed, evicted
}
