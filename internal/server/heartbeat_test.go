package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatSweepEvictsStaleConnections(t *testing.T) {
	h := newTestHub(t, WithHeartbeat(time.Second, 3*time.Second))
	stale := addConn(t, h, "alice")
	fresh := addConn(t, h, "bob")
	joinRoom(t, h, stale, "lab1")
	joinRoom(t, h, fresh, "lab1")
	nextEnvelope(t, stale)

	now := time.Now()
	stale.lastActivity.Store(now.Add(-10 * time.Second).UnixNano())

	probed, evicted := h.heartbeat.sweep(context.Background(), now)
	assert.Equal(t, 1, probed)
	assert.Equal(t, 1, evicted)

	assert.True(t, stale.Closed())
	assert.False(t, h.registry.Has(stale.id))
	assert.Empty(t, h.rooms.RoomsOf(stale.id))
	assert.Equal(t, []string{fresh.id}, h.rooms.MembersOf("lab1"))

	left := nextEnvelope(t, fresh)
	assert.Equal(t, TypeUserLeft, left.Type)
	assert.Equal(t, stale.id, decodeData(t, left)["connectionId"])
	assert.False(t, fresh.Closed())
}

func TestHeartbeatSweepKeepsActiveConnections(t *testing.T) {
	h := newTestHub(t, WithHeartbeat(time.Second, 3*time.Second))
	conns := []*Connection{addConn(t, h, ""), addConn(t, h, ""), addConn(t, h, "")}

	probed, evicted := h.heartbeat.sweep(context.Background(), time.Now().Add(2*time.Second))
	assert.Equal(t, 3, probed)
	assert.Equal(t, 0, evicted)
	for _, c := range conns {
		assert.True(t, h.registry.Has(c.id))
	}
}

func TestHeartbeatTouchResetsWindow(t *testing.T) {
	h := newTestHub(t, WithHeartbeat(time.Second, 3*time.Second))
	c := addConn(t, h, "")
	c.lastActivity.Store(time.Now().Add(-time.Minute).UnixNano())

	c.touch()

	_, evicted := h.heartbeat.sweep(context.Background(), time.Now())
	assert.Equal(t, 0, evicted)
}

func TestHeartbeatMonitorEvictsOnTimer(t *testing.T) {
	h := newTestHub(t, WithHeartbeat(20*time.Millisecond, 60*time.Millisecond))
	c := addConn(t, h, "")

	h.heartbeat.Start(context.Background())
	defer h.heartbeat.Stop()

	require.Eventually(t, func() bool {
		return !h.registry.Has(c.id)
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Closed())
}

func TestHeartbeatMonitorStartStop(t *testing.T) {
	h := newTestHub(t, WithHeartbeat(10*time.Millisecond, time.Minute))

	h.heartbeat.Stop()
	h.heartbeat.Start(context.Background())
	h.heartbeat.Start(context.Background())
	h.heartbeat.Stop()
	h.heartbeat.Stop()

	c := addConn(t, h, "")
	c.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	time.Sleep(50 * time.Millisecond)
	assert.True(t, h.registry.Has(c.id), "a stopped monitor never evicts")
}
