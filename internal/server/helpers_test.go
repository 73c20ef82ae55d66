package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	cfg := NewConfig()
	cfg.SendBufferSize = 16
	return NewHub(cfg, opts...)
}

// addConn attaches an unpumped connection and consumes its greeting.
func addConn(t *testing.T, h *Hub, userID string) *Connection {
	t.Helper()
	c := NewConnection(nil, userID, "127.0.0.1:0", h.cfg)
	h.attach(c)

	greeting := nextEnvelope(t, c)
	require.Equal(t, TypeConnection, greeting.Type)
	return c
}

func nextEnvelope(t *testing.T, c *Connection) *Envelope {
	t.Helper()
	select {
	case raw := <-c.send:
		env := &Envelope{}
		require.NoError(t, json.Unmarshal(raw, env))
		return env
	case <-time.After(time.Second):
		t.Fatalf("no envelope queued for %s", c.id)
		return nil
	}
}

func expectNoEnvelope(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected envelope for %s: %s", c.id, raw)
	default:
	}
}

func decodeData(t *testing.T, env *Envelope) map[string]any {
	t.Helper()
	data := map[string]any{}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data
}

func inbound(t *testing.T, msgType string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": msgType, "data": data})
	require.NoError(t, err)
	return raw
}

func joinRoom(t *testing.T, h *Hub, c *Connection, roomID string) {
	t.Helper()
	h.router.HandleRaw(c.id, inbound(t, TypeJoinRoom, map[string]string{"roomId": roomID}))
	require.Equal(t, TypeRoomJoined, nextEnvelope(t, c).Type)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	types := make([]string, 0, len(n.events))
	for _, event := range n.events {
		types = append(types, event.Type)
	}
	return types
}
