package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/collabhub/internal/auth"
	"github.com/Tyrowin/collabhub/internal/testhelpers"
)

const (
	testSecret  = "integration-secret"
	readTimeout = 2 * time.Second
)

func startTestServer(t *testing.T, mutate func(*Config), opts ...Option) (*Hub, *httptest.Server) {
	t.Helper()
	cfg := NewConfig()
	cfg.JWTSecret = testSecret
	if mutate != nil {
		mutate(cfg)
	}

	h := NewHub(cfg, opts...)
	go h.Run()
	require.Eventually(t, h.running.Load, time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(SetupRoutes(NewHandlers(h, cfg, auth.NewResolver(cfg.JWTSecret))))
	t.Cleanup(func() {
		_ = h.Shutdown(2 * time.Second)
		srv.Close()
	})
	return h, srv
}

func userToken(t *testing.T, userID string) string {
	t.Helper()
	claims := auth.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

// dial connects and returns the socket with the data of its greeting.
func dial(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, map[string]any) {
	t.Helper()
	conn, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(srv.URL, token))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	greeting, err := testhelpers.ReadEnvelope(conn, readTimeout)
	require.NoError(t, err)
	require.Equal(t, TypeConnection, greeting.Type)
	return conn, greeting.DataMap()
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	require.NoError(t, testhelpers.SendEnvelope(conn, msgType, data))
}

func expect(t *testing.T, conn *websocket.Conn, msgType string) *testhelpers.Message {
	t.Helper()
	msg, err := testhelpers.ReadEnvelope(conn, readTimeout)
	require.NoError(t, err)
	require.Equal(t, msgType, msg.Type, "data: %s", msg.Data)
	return msg
}

func TestLabRoomSession(t *testing.T) {
	h, srv := startTestServer(t, nil)

	alice, aliceHello := dial(t, srv, userToken(t, "alice"))
	bob, bobHello := dial(t, srv, userToken(t, "bob"))
	assert.Equal(t, "alice", aliceHello["userId"])
	assert.Equal(t, true, aliceHello["authenticated"])
	bobID := bobHello["connectionId"]
	require.NotEmpty(t, bobID)

	send(t, alice, TypeJoinRoom, map[string]string{"roomId": "lab1"})
	joined := expect(t, alice, TypeRoomJoined)
	assert.EqualValues(t, 1, joined.DataMap()["memberCount"])

	send(t, bob, TypeJoinRoom, map[string]string{"roomId": "lab1"})
	joined = expect(t, bob, TypeRoomJoined)
	assert.EqualValues(t, 2, joined.DataMap()["memberCount"])

	announce := expect(t, alice, TypeUserJoined)
	assert.Equal(t, bobID, announce.DataMap()["connectionId"])
	assert.Equal(t, "bob", announce.DataMap()["userId"])

	send(t, alice, TypeChatMessage, map[string]string{"roomId": "lab1", "message": "hello lab"})
	toAlice := expect(t, alice, TypeChatMessage)
	toBob := expect(t, bob, TypeChatMessage)
	assert.Equal(t, toAlice.MessageID, toBob.MessageID)
	assert.Equal(t, "hello lab", toBob.DataMap()["message"])
	assert.Equal(t, "alice", toBob.DataMap()["userId"])

	send(t, bob, TypeReactionUpdate, map[string]any{"roomId": "lab1", "reactionData": map[string]string{"emoji": "tada"}})
	reaction := expect(t, alice, TypeReactionUpdate)
	assert.Equal(t, "bob", reaction.DataMap()["userId"])

	send(t, alice, TypeCollaborationEvent, map[string]any{"roomId": "lab1", "eventType": "code_change", "eventData": map[string]string{"file": "main.go"}})
	collab := expect(t, bob, TypeCollaborationEvent)
	assert.Equal(t, "code_change", collab.DataMap()["eventType"])

	send(t, bob, TypePing, nil)
	expect(t, bob, TypePong)

	send(t, bob, TypeLeaveRoom, map[string]string{"roomId": "lab1"})
	expect(t, bob, TypeRoomLeft)
	left := expect(t, alice, TypeUserLeft)
	assert.Equal(t, bobID, left.DataMap()["connectionId"])
	assert.Equal(t, []string{aliceHello["connectionId"].(string)}, h.rooms.MembersOf("lab1"))

	// a closed socket outside any room announces nothing
	require.NoError(t, testhelpers.CloseWebSocket(bob))
	require.Eventually(t, func() bool { return h.Stats().TotalConnections == 1 }, readTimeout, 10*time.Millisecond)
	send(t, alice, TypePing, nil)
	expect(t, alice, TypePong)
}

func TestInvalidTokenConnectsAnonymously(t *testing.T) {
	h, srv := startTestServer(t, nil)

	for _, token := range []string{"", "garbage", "a.b.c"} {
		conn, hello := dial(t, srv, token)
		assert.Equal(t, false, hello["authenticated"], "token %q", token)
		assert.NotContains(t, hello, "userId")

		send(t, conn, TypePing, nil)
		expect(t, conn, TypePong)

		roomID := "anon-" + strings.Trim(token, ".")
		send(t, conn, TypeJoinRoom, map[string]string{"roomId": roomID})
		joined := expect(t, conn, TypeRoomJoined)
		assert.EqualValues(t, 1, joined.DataMap()["memberCount"])

		send(t, conn, TypeChatMessage, map[string]string{"roomId": roomID, "message": "hello"})
		chat := expect(t, conn, TypeChatMessage)
		assert.Equal(t, "hello", chat.DataMap()["message"])
		assert.NotContains(t, chat.DataMap(), "userId")
	}

	require.Eventually(t, func() bool {
		stats := h.Stats()
		return stats.TotalConnections == 3 && stats.AuthenticatedConnections == 0
	}, readTimeout, 10*time.Millisecond)
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	_, srv := startTestServer(t, nil)
	conn, _ := dial(t, srv, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	errMsg := expect(t, conn, TypeError)
	assert.Equal(t, "Invalid message format", errMsg.DataMap()["message"])

	send(t, conn, "shout", nil)
	errMsg = expect(t, conn, TypeError)
	assert.Equal(t, "Unknown message type: shout", errMsg.DataMap()["message"])

	send(t, conn, TypeChatMessage, map[string]string{"roomId": "lab1", "message": "hi"})
	errMsg = expect(t, conn, TypeError)
	assert.Equal(t, "Not in specified room", errMsg.DataMap()["message"])

	send(t, conn, TypePing, nil)
	expect(t, conn, TypePong)
}

func TestRateLimitedFramesAreRejected(t *testing.T) {
	_, srv := startTestServer(t, func(cfg *Config) {
		cfg.RateLimitBurst = 2
		cfg.RateLimitRefillSeconds = 3600
	})
	conn, _ := dial(t, srv, "")

	for i := 0; i < 3; i++ {
		send(t, conn, TypePing, nil)
	}
	expect(t, conn, TypePong)
	expect(t, conn, TypePong)
	errMsg := expect(t, conn, TypeError)
	assert.Equal(t, "Rate limit exceeded", errMsg.DataMap()["message"])
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	h, srv := startTestServer(t, func(cfg *Config) { cfg.MaxMessageSize = 128 })
	conn, _ := dial(t, srv, "")

	payload := `{"type":"chat_message","data":{"roomId":"lab1","message":"` + strings.Repeat("x", 512) + `"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	_, err := testhelpers.ReadEnvelope(conn, readTimeout)
	assert.Error(t, err)
	require.Eventually(t, func() bool { return h.Stats().TotalConnections == 0 }, readTimeout, 10*time.Millisecond)
}

func TestHeartbeatEvictsSilentPeer(t *testing.T) {
	h, srv := startTestServer(t, nil, WithHeartbeat(100*time.Millisecond, 400*time.Millisecond))

	watcher, _ := dial(t, srv, "")
	silent, silentHello := dial(t, srv, "")

	send(t, watcher, TypeJoinRoom, map[string]string{"roomId": "lab1"})
	expect(t, watcher, TypeRoomJoined)
	send(t, silent, TypeJoinRoom, map[string]string{"roomId": "lab1"})
	expect(t, silent, TypeRoomJoined)
	expect(t, watcher, TypeUserJoined)

	// silent stops reading, so its client never answers pings
	left, err := testhelpers.ReadUntilType(watcher, TypeUserLeft, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, silentHello["connectionId"], left.DataMap()["connectionId"])
	assert.Equal(t, 1, h.Stats().TotalConnections)
}

func TestShutdownClosesSocketsAndRefusesNewOnes(t *testing.T) {
	h, srv := startTestServer(t, nil)
	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i], _ = dial(t, srv, "")
	}

	require.NoError(t, h.Shutdown(2*time.Second))

	for _, conn := range conns {
		_, err := testhelpers.ReadEnvelope(conn, readTimeout)
		assert.Error(t, err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: time.Second}
	headers := http.Header{}
	headers.Set("Origin", testhelpers.TestOrigin)
	_, resp, err := dialer.Dial(testhelpers.WebSocketURL(srv.URL, ""), headers)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDisallowedOriginIsRejected(t *testing.T) {
	_, srv := startTestServer(t, nil)

	dialer := websocket.Dialer{HandshakeTimeout: time.Second}
	headers := http.Header{}
	headers.Set("Origin", "http://evil.example.com")
	_, resp, err := dialer.Dial(testhelpers.WebSocketURL(srv.URL, ""), headers)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
