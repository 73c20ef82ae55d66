// Package testhelpers provides shared utilities for exercising the hub over
// HTTP and WebSocket in tests.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// TestOrigin is an origin the default configuration accepts.
const TestOrigin = "http://localhost:8080"

// Message is an envelope as seen by a client.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// DataMap decodes the message data into a generic map.
func (m *Message) DataMap() map[string]any {
	result := map[string]any{}
	_ = json.Unmarshal(m.Data, &result)
	return result
}

// WebSocketURL converts an httptest server URL into its /ws endpoint, adding
// token when it is not empty.
func WebSocketURL(serverURL, token string) string {
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	if token != "" {
		wsURL += "?token=" + url.QueryEscape(token)
	}
	return wsURL
}

// ConnectWebSocket dials wsURL with an allowed Origin header.
func ConnectWebSocket(wsURL string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(wsURL, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// SendEnvelope writes an envelope of msgType with data as a JSON text frame.
func SendEnvelope(conn *websocket.Conn, msgType string, data any) error {
	message := map[string]any{"type": msgType}
	if data != nil {
		message["data"] = data
	}
	return conn.WriteJSON(message)
}

// ReadEnvelope reads the next envelope, failing after timeout.
func ReadEnvelope(conn *websocket.Conn, timeout time.Duration) (*Message, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	msg := &Message{}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, errors.Wrapf(err, "unable to decode frame %q", raw)
	}
	return msg, nil
}

// ReadUntilType reads envelopes until one of msgType arrives, skipping
// anything else.
func ReadUntilType(conn *websocket.Conn, msgType string, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.Errorf("timed out waiting for %s", msgType)
		}
		msg, err := ReadEnvelope(conn, remaining)
		if err != nil {
			return nil, err
		}
		if msg.Type == msgType {
			return msg, nil
		}
	}
}

// ExpectNoMessage asserts that nothing arrives on conn within wait. A read
// timeout is permanent, so conn cannot be read from afterwards.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	msg, err := ReadEnvelope(conn, wait)
	if err == nil {
		t.Errorf("expected no message, got %s", msg.Type)
	}
}

// CloseWebSocket sends a normal close frame and closes conn.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
