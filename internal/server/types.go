// Package server defines the wire envelope, message type constants and
// payload shapes shared by the router, broadcaster and hub.
package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Inbound message types.
const (
	TypeJoinRoom           = "join_room"
	TypeLeaveRoom          = "leave_room"
	TypeChatMessage        = "chat_message"
	TypeReactionUpdate     = "reaction_update"
	TypeCollaborationEvent = "collaboration_event"
	TypePing               = "ping"
)

// Outbound-only message types.
const (
	TypeConnection = "connection"
	TypeRoomJoined = "room_joined"
	TypeRoomLeft   = "room_left"
	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"
	TypePong       = "pong"
	TypeError      = "error"
)

// timestampLayout matches JavaScript's Date.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

var errMissingType = errors.New("missing message type")

// Envelope is the unit of exchange in both directions. Timestamp and
// MessageID are absent on inbound frames and always set on outbound ones.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// NewEnvelope builds an outbound envelope around data.
func NewEnvelope(msgType string, data any) *Envelope {
	env := &Envelope{Type: msgType}
	if data == nil {
		env.Data = json.RawMessage("{}")
		return env
	}

	raw, err := json.Marshal(data)
	if err != nil {
		logrus.WithField("comp", "envelope").WithField("type", msgType).WithError(err).Error("failed to encode envelope data")
		raw = json.RawMessage("{}")
	}
	env.Data = raw
	return env
}

// stamp assigns a message id and timestamp unless already present.
func (e *Envelope) stamp(now time.Time) {
	if e.MessageID == "" {
		e.MessageID = newMessageID()
	}
	if e.Timestamp == "" {
		e.Timestamp = formatTimestamp(now)
	}
}

func decodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, errMissingType
	}
	return &env, nil
}

func newMessageID() string {
	return uuid.NewString()
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Inbound payloads.

type roomRequest struct {
	RoomID string `json:"roomId" validate:"required"`
}

type chatRequest struct {
	RoomID  string `json:"roomId" validate:"required"`
	Message string `json:"message" validate:"required"`
}

type reactionRequest struct {
	RoomID       string          `json:"roomId" validate:"required"`
	ReactionData json.RawMessage `json:"reactionData" validate:"required"`
}

type collaborationRequest struct {
	RoomID    string          `json:"roomId" validate:"required"`
	EventType string          `json:"eventType" validate:"required"`
	EventData json.RawMessage `json:"eventData" validate:"required"`
}

// Outbound payloads.

type connectionPayload struct {
	ConnectionID  string `json:"connectionId"`
	UserID        string `json:"userId,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

type roomJoinedPayload struct {
	RoomID      string `json:"roomId"`
	MemberCount int    `json:"memberCount"`
}

type roomLeftPayload struct {
	RoomID string `json:"roomId"`
}

type memberPayload struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
}

type chatPayload struct {
	RoomID       string `json:"roomId"`
	Message      string `json:"message"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
	MessageID    string `json:"messageId"`
	Timestamp    string `json:"timestamp"`
}

type reactionPayload struct {
	RoomID       string          `json:"roomId"`
	ReactionData json.RawMessage `json:"reactionData"`
	ConnectionID string          `json:"connectionId"`
	UserID       string          `json:"userId,omitempty"`
}

type collaborationPayload struct {
	RoomID       string          `json:"roomId"`
	EventType    string          `json:"eventType"`
	EventData    json.RawMessage `json:"eventData"`
	ConnectionID string          `json:"connectionId"`
	UserID       string          `json:"userId,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
