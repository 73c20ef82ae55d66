package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/sirupsen/logrus"
	validator "gopkg.in/go-playground/validator.v9"
)

const errNotInRoom = "Not in specified room"

// Router decodes inbound envelopes and dispatches them by type.
type Router struct {
	registry    *Registry
	rooms       *RoomIndex
	broadcaster *Broadcaster
	validate    *validator.Validate
	notify      func(Event)
	log         *logrus.Entry
}

// NewRouter creates a Router. notify may be nil.
func NewRouter(registry *Registry, rooms *RoomIndex, broadcaster *Broadcaster, notify func(Event)) *Router {
	if notify == nil {
		notify = func(Event) {}
	}
	return &Router{
		registry:    registry,
		rooms:       rooms,
		broadcaster: broadcaster,
		validate:    newValidator(),
		notify:      notify,
		log:         logrus.WithField("comp", "router"),
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	v.RegisterCustomTypeFunc(rawJSONValue, json.RawMessage{})
	return v
}

// rawJSONValue lets required treat an absent or null JSON value as missing.
func rawJSONValue(field reflect.Value) interface{} {
	raw, ok := field.Interface().(json.RawMessage)
	if !ok {
		return nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return string(trimmed)
}

// HandleRaw decodes one inbound frame and dispatches it. Malformed frames are
// answered with an error envelope; the connection stays open.
func (r *Router) HandleRaw(connID string, raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		r.log.WithField("conn_id", connID).WithError(err).Debug("malformed envelope")
		r.sendError(connID, "Invalid message format")
		return
	}
	r.Handle(connID, env)
}

// Handle dispatches env on behalf of connID.
func (r *Router) Handle(connID string, env *Envelope) {
	sender, ok := r.registry.Get(connID)
	if !ok {
		return
	}

	switch env.Type {
	case TypeJoinRoom:
		r.handleJoinRoom(sender, env)
	case TypeLeaveRoom:
		r.handleLeaveRoom(sender, env)
	case TypeChatMessage:
		r.handleChatMessage(sender, env)
	case TypeReactionUpdate:
		r.handleReactionUpdate(sender, env)
	case TypeCollaborationEvent:
		r.handleCollaborationEvent(sender, env)
	case TypePing:
		r.broadcaster.SendTo(connID, NewEnvelope(TypePong, nil))
	default:
		r.sendError(connID, "Unknown message type: "+env.Type)
	}
}

func (r *Router) handleJoinRoom(sender *Connection, env *Envelope) {
	var req roomRequest
	if !r.decode(sender.id, env, &req) {
		return
	}

	joined, err := r.rooms.Join(sender.id, req.RoomID)
	if err != nil {
		r.log.WithField("conn_id", sender.id).WithError(err).Debug("join from departed connection")
		return
	}

	r.broadcaster.SendTo(sender.id, NewEnvelope(TypeRoomJoined, roomJoinedPayload{
		RoomID:      req.RoomID,
		MemberCount: r.rooms.MemberCount(req.RoomID),
	}))
	if !joined {
		return
	}

	r.broadcaster.BroadcastToRoom(req.RoomID, NewEnvelope(TypeUserJoined, memberPayload{
		RoomID:       req.RoomID,
		ConnectionID: sender.id,
		UserID:       sender.userID,
	}), sender.id)
	r.notify(newEvent(EventRoomJoined, sender, req.RoomID, nil))
}

func (r *Router) handleLeaveRoom(sender *Connection, env *Envelope) {
	var req roomRequest
	if !r.decode(sender.id, env, &req) {
		return
	}

	left := r.rooms.Leave(sender.id, req.RoomID)
	r.broadcaster.SendTo(sender.id, NewEnvelope(TypeRoomLeft, roomLeftPayload{RoomID: req.RoomID}))
	if !left {
		return
	}

	r.broadcaster.BroadcastToRoom(req.RoomID, NewEnvelope(TypeUserLeft, memberPayload{
		RoomID:       req.RoomID,
		ConnectionID: sender.id,
		UserID:       sender.userID,
	}), sender.id)
	r.notify(newEvent(EventRoomLeft, sender, req.RoomID, nil))
}

// handleChatMessage echoes to the sender as well, so every member's history
// sees the same message id.
func (r *Router) handleChatMessage(sender *Connection, env *Envelope) {
	var req chatRequest
	if !r.decode(sender.id, env, &req) || !r.requireMembership(sender.id, req.RoomID) {
		return
	}

	out := NewEnvelope(TypeChatMessage, nil)
	out.stamp(r.broadcaster.now())
	payload := chatPayload{
		RoomID:       req.RoomID,
		Message:      req.Message,
		ConnectionID: sender.id,
		UserID:       sender.userID,
		MessageID:    out.MessageID,
		Timestamp:    out.Timestamp,
	}
	out.Data = mustMarshal(payload)

	r.broadcaster.BroadcastToRoom(req.RoomID, out, "")
	r.notify(newEvent(EventChatMessage, sender, req.RoomID, payload))
}

func (r *Router) handleReactionUpdate(sender *Connection, env *Envelope) {
	var req reactionRequest
	if !r.decode(sender.id, env, &req) || !r.requireMembership(sender.id, req.RoomID) {
		return
	}

	payload := reactionPayload{
		RoomID:       req.RoomID,
		ReactionData: req.ReactionData,
		ConnectionID: sender.id,
		UserID:       sender.userID,
	}
	r.broadcaster.BroadcastToRoom(req.RoomID, NewEnvelope(TypeReactionUpdate, payload), sender.id)
	r.notify(newEvent(EventReactionUpdate, sender, req.RoomID, payload))
}

func (r *Router) handleCollaborationEvent(sender *Connection, env *Envelope) {
	var req collaborationRequest
	if !r.decode(sender.id, env, &req) || !r.requireMembership(sender.id, req.RoomID) {
		return
	}

	payload := collaborationPayload{
		RoomID:       req.RoomID,
		EventType:    req.EventType,
		EventData:    req.EventData,
		ConnectionID: sender.id,
		UserID:       sender.userID,
	}
	r.broadcaster.BroadcastToRoom(req.RoomID, NewEnvelope(TypeCollaborationEvent, payload), sender.id)
	r.notify(newEvent(EventCollaborationEvent, sender, req.RoomID, payload))
}

// decode unmarshals and validates env.Data into dst, replying with an error
// envelope on failure.
func (r *Router) decode(connID string, env *Envelope, dst any) bool {
	data := env.Data
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}

	if err := json.Unmarshal(data, dst); err != nil {
		r.sendError(connID, fmt.Sprintf("Invalid %s payload", env.Type))
		return false
	}

	if err := r.validate.Struct(dst); err != nil {
		r.sendError(connID, fmt.Sprintf("Invalid %s payload: %s", env.Type, describeValidation(err)))
		return false
	}
	return true
}

func (r *Router) requireMembership(connID, roomID string) bool {
	if r.rooms.IsMember(connID, roomID) {
		return true
	}
	r.sendError(connID, errNotInRoom)
	return false
}

func (r *Router) sendError(connID, message string) {
	r.broadcaster.SendTo(connID, NewEnvelope(TypeError, errorPayload{Message: message}))
}

func describeValidation(err error) string {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}

	parts := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		if fieldErr.Tag() == "required" {
			parts = append(parts, fieldErr.Field()+" is required")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fieldErr.Field(), fieldErr.Tag()))
	}
	return strings.Join(parts, ", ")
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		logrus.WithField("comp", "router").WithError(err).Error("failed to encode payload")
		return json.RawMessage("{}")
	}
	return raw
}
