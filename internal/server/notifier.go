package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Hub event types published to collaborators.
const (
	EventConnected          = "connected"
	EventDisconnected       = "disconnected"
	EventRoomJoined         = "room_joined"
	EventRoomLeft           = "room_left"
	EventChatMessage        = "chat_message"
	EventReactionUpdate     = "reaction_update"
	EventCollaborationEvent = "collaboration_event"
)

// Event describes something that happened inside the hub.
type Event struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
	RoomID       string `json:"roomId,omitempty"`
	Data         any    `json:"data,omitempty"`
	Timestamp    string `json:"timestamp"`
}

func newEvent(eventType string, c *Connection, roomID string, data any) Event {
	return Event{
		Type:         eventType,
		ConnectionID: c.id,
		UserID:       c.userID,
		RoomID:       roomID,
		Data:         data,
		Timestamp:    formatTimestamp(time.Now()),
	}
}

// Notifier publishes hub events to something outside the process.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
	Close() error
}

type nopNotifier struct{}

// NopNotifier returns a Notifier that discards every event.
func NopNotifier() Notifier { return nopNotifier{} }

func (nopNotifier) Notify(context.Context, Event) error { return nil }
func (nopNotifier) Close() error                        { return nil }

// RedisNotifier publishes events as JSON on a Redis pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	log     *logrus.Entry
}

// NewRedisNotifier connects to the Redis server at url and verifies it is
// reachable.
func NewRedisNotifier(ctx context.Context, url, channel string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis url")
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "unable to reach redis at %s", opts.Addr)
	}

	return newRedisNotifier(client, channel), nil
}

func newRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{
		client:  client,
		channel: channel,
		log:     logrus.WithField("comp", "notifier").WithField("channel", channel),
	}
}

// Notify publishes event.
func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "error marshalling event")
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "error publishing %s event", event.Type)
	}
	return nil
}

// Close releases the Redis client.
func (n *RedisNotifier) Close() error {
	n.log.Info("closing redis notifier")
	return errors.Wrap(n.client.Close(), "error closing redis client")
}
