package services

import (
	"context"

	"github.com/benmeehan/pet-feeder/internal/models"
	MQTT "github.com/eclipse/paho.mqtt.golang"
)

// Router registers inbound topic handlers on the shared broker connection.
type Router interface {
	Route(topic string, handler MQTT.MessageHandler)
	Unroute(topic string)
}

// Transport is the outbound side of the shared broker connection.
type Transport interface {
	IsConnected() bool
	EnsureConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) error
}

// Relay fans named events out to every live status subscriber.
type Relay interface {
	Broadcast(event models.RelayEvent)
}

// FeedEventRecorder persists feed acknowledgements from the device.
type FeedEventRecorder interface {
	RecordFeedEvent(ctx context.Context, event models.FeedEvent) error
}

// FeedPublisher sends feed commands to the device.
type FeedPublisher interface {
	PublishFeed(mode string) error
}

// ScheduleStore is the read-only view of schedule configuration the engine needs.
type ScheduleStore interface {
	ListUserIDs(ctx context.Context) ([]int64, error)
	GetMode(ctx context.Context, userID int64) (string, error)
	MatchingSchedules(ctx context.Context, userID int64, hour, minute int) ([]models.ScheduleEntry, error)
}
