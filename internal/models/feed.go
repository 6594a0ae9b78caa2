package models

import "time"

// FeedCommand is a feed or mode command handed to the transport.
type FeedCommand struct {
	Mode     string    `json:"mode"`
	IssuedAt time.Time `json:"issued_at"`
}

// FeedLogMessage is the acknowledgement the feeder publishes after a feeding attempt.
type FeedLogMessage struct {
	Mode       string `json:"mode"`
	Device     string `json:"device"`
	Success    *bool  `json:"success"`
	DailyCount int    `json:"daily_count"`
}

// FeedEvent is the authoritative record of a feeding having happened on the device.
type FeedEvent struct {
	Mode       string    `json:"mode"`
	DeviceID   string    `json:"device"`
	Success    bool      `json:"success"`
	DailyCount int       `json:"daily_count"`
	ReceivedAt time.Time `json:"received_at"`
}
