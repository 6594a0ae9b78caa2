package models

// ClientCommand is a command sent by a viewer over its WebSocket.
type ClientCommand struct {
	Command string `json:"command"`
}

// StatusEvent is a human-readable status line for a viewer.
type StatusEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorEvent reports a failed command to a viewer.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// VideoFrameEvent carries one base64 JPEG frame.
type VideoFrameEvent struct {
	Type  string `json:"type"`
	Image string `json:"image"`
}

// DetectionResultEvent wraps a verdict for the viewer.
type DetectionResultEvent struct {
	Type string `json:"type"`
	DetectionVerdict
}

// RelayEvent is a named event fanned out to every status subscriber.
type RelayEvent struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// StatusSnapshot is the periodic status pushed to status subscribers.
type StatusSnapshot struct {
	Type         string      `json:"type"`
	DeviceStatus string      `json:"device_status"`
	CurrentMode  string      `json:"current_mode"`
	IsConnected  bool        `json:"is_connected"`
	TodayFeeds   int         `json:"today_feeds"`
	Camera       *CameraInfo `json:"camera,omitempty"`
	LastFeed     *FeedEvent  `json:"last_feed,omitempty"`
	Timestamp    string      `json:"timestamp"`
}

// CommandResponse is the JSON body returned by the HTTP command endpoints.
type CommandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Mode    string `json:"mode,omitempty"`
}
