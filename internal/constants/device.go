package constants

import "time"

// Device-reported statuses
const (
	// DeviceStatusOnline is published by the feeder while it is alive.
	DeviceStatusOnline = "online"
	// DeviceStatusOffline is published by the feeder (or by a last-will) when it goes away.
	DeviceStatusOffline = "offline"
)

// Default MQTT topics
const (
	DefaultFeedTopic         = "catcare/feed"
	DefaultModeTopic         = "catcare/mode"
	DefaultStatusTopic       = "catcare/status"
	DefaultFeedLogTopic      = "catcare/feed_log"
	DefaultCameraStatusTopic = "catcare/camera_status"
)

const (
	// DefaultStalenessWindow is how long a device-reported value stays valid without a refresh.
	DefaultStalenessWindow = 60 * time.Second

	// DefaultReconnectInterval is the minimum time between two on-demand reconnect attempts.
	DefaultReconnectInterval = 10 * time.Second
	DefaultMinBackoff        = 5 * time.Second
	DefaultMaxBackoff        = 300 * time.Second
	DefaultKeepAlive         = 60 * time.Second
	DefaultConnectTimeout    = 10 * time.Second

	DefaultDeviceID = "esp32_cam"
)

// Capture backend names accepted in camera.backends.
const (
	CaptureBackendFFmpeg = "ffmpeg"
	CaptureBackendMJPEG  = "mjpeg"
)

// CaptureBackends lists every capture backend the server can build.
var CaptureBackends = []string{CaptureBackendFFmpeg, CaptureBackendMJPEG}
