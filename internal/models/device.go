package models

import (
	"encoding/json"
	"time"
)

// DeviceStatus is the last status reported by the feeder.
type DeviceStatus struct {
	Status       string    `json:"status"`
	LastUpdateAt time.Time `json:"last_update_at"`
}

// StatusMessage is the payload published on the status topic, either by the
// feeder itself or by a last-will.
type StatusMessage struct {
	Status    string  `json:"status"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// CameraStatusMessage is the payload published by the feeder's camera on the camera_status topic.
type CameraStatusMessage struct {
	Device    string `json:"device"`
	Status    string `json:"status"`
	RTSPURL   string `json:"rtsp_url"`
	IP        string `json:"ip"`
	FPS       int    `json:"fps"`
	FreeHeap  int64  `json:"free_heap"`
	Quality   int    `json:"quality"`
	Timestamp int64  `json:"timestamp"`
}

// CameraInfo is the server-side view of the most recent camera status.
type CameraInfo struct {
	DeviceID      string          `json:"device"`
	Status        string          `json:"status"`
	IP            string          `json:"ip"`
	RTSPURL       string          `json:"rtsp_url"`
	FPS           int             `json:"fps"`
	FreeHeapBytes int64           `json:"free_heap"`
	Quality       int             `json:"quality"`
	Timestamp     int64           `json:"timestamp"`
	ReceivedAt    time.Time       `json:"received_at"`
	Raw           json.RawMessage `json:"-"`
}

// NewCameraInfo builds a CameraInfo from a decoded camera status message.
func NewCameraInfo(msg CameraStatusMessage, raw []byte, receivedAt time.Time) CameraInfo {
	return CameraInfo{
		DeviceID:      msg.Device,
		Status:        msg.Status,
		IP:            msg.IP,
		RTSPURL:       msg.RTSPURL,
		FPS:           msg.FPS,
		FreeHeapBytes: msg.FreeHeap,
		Quality:       msg.Quality,
		Timestamp:     msg.Timestamp,
		ReceivedAt:    receivedAt,
		Raw:           append(json.RawMessage(nil), raw...),
	}
}
