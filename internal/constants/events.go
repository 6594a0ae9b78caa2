package constants

// Group relay events pushed to every live status subscriber.
const (
	EventDeviceStatusUpdate = "device_status_update"
	EventFeedLogUpdate      = "feed_log_update"
	EventCameraStatusUpdate = "camera_status_update"
	EventStatusUpdate       = "status_update"
)

// Events sent to a single viewer session.
const (
	EventStatus                 = "status"
	EventVideoFrame             = "video_frame"
	EventDiseaseDetectionResult = "disease_detection_result"
	EventError                  = "error"
)

// Commands accepted from a viewer session.
const (
	CommandStartStream        = "start_stream"
	CommandStopStream         = "stop_stream"
	CommandReconnectCamera    = "reconnect_camera"
	CommandStartDetection     = "start_detection"
	CommandStopDetection      = "stop_detection"
	CommandDetectOnce         = "detect_once"
	CommandToggleCatDetection = "toggle_cat_detection"
)

// StatusGroup is the relay group every status session joins.
const StatusGroup = "system_status"
