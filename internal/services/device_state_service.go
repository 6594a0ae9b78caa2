package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/pet-feeder/internal/constants"
	"github.com/benmeehan/pet-feeder/internal/models"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DeviceTopics are the inbound topics the device publishes on.
type DeviceTopics struct {
	Status       string
	FeedLog      string
	CameraStatus string
}

// DeviceStateService tracks what the feeder last reported. Values expire
// lazily: every read compares the stored timestamp with the clock, so no
// background sweep is needed.
type DeviceStateService struct {
	topics          DeviceTopics
	stalenessWindow time.Duration
	defaultDeviceID string
	router          Router
	transport       Transport
	relay           Relay
	recorder        FeedEventRecorder
	clock           clockwork.Clock
	logger          zerolog.Logger

	mu           sync.RWMutex
	status       string
	lastUpdateAt time.Time
	camera       *models.CameraInfo
	lastFeed     *models.FeedEvent

	started bool
}

// NewDeviceStateService creates the tracker. recorder and relay may be nil.
func NewDeviceStateService(topics DeviceTopics, stalenessWindow time.Duration, defaultDeviceID string,
	router Router, transport Transport, relay Relay, recorder FeedEventRecorder,
	clock clockwork.Clock, logger zerolog.Logger) *DeviceStateService {
	if stalenessWindow <= 0 {
		stalenessWindow = constants.DefaultStalenessWindow
	}
	if defaultDeviceID == "" {
		defaultDeviceID = constants.DefaultDeviceID
	}
	return &DeviceStateService{
		topics:          topics,
		stalenessWindow: stalenessWindow,
		defaultDeviceID: defaultDeviceID,
		router:          router,
		transport:       transport,
		relay:           relay,
		recorder:        recorder,
		clock:           clock,
		logger:          logger,
	}
}

// Start routes the device topics onto the shared connection.
func (d *DeviceStateService) Start() error {
	if d.started {
		return errors.New("device state service is already running")
	}
	d.router.Route(d.topics.Status, d.HandleStatus)
	d.router.Route(d.topics.FeedLog, d.HandleFeedLog)
	d.router.Route(d.topics.CameraStatus, d.HandleCameraStatus)
	d.started = true
	d.logger.Info().Str("status_topic", d.topics.Status).Msg("DeviceStateService started successfully")
	return nil
}

// Stop removes the topic routes so no further messages reach the handlers.
func (d *DeviceStateService) Stop() error {
	if !d.started {
		return errors.New("device state service is not running")
	}
	d.router.Unroute(d.topics.Status)
	d.router.Unroute(d.topics.FeedLog)
	d.router.Unroute(d.topics.CameraStatus)
	d.started = false
	return nil
}

// HandleStatus processes a status-topic message.
func (d *DeviceStateService) HandleStatus(_ MQTT.Client, msg MQTT.Message) {
	var payload models.StatusMessage
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		d.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping malformed status payload")
		return
	}
	if payload.Status != constants.DeviceStatusOnline && payload.Status != constants.DeviceStatusOffline {
		d.logger.Warn().Str("status", payload.Status).Msg("Dropping status payload with unknown status")
		return
	}

	d.mu.Lock()
	d.status = payload.Status
	d.lastUpdateAt = d.clock.Now()
	d.mu.Unlock()

	d.logger.Info().Str("status", payload.Status).Msg("Device status updated")
	d.broadcast(models.RelayEvent{Type: constants.EventDeviceStatusUpdate, Status: payload.Status})
}

// HandleFeedLog processes a feed acknowledgement from the device.
func (d *DeviceStateService) HandleFeedLog(_ MQTT.Client, msg MQTT.Message) {
	var payload models.FeedLogMessage
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		d.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping malformed feed log payload")
		return
	}
	if !constants.IsValidMode(payload.Mode) {
		d.logger.Warn().Str("mode", payload.Mode).Msg("Dropping feed log with unknown mode")
		return
	}

	event := models.FeedEvent{
		Mode:       payload.Mode,
		DeviceID:   payload.Device,
		Success:    payload.Success == nil || *payload.Success,
		DailyCount: payload.DailyCount,
		ReceivedAt: d.clock.Now(),
	}
	if event.DeviceID == "" {
		event.DeviceID = d.defaultDeviceID
	}

	d.mu.Lock()
	d.lastFeed = &event
	d.mu.Unlock()

	if d.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.recorder.RecordFeedEvent(ctx, event); err != nil {
			d.logger.Error().Err(err).Msg("Failed to record feed event")
		}
		cancel()
	}

	d.logger.Info().Str("mode", event.Mode).Bool("success", event.Success).Int("daily_count", event.DailyCount).Msg("Feed event received")
	d.broadcast(models.RelayEvent{Type: constants.EventFeedLogUpdate, Data: event})
}

// HandleCameraStatus processes a camera status message and forwards the raw payload to viewers.
func (d *DeviceStateService) HandleCameraStatus(_ MQTT.Client, msg MQTT.Message) {
	raw := msg.Payload()
	var payload models.CameraStatusMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		d.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping malformed camera status payload")
		return
	}

	info := models.NewCameraInfo(payload, raw, d.clock.Now())

	d.mu.Lock()
	d.camera = &info
	d.mu.Unlock()

	d.logger.Debug().Str("ip", info.IP).Int("fps", info.FPS).Msg("Camera status updated")
	d.broadcast(models.RelayEvent{Type: constants.EventCameraStatusUpdate, Data: json.RawMessage(info.Raw)})
}

// GetDeviceStatus returns the device status, degraded to offline when it was
// never reported or is older than the staleness window.
func (d *DeviceStateService) GetDeviceStatus() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.status == "" || d.isStale(d.lastUpdateAt) {
		return constants.DeviceStatusOffline
	}
	return d.status
}

// GetDeviceSnapshot returns the effective status with the time it was last reported.
func (d *DeviceStateService) GetDeviceSnapshot() models.DeviceStatus {
	status := d.GetDeviceStatus()
	d.mu.RLock()
	defer d.mu.RUnlock()
	return models.DeviceStatus{Status: status, LastUpdateAt: d.lastUpdateAt}
}

// IsDeviceConnected is true only when the broker connection is up and the device reports online.
func (d *DeviceStateService) IsDeviceConnected() bool {
	return d.transport.IsConnected() && d.GetDeviceStatus() == constants.DeviceStatusOnline
}

// GetCameraInfo returns a copy of the last camera status, or nil when absent or stale.
func (d *DeviceStateService) GetCameraInfo() *models.CameraInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.camera == nil || d.isStale(d.camera.ReceivedAt) {
		return nil
	}
	info := *d.camera
	return &info
}

// LastFeedEvent returns the most recent feed acknowledgement, if any.
func (d *DeviceStateService) LastFeedEvent() *models.FeedEvent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastFeed == nil {
		return nil
	}
	event := *d.lastFeed
	return &event
}

// CameraRTSPURL returns the RTSP URL the camera last advertised, if still fresh.
func (d *DeviceStateService) CameraRTSPURL() string {
	if info := d.GetCameraInfo(); info != nil {
		return info.RTSPURL
	}
	return ""
}

func (d *DeviceStateService) isStale(at time.Time) bool {
	return at.IsZero() || d.clock.Since(at) > d.stalenessWindow
}

func (d *DeviceStateService) broadcast(event models.RelayEvent) {
	if d.relay == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("event", event.Type).Str("panic", fmt.Sprint(r)).Msg("Relay broadcast panicked")
		}
	}()
	d.relay.Broadcast(event)
}
