package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benmeehan/pet-feeder/internal/capture"
	"github.com/benmeehan/pet-feeder/internal/constants"
	"github.com/benmeehan/pet-feeder/internal/mocks"
	"github.com/benmeehan/pet-feeder/internal/models"
	"github.com/benmeehan/pet-feeder/internal/services"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var serverNow = time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC)

type serverFixture struct {
	device   *fakeDevice
	commands *mocks.MockFeedPublisher
	settings *fakeSettings
	broker   *fakeBroker
	detector *fakeDetector
	archive  *fakeArchive
	relay    *StatusRelay
	server   *Server
}

func newServerFixture(clock clockwork.Clock) *serverFixture {
	f := &serverFixture{
		device:   &fakeDevice{status: constants.DeviceStatusOnline, connected: true},
		commands: new(mocks.MockFeedPublisher),
		settings: &fakeSettings{mode: constants.ModeManual, feeds: 2},
		broker:   newFakeBroker(),
		detector: &fakeDetector{available: true},
		archive:  &fakeArchive{},
		relay:    NewStatusRelay(constants.StatusGroup, zerolog.Nop()),
	}
	f.server = NewServer(Config{
		Address:        "127.0.0.1:0",
		StatusInterval: time.Hour,
		UserID:         7,
		Video: VideoConfig{
			FrameInterval:     5 * time.Millisecond,
			SilenceTimeout:    time.Hour,
			DetectionInterval: time.Hour,
			DetectionWorkers:  2,
		},
	}, Deps{
		Device:    f.device,
		Commands:  f.commands,
		Settings:  f.settings,
		Transport: fakeTransport{up: true},
		Broker:    f.broker,
		Detector:  f.detector,
		Archive:   f.archive,
		Relay:     f.relay,
	}, clock, zerolog.Nop())
	return f
}

func (f *serverFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.CommandResponse {
	t.Helper()
	var resp models.CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandleFeed(t *testing.T) {
	tests := []struct {
		name       string
		publishErr error
		wantStatus int
		wantOK     bool
	}{
		{"sent", nil, http.StatusOK, true},
		{"broker down", services.ErrNotConnected, http.StatusServiceUnavailable, false},
		{"publish timeout", services.ErrPublishTimeout, http.StatusServiceUnavailable, false},
		{"other", errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(clockwork.NewFakeClockAt(serverNow))
			f.commands.On("PublishFeed", constants.ModeManual).Return(tt.publishErr)

			rec := f.do(http.MethodPost, "/api/feed", "")

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantOK, decodeResponse(t, rec).Success)
			f.commands.AssertExpectations(t)
		})
	}
}

func TestHandleMode(t *testing.T) {
	t.Run("saved and published", func(t *testing.T) {
		f := newServerFixture(clockwork.NewFakeClockAt(serverNow))
		f.commands.On("PublishModeChange", constants.ModeAuto).Return(nil)

		rec := f.do(http.MethodPost, "/api/mode", `{"mode":"auto"}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		resp := decodeResponse(t, rec)
		assert.True(t, resp.Success)
		assert.Equal(t, constants.ModeAuto, resp.Mode)
		assert.Equal(t, constants.ModeAuto, f.settings.mode)
	})

	t.Run("saved but device unreachable", func(t *testing.T) {
		f := newServerFixture(clockwork.NewFakeClockAt(serverNow))
		f.commands.On("PublishModeChange", constants.ModeAuto).Return(services.ErrNotConnected)

		rec := f.do(http.MethodPost, "/api/mode", `{"mode":"auto"}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		resp := decodeResponse(t, rec)
		assert.True(t, resp.Success)
		assert.Contains(t, resp.Message, "not notified")
		assert.Equal(t, constants.ModeAuto, f.settings.mode)
	})

	t.Run("invalid mode", func(t *testing.T) {
		f := newServerFixture(clockwork.NewFakeClockAt(serverNow))

		rec := f.do(http.MethodPost, "/api/mode", `{"mode":"turbo"}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, constants.ModeManual, f.settings.mode)
		f.commands.AssertNotCalled(t, "PublishModeChange", mock.Anything)
	})

	t.Run("invalid json", func(t *testing.T) {
		f := newServerFixture(clockwork.NewFakeClockAt(serverNow))

		rec := f.do(http.MethodPost, "/api/mode", `{`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid JSON", decodeResponse(t, rec).Message)
	})

	t.Run("store failure", func(t *testing.T) {
		f := newServerFixture(clockwork.NewFakeClockAt(serverNow))
		f.settings.modeErr = errors.New("database is locked")

		rec := f.do(http.MethodPost, "/api/mode", `{"mode":"auto"}`)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		f.commands.AssertNotCalled(t, "PublishModeChange", mock.Anything)
	})
}

func TestHandleStatus(t *testing.T) {
	// Setup
	f := newServerFixture(clockwork.NewFakeClockAt(serverNow))
	f.settings.mode = constants.ModeAuto
	f.device.camera = &models.CameraInfo{IP: "192.168.1.20", FPS: 12}

	// Execute
	rec := f.do(http.MethodGet, "/api/status", "")

	// Assert
	require.Equal(t, http.StatusOK, rec.Code)
	var snap models.StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, constants.EventStatusUpdate, snap.Type)
	assert.Equal(t, constants.DeviceStatusOnline, snap.DeviceStatus)
	assert.Equal(t, constants.ModeAuto, snap.CurrentMode)
	assert.True(t, snap.IsConnected)
	assert.Equal(t, 2, snap.TodayFeeds)
	require.NotNil(t, snap.Camera)
	assert.Equal(t, "192.168.1.20", snap.Camera.IP)
	assert.Equal(t, serverNow.Format(time.RFC3339), snap.Timestamp)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), f.settings.since)
}

func TestHandleStatus_StoreError(t *testing.T) {
	f := newServerFixture(clockwork.NewFakeClockAt(serverNow))
	f.settings.modeErr = errors.New("no such table")

	rec := f.do(http.MethodGet, "/api/status", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleSchedules(t *testing.T) {
	f := newServerFixture(clockwork.NewFakeClockAt(serverNow))

	rec := f.do(http.MethodGet, "/api/schedules", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/schedules", `{"hour":8,"minute":30,"user_id":99}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.ScheduleEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, int64(1), created.ID)
	assert.Equal(t, int64(7), created.UserID)
	assert.True(t, created.Enabled)

	rec = f.do(http.MethodGet, "/api/schedules", "")
	var listed []models.ScheduleEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed, 1)
	assert.Equal(t, "08:30", listed[0].TimeOfDay())

	f.settings.addErr = errors.New("hour must be within 0..23")
	rec = f.do(http.MethodPost, "/api/schedules", `{"hour":25,"minute":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleToggleSchedule(t *testing.T) {
	f := newServerFixture(clockwork.NewFakeClockAt(serverNow))
	f.settings.schedules = []models.ScheduleEntry{
		{ID: 1, UserID: 7, Hour: 8, Enabled: true},
		{ID: 2, UserID: 8, Hour: 9, Enabled: true},
	}

	t.Run("disables own schedule", func(t *testing.T) {
		rec := f.do(http.MethodPatch, "/api/schedules/1", `{"enabled":false}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decodeResponse(t, rec).Success)
		assert.False(t, f.settings.schedules[0].Enabled)
	})

	t.Run("other users' schedules are not found", func(t *testing.T) {
		rec := f.do(http.MethodPatch, "/api/schedules/2", `{"enabled":false}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.True(t, f.settings.schedules[1].Enabled)
	})

	t.Run("bad requests", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPatch, "/api/schedules/abc", `{"enabled":true}`).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPatch, "/api/schedules/1", `{}`).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPatch, "/api/schedules/1", `nope`).Code)
	})
}

func TestHandleHistory(t *testing.T) {
	f := newServerFixture(clockwork.NewFakeClockAt(serverNow))

	rec := f.do(http.MethodGet, "/api/feed_logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, defaultHistoryLimit, f.settings.limit)

	f.settings.feedLog = []models.FeedEvent{{Mode: constants.ModeAuto, DeviceID: "esp32_cam", Success: true, DailyCount: 2}}
	rec = f.do(http.MethodGet, "/api/feed_logs?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []models.FeedEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].DailyCount)
	assert.Equal(t, 5, f.settings.limit)

	f.settings.detections = []models.DetectionRecord{{ID: 3, UserID: 7, SnapshotKey: "detections/7/a.jpg"}}
	rec = f.do(http.MethodGet, "/api/detections?limit=10000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var records []models.DetectionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "detections/7/a.jpg", records[0].SnapshotKey)
	assert.Equal(t, maxHistoryLimit, f.settings.limit)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/detections?limit=-1", "").Code)
}

type fixedHost map[string]float64

func (h fixedHost) Collect(context.Context) map[string]float64 { return h }

func TestHandleHealth(t *testing.T) {
	f := newServerFixture(clockwork.NewFakeClockAt(serverNow))
	f.server.deps.Host = fixedHost{"cpu": 12.5, "goroutines": 40}

	rec := f.do(http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Database      bool                `json:"database"`
		MQTTConnected bool                `json:"mqtt_connected"`
		Detection     bool                `json:"detection_available"`
		Capture       capture.BrokerStats `json:"capture"`
		Host          map[string]float64  `json:"host"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.True(t, health.MQTTConnected)
	assert.True(t, health.Detection)
	assert.Equal(t, "ffmpeg", health.Capture.Backend)
	assert.Equal(t, 12.5, health.Host["cpu"])
	assert.True(t, health.Database)

	f.settings.pingErr = errors.New("database is locked")
	rec = f.do(http.MethodGet, "/healthz", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.False(t, health.Database)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	f := newServerFixture(clockwork.NewFakeClockAt(serverNow))

	rec := f.do(http.MethodGet, "/api/feed", "")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

// readUntil reads messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == typ {
			return msg
		}
	}
}

func TestStatusSocket(t *testing.T) {
	// Setup
	f := newServerFixture(clockwork.NewRealClock())
	f.settings.mode = constants.ModeAuto
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	// Execute
	conn := dial(t, ts, "/ws/status")

	// Assert: a snapshot arrives straight away.
	snap := readUntil(t, conn, constants.EventStatusUpdate)
	assert.Equal(t, constants.ModeAuto, snap["current_mode"])
	assert.Equal(t, float64(2), snap["today_feeds"])
	assert.Equal(t, 1, f.relay.Count())

	f.relay.Broadcast(models.RelayEvent{Type: constants.EventDeviceStatusUpdate, Status: constants.DeviceStatusOffline})
	event := readUntil(t, conn, constants.EventDeviceStatusUpdate)
	assert.Equal(t, constants.DeviceStatusOffline, event["status"])

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return f.relay.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestVideoSocket_StreamsFrames(t *testing.T) {
	// Setup
	f := newServerFixture(clockwork.NewRealClock())
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	conn := dial(t, ts, "/ws/video")
	require.Eventually(t, func() bool { return f.broker.attached.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Execute
	frame := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	f.broker.buffer.Push(capture.Frame{Seq: 1, Data: frame})

	// Assert
	msg := readUntil(t, conn, constants.EventVideoFrame)
	image, err := base64.StdEncoding.DecodeString(msg["image"].(string))
	require.NoError(t, err)
	assert.Equal(t, frame, image)
	assert.Equal(t, 1, f.broker.buffer.Len(), "viewers must not consume frames")

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return f.broker.detached.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestVideoSocket_Commands(t *testing.T) {
	f := newServerFixture(clockwork.NewRealClock())
	f.detector.verdict = models.DetectionVerdict{
		Outcome:      models.OutcomeDetected,
		CatDetected:  true,
		CatCropped:   true,
		Diseases:     []models.DiseaseSignal{{Name: "ringworm", Confidence: 81.5}},
		TotalSamples: 10,
	}
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()
	conn := dial(t, ts, "/ws/video")
	defer conn.Close()

	t.Run("invalid json", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
		msg := readUntil(t, conn, constants.EventError)
		assert.Equal(t, "Invalid JSON", msg["message"])
	})

	t.Run("unknown command", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(models.ClientCommand{Command: "self_destruct"}))
		msg := readUntil(t, conn, constants.EventError)
		assert.Contains(t, msg["message"], "Unknown command")
	})

	t.Run("reconnect camera", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(models.ClientCommand{Command: constants.CommandReconnectCamera}))
		msg := readUntil(t, conn, constants.EventStatus)
		for msg["message"] != "Camera reconnecting..." {
			msg = readUntil(t, conn, constants.EventStatus)
		}
		assert.Equal(t, int32(1), f.broker.reconnects.Load())
	})

	t.Run("detect once", func(t *testing.T) {
		f.broker.buffer.Push(capture.Frame{Seq: 10, Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}})
		require.NoError(t, conn.WriteJSON(models.ClientCommand{Command: constants.CommandDetectOnce}))

		msg := readUntil(t, conn, constants.EventDiseaseDetectionResult)
		assert.Equal(t, string(models.OutcomeDetected), msg["outcome"])
		assert.Equal(t, true, msg["cat_detected"])
		assert.Eventually(t, func() bool { return len(f.archive.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, int64(7), f.archive.Calls()[0].userID)
	})
}

func TestVideoSocket_DetectOnceUnavailable(t *testing.T) {
	f := newServerFixture(clockwork.NewRealClock())
	f.detector.available = false
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()
	conn := dial(t, ts, "/ws/video")
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(models.ClientCommand{Command: constants.CommandDetectOnce}))

	msg := readUntil(t, conn, constants.EventDiseaseDetectionResult)
	assert.Equal(t, string(models.OutcomeUnavailable), msg["outcome"])
	assert.Zero(t, f.detector.windows.Load())
	assert.Empty(t, f.archive.Calls())
}

func TestServer_StartStop(t *testing.T) {
	// Setup
	f := newServerFixture(clockwork.NewRealClock())
	require.NoError(t, f.server.Start())
	assert.Error(t, f.server.Start())
	addr := f.server.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws/status", nil)
	require.NoError(t, err)
	defer conn.Close()
	readUntil(t, conn, constants.EventStatusUpdate)

	// Execute
	stopped := make(chan error, 1)
	go func() { stopped <- f.server.Stop() }()

	// Assert: open sessions do not hold shutdown up.
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Empty(t, f.server.Addr())
	assert.NoError(t, f.server.Stop())
	assert.Zero(t, f.relay.Count())
}
