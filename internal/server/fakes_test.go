package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benmeehan/pet-feeder/internal/capture"
	"github.com/benmeehan/pet-feeder/internal/detection"
	"github.com/benmeehan/pet-feeder/internal/models"
	"github.com/benmeehan/pet-feeder/internal/storage"
)

type fakeDevice struct {
	status    string
	connected bool
	camera    *models.CameraInfo
	lastFeed  *models.FeedEvent
}

func (d *fakeDevice) GetDeviceStatus() string           { return d.status }
func (d *fakeDevice) IsDeviceConnected() bool           { return d.connected }
func (d *fakeDevice) GetCameraInfo() *models.CameraInfo { return d.camera }
func (d *fakeDevice) LastFeedEvent() *models.FeedEvent  { return d.lastFeed }

type fakeTransport struct{ up bool }

func (t fakeTransport) IsConnected() bool { return t.up }

type fakeSettings struct {
	mu        sync.Mutex
	mode      string
	modeErr   error
	feeds     int
	since     time.Time
	schedules  []models.ScheduleEntry
	addErr     error
	feedLog    []models.FeedEvent
	detections []models.DetectionRecord
	limit      int
	pingErr    error
}

func (s *fakeSettings) GetMode(context.Context, int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, s.modeErr
}

func (s *fakeSettings) SetMode(_ context.Context, _ int64, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modeErr != nil {
		return s.modeErr
	}
	s.mode = mode
	return nil
}

func (s *fakeSettings) CountFeedsSince(_ context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.since = since
	return s.feeds, nil
}

func (s *fakeSettings) ListSchedules(_ context.Context, userID int64) ([]models.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScheduleEntry
	for _, e := range s.schedules {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeSettings) AddSchedule(_ context.Context, entry models.ScheduleEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return 0, s.addErr
	}
	entry.ID = int64(len(s.schedules) + 1)
	s.schedules = append(s.schedules, entry)
	return entry.ID, nil
}

func (s *fakeSettings) SetScheduleEnabled(_ context.Context, userID, id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.schedules {
		if s.schedules[i].ID == id && s.schedules[i].UserID == userID {
			s.schedules[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("schedule %d: %w", id, storage.ErrNotFound)
}

func (s *fakeSettings) RecentFeedEvents(_ context.Context, limit int) ([]models.FeedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = limit
	return s.feedLog, nil
}

func (s *fakeSettings) RecentDetections(_ context.Context, limit int) ([]models.DetectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = limit
	return s.detections, nil
}

func (s *fakeSettings) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

type fakeBroker struct {
	buffer     *capture.FrameBuffer
	attached   atomic.Int32
	detached   atomic.Int32
	reconnects atomic.Int32
	lastErr    error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{buffer: capture.NewFrameBuffer(3)}
}

func (b *fakeBroker) Attach() (*capture.FrameBuffer, bool) {
	return b.buffer, b.attached.Add(1) == 1
}

func (b *fakeBroker) Detach() bool {
	return b.detached.Add(1) == b.attached.Load()
}

func (b *fakeBroker) Reconnect() *capture.FrameBuffer {
	b.reconnects.Add(1)
	return b.buffer
}

func (b *fakeBroker) Buffer() *capture.FrameBuffer { return b.buffer }
func (b *fakeBroker) LastError() error             { return b.lastErr }

func (b *fakeBroker) Stats() capture.BrokerStats {
	return capture.BrokerStats{Viewers: int(b.attached.Load() - b.detached.Load()), Running: true, Backend: "ffmpeg"}
}

type fakeDetector struct {
	available bool
	boxes     []models.BoundingBox
	verdict   models.DetectionVerdict
	windows   atomic.Int32
	sampled   atomic.Int32
}

func (d *fakeDetector) Available() bool { return d.available }

func (d *fakeDetector) LocateCats(context.Context, []byte) ([]models.BoundingBox, error) {
	return d.boxes, nil
}

func (d *fakeDetector) DetectWindow(_ context.Context, src detection.FrameSource) (models.DetectionVerdict, error) {
	d.windows.Add(1)
	if _, ok := src(); ok {
		d.sampled.Add(1)
	}
	return d.verdict, nil
}

type archived struct {
	userID  int64
	verdict models.DetectionVerdict
	frame   []byte
}

type fakeArchive struct {
	mu    sync.Mutex
	calls []archived
}

func (a *fakeArchive) Archive(_ context.Context, userID int64, verdict models.DetectionVerdict, frame []byte) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, archived{userID: userID, verdict: verdict, frame: frame})
	return int64(len(a.calls)), nil
}

func (a *fakeArchive) Calls() []archived {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]archived(nil), a.calls...)
}
