package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benmeehan/pet-feeder/internal/capture"
	"github.com/benmeehan/pet-feeder/internal/constants"
	"github.com/benmeehan/pet-feeder/internal/detection"
	"github.com/benmeehan/pet-feeder/internal/imageops"
	"github.com/benmeehan/pet-feeder/internal/models"
	"github.com/benmeehan/pet-feeder/internal/utils"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// FrameBroker is the shared capture loop as seen by a viewer.
type FrameBroker interface {
	Attach() (*capture.FrameBuffer, bool)
	Detach() bool
	Reconnect() *capture.FrameBuffer
	Buffer() *capture.FrameBuffer
	LastError() error
}

// Detector runs cat and disease detection for a viewer.
type Detector interface {
	Available() bool
	LocateCats(ctx context.Context, frame []byte) ([]models.BoundingBox, error)
	DetectWindow(ctx context.Context, src detection.FrameSource) (models.DetectionVerdict, error)
}

// DetectionArchiver stores verdicts produced on behalf of a user.
type DetectionArchiver interface {
	Archive(ctx context.Context, userID int64, verdict models.DetectionVerdict, frame []byte) (int64, error)
}

// VideoConfig tunes viewer sessions.
type VideoConfig struct {
	FrameInterval     time.Duration
	SilenceTimeout    time.Duration
	DetectionInterval time.Duration
	DetectionWorkers  int
	JPEGQuality       int
	Orientation       imageops.Orientation
	UserID            int64
}

// VideoSession is one connected video viewer. It owns a streaming goroutine
// that forwards frames from the shared buffer and a small worker pool for
// detection, both released when the viewer disconnects.
type VideoSession struct {
	conn     *wsConn
	broker   FrameBroker
	detector Detector
	archive  DetectionArchiver
	config   VideoConfig
	clock    clockwork.Clock
	logger   zerolog.Logger

	pool *utils.WorkerPool

	mu           sync.Mutex
	streamCancel context.CancelFunc
	streamDone   chan struct{}

	detecting   atomic.Bool
	overlay     atomic.Bool
	detectBusy  atomic.Bool
	windowBusy  atomic.Bool
	lastFrame   atomic.Pointer[[]byte]
	lastOverlay atomic.Pointer[[]models.BoundingBox]
}

func newVideoSession(conn *wsConn, broker FrameBroker, detector Detector, archive DetectionArchiver, config VideoConfig, clock clockwork.Clock, logger zerolog.Logger) *VideoSession {
	workers := config.DetectionWorkers
	if workers < 1 {
		workers = 2
	}
	if config.FrameInterval <= 0 {
		config.FrameInterval = 100 * time.Millisecond
	}
	if config.SilenceTimeout <= 0 {
		config.SilenceTimeout = 10 * time.Second
	}
	if config.DetectionInterval <= 0 {
		config.DetectionInterval = 5 * time.Second
	}
	if config.JPEGQuality <= 0 {
		config.JPEGQuality = 85
	}
	return &VideoSession{
		conn:     conn,
		broker:   broker,
		detector: detector,
		archive:  archive,
		config:   config,
		clock:    clock,
		logger:   logger.With().Str("session", conn.ID()).Logger(),
		pool:     utils.NewWorkerPool(workers),
	}
}

// Run serves the viewer until the connection closes or ctx ends.
func (s *VideoSession) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	_, started := s.broker.Attach()
	s.logger.Info().Bool("capture_started", started).Msg("video viewer connected")
	defer func() {
		cancel()
		s.stopStream()
		s.pool.Shutdown()
		stopped := s.broker.Detach()
		s.conn.Close()
		s.logger.Info().Bool("capture_stopped", stopped).Msg("video viewer disconnected")
	}()

	s.startStream(ctx)

	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-s.conn.Done():
		}
	}()
	s.readLoop(ctx)
}

func (s *VideoSession) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("video viewer read failed")
			}
			return
		}
		var cmd models.ClientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.sendError("Invalid JSON")
			continue
		}
		s.handleCommand(ctx, cmd.Command)
	}
}

func (s *VideoSession) handleCommand(ctx context.Context, command string) {
	switch command {
	case constants.CommandStartStream:
		s.startStream(ctx)
	case constants.CommandStopStream:
		s.stopStream()
		s.sendStatus("Stream stopped")
	case constants.CommandReconnectCamera:
		s.broker.Reconnect()
		s.sendStatus("Camera reconnecting...")
	case constants.CommandStartDetection:
		if !s.detector.Available() {
			s.sendError("Detection models are unavailable")
			return
		}
		s.detecting.Store(true)
		s.sendStatus("Real-time detection started")
	case constants.CommandStopDetection:
		s.detecting.Store(false)
		s.sendStatus("Real-time detection stopped")
	case constants.CommandToggleCatDetection:
		on := !s.overlay.Load()
		s.overlay.Store(on)
		if !on {
			s.lastOverlay.Store(nil)
		}
		s.sendStatus(fmt.Sprintf("Cat detection overlay %s", onOff(on)))
	case constants.CommandDetectOnce:
		s.detectOnce(ctx)
	default:
		s.sendError(fmt.Sprintf("Unknown command: %s", command))
	}
}

func (s *VideoSession) startStream(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamCancel != nil {
		return
	}
	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.streamCancel = cancel
	s.streamDone = done
	go func() {
		defer close(done)
		s.stream(streamCtx)
	}()
}

func (s *VideoSession) stopStream() {
	s.mu.Lock()
	cancel, done := s.streamCancel, s.streamDone
	s.streamCancel, s.streamDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// stream forwards new frames from the shared buffer, announces the camera
// state and schedules periodic detection.
func (s *VideoSession) stream(ctx context.Context) {
	s.sendStatus("Waiting for camera frames...")

	var lastSeq uint64
	lastFrameAt := s.clock.Now()
	var lastDetection time.Time
	notified := false

	for {
		if !utils.SleepContext(ctx, s.clock, s.config.FrameInterval) {
			return
		}

		buf := s.broker.Buffer()
		var f capture.Frame
		ok := false
		if buf != nil {
			f, ok = buf.Latest()
		}
		if !ok || f.Seq == lastSeq {
			if s.clock.Since(lastFrameAt) > s.config.SilenceTimeout {
				s.sendSilence()
				lastFrameAt = s.clock.Now()
				notified = false
			}
			continue
		}
		lastSeq = f.Seq
		lastFrameAt = s.clock.Now()
		if !notified {
			s.sendStatus("Camera connected")
			notified = true
		}

		data, err := s.prepare(f.Data)
		if err != nil {
			s.logger.Debug().Err(err).Msg("dropping undecodable frame")
			continue
		}
		s.lastFrame.Store(&data)

		if s.overlay.Load() {
			s.requestOverlay(ctx, data)
			if boxes := s.lastOverlay.Load(); boxes != nil && len(*boxes) > 0 {
				if annotated, err := annotate(data, *boxes, s.config.JPEGQuality); err == nil {
					data = annotated
				}
			}
		}

		if s.detecting.Load() && s.clock.Since(lastDetection) >= s.config.DetectionInterval {
			lastDetection = s.clock.Now()
			s.requestDetection(ctx, false)
		}

		s.conn.Send(models.VideoFrameEvent{
			Type:  constants.EventVideoFrame,
			Image: base64.StdEncoding.EncodeToString(data),
		})
	}
}

// prepare applies the mount orientation; untouched frames are passed through as is.
func (s *VideoSession) prepare(data []byte) ([]byte, error) {
	if s.config.Orientation.IsIdentity() {
		return data, nil
	}
	img, err := imageops.Decode(data)
	if err != nil {
		return nil, err
	}
	return imageops.EncodeJPEG(s.config.Orientation.Apply(img), s.config.JPEGQuality)
}

func (s *VideoSession) sendSilence() {
	msg := "Waiting for camera frames..."
	if err := s.broker.LastError(); err != nil {
		msg = fmt.Sprintf("Camera unavailable: %v", err)
	}
	s.sendStatus(msg)
	if placeholder, err := imageops.PlaceholderJPEG(msg); err == nil {
		s.conn.Send(models.VideoFrameEvent{
			Type:  constants.EventVideoFrame,
			Image: base64.StdEncoding.EncodeToString(placeholder),
		})
	}
}

// requestOverlay refreshes the cat boxes in the background; at most one
// localization is in flight per viewer.
func (s *VideoSession) requestOverlay(ctx context.Context, frame []byte) {
	if !s.detector.Available() || !s.detectBusy.CompareAndSwap(false, true) {
		return
	}
	if !s.pool.TrySubmit(func() {
		defer s.detectBusy.Store(false)
		boxes, err := s.detector.LocateCats(ctx, frame)
		if err != nil {
			s.logger.Debug().Err(err).Msg("cat localization failed")
			return
		}
		s.lastOverlay.Store(&boxes)
	}) {
		s.detectBusy.Store(false)
	}
}

// detectOnce runs one detection window for the viewer. Only one window runs
// at a time per viewer.
func (s *VideoSession) detectOnce(ctx context.Context) {
	if !s.detector.Available() {
		s.sendVerdict(models.DetectionVerdict{
			Outcome:  models.OutcomeUnavailable,
			Diseases: []models.DiseaseSignal{},
			Message:  "Detection models are unavailable",
		})
		return
	}
	s.sendStatus("Analyzing...")
	s.requestDetection(ctx, true)
}

func (s *VideoSession) requestDetection(ctx context.Context, userInitiated bool) {
	if !s.windowBusy.CompareAndSwap(false, true) {
		if userInitiated {
			s.sendError("Detection already in progress")
		}
		return
	}
	if !s.pool.TrySubmit(func() {
		defer s.windowBusy.Store(false)
		s.runDetection(ctx)
	}) {
		s.windowBusy.Store(false)
		if userInitiated {
			s.sendError("Detection queue is full")
		}
	}
}

func (s *VideoSession) runDetection(ctx context.Context) {
	verdict, err := s.detector.DetectWindow(ctx, s.sampleFrame)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Msg("detection window failed")
			s.sendError(fmt.Sprintf("Detection failed: %v", err))
		}
		return
	}
	s.sendVerdict(verdict)

	if s.archive == nil || verdict.Outcome == models.OutcomeNoFrames || verdict.Outcome == models.OutcomeUnavailable {
		return
	}
	var frame []byte
	if last := s.lastFrame.Load(); last != nil {
		frame = *last
	}
	if _, err := s.archive.Archive(ctx, s.config.UserID, verdict, frame); err != nil {
		s.logger.Warn().Err(err).Msg("failed to archive detection")
	}
}

// sampleFrame takes the newest frame out of the shared buffer for a
// detection sample, oriented like the frames the viewer sees.
func (s *VideoSession) sampleFrame() ([]byte, bool) {
	buf := s.broker.Buffer()
	if buf == nil {
		return nil, false
	}
	f, ok := buf.TryTake()
	if !ok {
		return nil, false
	}
	data, err := s.prepare(f.Data)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *VideoSession) sendVerdict(v models.DetectionVerdict) {
	s.conn.Deliver(models.DetectionResultEvent{
		Type:             constants.EventDiseaseDetectionResult,
		DetectionVerdict: v,
	})
}

func (s *VideoSession) sendStatus(msg string) {
	s.conn.Deliver(models.StatusEvent{Type: constants.EventStatus, Message: msg})
}

func (s *VideoSession) sendError(msg string) {
	s.conn.Deliver(models.ErrorEvent{Type: constants.EventError, Message: msg})
}

func annotate(frame []byte, boxes []models.BoundingBox, quality int) ([]byte, error) {
	img, err := imageops.Decode(frame)
	if err != nil {
		return nil, err
	}
	return imageops.EncodeJPEG(imageops.DrawBoxes(img, boxes), quality)
}

func onOff(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
