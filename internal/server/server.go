package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benmeehan/pet-feeder/internal/capture"
	"github.com/benmeehan/pet-feeder/internal/constants"
	"github.com/benmeehan/pet-feeder/internal/models"
	"github.com/benmeehan/pet-feeder/internal/services"
	"github.com/benmeehan/pet-feeder/internal/storage"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DeviceState is the read side of the device tracker.
type DeviceState interface {
	GetDeviceStatus() string
	IsDeviceConnected() bool
	GetCameraInfo() *models.CameraInfo
	LastFeedEvent() *models.FeedEvent
}

// CommandSender publishes commands to the feeder.
type CommandSender interface {
	PublishFeed(mode string) error
	PublishModeChange(mode string) error
}

// SettingsStore holds per-user settings, schedules, the feed log and
// detection history.
type SettingsStore interface {
	GetMode(ctx context.Context, userID int64) (string, error)
	SetMode(ctx context.Context, userID int64, mode string) error
	CountFeedsSince(ctx context.Context, since time.Time) (int, error)
	ListSchedules(ctx context.Context, userID int64) ([]models.ScheduleEntry, error)
	AddSchedule(ctx context.Context, entry models.ScheduleEntry) (int64, error)
	SetScheduleEnabled(ctx context.Context, userID, id int64, enabled bool) error
	RecentFeedEvents(ctx context.Context, limit int) ([]models.FeedEvent, error)
	RecentDetections(ctx context.Context, limit int) ([]models.DetectionRecord, error)
	Ping(ctx context.Context) error
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// CaptureBroker is the frame broker plus its reporting surface.
type CaptureBroker interface {
	FrameBroker
	Stats() capture.BrokerStats
}

// Deps are the long-lived collaborators the server fronts.
type Deps struct {
	Device    DeviceState
	Commands  CommandSender
	Settings  SettingsStore
	Transport interface{ IsConnected() bool }
	Broker    CaptureBroker
	Detector  Detector
	Archive   DetectionArchiver
	Relay     *StatusRelay
	Host      HostMetrics // optional
}

// HostMetrics reports resource usage of the machine running the server.
type HostMetrics interface {
	Collect(ctx context.Context) map[string]float64
}

// Config tunes the HTTP and websocket surface.
type Config struct {
	Address         string
	StatusInterval  time.Duration
	ShutdownTimeout time.Duration
	UserID          int64
	Video           VideoConfig
}

// Server exposes the HTTP API and the video and status websockets.
type Server struct {
	config   Config
	deps     Deps
	clock    clockwork.Clock
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
}

// NewServer creates the server. Nothing listens until Start.
func NewServer(config Config, deps Deps, clock clockwork.Clock, logger zerolog.Logger) *Server {
	if config.StatusInterval <= 0 {
		config.StatusInterval = 10 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	config.Video.UserID = config.UserID
	return &Server{
		config: config,
		deps:   deps,
		clock:  clock,
		logger: logger.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/feed", s.handleFeed)
	mux.HandleFunc("POST /api/mode", s.handleMode)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", s.handleAddSchedule)
	mux.HandleFunc("PATCH /api/schedules/{id}", s.handleToggleSchedule)
	mux.HandleFunc("GET /api/feed_logs", s.handleFeedLogs)
	mux.HandleFunc("GET /api/detections", s.handleDetections)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws/video", s.handleVideo)
	mux.HandleFunc("GET /ws/status", s.handleStatusSocket)
	return mux
}

// Start begins listening.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return errors.New("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	srv := s.http
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server failed")
		}
	}()
	s.logger.Info().Str("address", ln.Addr().String()).Msg("server listening")
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the listener down and disconnects every session.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv, cancel := s.http, s.cancel
	s.http, s.cancel, s.listener = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, done := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer done()
	err := srv.Shutdown(ctx)
	// Hijacked websocket connections are not tracked by Shutdown.
	cancel()
	s.sessions.Wait()
	s.logger.Info().Msg("server stopped")
	return err
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Commands.PublishFeed(constants.ModeManual); err != nil {
		s.logger.Warn().Err(err).Msg("manual feed failed")
		writeJSON(w, statusFor(err), models.CommandResponse{Success: false, Message: "Cannot reach the feeder: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, models.CommandResponse{Success: true, Message: "Feed command sent"})
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.CommandResponse{Success: false, Message: "Invalid JSON"})
		return
	}
	if !constants.IsValidMode(req.Mode) {
		writeJSON(w, http.StatusBadRequest, models.CommandResponse{Success: false, Message: fmt.Sprintf("Invalid mode %q", req.Mode)})
		return
	}
	if err := s.deps.Settings.SetMode(r.Context(), s.config.UserID, req.Mode); err != nil {
		s.logger.Error().Err(err).Msg("failed to save mode")
		writeJSON(w, http.StatusInternalServerError, models.CommandResponse{Success: false, Message: "Failed to save mode"})
		return
	}

	resp := models.CommandResponse{Success: true, Mode: req.Mode, Message: "Mode updated"}
	if err := s.deps.Commands.PublishModeChange(req.Mode); err != nil {
		// The stored mode drives the schedule; the device catches up on its next change.
		s.logger.Warn().Err(err).Str("mode", req.Mode).Msg("mode saved but not published")
		resp.Message = "Mode saved, feeder not notified: " + err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.CommandResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Settings.ListSchedules(r.Context(), s.config.UserID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.CommandResponse{Success: false, Message: err.Error()})
		return
	}
	if entries == nil {
		entries = []models.ScheduleEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAddSchedule(w http.ResponseWriter, r *http.Request) {
	var entry models.ScheduleEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeJSON(w, http.StatusBadRequest, models.CommandResponse{Success: false, Message: "Invalid JSON"})
		return
	}
	entry.UserID = s.config.UserID
	entry.Enabled = true
	id, err := s.deps.Settings.AddSchedule(r.Context(), entry)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.CommandResponse{Success: false, Message: err.Error()})
		return
	}
	entry.ID = id
	writeJSON(w, http.StatusCreated, entry)
}

type scheduleToggle struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleToggleSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, models.CommandResponse{Success: false, Message: "Invalid schedule id"})
		return
	}
	var req scheduleToggle
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, models.CommandResponse{Success: false, Message: `Expected {"enabled": true|false}`})
		return
	}

	err = s.deps.Settings.SetScheduleEnabled(r.Context(), s.config.UserID, id, *req.Enabled)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, models.CommandResponse{Success: false, Message: err.Error()})
	case err != nil:
		s.logger.Error().Err(err).Int64("schedule_id", id).Msg("failed to toggle schedule")
		writeJSON(w, http.StatusInternalServerError, models.CommandResponse{Success: false, Message: err.Error()})
	default:
		writeJSON(w, http.StatusOK, models.CommandResponse{Success: true, Message: "Schedule updated"})
	}
}

func (s *Server) handleFeedLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := historyLimit(w, r)
	if !ok {
		return
	}
	events, err := s.deps.Settings.RecentFeedEvents(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.CommandResponse{Success: false, Message: err.Error()})
		return
	}
	if events == nil {
		events = []models.FeedEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	limit, ok := historyLimit(w, r)
	if !ok {
		return
	}
	records, err := s.deps.Settings.RecentDetections(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.CommandResponse{Success: false, Message: err.Error()})
		return
	}
	if records == nil {
		records = []models.DetectionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// historyLimit reads ?limit=, writing a 400 when it is not a positive integer.
func historyLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeJSON(w, http.StatusBadRequest, models.CommandResponse{Success: false, Message: "Invalid limit"})
		return 0, false
	}
	return min(limit, maxHistoryLimit), true
}

type healthResponse struct {
	Database        bool                `json:"database"`
	MQTTConnected   bool                `json:"mqtt_connected"`
	DeviceConnected bool                `json:"device_connected"`
	Detection       bool                `json:"detection_available"`
	Capture         capture.BrokerStats `json:"capture"`
	Viewers         int                 `json:"status_subscribers"`
	Host            map[string]float64  `json:"host,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbErr := s.deps.Settings.Ping(ctx)
	if dbErr != nil {
		s.logger.Warn().Err(dbErr).Msg("database ping failed")
	}

	resp := healthResponse{
		Database:        dbErr == nil,
		MQTTConnected:   s.deps.Transport.IsConnected(),
		DeviceConnected: s.deps.Device.IsDeviceConnected(),
		Detection:       s.deps.Detector.Available(),
		Capture:         s.deps.Broker.Stats(),
		Viewers:         s.deps.Relay.Count(),
	}
	if s.deps.Host != nil {
		resp.Host = s.deps.Host.Collect(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("video upgrade failed")
		return
	}
	ws := newWSConn(uuid.NewString(), conn, s.logger)
	session := newVideoSession(ws, s.deps.Broker, s.deps.Detector, s.deps.Archive, s.config.Video, s.clock, s.logger)

	s.sessions.Add(1)
	defer s.sessions.Done()
	session.Run(r.Context())
}

func (s *Server) handleStatusSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("status upgrade failed")
		return
	}
	ws := newWSConn(uuid.NewString(), conn, s.logger)
	session := newStatusSession(ws, s.deps.Relay, s.Snapshot, s.config.StatusInterval, s.clock, s.logger)

	s.sessions.Add(1)
	defer s.sessions.Done()
	session.Run(r.Context())
}

// Snapshot builds the periodic status_update payload.
func (s *Server) Snapshot(ctx context.Context) (models.StatusSnapshot, error) {
	mode, err := s.deps.Settings.GetMode(ctx, s.config.UserID)
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	now := s.clock.Now()
	feeds, err := s.deps.Settings.CountFeedsSince(ctx, startOfDay(now))
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	return models.StatusSnapshot{
		Type:         constants.EventStatusUpdate,
		DeviceStatus: s.deps.Device.GetDeviceStatus(),
		CurrentMode:  mode,
		IsConnected:  s.deps.Device.IsDeviceConnected(),
		TodayFeeds:   feeds,
		Camera:       s.deps.Device.GetCameraInfo(),
		LastFeed:     s.deps.Device.LastFeedEvent(),
		Timestamp:    now.Format(time.RFC3339),
	}, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotConnected), errors.Is(err, services.ErrPublishTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
