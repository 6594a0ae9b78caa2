package mocks

import (
	"context"
	"sync"

	"github.com/benmeehan/pet-feeder/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a mock implementation of the services Transport interface
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockTransport) EnsureConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockTransport) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	args := m.Called(topic, qos, retained, payload)
	return args.Error(0)
}

// MockFeedPublisher is a mock implementation of the FeedPublisher interface
type MockFeedPublisher struct {
	mock.Mock
}

func (m *MockFeedPublisher) PublishFeed(mode string) error {
	args := m.Called(mode)
	return args.Error(0)
}

func (m *MockFeedPublisher) PublishModeChange(mode string) error {
	args := m.Called(mode)
	return args.Error(0)
}

// MockScheduleStore is a mock implementation of the ScheduleStore interface
type MockScheduleStore struct {
	mock.Mock
}

func (m *MockScheduleStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	args := m.Called(ctx)
	ids, _ := args.Get(0).([]int64)
	return ids, args.Error(1)
}

func (m *MockScheduleStore) GetMode(ctx context.Context, userID int64) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

func (m *MockScheduleStore) MatchingSchedules(ctx context.Context, userID int64, hour, minute int) ([]models.ScheduleEntry, error) {
	args := m.Called(ctx, userID, hour, minute)
	entries, _ := args.Get(0).([]models.ScheduleEntry)
	return entries, args.Error(1)
}

// MockFeedEventRecorder is a mock implementation of the FeedEventRecorder interface
type MockFeedEventRecorder struct {
	mock.Mock
}

func (m *MockFeedEventRecorder) RecordFeedEvent(ctx context.Context, event models.FeedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// RecordingRelay collects broadcast events.
type RecordingRelay struct {
	mu     sync.Mutex
	events []models.RelayEvent
}

func (r *RecordingRelay) Broadcast(event models.RelayEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything broadcast so far.
func (r *RecordingRelay) Events() []models.RelayEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.RelayEvent(nil), r.events...)
}
