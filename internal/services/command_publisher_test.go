package services_test

import (
	"errors"
	"testing"

	"github.com/benmeehan/pet-feeder/internal/constants"
	"github.com/benmeehan/pet-feeder/internal/mocks"
	"github.com/benmeehan/pet-feeder/internal/services"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newPublisher(transport *mocks.MockTransport) *services.CommandPublisher {
	return services.NewCommandPublisher(constants.DefaultFeedTopic, constants.DefaultModeTopic, 1, transport, clockwork.NewFakeClock(), zerolog.Nop())
}

func TestCommandPublisher_PublishFeed(t *testing.T) {
	// Setup
	transport := new(mocks.MockTransport)
	transport.On("EnsureConnected").Return(true)
	transport.On("Publish", constants.DefaultFeedTopic, byte(1), false, constants.ModeManual).Return(nil)

	// Execute
	err := newPublisher(transport).PublishFeed(constants.ModeManual)

	// Assert
	assert.NoError(t, err)
	transport.AssertExpectations(t)
}

func TestCommandPublisher_PublishModeChange(t *testing.T) {
	transport := new(mocks.MockTransport)
	transport.On("EnsureConnected").Return(true)
	transport.On("Publish", constants.DefaultModeTopic, byte(1), false, constants.ModeAuto).Return(nil)

	err := newPublisher(transport).PublishModeChange(constants.ModeAuto)

	assert.NoError(t, err)
	transport.AssertExpectations(t)
}

func TestCommandPublisher_RejectsInvalidMode(t *testing.T) {
	transport := new(mocks.MockTransport)

	err := newPublisher(transport).PublishFeed("turbo")

	assert.ErrorIs(t, err, services.ErrInvalidMode)
	transport.AssertNotCalled(t, "EnsureConnected")
}

func TestCommandPublisher_FailsFastWhenDisconnected(t *testing.T) {
	// Setup
	transport := new(mocks.MockTransport)
	transport.On("EnsureConnected").Return(false)

	// Execute
	err := newPublisher(transport).PublishFeed(constants.ModeAuto)

	// Assert
	assert.ErrorIs(t, err, services.ErrNotConnected)
	transport.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCommandPublisher_WrapsTransportError(t *testing.T) {
	transport := new(mocks.MockTransport)
	transport.On("EnsureConnected").Return(true)
	transport.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(services.ErrPublishTimeout).Once()

	err := newPublisher(transport).PublishFeed(constants.ModeManual)

	assert.ErrorIs(t, err, services.ErrPublishTimeout)
	assert.False(t, errors.Is(err, services.ErrNotConnected))
	transport.AssertNumberOfCalls(t, "Publish", 1)
}
