package services

import (
	"errors"
	"fmt"

	"github.com/benmeehan/pet-feeder/internal/constants"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrInvalidMode is returned for a mode token the device does not understand.
var ErrInvalidMode = errors.New("invalid feed mode")

// CommandPublisher sends feed and mode commands to the device. Delivery is
// at-most-once from the server's side: there is no queue and no retry beyond
// the reconnect attempt made by the transport. A FeedEvent from the device is
// what proves a feeding happened.
type CommandPublisher struct {
	feedTopic string
	modeTopic string
	qos       byte
	transport Transport
	clock     clockwork.Clock
	logger    zerolog.Logger
}

// NewCommandPublisher creates a publisher riding the shared transport.
func NewCommandPublisher(feedTopic, modeTopic string, qos int, transport Transport, clock clockwork.Clock, logger zerolog.Logger) *CommandPublisher {
	return &CommandPublisher{
		feedTopic: feedTopic,
		modeTopic: modeTopic,
		qos:       byte(qos),
		transport: transport,
		clock:     clock,
		logger:    logger,
	}
}

// PublishFeed asks the device to dispense food.
func (p *CommandPublisher) PublishFeed(mode string) error {
	return p.publish(p.feedTopic, mode)
}

// PublishModeChange switches the device between manual and auto.
func (p *CommandPublisher) PublishModeChange(mode string) error {
	return p.publish(p.modeTopic, mode)
}

func (p *CommandPublisher) publish(topic, mode string) error {
	if !constants.IsValidMode(mode) {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	if !p.transport.EnsureConnected() {
		p.logger.Warn().Str("topic", topic).Str("mode", mode).Msg("Dropping command, broker not connected")
		return ErrNotConnected
	}

	if err := p.transport.Publish(topic, p.qos, false, mode); err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish command")
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	p.logger.Info().Str("topic", topic).Str("mode", mode).Time("issued_at", p.clock.Now()).Msg("Command published")
	return nil
}
