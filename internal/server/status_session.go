package server

import (
	"context"
	"fmt"
	"time"

	"github.com/benmeehan/pet-feeder/internal/constants"
	"github.com/benmeehan/pet-feeder/internal/models"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// snapshotFunc builds the current status_update payload.
type snapshotFunc func(ctx context.Context) (models.StatusSnapshot, error)

// StatusSession is one live-status subscriber. It is a member of the relay
// group for as long as the connection is open and additionally receives a
// periodic status snapshot.
type StatusSession struct {
	conn     *wsConn
	relay    *StatusRelay
	snapshot snapshotFunc
	interval time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger
}

func newStatusSession(conn *wsConn, relay *StatusRelay, snapshot snapshotFunc, interval time.Duration, clock clockwork.Clock, logger zerolog.Logger) *StatusSession {
	return &StatusSession{
		conn:     conn,
		relay:    relay,
		snapshot: snapshot,
		interval: interval,
		clock:    clock,
		logger:   logger.With().Str("session", conn.ID()).Logger(),
	}
}

// Run serves the subscriber until the connection closes or ctx ends.
func (s *StatusSession) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.relay.Join(s.conn)
	defer func() {
		cancel()
		s.relay.Leave(s.conn)
		s.conn.Close()
	}()

	go s.pushSnapshots(ctx)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-s.conn.Done():
		}
	}()

	// Subscribers do not send commands; reading keeps pongs and close frames flowing.
	for {
		if _, _, err := s.conn.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("status subscriber read failed")
			}
			return
		}
	}
}

func (s *StatusSession) pushSnapshots(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.pushOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.conn.Done():
			return
		case <-ticker.Chan():
			s.pushOnce(ctx)
		}
	}
}

func (s *StatusSession) pushOnce(ctx context.Context) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to build status snapshot")
		s.conn.Deliver(models.ErrorEvent{Type: constants.EventError, Message: fmt.Sprintf("Status update failed: %v", err)})
		return
	}
	s.conn.Deliver(snap)
}
