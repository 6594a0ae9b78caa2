package server

import (
	"github.com/benmeehan/pet-feeder/internal/models"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// Subscriber receives relay events.
type Subscriber interface {
	ID() string
	Send(v any) bool
}

// StatusRelay fans named events out to every member of the status group.
// Delivery is best effort: a member whose queue is full misses the event.
type StatusRelay struct {
	group   string
	members cmap.ConcurrentMap[string, Subscriber]
	logger  zerolog.Logger
}

// NewStatusRelay creates an empty relay group.
func NewStatusRelay(group string, logger zerolog.Logger) *StatusRelay {
	return &StatusRelay{
		group:   group,
		members: cmap.New[Subscriber](),
		logger:  logger.With().Str("group", group).Logger(),
	}
}

// Join adds s to the group.
func (r *StatusRelay) Join(s Subscriber) {
	r.members.Set(s.ID(), s)
	r.logger.Debug().Str("member", s.ID()).Int("members", r.members.Count()).Msg("joined")
}

// Leave removes s from the group.
func (r *StatusRelay) Leave(s Subscriber) {
	r.members.Remove(s.ID())
	r.logger.Debug().Str("member", s.ID()).Int("members", r.members.Count()).Msg("left")
}

// Count returns the number of members.
func (r *StatusRelay) Count() int {
	return r.members.Count()
}

// Broadcast delivers event to every member and never blocks.
func (r *StatusRelay) Broadcast(event models.RelayEvent) {
	for item := range r.members.IterBuffered() {
		if !item.Val.Send(event) {
			r.logger.Debug().Str("member", item.Key).Str("event", event.Type).Msg("dropped event for slow member")
		}
	}
}
