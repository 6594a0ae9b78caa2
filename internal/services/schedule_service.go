package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benmeehan/pet-feeder/internal/constants"
	"github.com/benmeehan/pet-feeder/internal/models"
	"github.com/benmeehan/pet-feeder/internal/utils"
	"github.com/jonboulle/clockwork"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// markRetention bounds how long an execution mark is kept, measured in whole minutes.
const markRetention = 2 * time.Minute

// userMarks holds the minutes already fired for one user. Its mutex
// serializes concurrent checks for that user only.
type userMarks struct {
	mu    sync.Mutex
	marks map[models.ExecutionKey]time.Time
}

// ScheduleEngine fires a feed command at most once per (user, hour, minute).
//
// Marks live in memory only. A process restart inside the firing minute starts
// with no marks and may fire that minute a second time.
type ScheduleEngine struct {
	store     ScheduleStore
	publisher FeedPublisher
	clock     clockwork.Clock
	logger    zerolog.Logger

	users cmap.ConcurrentMap[string, *userMarks]
}

// NewScheduleEngine creates an engine with an empty mark set.
func NewScheduleEngine(store ScheduleStore, publisher FeedPublisher, clock clockwork.Clock, logger zerolog.Logger) *ScheduleEngine {
	return &ScheduleEngine{
		store:     store,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		users:     cmap.New[*userMarks](),
	}
}

// Check runs one matching pass for userID and reports whether a feed command was sent.
func (e *ScheduleEngine) Check(ctx context.Context, userID int64) (bool, error) {
	um := e.marksFor(userID)
	um.mu.Lock()
	defer um.mu.Unlock()

	now := utils.TruncateToMinute(e.clock.Now())
	e.prune(um, now)

	key := models.ExecutionKey{UserID: userID, Hour: now.Hour(), Minute: now.Minute()}
	if _, done := um.marks[key]; done {
		e.logger.Debug().Str("key", key.String()).Msg("Schedule already executed this minute")
		return false, nil
	}

	mode, err := e.store.GetMode(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to read mode for user %d: %w", userID, err)
	}
	if mode != constants.ModeAuto {
		e.logger.Debug().Int64("user_id", userID).Str("mode", mode).Msg("User not in auto mode, skipping schedule check")
		return false, nil
	}

	entries, err := e.store.MatchingSchedules(ctx, userID, key.Hour, key.Minute)
	if err != nil {
		return false, fmt.Errorf("failed to query schedules for user %d: %w", userID, err)
	}
	if len(entries) == 0 {
		return false, nil
	}

	e.logger.Info().Int64("user_id", userID).Str("time", entries[0].TimeOfDay()).Msg("Schedule matched, sending feed command")
	if err := e.publisher.PublishFeed(constants.ModeAuto); err != nil {
		// No mark: a later check in this minute may still fire.
		return false, fmt.Errorf("scheduled feed for user %d not sent: %w", userID, err)
	}

	um.marks[key] = now
	e.logger.Info().Str("key", key.String()).Msg("Scheduled feed command sent")
	return true, nil
}

// Executed reports whether the given occurrence is currently marked.
func (e *ScheduleEngine) Executed(key models.ExecutionKey) bool {
	um, ok := e.users.Get(userKey(key.UserID))
	if !ok {
		return false
	}
	um.mu.Lock()
	defer um.mu.Unlock()
	_, done := um.marks[key]
	return done
}

// MarkCount returns how many marks are held for userID.
func (e *ScheduleEngine) MarkCount(userID int64) int {
	um, ok := e.users.Get(userKey(userID))
	if !ok {
		return 0
	}
	um.mu.Lock()
	defer um.mu.Unlock()
	return len(um.marks)
}

func (e *ScheduleEngine) marksFor(userID int64) *userMarks {
	key := userKey(userID)
	e.users.SetIfAbsent(key, &userMarks{marks: make(map[models.ExecutionKey]time.Time)})
	um, _ := e.users.Get(key)
	return um
}

// prune drops marks more than markRetention minutes away from now.
func (e *ScheduleEngine) prune(um *userMarks, now time.Time) {
	for key, markedAt := range um.marks {
		distance := now.Sub(markedAt)
		if distance < 0 {
			distance = -distance
		}
		if distance > markRetention {
			delete(um.marks, key)
		}
	}
}

func userKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// ScheduleRunner invokes the engine for every known user on a fixed interval.
type ScheduleRunner struct {
	engine   *ScheduleEngine
	store    ScheduleStore
	interval time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduleRunner creates a runner; interval defaults to one minute.
func NewScheduleRunner(engine *ScheduleEngine, store ScheduleStore, interval time.Duration, clock clockwork.Clock, logger zerolog.Logger) *ScheduleRunner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ScheduleRunner{
		engine:   engine,
		store:    store,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// Start launches the check loop in a separate goroutine.
func (s *ScheduleRunner) Start() error {
	if s.ctx != nil {
		s.logger.Warn().Msg("ScheduleRunner is already running")
		return errors.New("schedule runner is already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop()
	}()

	s.logger.Info().Dur("interval", s.interval).Msg("ScheduleRunner started successfully")
	return nil
}

// Stop gracefully stops the runner.
func (s *ScheduleRunner) Stop() error {
	if s.ctx == nil {
		s.logger.Warn().Msg("ScheduleRunner is not running")
		return errors.New("schedule runner is not running")
	}

	s.cancel()
	s.wg.Wait()

	s.ctx = nil
	s.cancel = nil

	s.logger.Info().Msg("ScheduleRunner stopped successfully")
	return nil
}

func (s *ScheduleRunner) runLoop() {
	s.RunOnce(s.ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.RunOnce(s.ctx)
		case <-s.ctx.Done():
			s.logger.Info().Msg("ScheduleRunner stopping gracefully")
			return
		}
	}
}

// RunOnce checks every known user and returns how many feeds were fired.
// A failure for one user does not stop the others.
func (s *ScheduleRunner) RunOnce(ctx context.Context) int {
	users, err := s.store.ListUserIDs(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list users for schedule check")
		return 0
	}

	fired := 0
	for _, userID := range users {
		ok, err := s.engine.Check(ctx, userID)
		if err != nil {
			s.logger.Error().Err(err).Int64("user_id", userID).Msg("Schedule check failed")
			continue
		}
		if ok {
			fired++
			s.logger.Info().Int64("user_id", userID).Msg("Automatic feeding performed")
		}
	}
	return fired
}
