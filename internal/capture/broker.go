package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benmeehan/pet-feeder/internal/utils"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	// ErrNoBackend is returned when every backend failed to produce a frame.
	ErrNoBackend = errors.New("no capture backend produced a frame")
	// ErrTooManyReadFailures is returned when a connected source stops yielding frames.
	ErrTooManyReadFailures = errors.New("too many consecutive read failures")
	// ErrCaptureGaveUp is recorded when the loop exhausted its restarts.
	ErrCaptureGaveUp = errors.New("capture stopped after repeated failures")
)

// BrokerConfig tunes the capture loop.
type BrokerConfig struct {
	BufferSize      int
	FrameInterval   time.Duration
	TestReads       int
	TestReadDelay   time.Duration
	MaxReadFailures int
	MaxRetries      int
	RetryStep       time.Duration
	MaxRetryDelay   time.Duration
	StopTimeout     time.Duration
}

// DefaultBrokerConfig returns the production tuning.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		BufferSize:      3,
		FrameInterval:   100 * time.Millisecond,
		TestReads:       3,
		TestReadDelay:   500 * time.Millisecond,
		MaxReadFailures: 10,
		MaxRetries:      5,
		RetryStep:       3 * time.Second,
		MaxRetryDelay:   10 * time.Second,
		StopTimeout:     5 * time.Second,
	}
}

// BrokerStats is a point-in-time view of the broker.
type BrokerStats struct {
	Viewers        int    `json:"viewers"`
	Running        bool   `json:"running"`
	Backend        string `json:"backend,omitempty"`
	LoopStarts     uint64 `json:"loop_starts"`
	FramesCaptured uint64 `json:"frames_captured"`
	Restarts       uint64 `json:"restarts"`
	BufferedFrames int    `json:"buffered_frames"`
	LastError      string `json:"last_error,omitempty"`
}

// FrameBroker owns the single capture loop and shares its frames with every
// attached viewer through one FrameBuffer. The loop runs while at least one
// viewer is attached.
type FrameBroker struct {
	backends []Backend
	config   BrokerConfig
	clock    clockwork.Clock
	logger   zerolog.Logger

	// mu guards lifecycle transitions only; the capture loop and readers of
	// buffer and viewers never take it.
	mu      sync.Mutex
	viewers atomic.Int32
	buffer  atomic.Pointer[FrameBuffer]
	cancel  context.CancelFunc
	done    chan struct{}

	active     atomic.Uint64 // generation of the live loop, 0 when none
	loopStarts atomic.Uint64
	frames     atomic.Uint64
	restarts   atomic.Uint64
	seq        atomic.Uint64

	stateMu sync.RWMutex
	lastErr error
	backend string
}

// NewFrameBroker creates a broker that tries backends in order.
func NewFrameBroker(backends []Backend, config BrokerConfig, clock clockwork.Clock, logger zerolog.Logger) *FrameBroker {
	if config.TestReads < 1 {
		config.TestReads = 1
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 5 * time.Second
	}
	return &FrameBroker{
		backends: backends,
		config:   config,
		clock:    clock,
		logger:   logger.With().Str("component", "frame_broker").Logger(),
	}
}

// Start only validates the broker; capture begins on the first Attach.
func (b *FrameBroker) Start() error {
	if len(b.backends) == 0 {
		return fmt.Errorf("frame broker: %w", ErrNoBackend)
	}
	return nil
}

// Stop halts the loop regardless of attached viewers.
func (b *FrameBroker) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLoopLocked()
	b.buffer.Store(nil)
	b.viewers.Store(0)
	return nil
}

// Attach registers a viewer. It returns the shared buffer and whether this
// call started the capture loop. Concurrent attaches start at most one loop.
func (b *FrameBroker) Attach() (*FrameBuffer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.viewers.Add(1)
	buf := b.buffer.Load()
	if buf == nil {
		buf = NewFrameBuffer(b.config.BufferSize)
		b.buffer.Store(buf)
	}
	if b.active.Load() != 0 {
		return buf, false
	}
	b.startLoopLocked()
	return buf, true
}

// Detach unregisters a viewer and reports whether the loop was stopped.
// Detach without a matching Attach is a no-op.
func (b *FrameBroker) Detach() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.viewers.Load() == 0 {
		return false
	}
	if b.viewers.Add(-1) > 0 {
		return false
	}
	b.stopLoopLocked()
	b.buffer.Store(nil)
	return true
}

// Reconnect tears the loop down, replaces the buffer and restarts capture if
// anyone is still watching. It also revives a loop that gave up.
func (b *FrameBroker) Reconnect() *FrameBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLoopLocked()
	b.setLastError(nil)
	if b.viewers.Load() == 0 {
		b.buffer.Store(nil)
		return nil
	}
	buf := NewFrameBuffer(b.config.BufferSize)
	b.buffer.Store(buf)
	b.startLoopLocked()
	return buf
}

// Buffer returns the current shared buffer, nil when nobody is attached.
// Viewers should call it on every read since Reconnect swaps the buffer.
func (b *FrameBroker) Buffer() *FrameBuffer {
	return b.buffer.Load()
}

// IsRunning reports whether the capture loop is alive.
func (b *FrameBroker) IsRunning() bool {
	return b.active.Load() != 0
}

// LastError returns the most recent capture failure, nil after a good connect.
func (b *FrameBroker) LastError() error {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.lastErr
}

// Stats returns counters for status reporting.
func (b *FrameBroker) Stats() BrokerStats {
	viewers := int(b.viewers.Load())
	buffered := 0
	if buf := b.buffer.Load(); buf != nil {
		buffered = buf.Len()
	}

	b.stateMu.RLock()
	backend := b.backend
	lastErr := ""
	if b.lastErr != nil {
		lastErr = b.lastErr.Error()
	}
	b.stateMu.RUnlock()

	return BrokerStats{
		Viewers:        viewers,
		Running:        b.active.Load() != 0,
		Backend:        backend,
		LoopStarts:     b.loopStarts.Load(),
		FramesCaptured: b.frames.Load(),
		Restarts:       b.restarts.Load(),
		BufferedFrames: buffered,
		LastError:      lastErr,
	}
}

func (b *FrameBroker) startLoopLocked() {
	if b.cancel != nil {
		// Left over from a loop that gave up on its own.
		b.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	gen := b.loopStarts.Add(1)
	b.active.Store(gen)
	go b.run(ctx, gen, b.buffer.Load(), done)
	b.logger.Info().Int32("viewers", b.viewers.Load()).Msg("capture loop started")
}

func (b *FrameBroker) stopLoopLocked() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	select {
	case <-b.done:
	case <-b.clock.After(b.config.StopTimeout):
		b.logger.Warn().Dur("timeout", b.config.StopTimeout).Msg("capture loop did not stop in time")
	}
	b.cancel = nil
	b.done = nil
	b.active.Store(0)
	b.logger.Info().Msg("capture loop stopped")
}

func (b *FrameBroker) run(ctx context.Context, gen uint64, buf *FrameBuffer, done chan struct{}) {
	defer close(done)
	// A loop that gives up clears its generation so the next Attach starts a new one.
	defer b.active.CompareAndSwap(gen, 0)

	retries := 0
	for ctx.Err() == nil {
		src, name, err := b.open(ctx, buf)
		if err == nil {
			retries = 0
			b.setBackend(name)
			b.setLastError(nil)
			b.logger.Info().Str("backend", name).Msg("camera connected")
			err = b.pump(ctx, src, name, buf)
			if cerr := src.Close(); cerr != nil {
				b.logger.Debug().Err(cerr).Str("backend", name).Msg("closing source")
			}
		}
		if ctx.Err() != nil {
			return
		}

		retries++
		b.setLastError(err)
		if retries > b.config.MaxRetries {
			b.setLastError(fmt.Errorf("%w: %w", ErrCaptureGaveUp, err))
			b.logger.Error().Err(err).Int("retries", retries-1).Msg("capture loop giving up")
			return
		}
		delay := time.Duration(retries) * b.config.RetryStep
		if delay > b.config.MaxRetryDelay {
			delay = b.config.MaxRetryDelay
		}
		b.restarts.Add(1)
		b.logger.Warn().Err(err).Int("retry", retries).Dur("delay", delay).Msg("camera connection lost, retrying")
		if !utils.SleepContext(ctx, b.clock, delay) {
			return
		}
	}
}

// open tries each backend in order and returns the first that yields a
// frame within the test reads. That frame is published to buf.
func (b *FrameBroker) open(ctx context.Context, buf *FrameBuffer) (Source, string, error) {
	var errs []error
	for _, backend := range b.backends {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		src, err := backend.Open(ctx)
		if err != nil {
			errs = append(errs, err)
			b.logger.Debug().Err(err).Str("backend", backend.Name()).Msg("backend failed to open")
			continue
		}

		ok := false
		for i := 0; i < b.config.TestReads; i++ {
			data, err := src.Read(ctx)
			if err == nil && len(data) > 0 {
				b.publish(buf, data, backend.Name())
				ok = true
				break
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			}
			if i < b.config.TestReads-1 && !utils.SleepContext(ctx, b.clock, b.config.TestReadDelay) {
				break
			}
		}
		if ok {
			return src, backend.Name(), nil
		}
		src.Close()
		b.logger.Debug().Str("backend", backend.Name()).Msg("backend produced no frames")
	}
	if len(errs) == 0 {
		return nil, "", ErrNoBackend
	}
	return nil, "", fmt.Errorf("%w: %w", ErrNoBackend, errors.Join(errs...))
}

func (b *FrameBroker) pump(ctx context.Context, src Source, name string, buf *FrameBuffer) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, err := src.Read(ctx)
		if err != nil || len(data) == 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if failures > b.config.MaxReadFailures {
				if err == nil {
					return ErrTooManyReadFailures
				}
				return fmt.Errorf("%w: %w", ErrTooManyReadFailures, err)
			}
		} else {
			failures = 0
			b.publish(buf, data, name)
		}
		if !utils.SleepContext(ctx, b.clock, b.config.FrameInterval) {
			return ctx.Err()
		}
	}
}

func (b *FrameBroker) publish(buf *FrameBuffer, data []byte, backend string) {
	buf.Push(Frame{
		Seq:        b.seq.Add(1),
		Data:       data,
		Backend:    backend,
		CapturedAt: b.clock.Now(),
	})
	b.frames.Add(1)
}

func (b *FrameBroker) setLastError(err error) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.lastErr = err
}

func (b *FrameBroker) setBackend(name string) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.backend = name
}
