package capture

import (
	"sync"
	"time"
)

const (
	minBufferCapacity = 1
	maxBufferCapacity = 3
)

// Frame is one encoded (JPEG) frame read from the camera.
type Frame struct {
	Seq        uint64
	Data       []byte
	Backend    string
	CapturedAt time.Time
}

// FrameBuffer is a small overwrite-on-full slot shared by one producer and
// many consumers. Reads always return the newest frame; anything older is
// dropped, trading completeness for recency.
type FrameBuffer struct {
	mu       sync.Mutex
	frames   []Frame
	capacity int
	dropped  uint64
}

// NewFrameBuffer creates a buffer; capacity is clamped to 1..3.
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity < minBufferCapacity {
		capacity = minBufferCapacity
	}
	if capacity > maxBufferCapacity {
		capacity = maxBufferCapacity
	}
	return &FrameBuffer{
		frames:   make([]Frame, 0, capacity),
		capacity: capacity,
	}
}

// Push inserts f, evicting the oldest frame when full. It never blocks.
func (b *FrameBuffer) Push(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == b.capacity {
		copy(b.frames, b.frames[1:])
		b.frames = b.frames[:len(b.frames)-1]
		b.dropped++
	}
	b.frames = append(b.frames, f)
}

// TryTake removes and returns the newest frame without blocking. Older
// frames still buffered are discarded.
func (b *FrameBuffer) TryTake() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.frames)
	if n == 0 {
		return Frame{}, false
	}
	f := b.frames[n-1]
	b.dropped += uint64(n - 1)
	b.frames = b.frames[:0]
	return f, true
}

// Latest returns the newest frame without removing anything. Viewers use it
// together with Frame.Seq so concurrent viewers do not steal frames from
// each other.
func (b *FrameBuffer) Latest() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.frames)
	if n == 0 {
		return Frame{}, false
	}
	return b.frames[n-1], true
}

// Len returns the number of buffered frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Capacity returns the configured capacity.
func (b *FrameBuffer) Capacity() int {
	return b.capacity
}

// Dropped returns how many frames were discarded unread.
func (b *FrameBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
