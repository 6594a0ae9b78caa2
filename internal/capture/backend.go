package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrReadTimeout is returned when no frame arrives within the read timeout.
	ErrReadTimeout = errors.New("frame read timed out")
	// ErrConnectTimeout is returned when a backend cannot open its stream within the read timeout.
	ErrConnectTimeout = errors.New("camera connect timed out")
	// ErrSourceClosed is returned by Read after Close.
	ErrSourceClosed = errors.New("frame source closed")
	// ErrNoSourceURL is returned when a backend has nothing to connect to.
	ErrNoSourceURL = errors.New("no source url configured")
)

// Backend opens a connection to the camera through one transport.
type Backend interface {
	Name() string
	Open(ctx context.Context) (Source, error)
}

// Source yields encoded frames from an open connection.
type Source interface {
	// Read returns the next frame, waiting no longer than the source's read timeout.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

type readResult struct {
	data []byte
	err  error
}

// asyncSource turns a blocking frame reader into a Source with bounded
// reads. A single goroutine pulls frames into a one-slot channel, replacing
// any frame the consumer has not picked up yet.
type asyncSource struct {
	results chan readResult
	done    chan struct{}
	closer  func() error
	timeout time.Duration
	clock   clockwork.Clock

	closeOnce sync.Once
	closeErr  error
	mu        sync.Mutex
	sticky    error
}

func newAsyncSource(next func() ([]byte, error), closer func() error, timeout time.Duration, clock clockwork.Clock) *asyncSource {
	s := &asyncSource{
		results: make(chan readResult, 1),
		done:    make(chan struct{}),
		closer:  closer,
		timeout: timeout,
		clock:   clock,
	}
	go s.pull(next)
	return s
}

func (s *asyncSource) pull(next func() ([]byte, error)) {
	for {
		data, err := next()
		if err != nil {
			select {
			case s.results <- readResult{err: err}:
			case <-s.done:
			}
			return
		}
		select {
		case s.results <- readResult{data: data}:
		default:
			select {
			case <-s.results:
			default:
			}
			select {
			case s.results <- readResult{data: data}:
			case <-s.done:
				return
			}
		}
		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *asyncSource) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if s.sticky != nil {
		err := s.sticky
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	select {
	case r := <-s.results:
		if r.err != nil {
			s.mu.Lock()
			s.sticky = r.err
			s.mu.Unlock()
		}
		return r.data, r.err
	case <-s.done:
		return nil, ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.clock.After(s.timeout):
		return nil, ErrReadTimeout
	}
}

func (s *asyncSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// jpegScanner splits a concatenated JPEG byte stream (ffmpeg image2pipe, or
// an MJPEG body without usable multipart framing) into single images.
type jpegScanner struct {
	r      *bufio.Reader
	buf    bytes.Buffer
	maxLen int
}

func newJPEGScanner(r io.Reader) *jpegScanner {
	return &jpegScanner{r: bufio.NewReaderSize(r, 64*1024), maxLen: 8 << 20}
}

// Next returns the next complete JPEG image.
func (s *jpegScanner) Next() ([]byte, error) {
	s.buf.Reset()
	var prev byte
	started := false
	for {
		c, err := s.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && started {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if !started {
			if prev == jpegSOI[0] && c == jpegSOI[1] {
				started = true
				s.buf.Write(jpegSOI)
			}
			prev = c
			continue
		}
		s.buf.WriteByte(c)
		if prev == jpegEOI[0] && c == jpegEOI[1] {
			out := make([]byte, s.buf.Len())
			copy(out, s.buf.Bytes())
			return out, nil
		}
		if s.buf.Len() > s.maxLen {
			return nil, errors.New("jpeg frame exceeds maximum size")
		}
		prev = c
	}
}
