package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeJPEG(payload ...byte) []byte {
	out := []byte{0xFF, 0xD8}
	out = append(out, payload...)
	return append(out, 0xFF, 0xD9)
}

func TestJPEGScanner_SplitsConcatenatedImages(t *testing.T) {
	first := fakeJPEG(0x01, 0x02)
	second := fakeJPEG(0x03)
	stream := append([]byte{0x00, 0x11}, first...)
	stream = append(stream, 0x42)
	stream = append(stream, second...)

	s := newJPEGScanner(bytes.NewReader(stream))

	got, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestJPEGScanner_TruncatedImage(t *testing.T) {
	s := newJPEGScanner(bytes.NewReader([]byte{0xFF, 0xD8, 0x01, 0x02}))

	_, err := s.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func writeMultipart(t *testing.T, w io.Writer, boundary string, frames ...[]byte) {
	t.Helper()
	mw := multipart.NewWriter(w)
	require.NoError(t, mw.SetBoundary(boundary))
	for _, f := range frames {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", "image/jpeg")
		h.Set("Content-Length", fmt.Sprint(len(f)))
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(f)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
}

func TestFrameSplitter_Multipart(t *testing.T) {
	var body bytes.Buffer
	writeMultipart(t, &body, "123456789000000000000987654321", fakeJPEG(1), fakeJPEG(2))

	next := frameSplitter("multipart/x-mixed-replace;boundary=123456789000000000000987654321", &body)

	got, err := next()
	require.NoError(t, err)
	assert.Equal(t, fakeJPEG(1), got)
	got, err = next()
	require.NoError(t, err)
	assert.Equal(t, fakeJPEG(2), got)
}

func TestFrameSplitter_FallsBackToMarkerScan(t *testing.T) {
	next := frameSplitter("image/jpeg", bytes.NewReader(fakeJPEG(7)))

	got, err := next()
	require.NoError(t, err)
	assert.Equal(t, fakeJPEG(7), got)
}

func TestAsyncSource_ReadTimesOut(t *testing.T) {
	release := make(chan struct{})
	next := func() ([]byte, error) {
		<-release
		return nil, io.EOF
	}
	src := newAsyncSource(next, func() error { close(release); return nil }, 20*time.Millisecond, clockwork.NewRealClock())
	defer src.Close()

	_, err := src.Read(context.Background())
	assert.ErrorIs(t, err, ErrReadTimeout)
}

func TestAsyncSource_ErrorIsSticky(t *testing.T) {
	boom := errors.New("boom")
	src := newAsyncSource(func() ([]byte, error) { return nil, boom }, nil, time.Second, clockwork.NewRealClock())
	defer src.Close()

	_, err := src.Read(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = src.Read(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestMJPEGBackend_ReadsFrames(t *testing.T) {
	const boundary = "frame"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace;boundary="+boundary)
		mw := multipart.NewWriter(w)
		_ = mw.SetBoundary(boundary)
		for i := byte(1); i <= 3; i++ {
			part, _ := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"image/jpeg"}})
			_, _ = part.Write(fakeJPEG(i))
		}
		_ = mw.Close()
	}))
	defer server.Close()

	backend := NewMJPEGBackend(func() string { return server.URL }, server.Client(), time.Second, clockwork.NewRealClock(), zerolog.Nop())
	src, err := backend.Open(context.Background())
	require.NoError(t, err)
	defer src.Close()

	data, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])
}

func TestMJPEGBackend_RejectsBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	backend := NewMJPEGBackend(func() string { return server.URL }, server.Client(), time.Second, clockwork.NewRealClock(), zerolog.Nop())
	_, err := backend.Open(context.Background())
	assert.Error(t, err)
}

func TestBackends_RequireURL(t *testing.T) {
	clock := clockwork.NewRealClock()
	empty := func() string { return "" }

	_, err := NewMJPEGBackend(empty, nil, time.Second, clock, zerolog.Nop()).Open(context.Background())
	assert.ErrorIs(t, err, ErrNoSourceURL)

	_, err = NewFFmpegBackend("ffmpeg", empty, 100*time.Millisecond, time.Second, clock, zerolog.Nop()).Open(context.Background())
	assert.ErrorIs(t, err, ErrNoSourceURL)
}

func TestFFmpegBackend_Args(t *testing.T) {
	b := NewFFmpegBackend("", nil, 100*time.Millisecond, time.Second, clockwork.NewRealClock(), zerolog.Nop())

	args := b.args("rtsp://cam/stream")
	assert.Equal(t, "ffmpeg", b.path)
	assert.Contains(t, args, "rtsp://cam/stream")
	assert.Equal(t, "pipe:1", args[len(args)-1])
	assert.Contains(t, args, "10")
}

// silentCamera accepts connections but never sends response headers.
func silentCamera(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})
	return server
}

func TestMJPEGBackend_HeaderPhaseIsBounded(t *testing.T) {
	server := silentCamera(t)

	// server.Client() has no header timeout of its own.
	backend := NewMJPEGBackend(func() string { return server.URL }, server.Client(), 100*time.Millisecond, clockwork.NewRealClock(), zerolog.Nop())

	start := time.Now()
	_, err := backend.Open(context.Background())
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestMJPEGBackend_DefaultClientBoundsHeaders(t *testing.T) {
	server := silentCamera(t)

	backend := NewMJPEGBackend(func() string { return server.URL }, nil, 100*time.Millisecond, clockwork.NewRealClock(), zerolog.Nop())

	start := time.Now()
	_, err := backend.Open(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFrameBroker_SilentCameraSurfacesError(t *testing.T) {
	server := silentCamera(t)
	backend := NewMJPEGBackend(func() string { return server.URL }, server.Client(), 50*time.Millisecond, clockwork.NewRealClock(), zerolog.Nop())
	broker := NewFrameBroker([]Backend{backend}, testBrokerConfig(), clockwork.NewRealClock(), zerolog.Nop())
	defer broker.Stop()

	broker.Attach()

	require.Eventually(t, func() bool {
		return broker.LastError() != nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, broker.LastError(), ErrConnectTimeout)
	assert.Contains(t, broker.Stats().LastError, "timed out")
}
