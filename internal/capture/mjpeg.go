package capture

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// MJPEGBackend reads a multipart/x-mixed-replace MJPEG stream over HTTP, as
// served by the ESP32 camera.
type MJPEGBackend struct {
	url         func() string
	client      *http.Client
	readTimeout time.Duration
	clock       clockwork.Clock
	logger      zerolog.Logger
}

// NewMJPEGBackend creates the backend. The HTTP client must not carry an
// overall timeout since the response body is a never-ending stream. A nil
// client gets a transport whose dial and header phases are bounded by
// readTimeout.
func NewMJPEGBackend(url func() string, client *http.Client, readTimeout time.Duration, clock clockwork.Clock, logger zerolog.Logger) *MJPEGBackend {
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: readTimeout}).DialContext,
			ResponseHeaderTimeout: readTimeout,
		}}
	}
	return &MJPEGBackend{
		url:         url,
		client:      client,
		readTimeout: readTimeout,
		clock:       clock,
		logger:      logger.With().Str("backend", "mjpeg").Logger(),
	}
}

func (b *MJPEGBackend) Name() string { return "mjpeg" }

func (b *MJPEGBackend) Open(ctx context.Context) (Source, error) {
	url := ""
	if b.url != nil {
		url = b.url()
	}
	if url == "" {
		return nil, fmt.Errorf("mjpeg: %w", ErrNoSourceURL)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mjpeg: build request: %w", err)
	}

	// Headers must arrive within readTimeout whatever client was supplied.
	var timedOut atomic.Bool
	timer := b.clock.AfterFunc(b.readTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	resp, err := b.client.Do(req)
	timer.Stop()
	if timedOut.Load() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("mjpeg: no response from %s within %s: %w", url, b.readTimeout, ErrConnectTimeout)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mjpeg: connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("mjpeg: unexpected status %d", resp.StatusCode)
	}

	next := frameSplitter(resp.Header.Get("Content-Type"), resp.Body)
	closer := func() error {
		cancel()
		return resp.Body.Close()
	}
	b.logger.Debug().Str("url", url).Msg("mjpeg stream opened")
	return newAsyncSource(next, closer, b.readTimeout, b.clock), nil
}

// frameSplitter picks multipart parsing when the response declares a
// boundary and falls back to scanning for JPEG markers otherwise.
func frameSplitter(contentType string, body io.Reader) func() ([]byte, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	boundary := strings.TrimPrefix(params["boundary"], "--")
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || boundary == "" {
		return newJPEGScanner(body).Next
	}

	mr := multipart.NewReader(body, boundary)
	return func() ([]byte, error) {
		for {
			part, err := mr.NextPart()
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(part)
			part.Close()
			if err != nil {
				return nil, err
			}
			if len(data) == 0 {
				continue
			}
			return data, nil
		}
	}
}
