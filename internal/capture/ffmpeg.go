package capture

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// FFmpegBackend reads an RTSP stream by running ffmpeg and parsing the
// JPEG images it writes to stdout.
type FFmpegBackend struct {
	path        string
	url         func() string
	fps         int
	quality     int
	readTimeout time.Duration
	clock       clockwork.Clock
	logger      zerolog.Logger
}

// NewFFmpegBackend creates the backend. url is resolved on every Open so a
// camera-advertised RTSP URL can replace the configured one.
func NewFFmpegBackend(path string, url func() string, frameInterval, readTimeout time.Duration, clock clockwork.Clock, logger zerolog.Logger) *FFmpegBackend {
	fps := 10
	if frameInterval > 0 {
		fps = int(time.Second / frameInterval)
		if fps < 1 {
			fps = 1
		}
	}
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegBackend{
		path:        path,
		url:         url,
		fps:         fps,
		quality:     5,
		readTimeout: readTimeout,
		clock:       clock,
		logger:      logger.With().Str("backend", "ffmpeg").Logger(),
	}
}

func (b *FFmpegBackend) Name() string { return "ffmpeg" }

func (b *FFmpegBackend) args(url string) []string {
	return []string{
		"-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", url,
		"-an",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", strconv.Itoa(b.quality),
		"-r", strconv.Itoa(b.fps),
		"pipe:1",
	}
}

// Open starts ffmpeg. The process lives until the returned source is closed
// or ctx ends.
func (b *FFmpegBackend) Open(ctx context.Context) (Source, error) {
	url := ""
	if b.url != nil {
		url = b.url()
	}
	if url == "" {
		return nil, fmt.Errorf("ffmpeg: %w", ErrNoSourceURL)
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, b.path, b.args(url)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg: start: %w", err)
	}
	b.logger.Debug().Str("url", url).Int("pid", cmd.Process.Pid).Msg("ffmpeg started")

	scanner := newJPEGScanner(stdout)
	closer := func() error {
		cancel()
		// Wait reaps the process; a kill-induced exit status is expected.
		_ = cmd.Wait()
		return nil
	}
	return newAsyncSource(scanner.Next, closer, b.readTimeout, b.clock), nil
}
