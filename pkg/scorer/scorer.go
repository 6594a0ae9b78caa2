package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// ErrBadStatus is returned when the scorer answers with a non-200 status.
var ErrBadStatus = errors.New("scorer returned bad status")

// Detection is one box reported by a scorer, in pixel coordinates of the
// submitted image. BBox is x1, y1, x2, y2.
type Detection struct {
	Class      string     `json:"class"`
	ClassID    int        `json:"class_id"`
	Confidence float64    `json:"confidence"` // 0..1
	BBox       [4]float64 `json:"bbox"`
}

type predictResponse struct {
	Detections []Detection `json:"detections"`
}

// Client talks to an object-detection model served over HTTP. Images are
// posted as multipart JPEG to /predict; /health answers 200 once the model
// is loaded.
type Client struct {
	URL        string
	httpClient *http.Client
}

// NewClient creates a client for the scorer at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		URL:        strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Predict submits one JPEG image and returns every detection the model made.
func (c *Client) Predict(ctx context.Context, imageData []byte) ([]Detection, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")

	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/predict", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: %s: %s", ErrBadStatus, resp.Status, bytes.TrimSpace(body))
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Detections, nil
}

// Health checks that the model behind the scorer is loaded.
func (c *Client) Health(ctx context.Context) error {
	if c.URL == "" {
		return errors.New("scorer url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}
	return nil
}
