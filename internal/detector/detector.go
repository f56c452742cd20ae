// Package detector talks to the vision backend that finds vehicles and
// traffic violations in a single frame.
package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/alfredjeanlab/trafficmind/internal/model"
)

// ErrUnavailable wraps failures to reach the detection backend at all.
var ErrUnavailable = errors.New("detector unavailable")

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("detector returned %d: %s", e.Status, e.Body)
}

// Observer receives the latency and outcome of every backend call.
type Observer func(elapsed time.Duration, err error)

// Request is one frame plus the context the backend needs to judge it.
type Request struct {
	Image           []byte
	Filename        string
	Signals         map[model.Direction]model.Color
	LeftTurnSignals map[model.Direction]model.Color
	DetectTypes     []model.ViolationType
	RoisConfig      string
	IntersectionID  int
	Direction       model.Direction
	TaskID          string
	FrameNumber     int
}

// Violation is a violation as the backend reports it.
type Violation struct {
	Type       string  `json:"type"`
	TrackID    int     `json:"track_id"`
	Confidence float64 `json:"confidence"`
	Direction  string  `json:"direction,omitempty"`
	Screenshot string  `json:"screenshot,omitempty"` // base64 JPEG
}

// ViolationType maps the reported type onto a known one.
func (v Violation) ViolationType() (model.ViolationType, bool) {
	return model.ParseViolationType(v.Type)
}

// Result is the backend's verdict on one frame.
type Result struct {
	Detections     []model.Detection `json:"detections"`
	Violations     []Violation       `json:"violations"`
	AnnotatedImage string            `json:"annotated_image,omitempty"` // base64 JPEG
}

// Client is an HTTP client for the detection backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	observer   Observer

	// Backoff is the delay unit between retries; attempt n waits n*Backoff.
	Backoff time.Duration
}

// NewClient returns a client for the backend at baseURL.
func NewClient(baseURL string, timeout time.Duration, observer Observer) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		observer:   observer,
		Backoff:    500 * time.Millisecond,
	}
}

// Detect sends one frame to the backend.
func (c *Client) Detect(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := c.detect(ctx, req)
	if c.observer != nil {
		c.observer(time.Since(start), err)
	}
	return res, err
}

func (c *Client) detect(ctx context.Context, req Request) (*Result, error) {
	body, contentType, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/detect", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode detector response: %w", err)
	}
	return &res, nil
}

func encodeRequest(req Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	filename := req.Filename
	if filename == "" {
		filename = "frame.jpg"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filename))
	h.Set("Content-Type", "image/jpeg")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(req.Image); err != nil {
		return nil, "", fmt.Errorf("write image data: %w", err)
	}

	signals, err := json.Marshal(req.Signals)
	if err != nil {
		return nil, "", fmt.Errorf("encode signals: %w", err)
	}
	leftTurn, err := json.Marshal(req.LeftTurnSignals)
	if err != nil {
		return nil, "", fmt.Errorf("encode left turn signals: %w", err)
	}
	types := make([]string, len(req.DetectTypes))
	for i, t := range req.DetectTypes {
		types[i] = string(t)
	}

	fields := []struct{ name, value string }{
		{"signals", string(signals)},
		{"left_turn_signals", string(leftTurn)},
		{"detect_types", strings.Join(types, ",")},
		{"rois_config", req.RoisConfig},
		{"intersection_id", strconv.Itoa(req.IntersectionID)},
		{"direction", string(req.Direction)},
		{"task_id", req.TaskID},
		{"frame_number", strconv.Itoa(req.FrameNumber)},
	}
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// DetectWithRetry calls Detect up to attempts times, waiting attempt*Backoff
// between tries. Client errors (4xx) are not retried.
func (c *Client) DetectWithRetry(ctx context.Context, req Request, attempts int) (*Result, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := c.Detect(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable(err) || attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * c.Backoff):
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}
	return true
}

// Ping checks that the backend answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Status: resp.StatusCode, Body: resp.Status}
	}
	return nil
}
