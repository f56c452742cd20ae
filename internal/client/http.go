package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/alfredjeanlab/trafficmind/internal/model"
)

// HTTPClient talks to the gateway's HTTP/JSON API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTP client targeting the given base URL
// (e.g. "http://localhost:5000"). When token is non-empty, an Authorization
// header is set on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// BaseURL returns the gateway address the client was built with.
func (c *HTTPClient) BaseURL() string { return c.baseURL }

// Token returns the bearer token, if any.
func (c *HTTPClient) Token() string { return c.token }

func (c *HTTPClient) Health(ctx context.Context) (*HealthStatus, error) {
	var h HealthStatus
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// --- Detection ---

// DetectImage uploads one image as multipart field "image".
func (c *HTTPClient) DetectImage(ctx context.Context, name string, r io.Reader, opts DetectOptions) (*DetectResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", name)
	if err != nil {
		return nil, fmt.Errorf("creating image part: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	fields, err := detectFields(opts)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var res DetectResult
	if err := c.do(ctx, http.MethodPost, "/detect-image", &buf, mw.FormDataContentType(), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DetectImageBase64 sends the image inline as base64 JSON.
func (c *HTTPClient) DetectImageBase64(ctx context.Context, name string, data []byte, opts DetectOptions) (*DetectResult, error) {
	body := map[string]any{
		"image": base64.StdEncoding.EncodeToString(data),
		"name":  name,
	}
	fields, err := detectFields(opts)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		if k == "signals" {
			body[k] = json.RawMessage(v)
			continue
		}
		body[k] = v
	}

	var res DetectResult
	if err := c.doJSON(ctx, http.MethodPost, "/detect-image-base64", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// detectFields renders the form fields shared by both image endpoints.
func detectFields(opts DetectOptions) (map[string]string, error) {
	fields := map[string]string{}
	if opts.Signals != nil {
		data, err := json.Marshal(map[string]any{
			"signals":         opts.Signals.Signals,
			"leftTurnSignals": opts.Signals.LeftTurnSignals,
		})
		if err != nil {
			return nil, fmt.Errorf("marshaling signals: %w", err)
		}
		fields["signals"] = string(data)
	}
	if len(opts.DetectTypes) > 0 {
		fields["detect_types"] = joinTypes(opts.DetectTypes)
	}
	if opts.IntersectionID > 0 {
		fields["intersectionId"] = strconv.Itoa(opts.IntersectionID)
	}
	if opts.RoisConfig != "" {
		fields["roisConfig"] = opts.RoisConfig
	}
	return fields, nil
}

func joinTypes(types []model.ViolationType) string {
	return strings.Join(lo.Map(types, func(t model.ViolationType, _ int) string { return string(t) }), ",")
}

// --- Tasks ---

func (c *HTTPClient) StartRealtime(ctx context.Context, req StartRequest) (*StartResponse, error) {
	var res StartResponse
	if err := c.doJSON(ctx, http.MethodPost, "/start-realtime", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UploadVideo streams the video as multipart field "video" together with
// the task fields. The body is not buffered in memory.
func (c *HTTPClient) UploadVideo(ctx context.Context, req UploadRequest) (*StartResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeUpload(mw, req))
	}()

	var res StartResponse
	err := c.do(ctx, http.MethodPost, "/upload-video", pr, mw.FormDataContentType(), &res)
	// Unblocks the writer if the request ended before the body was consumed.
	pr.Close()
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func writeUpload(mw *multipart.Writer, req UploadRequest) error {
	fields := [][2]string{{"taskId", req.TaskID}}
	if req.IntersectionID > 0 {
		fields = append(fields, [2]string{"intersectionId", strconv.Itoa(req.IntersectionID)})
	}
	if req.Direction != "" {
		fields = append(fields, [2]string{"direction", req.Direction})
	}
	if req.RoisConfig != "" {
		fields = append(fields, [2]string{"roisConfig", req.RoisConfig})
	}
	if len(req.DetectTypes) > 0 {
		fields = append(fields, [2]string{"detectTypes", joinTypes(req.DetectTypes)})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}

	name := req.Filename
	if name == "" {
		name = "video.mp4"
	}
	part, err := mw.CreateFormFile("video", name)
	if err != nil {
		return err
	}
	if req.Video != nil {
		if _, err := io.Copy(part, req.Video); err != nil {
			return fmt.Errorf("reading video: %w", err)
		}
	}
	return mw.Close()
}

func (c *HTTPClient) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var resp struct {
		Task *model.Task `json:"task"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/task/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

func (c *HTTPClient) StopTask(ctx context.Context, id string) (*model.Task, error) {
	var resp struct {
		Task *model.Task `json:"task"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/task/"+url.PathEscape(id)+"/stop", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

func (c *HTTPClient) ListTasks(ctx context.Context, status string, limit int) (*TaskList, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp TaskList
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/tasks", q), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Violations ---

func (c *HTTPClient) ListViolations(ctx context.Context, query ViolationQuery) (*ViolationList, error) {
	q := url.Values{}
	if query.TaskID != "" {
		q.Set("taskId", query.TaskID)
	}
	if query.Type != "" {
		q.Set("type", query.Type)
	}
	if query.IntersectionID > 0 {
		q.Set("intersectionId", strconv.Itoa(query.IntersectionID))
	}
	if query.Status != "" {
		q.Set("status", query.Status)
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		q.Set("offset", strconv.Itoa(query.Offset))
	}

	var resp ViolationList
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/violations", q), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) ViolationSummary(ctx context.Context, taskID string) (model.ViolationSummary, error) {
	q := url.Values{}
	if taskID != "" {
		q.Set("taskId", taskID)
	}
	var resp struct {
		Summary model.ViolationSummary `json:"summary"`
	}
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/violations/summary", q), nil, &resp); err != nil {
		return model.ViolationSummary{}, err
	}
	return resp.Summary, nil
}

// ReviewViolation confirms or rejects a pending violation.
func (c *HTTPClient) ReviewViolation(ctx context.Context, id string, req ReviewRequest) (*model.Violation, error) {
	var resp struct {
		Violation *model.Violation `json:"violation"`
	}
	if err := c.doJSON(ctx, http.MethodPut, "/violations/"+url.PathEscape(id)+"/process", req, &resp); err != nil {
		return nil, err
	}
	return resp.Violation, nil
}

func (r StatsRange) values() url.Values {
	q := url.Values{}
	if r.StartDate != "" {
		q.Set("startDate", r.StartDate)
	}
	if r.EndDate != "" {
		q.Set("endDate", r.EndDate)
	}
	return q
}

func (c *HTTPClient) ViolationOverview(ctx context.Context, r StatsRange) (*StatsOverview, error) {
	var resp struct {
		StartDate string        `json:"startDate"`
		EndDate   string        `json:"endDate"`
		Data      StatsOverview `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/violations/statistics/overview", r.values()), nil, &resp); err != nil {
		return nil, err
	}
	resp.Data.StartDate, resp.Data.EndDate = resp.StartDate, resp.EndDate
	return &resp.Data, nil
}

func (c *HTTPClient) ViolationsByType(ctx context.Context, r StatsRange) ([]TypeStat, error) {
	var resp struct {
		Data []TypeStat `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/violations/statistics/by-type", r.values()), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// --- Signals ---

// SignalStatus returns the lights of one intersection. Missing heads are red.
func (c *HTTPClient) SignalStatus(ctx context.Context, intersectionID int) (*model.SignalStatus, error) {
	var st model.SignalStatus
	if err := c.doJSON(ctx, http.MethodGet, "/signal-status/"+strconv.Itoa(intersectionID), nil, &st); err != nil {
		return nil, err
	}
	st.Normalize()
	return &st, nil
}

func (c *HTTPClient) SignalSourceMode(ctx context.Context) (model.SignalMode, error) {
	var resp struct {
		Mode model.SignalMode `json:"mode"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/traffic/signal-source-mode", nil, &resp); err != nil {
		return "", err
	}
	return resp.Mode, nil
}

// SetSignalSourceMode switches the signal source and reports whether the
// mode actually changed.
func (c *HTTPClient) SetSignalSourceMode(ctx context.Context, mode model.SignalMode) (bool, error) {
	var resp struct {
		Changed bool `json:"changed"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/traffic/signal-source-mode", map[string]string{"mode": string(mode)}, &resp); err != nil {
		return false, err
	}
	return resp.Changed, nil
}

// PushTraffic sends a signal report in any shape the gateway accepts and
// returns the applied state. intersectionID 0 leaves the choice to the payload.
func (c *HTTPClient) PushTraffic(ctx context.Context, intersectionID int, payload any) (*model.SignalStatus, error) {
	path := "/api/traffic"
	if intersectionID > 0 {
		path += "?intersectionId=" + strconv.Itoa(intersectionID)
	}
	var st model.SignalStatus
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &st); err != nil {
		return nil, err
	}
	st.Normalize()
	return &st, nil
}

// --- internal helpers ---

// APIError represents an error response from the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var (
		bodyReader  io.Reader
		contentType string
	)
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, bodyReader, contentType, result)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, contentType string, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
			return &APIError{Status: resp.StatusCode, Message: errResp.Message}
		}
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
