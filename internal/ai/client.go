package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
)

// maxResponseBytes caps how much of a response body is read
const maxResponseBytes = 16 << 20

// Detector finds objects in a single frame
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Object, error)
}

// Client is an HTTP client for the YOLO inference service. It holds no
// per-request state and may be shared by concurrent callers.
type Client struct {
	serviceURL     string
	httpClient     *http.Client
	logger         *logger.Logger
	confidence     float64
	enabledClasses []string
	jpegQuality    int

	requests atomic.Int64
	failures atomic.Int64
	retries  atomic.Int64
}

// ClientConfig contains configuration for the inference client
type ClientConfig struct {
	ServiceURL          string
	Timeout             time.Duration
	ConfidenceThreshold float64
	EnabledClasses      []string
	JPEGQuality         int
}

// NewClient creates a new inference service client
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = 90
	}

	return &Client{
		serviceURL:     strings.TrimRight(cfg.ServiceURL, "/"),
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		logger:         log,
		confidence:     cfg.ConfidenceThreshold,
		enabledClasses: append([]string(nil), cfg.EnabledClasses...),
		jpegQuality:    cfg.JPEGQuality,
	}
}

// Detect encodes img as JPEG and runs one inference request
func (c *Client) Detect(ctx context.Context, img image.Image) ([]Object, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(c.jpegQuality)); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	resp, err := c.Infer(ctx, buf.Bytes())
	if err != nil {
		return nil, err
	}

	objects := make([]Object, 0, len(resp.BoundingBoxes))
	for _, box := range resp.BoundingBoxes {
		objects = append(objects, box.ToObject())
	}
	return objects, nil
}

// DetectWithRetry retries Detect with a linearly growing delay
func (c *Client) DetectWithRetry(ctx context.Context, img image.Image, maxRetries int, retryDelay time.Duration) ([]Object, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.retries.Add(1)
			c.logger.Debug("Retrying inference", "attempt", attempt, "max_retries", maxRetries)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}

		objects, err := c.Detect(ctx, img)
		if err == nil {
			return objects, nil
		}

		lastErr = err
		c.logger.Warn("Inference attempt failed", "attempt", attempt+1, "error", err)
	}

	return nil, fmt.Errorf("inference failed after %d retries: %w", maxRetries, lastErr)
}

// Infer sends an already JPEG-encoded image to the inference service
func (c *Client) Infer(ctx context.Context, jpegData []byte) (*InferenceResponse, error) {
	req := InferenceRequest{
		Image: base64.StdEncoding.EncodeToString(jpegData),
	}
	if c.confidence > 0 {
		threshold := c.confidence
		req.ConfidenceThreshold = &threshold
	}
	if len(c.enabledClasses) > 0 {
		req.EnabledClasses = c.enabledClasses
	}

	c.requests.Add(1)
	resp, err := c.inferRequest(ctx, req)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}
	return resp, nil
}

func (c *Client) inferRequest(ctx context.Context, req InferenceRequest) (*InferenceResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.serviceURL + "/api/v1/inference"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Inference service returned error", "status", resp.StatusCode, "response", string(body))
		return nil, fmt.Errorf("inference service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var inferenceResp InferenceResponse
	if err := json.Unmarshal(body, &inferenceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	c.logger.Debug("Inference completed",
		"detection_count", len(inferenceResp.BoundingBoxes),
		"inference_time_ms", inferenceResp.InferenceTimeMs,
		"request_duration_ms", time.Since(startTime).Milliseconds(),
	)

	return &inferenceResp, nil
}

// GetStats retrieves inference statistics from the service
func (c *Client) GetStats(ctx context.Context) (*InferenceStats, error) {
	var stats InferenceStats
	if err := c.getJSON(ctx, "/api/v1/inference/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Stats returns this client's request counters
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Requests: c.requests.Load(),
		Failures: c.failures.Load(),
		Retries:  c.retries.Load(),
	}
}

// HealthCheck checks if the inference service is ready
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.getJSON(ctx, "/health/ready", nil); err != nil {
		return fmt.Errorf("inference service health check failed: %w", err)
	}
	return nil
}

// getJSON performs a GET and decodes the body into out when out is non-nil
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serviceURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
