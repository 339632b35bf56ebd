// Package generation proxies generation requests to the external workflow webhooks
// and normalises their loosely shaped responses.
package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/adlence-ai/adlence/internal/config"
	"github.com/adlence-ai/adlence/internal/telemetry"
)

var (
	// ErrExtraction means the workflow answered 2xx without a usable result.
	ErrExtraction = errors.New("could not extract result from generation response")
	// ErrNotConfigured means no webhook URL is set for the requested mode or tool.
	ErrNotConfigured = errors.New("generation webhook not configured")
	// ErrInvalidImage means the input image is not valid base64.
	ErrInvalidImage = errors.New("image must be base64 encoded")
)

// maxResponseBytes bounds how much of a workflow response is read.
const maxResponseBytes = 16 << 20

// UpstreamError is a non-2xx answer from a workflow webhook, passed through as is.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("generation webhook returned %d: %s", e.StatusCode, e.Body)
}

// TextRequest asks for text-only output.
type TextRequest struct {
	Prompt  string
	Options json.RawMessage
}

// TextResult is the extracted text.
type TextResult struct {
	Text string `json:"text"`
}

// ImageRequest asks for an image, optionally derived from a base64 input image.
type ImageRequest struct {
	Prompt  string
	Image   string
	Options json.RawMessage
}

// ImageResult is the normalised image location and the workflow's task id.
type ImageResult struct {
	ImageURL string `json:"image_url"`
	TaskID   string `json:"taskId"`
}

// ToolRequest runs one marketing tool for a user.
type ToolRequest struct {
	ToolID string
	UserID string
	Inputs json.RawMessage
}

// Client posts to the workflow webhooks. It is safe for concurrent use.
type Client struct {
	textURL   string
	imageURL  string
	toolsURL  string
	toolURLs  map[string]string
	http      *http.Client
	logger    *slog.Logger
	tracer    trace.Tracer
	durations metric.Float64Histogram
}

// NewClient creates a Client from cfg.
func NewClient(cfg config.GenerationConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	durations, _ := telemetry.Meter("adlence/generation").Float64Histogram("adlence.generation.duration",
		metric.WithDescription("Time spent waiting on generation webhooks (ms)"),
		metric.WithUnit("ms"),
	)
	return &Client{
		textURL:   cfg.TextWebhookURL,
		imageURL:  cfg.ImageWebhookURL,
		toolsURL:  cfg.ToolsWebhookURL,
		toolURLs:  cfg.ToolWebhooks,
		http:      &http.Client{Timeout: timeout},
		logger:    logger.With("component", "generation"),
		tracer:    telemetry.Tracer("adlence/generation"),
		durations: durations,
	}
}

// GenerateText asks the text workflow for copy and extracts it from the response.
func (c *Client) GenerateText(ctx context.Context, req TextRequest) (*TextResult, error) {
	url := firstNonEmpty(c.textURL, c.imageURL)
	if url == "" {
		return nil, ErrNotConfigured
	}
	payload := map[string]any{
		"prompt":      req.Prompt,
		"textOptions": optionsOrEmpty(req.Options),
		"timestamp":   timestamp(),
	}
	body, err := c.post(ctx, "text", url, payload)
	if err != nil {
		return nil, err
	}

	v, err := decode(body)
	if err != nil {
		return nil, err
	}
	text, ok := Extract(v, TextStrategies)
	if !ok {
		c.logger.Warn("no text in generation response", "body", truncate(body, 512))
		return nil, ErrExtraction
	}
	return &TextResult{Text: text}, nil
}

// GenerateImage asks the image workflow for an image and returns its normalised URL.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	url := firstNonEmpty(c.imageURL, c.textURL)
	if url == "" {
		return nil, ErrNotConfigured
	}
	if req.Image != "" {
		if err := ValidateImage(req.Image); err != nil {
			return nil, err
		}
	}
	payload := map[string]any{
		"prompt":           req.Prompt,
		"image":            req.Image,
		"options":          optionsOrEmpty(req.Options),
		"generateOnlyText": false,
		"timestamp":        timestamp(),
	}
	body, err := c.post(ctx, "image", url, payload)
	if err != nil {
		return nil, err
	}

	v, err := decode(body)
	if err != nil {
		return nil, err
	}
	imageURL, ok := Extract(v, ImageURLStrategies)
	if !ok {
		c.logger.Warn("no image url in generation response", "body", truncate(body, 512))
		return nil, ErrExtraction
	}
	taskID, ok := Extract(v, TaskIDStrategies)
	if !ok {
		taskID = uuid.New().String()
	}
	return &ImageResult{ImageURL: NormalizeImageURL(imageURL), TaskID: taskID}, nil
}

// RunTool posts a tool run to its webhook and returns the workflow's JSON answer.
// Non-JSON answers are returned as a JSON string.
func (c *Client) RunTool(ctx context.Context, req ToolRequest) (json.RawMessage, error) {
	url := c.toolURLs[req.ToolID]
	if url == "" {
		url = c.toolsURL
	}
	if url == "" {
		return nil, fmt.Errorf("%w: tool %q", ErrNotConfigured, req.ToolID)
	}
	payload := map[string]any{
		"toolId":    req.ToolID,
		"inputs":    optionsOrEmpty(req.Inputs),
		"userId":    req.UserID,
		"timestamp": timestamp(),
	}
	body, err := c.post(ctx, req.ToolID, url, payload)
	if err != nil {
		return nil, err
	}
	if trimmed := bytes.TrimSpace(body); json.Valid(trimmed) && len(trimmed) > 0 {
		return json.RawMessage(trimmed), nil
	}
	s, _ := json.Marshal(string(body))
	return s, nil
}

func (c *Client) post(ctx context.Context, kind, url string, payload any) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "generation."+kind,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("generation.kind", kind)),
	)
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("generation: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("generation: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.http.Do(req)
	c.durations.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("generation.kind", kind)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("generation: call webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("generation: read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		span.SetStatus(codes.Error, resp.Status)
		c.logger.Warn("generation webhook failed", "kind", kind, "status", resp.StatusCode)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// ValidateImage accepts raw base64 or a base64 data URL.
func ValidateImage(image string) error {
	data := image
	if strings.HasPrefix(data, "data:") {
		i := strings.Index(data, ";base64,")
		if i < 0 {
			return ErrInvalidImage
		}
		data = data[i+len(";base64,"):]
	}
	if data == "" {
		return ErrInvalidImage
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return ErrInvalidImage
	}
	return nil
}

func decode(body []byte) (any, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("%w: response is not JSON", ErrExtraction)
	}
	return v, nil
}

func optionsOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
