package generation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adlence-ai/adlence/internal/config"
)

// webhook starts a fake workflow endpoint that records the last request body.
func webhook(t *testing.T, status int, response string) (*httptest.Server, *map[string]any, *atomic.Int32) {
	t.Helper()
	var last map[string]any
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &last)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, &last, &calls
}

func newTestClient(cfg config.GenerationConfig) *Client {
	return NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGenerateText(t *testing.T) {
	srv, last, _ := webhook(t, http.StatusOK, `[{"data":{"result":{"text":"Fresh bread daily"}}}]`)
	c := newTestClient(config.GenerationConfig{TextWebhookURL: srv.URL})

	res, err := c.GenerateText(context.Background(), TextRequest{
		Prompt:  "bakery ad",
		Options: json.RawMessage(`{"tone":"warm"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "Fresh bread daily", res.Text)

	assert.Equal(t, "bakery ad", (*last)["prompt"])
	assert.Equal(t, map[string]any{"tone": "warm"}, (*last)["textOptions"])
	ts, _ := (*last)["timestamp"].(string)
	_, err = time.Parse(time.RFC3339, ts)
	assert.NoError(t, err, "timestamp %q", ts)
}

func TestGenerateTextSentinelOnly(t *testing.T) {
	srv, _, _ := webhook(t, http.StatusOK, `{"text":"{{ $json.text }}"}`)
	c := newTestClient(config.GenerationConfig{TextWebhookURL: srv.URL})

	res, err := c.GenerateText(context.Background(), TextRequest{Prompt: "x"})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestGenerateTextNotJSON(t *testing.T) {
	srv, _, _ := webhook(t, http.StatusOK, `<html>oops</html>`)
	c := newTestClient(config.GenerationConfig{TextWebhookURL: srv.URL})

	_, err := c.GenerateText(context.Background(), TextRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestUpstreamErrorForwarded(t *testing.T) {
	srv, _, calls := webhook(t, http.StatusBadGateway, `workflow crashed`)
	c := newTestClient(config.GenerationConfig{TextWebhookURL: srv.URL})

	_, err := c.GenerateText(context.Background(), TextRequest{Prompt: "x"})
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.Equal(t, http.StatusBadGateway, ue.StatusCode)
	assert.Equal(t, "workflow crashed", ue.Body)
	assert.Equal(t, int32(1), calls.Load(), "must not retry")
}

func TestGenerateImage(t *testing.T) {
	srv, last, _ := webhook(t, http.StatusOK, `{"data":{"image_url":"https:/cdn.example.com/ad.png","taskId":"task-7"}}`)
	c := newTestClient(config.GenerationConfig{ImageWebhookURL: srv.URL})

	res, err := c.GenerateImage(context.Background(), ImageRequest{
		Prompt: "sneaker ad",
		Image:  "data:image/png;base64,iVBORw0KGgo=",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/ad.png", res.ImageURL)
	assert.Equal(t, "task-7", res.TaskID)

	assert.Equal(t, false, (*last)["generateOnlyText"])
	assert.Equal(t, "data:image/png;base64,iVBORw0KGgo=", (*last)["image"])
	assert.Equal(t, map[string]any{}, (*last)["options"])
}

func TestGenerateImageGeneratesTaskID(t *testing.T) {
	srv, _, _ := webhook(t, http.StatusOK, `{"image_url":"cdn.example.com/ad.png"}`)
	c := newTestClient(config.GenerationConfig{ImageWebhookURL: srv.URL})

	res, err := c.GenerateImage(context.Background(), ImageRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/ad.png", res.ImageURL)
	assert.NotEmpty(t, res.TaskID)
}

func TestGenerateImageRejectsBadBase64(t *testing.T) {
	srv, _, calls := webhook(t, http.StatusOK, `{}`)
	c := newTestClient(config.GenerationConfig{ImageWebhookURL: srv.URL})

	_, err := c.GenerateImage(context.Background(), ImageRequest{Prompt: "x", Image: "not base64!!"})
	assert.ErrorIs(t, err, ErrInvalidImage)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRunTool(t *testing.T) {
	perTool, perToolLast, _ := webhook(t, http.StatusOK, `{"headlines":["A","B"]}`)
	shared, _, sharedCalls := webhook(t, http.StatusOK, `plain text answer`)
	c := newTestClient(config.GenerationConfig{
		ToolsWebhookURL: shared.URL,
		ToolWebhooks:    map[string]string{"headline": perTool.URL},
	})

	out, err := c.RunTool(context.Background(), ToolRequest{
		ToolID: "headline",
		UserID: "u1",
		Inputs: json.RawMessage(`{"product":"mug"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"headlines":["A","B"]}`, string(out))
	assert.Equal(t, "headline", (*perToolLast)["toolId"])
	assert.Equal(t, "u1", (*perToolLast)["userId"])
	assert.Equal(t, int32(0), sharedCalls.Load())

	out, err = c.RunTool(context.Background(), ToolRequest{ToolID: "hashtags", UserID: "u1"})
	require.NoError(t, err)
	assert.JSONEq(t, `"plain text answer"`, string(out))
}

func TestNotConfigured(t *testing.T) {
	c := newTestClient(config.GenerationConfig{})
	_, err := c.GenerateText(context.Background(), TextRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = c.RunTool(context.Background(), ToolRequest{ToolID: "banner"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestContextCancellationAbortsCall(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	c := newTestClient(config.GenerationConfig{TextWebhookURL: srv.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.GenerateText(ctx, TextRequest{Prompt: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestValidateImage(t *testing.T) {
	assert.NoError(t, ValidateImage("aGVsbG8="))
	assert.NoError(t, ValidateImage("data:image/jpeg;base64,aGVsbG8="))
	assert.ErrorIs(t, ValidateImage("data:image/jpeg,aGVsbG8="), ErrInvalidImage)
	assert.ErrorIs(t, ValidateImage("data:image/png;base64,"), ErrInvalidImage)
	assert.ErrorIs(t, ValidateImage("%%%"), ErrInvalidImage)
}
