package enhance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yok-tottii/EzS2T-Mix/internal/config"
)

type chatRequest struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func completionServer(t *testing.T, reply string, got *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if got != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(got))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIEnhance(t *testing.T) {
	var req chatRequest
	srv := completionServer(t, "  Hello, world.\n", &req)

	p := NewOpenAI(srv.URL+"/v1/", "test-key")
	out, err := p.Enhance(context.Background(), "hello world", Options{
		Model:       "test-model",
		Prompt:      "fix it",
		Temperature: 0.3,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world.", out)

	assert.Equal(t, "test-model", req.Model)
	assert.InDelta(t, 0.3, req.Temperature, 1e-9)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "fix it", req.Messages[0].Content)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "hello world", req.Messages[1].Content)
}

func TestOpenAIEmptyReply(t *testing.T) {
	srv := completionServer(t, "   ", nil)
	_, err := NewOpenAI(srv.URL, "").Enhance(context.Background(), "x", Options{Model: "m"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOpenAIServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad model"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewOpenAI(srv.URL, "").Enhance(context.Background(), "x", Options{Model: "m"})
	assert.Error(t, err)
}

type failingProvider struct{ calls int }

func (f *failingProvider) Enhance(context.Context, string, Options) (string, error) {
	f.calls++
	return "", errors.New("offline")
}

func TestApplyFallsBackToRawText(t *testing.T) {
	p := &failingProvider{}
	e := New(p, Options{Model: "m"}, slog.Disabled)

	assert.Equal(t, "raw text", e.Apply(context.Background(), "raw text"))
	assert.Equal(t, 1, p.calls)

	// Blank transcripts are never sent.
	assert.Equal(t, "  ", e.Apply(context.Background(), "  "))
	assert.Equal(t, 1, p.calls)
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Enhancement
	e := FromConfig(cfg, slog.Disabled)
	assert.IsType(t, Passthrough{}, e.provider)
	assert.Equal(t, "unchanged", e.Apply(context.Background(), "unchanged"))

	srv := completionServer(t, "Enhanced.", nil)
	cfg.Enabled = true
	cfg.BaseURL = srv.URL
	cfg.Prompt = ""
	t.Setenv("EZS2T_TEST_KEY", "k")
	cfg.APIKeyEnv = "EZS2T_TEST_KEY"
	e = FromConfig(cfg, slog.Disabled)
	assert.Equal(t, config.DefaultPrompt, e.opts.Prompt)
	assert.Equal(t, "Enhanced.", e.Apply(context.Background(), "enhanced"))
}
