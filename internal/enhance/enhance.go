// Package enhance post-processes transcripts with a language model.
package enhance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/yok-tottii/EzS2T-Mix/internal/config"
)

// ErrEmptyResponse is returned when the model answers with no text.
var ErrEmptyResponse = errors.New("enhancement returned no text")

// Options control one enhancement request.
type Options struct {
	Model       string
	Prompt      string
	Temperature float64
}

// Provider rewrites a transcript.
type Provider interface {
	Enhance(ctx context.Context, text string, opts Options) (string, error)
}

// Passthrough returns text unchanged.
type Passthrough struct{}

func (Passthrough) Enhance(_ context.Context, text string, _ Options) (string, error) {
	return text, nil
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates a provider for baseURL. An empty apiKey is allowed for
// local servers that do not authenticate.
func NewOpenAI(baseURL, apiKey string, opts ...option.RequestOption) *OpenAI {
	clientOptions := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(1),
	}
	if baseURL != "" {
		clientOptions = append(clientOptions, option.WithBaseURL(baseURL))
	}
	clientOptions = append(clientOptions, opts...)
	return &OpenAI{client: openai.NewClient(clientOptions...)}
}

func (p *OpenAI) Enhance(ctx context.Context, text string, opts Options) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(opts.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(opts.Prompt),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(opts.Temperature),
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

// Enhancer applies a provider with the configured options and falls back
// to the raw transcript when it fails.
type Enhancer struct {
	provider Provider
	opts     Options
	timeout  time.Duration
	log      slog.Logger
}

// DefaultTimeout bounds one enhancement request.
const DefaultTimeout = 15 * time.Second

// FromConfig builds an Enhancer from cfg. A disabled configuration yields a
// passthrough.
func FromConfig(cfg config.EnhancementConfig, log slog.Logger) *Enhancer {
	e := &Enhancer{
		provider: Passthrough{},
		opts: Options{
			Model:       cfg.Model,
			Prompt:      cfg.Prompt,
			Temperature: cfg.Temperature,
		},
		timeout: DefaultTimeout,
		log:     log,
	}
	if e.opts.Prompt == "" {
		e.opts.Prompt = config.DefaultPrompt
	}
	if cfg.Enabled {
		var key string
		if cfg.APIKeyEnv != "" {
			key = os.Getenv(cfg.APIKeyEnv)
		}
		e.provider = NewOpenAI(cfg.BaseURL, key)
	}
	return e
}

// New creates an Enhancer around an explicit provider.
func New(p Provider, opts Options, log slog.Logger) *Enhancer {
	return &Enhancer{provider: p, opts: opts, timeout: DefaultTimeout, log: log}
}

// Apply returns the enhanced text, or text itself when enhancement fails.
func (e *Enhancer) Apply(ctx context.Context, text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	if _, ok := e.provider.(Passthrough); ok {
		return text
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	began := time.Now()
	out, err := e.provider.Enhance(ctx, text, e.opts)
	if err != nil {
		e.log.Warnf("Enhancement failed, using raw transcript: %v", err)
		return text
	}
	e.log.Debugf("Enhanced %d chars to %d chars in %v", len(text), len(out), time.Since(began).Round(time.Millisecond))
	return out
}
