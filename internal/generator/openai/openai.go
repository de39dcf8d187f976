package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"laptoprag/internal/generator"
)

// Client is an OpenAI-compatible chat client implementing generator.Generator.
type Client struct {
	client      sdk.Client
	model       string
	temperature float64
}

// Config configures the OpenAI-compatible chat client.
type Config struct {
	BaseURL     string
	APIKeyEnv   string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// NewClient creates a chat client using the provided configuration. The SDK's
// own retries are disabled; callers wrap the client with generator.WithRetry.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "OPENAI_API_KEY"
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("missing API key in env %s", cfg.APIKeyEnv)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	t := cfg.Timeout
	if t == 0 {
		t = 60 * time.Second
	}
	return &Client{
		client: sdk.NewClient(
			option.WithAPIKey(key),
			option.WithBaseURL(cfg.BaseURL),
			option.WithMaxRetries(0),
			option.WithRequestTimeout(t),
		),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

// Generate sends the grounded prompt and parses the JSON reply.
func (c *Client) Generate(ctx context.Context, req generator.Request) (generator.Response, error) {
	prompt := generator.BuildPrompt(req)
	start := time.Now()
	completion, err := c.client.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:       sdk.ChatModel(c.model),
		Messages:    []sdk.ChatCompletionMessageParamUnion{sdk.UserMessage(prompt)},
		Temperature: sdk.Float(c.temperature),
	})
	latency := time.Since(start)
	if err != nil {
		return generator.Response{}, classify(err)
	}
	if len(completion.Choices) == 0 {
		return generator.Response{}, errors.New("openai chat: no choices returned")
	}
	raw := strings.TrimSpace(completion.Choices[0].Message.Content)
	answer, refs := generator.ParseReply(raw, req.Evidence)
	return generator.Response{
		Answer:    answer,
		Citations: refs,
		Latency:   latency,
		Model:     completion.Model,
	}, nil
}

// classify marks client errors that a retry cannot fix as permanent.
// Rate limits and request timeouts stay transient.
func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
			return generator.Permanent(fmt.Errorf("openai chat: %w", err))
		}
	}
	return fmt.Errorf("openai chat: %w", err)
}
