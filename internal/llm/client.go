// Package llm wraps the Gemini API behind the insight.Caller interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"
)

const systemInstruction = "You are a data analyst. Output valid JSON only."

// Config holds LLM client configuration.
type Config struct {
	APIKey          string
	Model           string
	MaxOutputTokens int32
	CallTimeout     time.Duration
	Temperature     float32
}

// Client calls the Gemini API and returns the raw response text.
type Client struct {
	logger *slog.Logger
	client *genai.Client
	cfg    Config
}

// NewClient creates a Gemini-backed client. The API key must be set; the
// caller decides what to do when it is not (the generator falls back).
func NewClient(ctx context.Context, logger *slog.Logger, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm model name is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &Client{
		logger: logger,
		client: client,
		cfg:    cfg,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Generate sends the prompt and returns the raw response text. API errors
// are wrapped so the retry classifier can read their HTTP status code.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	temperature := c.cfg.Temperature
	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		Temperature:       &temperature,
		MaxOutputTokens:   c.cfg.MaxOutputTokens,
	})
	if err != nil {
		return "", wrapAPIError(err)
	}

	text := resp.Text()
	if text == "" {
		return "", errors.New("empty response from model")
	}

	c.logger.Debug("LLM response received",
		slog.String("model", c.cfg.Model),
		slog.Int("response_chars", len(text)),
		slog.Duration("latency", time.Since(start)),
	)
	return text, nil
}

// statusError carries the upstream HTTP status for retry classification.
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string {
	return fmt.Sprintf("llm api error (status %d): %v", e.code, e.err)
}

func (e *statusError) Unwrap() error {
	return e.err
}

func (e *statusError) HTTPStatusCode() int {
	return e.code
}

func wrapAPIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &statusError{code: apiErr.Code, err: err}
	}
	return err
}
