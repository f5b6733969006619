// Package assistant talks to an OpenAI-compatible chat completions endpoint
// on behalf of the Orbit room participant.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL   = "https://api.groq.com/openai/v1"
	DefaultModel     = "llama-3.3-70b-versatile"
	DefaultMaxTokens = 500
	DefaultTimeout   = 30 * time.Second
)

// SystemPrompt frames every completion request.
const SystemPrompt = "You are Orbit, an AI assistant inside a collaborative coding room. " +
	"Answer the latest question using the current code and the conversation. " +
	"Be concise and technical. Wrap any code in triple backticks."

var (
	ErrRateLimited   = errors.New("assistant: rate limited")
	ErrUnavailable   = errors.New("assistant: unavailable")
	ErrNotConfigured = errors.New("assistant: api key not configured")
)

type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

type Client struct {
	api       *openai.Client
	model     string
	maxTokens int
	logger    *zap.Logger
}

// New returns a client. A missing API key is not an error here; Respond
// reports ErrNotConfigured instead so the server can still start.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    logger.Named("assistant"),
	}
	if strings.TrimSpace(cfg.APIKey) != "" {
		api := openai.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL),
			option.WithMaxRetries(0),
			option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		)
		c.api = &api
	}
	return c
}

// Respond sends the room context as a single user turn and returns the
// completion text. The text may be empty when the provider returns nothing.
func (c *Client) Respond(ctx context.Context, roomContext string) (string, error) {
	if c.api == nil {
		return "", ErrNotConfigured
	}

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt),
			openai.UserMessage(roomContext),
		},
		MaxTokens: openai.Int(int64(c.maxTokens)),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			c.logger.Warn("completion rate limited", zap.String("model", c.model))
			return "", ErrRateLimited
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
