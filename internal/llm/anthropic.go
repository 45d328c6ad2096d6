package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/aegis-dq/aegis/internal/config"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 2048
)

// AnthropicClient is the production ChatClient backed by the Anthropic API.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// Compile-time interface compliance check.
var _ ChatClient = (*AnthropicClient)(nil)

// NewFromEnv builds a client from ANTHROPIC_API_KEY. OPENAI_API_KEY is
// accepted as an alias so existing deployments keep working. Returns
// ErrNotConfigured when neither is set; the caller falls back to the
// deterministic paths.
func NewFromEnv() (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	if apiKey == "" {
		return nil, ErrNotConfigured
	}

	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(config.GetEnvStr("AEGIS_LLM_MODEL", defaultModel)),
	}, nil
}

// Complete sends one completion request and returns the first text block.
// Provider failures map onto the package error taxonomy so the retry driver
// can classify them.
func (c *AnthropicClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyProviderError(err)
	}

	if len(message.Content) == 0 {
		return "", fmt.Errorf("%w: no content blocks", ErrMalformedOutput)
	}

	content := message.Content[0]
	if content.Type != "text" {
		return "", fmt.Errorf("%w: first block is %s, not text", ErrMalformedOutput, content.Type)
	}

	return content.Text, nil
}

// classifyProviderError maps SDK and transport errors onto the package
// sentinels, extracting the Retry-After hint on 429s.
func classifyProviderError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return &RateLimitedError{RetryAfter: retryAfterHint(apiErr)}
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: provider returned %d", ErrUnavailable, apiErr.StatusCode)
		default:
			return fmt.Errorf("llm request rejected: %w", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return fmt.Errorf("llm request failed: %w", err)
}

func retryAfterHint(apiErr *anthropic.Error) time.Duration {
	if apiErr.Response == nil {
		return 0
	}

	header := apiErr.Response.Header.Get("Retry-After")
	if header == "" {
		return 0
	}

	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}
