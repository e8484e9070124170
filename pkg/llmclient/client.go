// Package llmclient adapts the Anthropic Messages API to
// ports.LLMProvider: a single Complete() call for extraction/
// confirmation/feedback-parsing. Embed() always returns an error, since
// the Anthropic API has no embedding endpoint. Grounded on the
// teacher's pkg/ai/llm.NewClient(cfg, logger) constructor shape
// (_teacher_seed/ai/llm/client_test.go) — provider validated at
// construction, errors returned rather than panicking. The completion
// call is wrapped in the same sony/gobreaker pattern pkg/erp uses
// around ERP RPCs: a flaky model endpoint trips the breaker instead of
// retrying every caller into the ground.
package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/sds-orderproc/orderproc/pkg/orderrors"
	"github.com/sds-orderproc/orderproc/pkg/retry"
)

// Config carries the connection settings for the Anthropic adapter.
type Config struct {
	APIKey string
	Model  string
}

// Client implements ports.LLMProvider against the Anthropic API.
type Client struct {
	api     anthropic.Client
	model   string
	retrier *retry.Retrier
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
}

func newBreaker(logger *logrus.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llmclient.complete",
		MaxRequests: 2,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"breaker": name, "state": to.String()}).
				Warn("llm circuit breaker state changed")
		},
	})
}

// NewClient validates cfg and builds a Client. An empty APIKey is
// rejected at construction rather than surfacing as a confusing
// first-call failure.
func NewClient(cfg Config, logger *logrus.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, orderrors.ValidationError("llm api key", "api key must not be empty")
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Client{
		api:     anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   model,
		retrier: retry.NewRetrier(retry.ExternalCallConfig(), logger),
		breaker: newBreaker(logger),
		logger:  logger,
	}, nil
}

// NewClientWithBaseURL builds a Client pointed at a custom API base URL
// (tests point this at an httptest.Server standing in for Anthropic).
func NewClientWithBaseURL(cfg Config, baseURL string, logger *logrus.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, orderrors.ValidationError("llm api key", "api key must not be empty")
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Client{
		api:     anthropic.NewClient(option.WithAPIKey(cfg.APIKey), option.WithBaseURL(baseURL)),
		model:   model,
		retrier: retry.NewRetrier(retry.ExternalCallConfig(), logger),
		breaker: newBreaker(logger),
		logger:  logger,
	}, nil
}

// Complete asks the model to produce JSON conforming to schema for
// prompt, retrying transient failures per pkg/retry's external-call
// policy.
func (c *Client) Complete(ctx context.Context, prompt string, schema map[string]interface{}, params map[string]interface{}) (map[string]interface{}, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, orderrors.Wrapf(err, "marshal completion schema")
	}

	fullPrompt := fmt.Sprintf("%s\n\nRespond with JSON matching this schema exactly, no prose:\n%s", prompt, string(schemaJSON))

	maxTokens := int64(4096)
	if mt, ok := params["max_tokens"].(int); ok {
		maxTokens = int64(mt)
	}
	var temperature float64
	if t, ok := params["temperature"].(float64); ok {
		temperature = t
	}

	result, err := c.retrier.ExecuteWithType(ctx, func(ctx context.Context, attempt int) (any, error) {
		resp, err := c.breaker.Execute(func() (interface{}, error) {
			return c.api.Messages.New(ctx, anthropic.MessageNewParams{
				Model:       anthropic.Model(c.model),
				MaxTokens:   maxTokens,
				Temperature: anthropic.Float(temperature),
				Messages: []anthropic.MessageParam{
					anthropic.NewUserMessage(anthropic.NewTextBlock(fullPrompt)),
				},
			})
		})
		if err != nil {
			return nil, retry.WrapRetryableError(err, retry.IsRetryableError(err), "anthropic completion")
		}
		return resp, nil
	})
	if err != nil {
		return nil, orderrors.FailedTo("complete LLM prompt", err)
	}

	resp := result.(*anthropic.Message)
	text := extractText(resp)

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, orderrors.FailedTo("parse LLM completion as JSON", err)
	}
	return parsed, nil
}

// Embed requests embeddings for texts. The Anthropic Messages API has
// no native embedding endpoint; callers needing embeddings use
// pkg/embedding's local deterministic service instead and only reach
// this adapter for Complete().
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	return nil, orderrors.FailedTo("embed via anthropic client", fmt.Errorf("anthropic provider has no embeddings endpoint; use pkg/embedding.Service"))
}

func extractText(resp *anthropic.Message) string {
	var out string
	for _, block := range resp.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}
