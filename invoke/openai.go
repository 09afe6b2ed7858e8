package invoke

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/jonwraymond/evalops/dispatch"
)

// OpenAIConfig configures an OpenAIInvoker.
type OpenAIConfig struct {
	// APIKey authenticates against the API. Required.
	APIKey string

	// BaseURL points at an OpenAI-compatible server.
	// Default: https://api.openai.com/v1
	BaseURL string

	// Model is used for requests whose params name no model. Required when
	// any request omits it.
	Model string

	// SystemPrompt, when set, is sent as the system message.
	SystemPrompt string

	// RequireJSON rejects completions that are not valid JSON.
	// Default: false
	RequireJSON bool

	// Client overrides the HTTP client.
	Client *http.Client
}

// OpenAIInvoker sends each request as a single-turn chat completion and
// returns the first choice's content as the payload.
type OpenAIInvoker struct {
	client       *openai.Client
	model        string
	systemPrompt string
	requireJSON  bool
}

// NewOpenAIInvoker validates cfg and builds an invoker.
func NewOpenAIInvoker(cfg OpenAIConfig) (*OpenAIInvoker, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: openai api key is required", ErrInvalidConfig)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Client != nil {
		clientCfg.HTTPClient = cfg.Client
	}

	return &OpenAIInvoker{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		requireJSON:  cfg.RequireJSON,
	}, nil
}

// Invoke implements dispatch.Invoker.
func (o *OpenAIInvoker) Invoke(ctx context.Context, req dispatch.Request) ([]byte, error) {
	model := req.Params.Model
	if model == "" {
		model = o.model
	}
	if model == "" {
		return nil, permanent(fmt.Errorf("%w: no model for request %s", ErrInvalidConfig, req.ID))
	}

	var messages []openai.ChatCompletionMessage
	if o.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Params.Temperature),
		MaxTokens:   req.Params.MaxTokens,
	})
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return nil, transient(ErrEmptyResponse)
	}
	return checkPayload([]byte(resp.Choices[0].Message.Content), o.requireJSON)
}

// classifyOpenAI maps client errors onto the resilience taxonomy.
func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return classifyStatus(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return classifyStatus(reqErr.HTTPStatusCode, snippet(reqErr.Body))
	}
	return fmt.Errorf("chat completion: %w", err)
}

var _ dispatch.Invoker = (*OpenAIInvoker)(nil)
