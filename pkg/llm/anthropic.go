package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// defaultMaxTokens caps completions when a request does not specify one.
// Guardian and conductor analyses are small structured JSON documents.
const defaultMaxTokens = 2048

// MessagesClient is the subset of the Anthropic SDK used by the adapter.
// Satisfied by *sdk.MessageService; tests pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient implements Client on top of the Claude Messages API.
type AnthropicClient struct {
	msg          MessagesClient
	defaultModel string
}

// NewAnthropic builds an adapter over an existing Messages client.
func NewAnthropic(msg MessagesClient, defaultModel string) (*AnthropicClient, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &AnthropicClient{msg: msg, defaultModel: defaultModel}, nil
}

// NewAnthropicFromAPIKey constructs an adapter with the default SDK HTTP
// client.
func NewAnthropicFromAPIKey(apiKey, defaultModel string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&ac.Messages, defaultModel)
}

// Complete issues a non-streaming Messages.New request and flattens the text
// blocks of the response.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Prompt == "" {
		return nil, errors.New("prompt is required")
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &Response{
		Text:  sb.String(),
		Model: string(msg.Model),
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}
