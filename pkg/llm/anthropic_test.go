package llm

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessages struct {
	lastParams sdk.MessageNewParams
	reply      *sdk.Message
	err        error
}

func (f *fakeMessages) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	f.lastParams = body
	return f.reply, f.err
}

func TestNewAnthropicValidation(t *testing.T) {
	_, err := NewAnthropic(nil, "claude-sonnet-4.5")
	assert.Error(t, err)

	_, err = NewAnthropic(&fakeMessages{}, "")
	assert.Error(t, err)
}

func TestCompleteFlattensTextBlocks(t *testing.T) {
	fake := &fakeMessages{
		reply: &sdk.Message{
			Model: "claude-sonnet-4.5",
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "hello "},
				{Type: "tool_use"},
				{Type: "text", Text: "world"},
			},
			Usage: sdk.Usage{InputTokens: 12, OutputTokens: 7},
		},
	}
	c, err := NewAnthropic(fake, "claude-sonnet-4.5")
	require.NoError(t, err)

	resp, err := c.Complete(t.Context(), Request{
		System: "you are a monitor",
		Prompt: "analyze this",
	})
	require.NoError(t, err)

	assert.Equal(t, "hello world", resp.Text)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 7, resp.Usage.CompletionTokens)

	assert.Equal(t, sdk.Model("claude-sonnet-4.5"), fake.lastParams.Model)
	assert.EqualValues(t, defaultMaxTokens, fake.lastParams.MaxTokens)
	require.Len(t, fake.lastParams.System, 1)
	assert.Equal(t, "you are a monitor", fake.lastParams.System[0].Text)
}

func TestCompleteModelOverride(t *testing.T) {
	fake := &fakeMessages{reply: &sdk.Message{}}
	c, err := NewAnthropic(fake, "claude-sonnet-4.5")
	require.NoError(t, err)

	_, err = c.Complete(t.Context(), Request{Prompt: "x", Model: "claude-haiku-4.5", MaxTokens: 64})
	require.NoError(t, err)
	assert.Equal(t, sdk.Model("claude-haiku-4.5"), fake.lastParams.Model)
	assert.EqualValues(t, 64, fake.lastParams.MaxTokens)
}

func TestCompleteErrors(t *testing.T) {
	c, err := NewAnthropic(&fakeMessages{err: errors.New("overloaded")}, "claude-sonnet-4.5")
	require.NoError(t, err)

	_, err = c.Complete(t.Context(), Request{Prompt: "x"})
	assert.ErrorContains(t, err, "overloaded")

	_, err = c.Complete(t.Context(), Request{})
	assert.ErrorContains(t, err, "prompt is required")
}
