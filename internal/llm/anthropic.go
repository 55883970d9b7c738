package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic calls the Anthropic Messages API through the official SDK.
type Anthropic struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates a new Anthropic API client.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) *Anthropic {
	opts = append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(2 * time.Minute),
		option.WithMaxRetries(2),
	}, opts...)
	client := anthropic.NewClient(opts...)

	return &Anthropic{
		client:    &client,
		model:     model,
		maxTokens: 512,
	}
}

// Complete sends a single-turn prompt and joins the text blocks of the reply.
func (a *Anthropic) Complete(ctx context.Context, prompt string) (*Response, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		Temperature: anthropic.Float(0.2),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic api: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}

	return &Response{
		Content:    text.String(),
		Provider:   "anthropic",
		TokensUsed: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}, nil
}
