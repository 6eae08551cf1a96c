package proxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is used by the direct Anthropic provider.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

const anthropicMaxTokens = 4096

// Anthropic talks to the Anthropic Messages API directly.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropic creates a direct Anthropic provider. Extra request options
// (for example option.WithBaseURL in tests) are passed to the SDK client.
func NewAnthropic(apiKey, defaultModel string, opts ...option.RequestOption) *Anthropic {
	if defaultModel == "" {
		defaultModel = DefaultAnthropicModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

// Generate folds system messages into the request's system blocks and sends
// the remaining turns as the conversation.
func (a *Anthropic) Generate(ctx context.Context, messages []Message, model string) (string, error) {
	if model == "" {
		model = a.defaultModel
	}

	var system []anthropic.TextBlockParam
	var turns []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(turns) == 0 {
		return "", fmt.Errorf("anthropic: conversation has no user or assistant turns")
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: anthropicMaxTokens,
		Messages:  turns,
	}
	if len(system) > 0 {
		params.System = system
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyReply
	}
	return sb.String(), nil
}
