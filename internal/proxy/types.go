// Package proxy sends assembled conversations to a hosted language model.
package proxy

import "context"

// Roles accepted by upstream chat APIs.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of an assembled conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces a reply for an ordered conversation. model may be empty,
// in which case the implementation's default is used.
type Generator interface {
	Generate(ctx context.Context, messages []Message, model string) (string, error)
}

// chatRequest is the OpenAI-compatible chat completion request body.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// chatResponse is the subset of an OpenAI-compatible completion we read.
type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
