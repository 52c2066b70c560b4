// Package llm provides the language model providers used by the agent
// responder and the moderation check applied to moderated writes.
package llm

import (
	"context"
	"fmt"
)

// StreamCallback is called for each token during streaming.
type StreamCallback func(token string, index int) error

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model string
	// System holds instructions for the agent, sent ahead of the history.
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// CompleteStream sends a streaming completion request.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// ModerationResult is the outcome of a moderation check.
type ModerationResult struct {
	Flagged    bool
	Categories []string
}

// Moderator screens customer text before it reaches the agent.
type Moderator interface {
	Moderate(ctx context.Context, text string) (*ModerationResult, error)
}

// AllowAll is a Moderator that flags nothing. It is used when no moderation
// provider is configured.
type AllowAll struct{}

// Moderate implements Moderator.
func (AllowAll) Moderate(context.Context, string) (*ModerationResult, error) {
	return &ModerationResult{}, nil
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}

// withSystem folds system instructions into the first user turn for
// providers that take the history only.
func withSystem(system string, messages []ChatMessage) []ChatMessage {
	if system == "" {
		return messages
	}
	out := make([]ChatMessage, len(messages))
	copy(out, messages)
	for i := range out {
		if out[i].Role == RoleUser {
			out[i].Content = system + "\n\n" + out[i].Content
			return out
		}
	}
	return append([]ChatMessage{{Role: RoleUser, Content: system}}, out...)
}
