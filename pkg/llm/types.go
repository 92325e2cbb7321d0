package llm

import (
	"context"
)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChunk is one increment of a streamed completion. Exactly one of
// Delta, the tool fields or Err is meaningful; FinishReason arrives on the
// final chunk.
type StreamChunk struct {
	Delta         string
	ToolName      string
	ToolArgsDelta string
	FinishReason  string
	Err           error
}

// GenerationOptions tunes a single request without rebuilding the client.
type GenerationOptions struct {
	JSONResponse bool
	SystemPrompt string
}

// Client defines the interface for LLM interactions
type Client interface {
	StreamChat(ctx context.Context, messages []Message, opts GenerationOptions) (<-chan StreamChunk, error)
	Complete(ctx context.Context, messages []Message, opts GenerationOptions) (string, error)
	GetModelInfo() ModelInfo
}

// ModelInfo contains information about the LLM model
type ModelInfo struct {
	Name                string
	Provider            string
	MaxCompletionTokens int
	ContextLimit        int
}

// Config holds configuration for LLM clients
type Config struct {
	Provider            string
	Model               string
	APIKey              string
	MaxCompletionTokens int
	Temperature         float64
}

// Finish reasons normalized across providers.
const (
	FinishReasonStop   = "stop"
	FinishReasonLength = "length"
)
