package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GeminiClient struct {
	client              *genai.Client
	model               string
	maxCompletionTokens int
	temperature         float64
}

func NewGeminiClient(config Config) (*GeminiClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %v", err)
	}

	return &GeminiClient{
		client:              client,
		model:               config.Model,
		maxCompletionTokens: config.MaxCompletionTokens,
		temperature:         config.Temperature,
	}, nil
}

// buildSession converts the conversation into Gemini chat history. Gemini
// takes the final user message as the send payload, not as history.
func (c *GeminiClient) buildSession(messages []Message, opts GenerationOptions) (*genai.ChatSession, genai.Text) {
	model := c.client.GenerativeModel(c.model)
	maxTokens := int32(c.maxCompletionTokens)
	model.MaxOutputTokens = &maxTokens
	model.SetTemperature(float32(c.temperature))
	if opts.JSONResponse {
		model.ResponseMIMEType = "application/json"
	}
	if opts.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(opts.SystemPrompt)},
		}
	}
	model.SafetySettings = []*genai.SafetySetting{
		{
			Category:  genai.HarmCategoryHarassment,
			Threshold: genai.HarmBlockNone,
		},
		{
			Category:  genai.HarmCategoryHateSpeech,
			Threshold: genai.HarmBlockNone,
		},
	}

	prompt := genai.Text("Please provide a response based on our conversation history.")
	history := make([]*genai.Content, 0, len(messages))
	for i, msg := range messages {
		if msg.Content == "" {
			continue
		}
		if i == len(messages)-1 && mapRole(msg.Role) == "user" {
			prompt = genai.Text(msg.Content)
			break
		}
		role := "user"
		if mapRole(msg.Role) == "assistant" {
			role = "model"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}

	session := model.StartChat()
	session.History = history
	return session, prompt
}

func (c *GeminiClient) StreamChat(ctx context.Context, messages []Message, opts GenerationOptions) (<-chan StreamChunk, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	session, prompt := c.buildSession(messages, opts)
	iter := session.SendMessageStream(ctx, prompt)

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)

		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				chunks <- StreamChunk{Err: fmt.Errorf("gemini stream error: %v", err)}
				return
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}

			candidate := resp.Candidates[0]
			chunk := StreamChunk{}
			for _, part := range candidate.Content.Parts {
				if text, ok := part.(genai.Text); ok {
					chunk.Delta += string(text)
				}
			}
			switch candidate.FinishReason {
			case genai.FinishReasonMaxTokens:
				chunk.FinishReason = FinishReasonLength
			case genai.FinishReasonStop:
				chunk.FinishReason = FinishReasonStop
			}

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return chunks, nil
}

func (c *GeminiClient) Complete(ctx context.Context, messages []Message, opts GenerationOptions) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	session, prompt := c.buildSession(messages, opts)
	result, err := session.SendMessage(ctx, prompt)
	if err != nil {
		log.Printf("GeminiClient -> Complete -> err: %v", err)
		return "", fmt.Errorf("gemini API error: %v", err)
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", fmt.Errorf("no response from Gemini")
	}

	responseText := fmt.Sprintf("%v", result.Candidates[0].Content.Parts[0])
	responseText = strings.ReplaceAll(responseText, "```json", "")
	responseText = strings.ReplaceAll(responseText, "```", "")
	return strings.TrimSpace(responseText), nil
}

// GetModelInfo returns information about the Gemini model.
func (c *GeminiClient) GetModelInfo() ModelInfo {
	return ModelInfo{
		Name:                c.model,
		Provider:            "gemini",
		MaxCompletionTokens: c.maxCompletionTokens,
	}
}
