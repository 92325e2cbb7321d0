package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/sashabaranov/go-openai"
)

type OpenAIClient struct {
	client              *openai.Client
	model               string
	maxCompletionTokens int
	temperature         float64
}

func NewOpenAIClient(config Config) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	client := openai.NewClient(config.APIKey)
	model := config.Model
	if model == "" {
		model = openai.GPT4o
	}

	return &OpenAIClient{
		client:              client,
		model:               model,
		maxCompletionTokens: config.MaxCompletionTokens,
		temperature:         config.Temperature,
	}, nil
}

func (c *OpenAIClient) buildRequest(messages []Message, opts GenerationOptions) openai.ChatCompletionRequest {
	openAIMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if opts.SystemPrompt != "" {
		openAIMessages = append(openAIMessages, openai.ChatCompletionMessage{
			Role:    "system",
			Content: opts.SystemPrompt,
		})
	}
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		openAIMessages = append(openAIMessages, openai.ChatCompletionMessage{
			Role:    mapRole(msg.Role),
			Content: msg.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:               c.model,
		Messages:            openAIMessages,
		MaxCompletionTokens: c.maxCompletionTokens,
		Temperature:         float32(c.temperature),
	}
	if opts.JSONResponse {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}

func (c *OpenAIClient) StreamChat(ctx context.Context, messages []Message, opts GenerationOptions) (<-chan StreamChunk, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, c.buildRequest(messages, opts))
	if err != nil {
		log.Printf("OpenAIClient -> StreamChat -> err: %v", err)
		return nil, fmt.Errorf("OpenAI API error: %v", err)
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				chunks <- StreamChunk{Err: fmt.Errorf("OpenAI stream error: %v", err)}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			choice := resp.Choices[0]
			chunk := StreamChunk{Delta: choice.Delta.Content}
			for _, toolCall := range choice.Delta.ToolCalls {
				chunk.ToolName = toolCall.Function.Name
				chunk.ToolArgsDelta += toolCall.Function.Arguments
			}
			switch choice.FinishReason {
			case openai.FinishReasonLength:
				chunk.FinishReason = FinishReasonLength
			case openai.FinishReasonStop:
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

func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, opts GenerationOptions) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(messages, opts))
	if err != nil {
		log.Printf("OpenAIClient -> Complete -> err: %v", err)
		return "", fmt.Errorf("OpenAI API error: %v", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from OpenAI")
	}

	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) GetModelInfo() ModelInfo {
	return ModelInfo{
		Name:                c.model,
		Provider:            "openai",
		MaxCompletionTokens: c.maxCompletionTokens,
	}
}
