package dtos

import (
	"conversa-ai/internal/models"
)

// StreamID pairs the submission with an SSE connection; the server
// assigns one when the client does not.
type SendMessageRequest struct {
	StreamID    string                  `json:"stream_id"`
	Content     string                  `json:"content" binding:"required"`
	Files       []models.FileDescriptor `json:"files,omitempty"`
	ForceSearch bool                    `json:"force_search"`
}

type RegenerateMessageRequest struct {
	StreamID        string `json:"stream_id"`
	MessageID       int64  `json:"message_id" binding:"required"`
	ParentMessageID int64  `json:"parent_message_id" binding:"required"`
	ForceSearch     bool   `json:"force_search"`
}

// SendMessageAck is returned as soon as a submission is accepted; the
// answer itself arrives over the session's SSE stream.
type SendMessageAck struct {
	SessionID          string `json:"session_id"`
	StreamID           string `json:"stream_id"`
	UserMessageID      int64  `json:"user_message_id"`
	AssistantMessageID int64  `json:"reserved_assistant_message_id"`
}

type MessageResponse struct {
	SessionID       string                  `json:"session_id"`
	MessageID       int64                   `json:"message_id"`
	ParentMessageID *int64                  `json:"parent_message_id,omitempty"`
	Type            string                  `json:"type"`
	Content         string                  `json:"content"`
	Files           []models.FileDescriptor `json:"files,omitempty"`
	Citations       map[string]string       `json:"citations,omitempty"`
	Documents       []models.Document       `json:"documents,omitempty"`
	ToolCall        *models.ToolCallRecord  `json:"tool_call,omitempty"`
	SubQuestions    []models.SubQuestion    `json:"sub_questions,omitempty"`
	RephrasedQuery  *string                 `json:"rephrased_query,omitempty"`
	Error           *string                 `json:"error,omitempty"`
	Level           int                     `json:"level"`
	CanContinue     bool                    `json:"can_continue"`
	CreatedAt       string                  `json:"created_at"`
	UpdatedAt       string                  `json:"updated_at"`
}

type MessageListResponse struct {
	Messages []MessageResponse `json:"messages"`
	Total    int64             `json:"total"`
}

// ToMessageDto flattens a tree node for the wire.
func ToMessageDto(sessionID string, message *models.ChatMessage) MessageResponse {
	return MessageResponse{
		SessionID:       sessionID,
		MessageID:       message.MessageID,
		ParentMessageID: message.ParentMessageID,
		Type:            string(message.Type),
		Content:         message.Message,
		Files:           message.Files,
		Citations:       message.Citations,
		Documents:       message.Documents,
		ToolCall:        message.ToolCall,
		SubQuestions:    message.SubQuestions,
		RephrasedQuery:  message.RephrasedQuery,
		Error:           message.Error,
		Level:           message.Level,
		CanContinue:     message.CanContinue,
		CreatedAt:       message.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:       message.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}
