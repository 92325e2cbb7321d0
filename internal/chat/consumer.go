package chat

import (
	"fmt"

	"conversa-ai/internal/constants"
	"conversa-ai/internal/models"
)

// ProtocolError means the stream itself is malformed: the first packet did
// not carry message identity, or a packet matched no recognized shape.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("stream protocol error: %s", e.Reason)
}

// StreamError is a fatal in-band error raised by the answer stream.
type StreamError struct {
	Message    string
	StackTrace *string
}

func (e *StreamError) Error() string {
	return e.Message
}

// Draft is the working state a Consumer folds packets into. It is rebuilt
// into an optimistic message pair after every applied packet.
type Draft struct {
	UserMessageID      int64
	AssistantMessageID int64
	AgenticMessageID   *int64

	Answer            string
	SecondLevelAnswer string
	SubQuestions      []models.SubQuestion
	Documents         []models.Document
	AgenticDocuments  []models.Document
	ToolCall          *models.ToolCallRecord
	Files             []models.FileDescriptor

	Citations      map[string]string
	RephrasedQuery *string
	FinalMessage   *string

	Error       *string // soft error, attached to the assistant message
	StackTrace  *string
	CanContinue bool
}

// Consumer folds one turn's ordered packet sequence into a Draft and
// derives the optimistic message pair to upsert after each packet. Feeding
// the same sequence into a fresh Consumer always produces the same Draft.
type Consumer struct {
	draft       Draft
	userText    string
	userParent  *int64
	userFiles   []models.FileDescriptor
	sawIdentity bool
}

func NewConsumer(userText string, parentMessageID *int64, files []models.FileDescriptor) *Consumer {
	return &Consumer{
		draft: Draft{
			UserMessageID:      constants.TempUserMessageID,
			AssistantMessageID: constants.TempAssistantMessageID,
		},
		userText:   userText,
		userParent: parentMessageID,
		userFiles:  files,
	}
}

func (c *Consumer) Draft() Draft {
	return c.draft
}

// State reports the generation state implied by the draft: tool building
// while a tool call has no result yet, streaming otherwise.
func (c *Consumer) State() constants.ChatState {
	if c.draft.ToolCall != nil && len(c.draft.ToolCall.ToolResult) == 0 {
		return constants.ChatStateToolBuilding
	}
	return constants.ChatStateStreaming
}

// Apply folds one packet into the draft. The returned error is either a
// *ProtocolError or a fatal *StreamError; soft errors are recorded on the
// draft and nil is returned.
func (c *Consumer) Apply(p *Packet) error {
	if !c.sawIdentity {
		if p.Kind != KindIdentity {
			return &ProtocolError{Reason: "first packet must carry user_message_id and reserved_assistant_message_id"}
		}
		c.draft.UserMessageID = *p.UserMessageID
		c.draft.AssistantMessageID = *p.ReservedAssistantMessageID
		c.sawIdentity = true
		return nil
	}

	switch p.Kind {
	case KindIdentity:
		// Repeated identity refreshes the reserved ids.
		c.draft.UserMessageID = *p.UserMessageID
		c.draft.AssistantMessageID = *p.ReservedAssistantMessageID

	case KindAgentIdentity:
		id := *p.AgenticMessageID
		c.draft.AgenticMessageID = &id

	case KindSubQuestion:
		c.applySubQuestion(p)

	case KindAnswerPiece:
		if p.Level != nil && *p.Level == 1 {
			c.draft.SecondLevelAnswer += *p.AnswerPiece
		} else {
			c.draft.Answer += *p.AnswerPiece
		}

	case KindDocuments:
		if p.Level != nil && *p.Level == 1 {
			c.draft.AgenticDocuments = append(c.draft.AgenticDocuments, p.TopDocuments...)
		} else {
			c.draft.Documents = append(c.draft.Documents, p.TopDocuments...)
		}

	case KindToolCall:
		// One tool invocation per assistant turn; later packets refine it.
		if c.draft.ToolCall == nil {
			c.draft.ToolCall = &models.ToolCallRecord{ToolName: *p.ToolName}
		}
		if p.ToolArgs != nil {
			c.draft.ToolCall.ToolArgs = p.ToolArgs
		}
		if p.ToolResult != nil {
			c.draft.ToolCall.ToolResult = p.ToolResult
		}

	case KindFiles:
		c.draft.Files = append(c.draft.Files, p.FileIDs...)

	case KindError:
		// Fatal only once every top-level sub-question has stopped. With no
		// sub-questions at all the quantifier is vacuously true, so an error
		// on a plain turn is always fatal.
		if c.topLevelAllStopped() {
			return &StreamError{Message: *p.Error, StackTrace: p.StackTrace}
		}
		c.draft.Error = p.Error
		c.draft.StackTrace = p.StackTrace

	case KindMessageDetail:
		c.draft.AssistantMessageID = *p.MessageID
		if p.Citations != nil {
			c.draft.Citations = p.Citations
		}
		if p.RephrasedQuery != nil {
			c.draft.RephrasedQuery = p.RephrasedQuery
		}
		if p.FinalToolCall != nil {
			c.draft.ToolCall = p.FinalToolCall
		}
		if p.ContextDocs != nil {
			c.draft.Documents = p.ContextDocs
		}
		if p.MessageText != nil && *p.MessageText != "" {
			c.draft.FinalMessage = p.MessageText
		}

	case KindStopReason:
		if *p.StopReason == constants.StopReasonContextLength {
			c.draft.CanContinue = true
		}

	default:
		return &ProtocolError{Reason: "unrecognized packet shape"}
	}

	return nil
}

// applySubQuestion refines the (level, question-number) entry rather than
// appending a duplicate.
func (c *Consumer) applySubQuestion(p *Packet) {
	level, num := *p.Level, *p.LevelQuestionNum

	idx := -1
	for i := range c.draft.SubQuestions {
		if c.draft.SubQuestions[i].Level == level && c.draft.SubQuestions[i].LevelQuestionNum == num {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.draft.SubQuestions = append(c.draft.SubQuestions, models.SubQuestion{
			Level:            level,
			LevelQuestionNum: num,
		})
		idx = len(c.draft.SubQuestions) - 1
	}
	sq := &c.draft.SubQuestions[idx]

	if p.SubQuestion != nil {
		sq.Question += *p.SubQuestion
	}
	if p.SubQuery != nil {
		sq.SubQueries = append(sq.SubQueries, *p.SubQuery)
	}
	if p.AnswerPiece != nil {
		sq.Answer += *p.AnswerPiece
	}
	if p.TopDocuments != nil {
		for _, doc := range p.TopDocuments {
			sq.DocumentIDs = append(sq.DocumentIDs, doc.DocumentID)
		}
	}
	if p.StopReason != nil {
		sq.IsStopped = true
	}
}

func (c *Consumer) topLevelAllStopped() bool {
	for _, sq := range c.draft.SubQuestions {
		if sq.Level == 0 && !sq.IsStopped {
			return false
		}
	}
	return true
}

// Messages derives the optimistic user/assistant pair (plus the synthetic
// second-level assistant message when the turn is agentic) for upserting
// into the store after an applied packet.
func (c *Consumer) Messages() []*models.ChatMessage {
	userMsg := models.NewChatMessage(c.draft.UserMessageID, constants.MessageTypeUser, c.userText, c.userParent)
	userMsg.Files = c.userFiles
	assistantID := c.draft.AssistantMessageID
	userMsg.ChildrenMessageIDs = []int64{assistantID}
	userMsg.LatestChildMessageID = &assistantID

	answer := c.draft.Answer
	if c.draft.FinalMessage != nil {
		answer = *c.draft.FinalMessage
	}
	parentID := c.draft.UserMessageID
	assistantMsg := models.NewChatMessage(assistantID, constants.MessageTypeAssistant, answer, &parentID)
	assistantMsg.Documents = c.draft.Documents
	assistantMsg.SubQuestions = c.draft.SubQuestions
	assistantMsg.ToolCall = c.draft.ToolCall
	assistantMsg.Citations = c.draft.Citations
	assistantMsg.RephrasedQuery = c.draft.RephrasedQuery
	assistantMsg.Files = c.draft.Files
	assistantMsg.Error = c.draft.Error
	assistantMsg.StackTrace = c.draft.StackTrace
	assistantMsg.CanContinue = c.draft.CanContinue

	messages := []*models.ChatMessage{userMsg, assistantMsg}

	if c.draft.AgenticMessageID != nil {
		secondParent := assistantID
		secondID := *c.draft.AgenticMessageID
		assistantMsg.ChildrenMessageIDs = []int64{secondID}
		assistantMsg.LatestChildMessageID = &secondID
		secondMsg := models.NewChatMessage(secondID, constants.MessageTypeAssistant, c.draft.SecondLevelAnswer, &secondParent)
		secondMsg.Level = 1
		secondMsg.Documents = c.draft.AgenticDocuments
		messages = append(messages, secondMsg)
	}

	return messages
}
