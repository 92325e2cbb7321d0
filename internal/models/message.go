package models

import (
	"conversa-ai/internal/constants"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Document is one retrieved reference attached to an assistant answer.
type Document struct {
	DocumentID string  `bson:"document_id" json:"document_id"`
	SemanticID string  `bson:"semantic_id" json:"semantic_id"`
	Link       string  `bson:"link,omitempty" json:"link,omitempty"`
	Blurb      string  `bson:"blurb,omitempty" json:"blurb,omitempty"`
	SourceType string  `bson:"source_type,omitempty" json:"source_type,omitempty"`
	Score      float64 `bson:"score" json:"score"`
}

// SubQuestion is one intermediate step of an agentic answer. Stream packets
// refine a sub-question incrementally, keyed by (Level, LevelQuestionNum).
type SubQuestion struct {
	Level            int      `bson:"level" json:"level"`
	LevelQuestionNum int      `bson:"level_question_num" json:"level_question_num"`
	Question         string   `bson:"question" json:"question"`
	Answer           string   `bson:"answer" json:"answer"`
	SubQueries       []string `bson:"sub_queries,omitempty" json:"sub_queries,omitempty"`
	DocumentIDs      []string `bson:"document_ids,omitempty" json:"document_ids,omitempty"`
	IsStopped        bool     `bson:"is_stopped" json:"is_stopped"`
}

// ToolCallRecord captures the single tool invocation of an assistant turn.
type ToolCallRecord struct {
	ToolName   string                 `bson:"tool_name" json:"tool_name"`
	ToolArgs   map[string]interface{} `bson:"tool_args,omitempty" json:"tool_args,omitempty"`
	ToolResult map[string]interface{} `bson:"tool_result,omitempty" json:"tool_result,omitempty"`
}

// FileDescriptor points at an uploaded file attached to a message. Upload
// itself happens elsewhere; this layer only carries the reference.
type FileDescriptor struct {
	FileID   string `bson:"file_id" json:"id"`
	FileType string `bson:"file_type" json:"type"` // 'image' or 'document'
	Name     string `bson:"name,omitempty" json:"name,omitempty"`
}

// ChatMessage is one node of a session's message tree. ParentMessageID,
// ChildrenMessageIDs and LatestChildMessageID model branching history:
// regenerating or editing produces siblings, and LatestChildMessageID picks
// which branch the displayed chain follows.
type ChatMessage struct {
	SessionID            primitive.ObjectID    `bson:"session_id,omitempty" json:"session_id,omitempty"`
	MessageID            int64                 `bson:"message_id" json:"message_id"`
	Type                 constants.MessageType `bson:"type" json:"type"`
	Message              string                `bson:"message" json:"message"`
	ParentMessageID      *int64                `bson:"parent_message_id,omitempty" json:"parent_message_id,omitempty"`
	ChildrenMessageIDs   []int64               `bson:"children_message_ids,omitempty" json:"children_message_ids,omitempty"`
	LatestChildMessageID *int64                `bson:"latest_child_message_id,omitempty" json:"latest_child_message_id,omitempty"`
	Files                []FileDescriptor      `bson:"files,omitempty" json:"files,omitempty"`
	Citations            map[string]string     `bson:"citations,omitempty" json:"citations,omitempty"` // citation number -> document id
	Documents            []Document            `bson:"documents,omitempty" json:"documents,omitempty"`
	ToolCall             *ToolCallRecord       `bson:"tool_call,omitempty" json:"tool_call,omitempty"`
	SubQuestions         []SubQuestion         `bson:"sub_questions,omitempty" json:"sub_questions,omitempty"`
	RephrasedQuery       *string               `bson:"rephrased_query,omitempty" json:"rephrased_query,omitempty"`
	Error                *string               `bson:"error,omitempty" json:"error,omitempty"`
	StackTrace           *string               `bson:"stack_trace,omitempty" json:"stack_trace,omitempty"`
	Level                int                   `bson:"level" json:"level"` // 0 = primary answer, 1 = agentic second-level answer
	CanContinue          bool                  `bson:"can_continue" json:"can_continue"`
	Base                 `bson:",inline"`
}

func NewChatMessage(messageID int64, msgType constants.MessageType, content string, parentMessageID *int64) *ChatMessage {
	return &ChatMessage{
		MessageID:       messageID,
		Type:            msgType,
		Message:         content,
		ParentMessageID: parentMessageID,
		Base:            NewBase(),
	}
}

// Clone returns a deep copy of the node. The message store is copy-on-write,
// so every mutation goes through a clone; sharing a slice or map between
// snapshots would let an update leak into an older snapshot.
func (m *ChatMessage) Clone() *ChatMessage {
	if m == nil {
		return nil
	}
	out := *m
	if m.ParentMessageID != nil {
		v := *m.ParentMessageID
		out.ParentMessageID = &v
	}
	if m.LatestChildMessageID != nil {
		v := *m.LatestChildMessageID
		out.LatestChildMessageID = &v
	}
	if m.RephrasedQuery != nil {
		v := *m.RephrasedQuery
		out.RephrasedQuery = &v
	}
	if m.Error != nil {
		v := *m.Error
		out.Error = &v
	}
	if m.StackTrace != nil {
		v := *m.StackTrace
		out.StackTrace = &v
	}
	if m.ChildrenMessageIDs != nil {
		out.ChildrenMessageIDs = append([]int64(nil), m.ChildrenMessageIDs...)
	}
	if m.Files != nil {
		out.Files = append([]FileDescriptor(nil), m.Files...)
	}
	if m.Documents != nil {
		out.Documents = append([]Document(nil), m.Documents...)
	}
	if m.SubQuestions != nil {
		out.SubQuestions = make([]SubQuestion, len(m.SubQuestions))
		for i, sq := range m.SubQuestions {
			cp := sq
			cp.SubQueries = append([]string(nil), sq.SubQueries...)
			cp.DocumentIDs = append([]string(nil), sq.DocumentIDs...)
			out.SubQuestions[i] = cp
		}
	}
	if m.Citations != nil {
		out.Citations = make(map[string]string, len(m.Citations))
		for k, v := range m.Citations {
			out.Citations[k] = v
		}
	}
	if m.ToolCall != nil {
		tc := *m.ToolCall
		if m.ToolCall.ToolArgs != nil {
			tc.ToolArgs = make(map[string]interface{}, len(m.ToolCall.ToolArgs))
			for k, v := range m.ToolCall.ToolArgs {
				tc.ToolArgs[k] = v
			}
		}
		if m.ToolCall.ToolResult != nil {
			tc.ToolResult = make(map[string]interface{}, len(m.ToolCall.ToolResult))
			for k, v := range m.ToolCall.ToolResult {
				tc.ToolResult[k] = v
			}
		}
		out.ToolCall = &tc
	}
	return &out
}
