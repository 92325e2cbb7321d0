package chat

import (
	"encoding/json"

	"conversa-ai/internal/models"
)

// PacketKind discriminates the heterogeneous records of an answer stream.
// The wire format has no explicit tag: a packet's kind is decided once at
// decode time by which fields are present, in the priority order below.
// When a record could structurally match two shapes (a sub-question answer
// piece also carries answer_piece, a stop marker for a sub-question also
// carries stop_reason), the higher-priority classification wins.
type PacketKind int

const (
	KindUnknown PacketKind = iota
	KindIdentity
	KindAgentIdentity
	KindSubQuestion
	KindAnswerPiece
	KindDocuments
	KindToolCall
	KindFiles
	KindError
	KindMessageDetail
	KindStopReason
)

// Packet is one unit of an answer stream.
type Packet struct {
	Kind PacketKind `json:"-"`

	// Identity: first packet of every turn.
	UserMessageID              *int64 `json:"user_message_id,omitempty"`
	ReservedAssistantMessageID *int64 `json:"reserved_assistant_message_id,omitempty"`

	// Agent identity: reserves the second-level assistant message id.
	AgenticMessageID *int64 `json:"agentic_message_id,omitempty"`

	// Sub-question family, keyed by (Level, LevelQuestionNum).
	Level            *int    `json:"level,omitempty"`
	LevelQuestionNum *int    `json:"level_question_num,omitempty"`
	SubQuestion      *string `json:"sub_question,omitempty"`
	SubQuery         *string `json:"sub_query,omitempty"`

	// Answer piece, either for a sub-question or for the main answer
	// (Level selects the primary or second-level buffer).
	AnswerPiece *string `json:"answer_piece,omitempty"`

	// Retrieved documents, top-level or scoped to a sub-question level.
	TopDocuments []models.Document `json:"top_documents,omitempty"`

	// Tool call. A non-empty result ends the tool-building phase.
	ToolName   *string                `json:"tool_name,omitempty"`
	ToolArgs   map[string]interface{} `json:"tool_args,omitempty"`
	ToolResult map[string]interface{} `json:"tool_result,omitempty"`

	// Generated files/images.
	FileIDs []models.FileDescriptor `json:"file_ids,omitempty"`

	// In-band error.
	Error      *string `json:"error,omitempty"`
	StackTrace *string `json:"stack_trace,omitempty"`

	// Final message envelope: authoritative values that supersede whatever
	// was accumulated provisionally.
	MessageID      *int64                 `json:"message_id,omitempty"`
	Citations      map[string]string      `json:"citations,omitempty"`
	RephrasedQuery *string                `json:"rephrased_query,omitempty"`
	FinalToolCall  *models.ToolCallRecord `json:"tool_call,omitempty"`
	ContextDocs    []models.Document      `json:"context_docs,omitempty"`
	MessageText    *string                `json:"message,omitempty"`

	// Stop reason for the whole turn (or, with LevelQuestionNum set, for
	// one sub-question).
	StopReason *string `json:"stop_reason,omitempty"`
}

func (p *Packet) UnmarshalJSON(data []byte) error {
	type alias Packet
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Packet(raw)
	p.Kind = classify(p)
	return nil
}

func (p Packet) MarshalJSON() ([]byte, error) {
	type alias Packet
	return json.Marshal(alias(p))
}

// classify picks the packet kind. Order matters: sub-question pieces carry
// answer_piece and per-question stop markers carry stop_reason, so the
// sub-question family is checked before the plain answer and stop shapes.
func classify(p *Packet) PacketKind {
	switch {
	case p.UserMessageID != nil && p.ReservedAssistantMessageID != nil:
		return KindIdentity
	case p.AgenticMessageID != nil:
		return KindAgentIdentity
	case p.Level != nil && p.LevelQuestionNum != nil &&
		(p.SubQuestion != nil || p.SubQuery != nil || p.AnswerPiece != nil || p.StopReason != nil):
		return KindSubQuestion
	case p.AnswerPiece != nil:
		return KindAnswerPiece
	case p.TopDocuments != nil:
		return KindDocuments
	case p.ToolName != nil:
		return KindToolCall
	case p.FileIDs != nil:
		return KindFiles
	case p.Error != nil:
		return KindError
	case p.MessageID != nil:
		return KindMessageDetail
	case p.StopReason != nil:
		return KindStopReason
	default:
		return KindUnknown
	}
}
