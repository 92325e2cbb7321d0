package constants

type MessageType string

const (
	MessageTypeSystem    MessageType = "system"
	MessageTypeUser      MessageType = "user"
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeError     MessageType = "error"
)

// ChatState tracks what a session is currently doing. New submissions are
// only accepted while the session is in ChatStateInput.
type ChatState string

const (
	ChatStateInput        ChatState = "input"
	ChatStateLoading      ChatState = "loading"
	ChatStateToolBuilding ChatState = "toolBuilding"
	ChatStateStreaming    ChatState = "streaming"
	ChatStateUploading    ChatState = "uploading"
)

// Reserved message ids. Negative ids never collide with the per-session
// sequence counter, which starts at 1.
const (
	TempUserMessageID      int64 = -1
	TempAssistantMessageID int64 = -2
	SystemMessageID        int64 = -3
)

// Stop reasons reported by the answer stream.
const (
	StopReasonContextLength = "CONTEXT_LENGTH"
	StopReasonFinished      = "FINISHED"
	StopReasonCancelled     = "CANCELLED"
)
