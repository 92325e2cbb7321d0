package dtos

type StreamResponse struct {
	Event string      `json:"event"` // ai-response, ai-response-step, ai-response-error, response-cancelled, sse-connected, chat-state
	Data  interface{} `json:"data,omitempty"`
}
