package dtos

type CreateSessionSettings struct {
	RetrievalEnabled *bool `json:"retrieval_enabled"`
	AgenticAnswering *bool `json:"agentic_answering"`
}

type SessionSettingsResponse struct {
	RetrievalEnabled bool `json:"retrieval_enabled"`
	AgenticAnswering bool `json:"agentic_answering"`
}

type ProviderOverrideRequest struct {
	Provider    string   `json:"provider" binding:"required,oneof=openai gemini"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	APIKey      *string  `json:"api_key"`
}

type ProviderOverrideResponse struct {
	Provider    string   `json:"provider"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	// API key not exposed in response
}

type CreateSessionRequest struct {
	Title    string                   `json:"title"`
	Override *ProviderOverrideRequest `json:"override"`
	Settings CreateSessionSettings    `json:"settings,omitempty"`
}

type UpdateSessionRequest struct {
	Override *ProviderOverrideRequest `json:"override"`
	Settings *CreateSessionSettings   `json:"settings"`
}

type RenameSessionRequest struct {
	Title string `json:"title" binding:"required"`
}

type SessionResponse struct {
	ID         string                    `json:"id"`
	UserID     string                    `json:"user_id"`
	Title      string                    `json:"title"`
	TitleIsSet bool                      `json:"title_is_set"`
	Override   *ProviderOverrideResponse `json:"override,omitempty"`
	Settings   SessionSettingsResponse   `json:"settings"`
	CreatedAt  string                    `json:"created_at"`
	UpdatedAt  string                    `json:"updated_at"`
}

type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int64             `json:"total"`
}
