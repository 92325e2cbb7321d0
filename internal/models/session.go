package models

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ProviderOverride lets one session use a different LLM provider, model or
// temperature than the server default. APIKey is AES-GCM encrypted at rest.
type ProviderOverride struct {
	Provider    string   `bson:"provider" json:"provider"`
	Model       string   `bson:"model,omitempty" json:"model,omitempty"`
	Temperature *float64 `bson:"temperature,omitempty" json:"temperature,omitempty"`
	APIKey      *string  `bson:"api_key,omitempty" json:"-"` // Hide in JSON
}

type SessionSettings struct {
	RetrievalEnabled bool `bson:"retrieval_enabled" json:"retrieval_enabled"` // attach retrieved documents to each turn
	AgenticAnswering bool `bson:"agentic_answering" json:"agentic_answering"` // decompose into sub-questions before answering
}

// ChatSession is one conversation. MessageSeq is the per-session counter
// that reserves integer message ids; the tree nodes live in the messages
// collection keyed by (session, message id).
type ChatSession struct {
	UserID      primitive.ObjectID `bson:"user_id" json:"user_id"`
	Title       string             `bson:"title" json:"title"`
	TitleIsSet  bool               `bson:"title_is_set" json:"title_is_set"` // explicit title given by the user; skip auto-titling
	MessageSeq  int64              `bson:"message_seq" json:"-"`
	Override    *ProviderOverride  `bson:"override,omitempty" json:"override,omitempty"`
	Settings    SessionSettings    `bson:"settings" json:"settings"`
	OneShotDone bool               `bson:"one_shot_done" json:"-"` // at least one exchange has completed
	Base        `bson:",inline"`
}

func NewChatSession(userID primitive.ObjectID, title string, override *ProviderOverride, settings SessionSettings) *ChatSession {
	return &ChatSession{
		UserID:     userID,
		Title:      title,
		TitleIsSet: title != "",
		Override:   override,
		Settings:   settings,
		Base:       NewBase(),
	}
}

func DefaultSessionSettings() SessionSettings {
	return SessionSettings{
		RetrievalEnabled: true,
		AgenticAnswering: false,
	}
}
