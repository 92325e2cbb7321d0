package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Base carries the Mongo identity and timestamps shared by every persisted
// document. Tree nodes additionally key on their integer MessageID; the
// ObjectID here only identifies the stored document.
type Base struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at" json:"updated_at"`
}

// NewBase allocates a fresh document identity with both timestamps set to
// now. UpdatedAt is re-stamped by the repositories on every write.
func NewBase() Base {
	now := time.Now()
	return Base{
		ID:        primitive.NewObjectID(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
