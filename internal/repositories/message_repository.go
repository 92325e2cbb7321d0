package repositories

import (
	"context"
	"time"

	"conversa-ai/internal/models"
	"conversa-ai/pkg/mongodb"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MessageRepository interface {
	UpsertNode(sessionID primitive.ObjectID, message *models.ChatMessage) error
	UpsertNodes(sessionID primitive.ObjectID, messages []*models.ChatMessage) error
	FindBySession(sessionID primitive.ObjectID) ([]*models.ChatMessage, error)
	DeleteByIDs(sessionID primitive.ObjectID, messageIDs []int64) error
	DeleteBySession(sessionID primitive.ObjectID) error
}

type messageRepository struct {
	messageCollection *mongo.Collection
}

func NewMessageRepository(mongoClient *mongodb.MongoDBClient) MessageRepository {
	return &messageRepository{
		messageCollection: mongoClient.GetCollectionByName("messages"),
	}
}

// persistableNode stamps persistence metadata onto a copy of the node. The
// caller's pointer usually belongs to a live store snapshot, which is
// copy-on-write; writing through it would leak the stamp into the snapshot.
func persistableNode(sessionID primitive.ObjectID, message *models.ChatMessage) *models.ChatMessage {
	node := message.Clone()
	node.SessionID = sessionID
	node.UpdatedAt = time.Now()
	return node
}

// UpsertNode writes one tree node, keyed by (session, message id). Streaming
// re-persists the same node as it grows, so replace rather than insert.
func (r *messageRepository) UpsertNode(sessionID primitive.ObjectID, message *models.ChatMessage) error {
	node := persistableNode(sessionID, message)

	filter := bson.M{"session_id": sessionID, "message_id": node.MessageID}
	opts := options.Replace().SetUpsert(true)
	_, err := r.messageCollection.ReplaceOne(context.Background(), filter, node, opts)
	return err
}

func (r *messageRepository) UpsertNodes(sessionID primitive.ObjectID, messages []*models.ChatMessage) error {
	for _, message := range messages {
		if err := r.UpsertNode(sessionID, message); err != nil {
			return err
		}
	}
	return nil
}

func (r *messageRepository) FindBySession(sessionID primitive.ObjectID) ([]*models.ChatMessage, error) {
	var messages []*models.ChatMessage
	filter := bson.M{"session_id": sessionID}
	opts := options.Find().SetSort(bson.D{{Key: "message_id", Value: 1}})

	cursor, err := r.messageCollection.Find(context.Background(), filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(context.Background())

	err = cursor.All(context.Background(), &messages)
	return messages, err
}

func (r *messageRepository) DeleteByIDs(sessionID primitive.ObjectID, messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	filter := bson.M{"session_id": sessionID, "message_id": bson.M{"$in": messageIDs}}
	_, err := r.messageCollection.DeleteMany(context.Background(), filter)
	return err
}

func (r *messageRepository) DeleteBySession(sessionID primitive.ObjectID) error {
	filter := bson.M{"session_id": sessionID}
	_, err := r.messageCollection.DeleteMany(context.Background(), filter)
	return err
}
