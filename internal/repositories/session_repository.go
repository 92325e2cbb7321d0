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

type SessionRepository interface {
	Create(session *models.ChatSession) error
	Update(id primitive.ObjectID, session *models.ChatSession) error
	Delete(id primitive.ObjectID) error
	FindByID(id primitive.ObjectID) (*models.ChatSession, error)
	FindByUserID(userID primitive.ObjectID, page, pageSize int) ([]*models.ChatSession, int64, error)
	Rename(id primitive.ObjectID, title string, setByUser bool) error
	MarkOneShotDone(id primitive.ObjectID) error
	ReserveMessageIDs(id primitive.ObjectID, count int64) (int64, error)
}

type sessionRepository struct {
	sessionCollection *mongo.Collection
}

func NewSessionRepository(mongoClient *mongodb.MongoDBClient) SessionRepository {
	return &sessionRepository{
		sessionCollection: mongoClient.GetCollectionByName("sessions"),
	}
}

func (r *sessionRepository) Create(session *models.ChatSession) error {
	_, err := r.sessionCollection.InsertOne(context.Background(), session)
	return err
}

func (r *sessionRepository) Update(id primitive.ObjectID, session *models.ChatSession) error {
	session.UpdatedAt = time.Now()
	filter := bson.M{"_id": id}
	update := bson.M{"$set": session}
	_, err := r.sessionCollection.UpdateOne(context.Background(), filter, update)
	return err
}

func (r *sessionRepository) Delete(id primitive.ObjectID) error {
	filter := bson.M{"_id": id}
	_, err := r.sessionCollection.DeleteOne(context.Background(), filter)
	return err
}

func (r *sessionRepository) FindByID(id primitive.ObjectID) (*models.ChatSession, error) {
	var session models.ChatSession
	err := r.sessionCollection.FindOne(context.Background(), bson.M{"_id": id}).Decode(&session)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	return &session, err
}

func (r *sessionRepository) FindByUserID(userID primitive.ObjectID, page, pageSize int) ([]*models.ChatSession, int64, error) {
	var sessions []*models.ChatSession
	filter := bson.M{"user_id": userID}

	total, err := r.sessionCollection.CountDocuments(context.Background(), filter)
	if err != nil {
		return nil, 0, err
	}

	skip := int64((page - 1) * pageSize)
	opts := options.Find().
		SetSkip(skip).
		SetLimit(int64(pageSize)).
		SetSort(bson.D{{Key: "updated_at", Value: -1}})

	cursor, err := r.sessionCollection.Find(context.Background(), filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(context.Background())

	err = cursor.All(context.Background(), &sessions)
	return sessions, total, err
}

func (r *sessionRepository) Rename(id primitive.ObjectID, title string, setByUser bool) error {
	filter := bson.M{"_id": id}
	update := bson.M{"$set": bson.M{
		"title":        title,
		"title_is_set": setByUser,
		"updated_at":   time.Now(),
	}}
	_, err := r.sessionCollection.UpdateOne(context.Background(), filter, update)
	return err
}

func (r *sessionRepository) MarkOneShotDone(id primitive.ObjectID) error {
	filter := bson.M{"_id": id}
	update := bson.M{"$set": bson.M{
		"one_shot_done": true,
		"updated_at":    time.Now(),
	}}
	_, err := r.sessionCollection.UpdateOne(context.Background(), filter, update)
	return err
}

// ReserveMessageIDs atomically bumps the per-session sequence counter and
// returns the first id of the reserved block. Ids start at 1.
func (r *sessionRepository) ReserveMessageIDs(id primitive.ObjectID, count int64) (int64, error) {
	filter := bson.M{"_id": id}
	update := bson.M{"$inc": bson.M{"message_seq": count}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var session models.ChatSession
	err := r.sessionCollection.FindOneAndUpdate(context.Background(), filter, update, opts).Decode(&session)
	if err != nil {
		return 0, err
	}
	return session.MessageSeq - count + 1, nil
}
