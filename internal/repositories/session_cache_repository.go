package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"conversa-ai/internal/models"
	"conversa-ai/pkg/redis"
)

const (
	transcriptCacheTTL  = 30 * time.Minute
	sessionListCacheTTL = 5 * time.Minute
)

// SessionCacheRepository keeps hot transcripts and per-user session lists in
// Redis so reopening a conversation does not hit Mongo on every request.
type SessionCacheRepository interface {
	GetTranscript(sessionID string) ([]*models.ChatMessage, bool)
	PutTranscript(sessionID string, messages []*models.ChatMessage) error
	InvalidateTranscript(sessionID string) error
	GetSessionList(userID string) ([]*models.ChatSession, bool)
	PutSessionList(userID string, sessions []*models.ChatSession) error
	InvalidateSessionList(userID string) error
}

type sessionCacheRepository struct {
	redis redis.IRedisRepositories
}

func NewSessionCacheRepository(redis redis.IRedisRepositories) SessionCacheRepository {
	return &sessionCacheRepository{
		redis: redis,
	}
}

func (r *sessionCacheRepository) GetTranscript(sessionID string) ([]*models.ChatMessage, bool) {
	key := fmt.Sprintf("messages:%s", sessionID)

	value, err := r.redis.Get(key, context.Background())
	if err != nil {
		return nil, false
	}

	var messages []*models.ChatMessage
	if err := json.Unmarshal([]byte(value), &messages); err != nil {
		log.Printf("SessionCache -> GetTranscript -> corrupt cache entry for %s: %v", sessionID, err)
		return nil, false
	}
	return messages, true
}

func (r *sessionCacheRepository) PutTranscript(sessionID string, messages []*models.ChatMessage) error {
	key := fmt.Sprintf("messages:%s", sessionID)

	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}
	return r.redis.Set(key, data, transcriptCacheTTL, context.Background())
}

func (r *sessionCacheRepository) InvalidateTranscript(sessionID string) error {
	key := fmt.Sprintf("messages:%s", sessionID)
	return r.redis.Del(key, context.Background())
}

func (r *sessionCacheRepository) GetSessionList(userID string) ([]*models.ChatSession, bool) {
	key := fmt.Sprintf("sessions:%s", userID)

	value, err := r.redis.Get(key, context.Background())
	if err != nil {
		return nil, false
	}

	var sessions []*models.ChatSession
	if err := json.Unmarshal([]byte(value), &sessions); err != nil {
		log.Printf("SessionCache -> GetSessionList -> corrupt cache entry for %s: %v", userID, err)
		return nil, false
	}
	return sessions, true
}

func (r *sessionCacheRepository) PutSessionList(userID string, sessions []*models.ChatSession) error {
	key := fmt.Sprintf("sessions:%s", userID)

	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("failed to marshal session list: %w", err)
	}
	return r.redis.Set(key, data, sessionListCacheTTL, context.Background())
}

func (r *sessionCacheRepository) InvalidateSessionList(userID string) error {
	key := fmt.Sprintf("sessions:%s", userID)
	return r.redis.Del(key, context.Background())
}
