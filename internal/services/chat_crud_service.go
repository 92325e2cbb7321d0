package services

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"conversa-ai/internal/apis/dtos"
	"conversa-ai/internal/chat"
	"conversa-ai/internal/constants"
	"conversa-ai/internal/models"
	"conversa-ai/internal/repositories"
	"conversa-ai/internal/utils"
	"conversa-ai/pkg/llm"
	"conversa-ai/pkg/retriever"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Used by Handler
type StreamHandler interface {
	HandleStreamEvent(userID, sessionID, streamID string, response dtos.StreamResponse)
}

type ChatService interface {
	SetStreamHandler(handler StreamHandler)

	// CRUD operations
	Create(userID string, req *dtos.CreateSessionRequest) (*dtos.SessionResponse, uint32, error)
	Update(userID, sessionID string, req *dtos.UpdateSessionRequest) (*dtos.SessionResponse, uint32, error)
	Rename(userID, sessionID, title string) (uint32, error)
	Delete(userID, sessionID string) (uint32, error)
	GetByID(userID, sessionID string) (*dtos.SessionResponse, uint32, error)
	List(userID string, page, pageSize int) (*dtos.SessionListResponse, uint32, error)
	ListMessages(userID, sessionID string) (*dtos.MessageListResponse, uint32, error)

	// Submission operations
	SendMessage(ctx context.Context, userID, sessionID, streamID string, req *dtos.SendMessageRequest) (*dtos.SendMessageAck, uint32, error)
	Regenerate(ctx context.Context, userID, sessionID, streamID string, req *dtos.RegenerateMessageRequest) (*dtos.SendMessageAck, uint32, error)
	CancelProcessing(userID, sessionID, streamID string)
	SessionState(sessionID string) constants.ChatState
}

type chatService struct {
	sessionRepo   repositories.SessionRepository
	messageRepo   repositories.MessageRepository
	cacheRepo     repositories.SessionCacheRepository
	llmManager    *llm.Manager
	retriever     retriever.Client
	registry      *chat.SessionRegistry
	streamHandler StreamHandler
	defaultClient string
}

func NewChatService(
	sessionRepo repositories.SessionRepository,
	messageRepo repositories.MessageRepository,
	cacheRepo repositories.SessionCacheRepository,
	llmManager *llm.Manager,
	retrieverClient retriever.Client,
	defaultClient string,
) ChatService {
	return &chatService{
		sessionRepo:   sessionRepo,
		messageRepo:   messageRepo,
		cacheRepo:     cacheRepo,
		llmManager:    llmManager,
		retriever:     retrieverClient,
		registry:      chat.NewSessionRegistry(),
		defaultClient: defaultClient,
	}
}

func (s *chatService) SetStreamHandler(handler StreamHandler) {
	s.streamHandler = handler
}

// Helper method to send stream events
func (s *chatService) sendStreamEvent(userID, sessionID, streamID string, response dtos.StreamResponse) {
	if s.streamHandler != nil {
		s.streamHandler.HandleStreamEvent(userID, sessionID, streamID, response)
	} else {
		log.Printf("sendStreamEvent -> no stream handler set")
	}
}

// Create a new session
func (s *chatService) Create(userID string, req *dtos.CreateSessionRequest) (*dtos.SessionResponse, uint32, error) {
	log.Printf("ChatService -> Create -> creating session for user %s", userID)

	userObjID, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("invalid user ID format")
	}

	var override *models.ProviderOverride
	if req.Override != nil {
		override = &models.ProviderOverride{
			Provider:    req.Override.Provider,
			Model:       req.Override.Model,
			Temperature: req.Override.Temperature,
			APIKey:      req.Override.APIKey,
		}
		if err := utils.EncryptOverrideCredentials(override); err != nil {
			log.Printf("Warning: Failed to encrypt override credentials: %v", err)
			return nil, http.StatusInternalServerError, fmt.Errorf("failed to secure provider credentials: %v", err)
		}
	}

	settings := models.DefaultSessionSettings()
	if req.Settings.RetrievalEnabled != nil {
		settings.RetrievalEnabled = *req.Settings.RetrievalEnabled
	}
	if req.Settings.AgenticAnswering != nil {
		settings.AgenticAnswering = *req.Settings.AgenticAnswering
	}

	session := models.NewChatSession(userObjID, req.Title, override, settings)
	if err := s.sessionRepo.Create(session); err != nil {
		return nil, http.StatusInternalServerError, err
	}

	s.cacheRepo.InvalidateSessionList(userID)
	return s.buildSessionResponse(session), http.StatusCreated, nil
}

func (s *chatService) Update(userID, sessionID string, req *dtos.UpdateSessionRequest) (*dtos.SessionResponse, uint32, error) {
	session, statusCode, err := s.findOwnedSession(userID, sessionID)
	if err != nil {
		return nil, statusCode, err
	}

	if req.Override != nil {
		override := &models.ProviderOverride{
			Provider:    req.Override.Provider,
			Model:       req.Override.Model,
			Temperature: req.Override.Temperature,
			APIKey:      req.Override.APIKey,
		}
		if err := utils.EncryptOverrideCredentials(override); err != nil {
			return nil, http.StatusInternalServerError, fmt.Errorf("failed to secure provider credentials: %v", err)
		}
		session.Override = override
	}
	if req.Settings != nil {
		if req.Settings.RetrievalEnabled != nil {
			session.Settings.RetrievalEnabled = *req.Settings.RetrievalEnabled
		}
		if req.Settings.AgenticAnswering != nil {
			session.Settings.AgenticAnswering = *req.Settings.AgenticAnswering
		}
	}

	if err := s.sessionRepo.Update(session.ID, session); err != nil {
		return nil, http.StatusInternalServerError, err
	}

	s.cacheRepo.InvalidateSessionList(userID)
	return s.buildSessionResponse(session), http.StatusOK, nil
}

func (s *chatService) Rename(userID, sessionID, title string) (uint32, error) {
	session, statusCode, err := s.findOwnedSession(userID, sessionID)
	if err != nil {
		return statusCode, err
	}

	if err := s.sessionRepo.Rename(session.ID, title, true); err != nil {
		return http.StatusInternalServerError, err
	}

	s.cacheRepo.InvalidateSessionList(userID)
	return http.StatusOK, nil
}

func (s *chatService) Delete(userID, sessionID string) (uint32, error) {
	session, statusCode, err := s.findOwnedSession(userID, sessionID)
	if err != nil {
		return statusCode, err
	}

	// Abort any in-flight generation before dropping the data.
	s.registry.Cancel(sessionID)
	s.registry.Drop(sessionID)

	if err := s.messageRepo.DeleteBySession(session.ID); err != nil {
		return http.StatusInternalServerError, err
	}
	if err := s.sessionRepo.Delete(session.ID); err != nil {
		return http.StatusInternalServerError, err
	}

	s.cacheRepo.InvalidateTranscript(sessionID)
	s.cacheRepo.InvalidateSessionList(userID)
	return http.StatusOK, nil
}

func (s *chatService) GetByID(userID, sessionID string) (*dtos.SessionResponse, uint32, error) {
	session, statusCode, err := s.findOwnedSession(userID, sessionID)
	if err != nil {
		return nil, statusCode, err
	}
	return s.buildSessionResponse(session), http.StatusOK, nil
}

func (s *chatService) List(userID string, page, pageSize int) (*dtos.SessionListResponse, uint32, error) {
	userObjID, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("invalid user ID format")
	}

	// First page is the hot path; serve it from cache when possible.
	if page == 1 {
		if sessions, ok := s.cacheRepo.GetSessionList(userID); ok {
			return s.buildSessionListResponse(sessions, int64(len(sessions))), http.StatusOK, nil
		}
	}

	sessions, total, err := s.sessionRepo.FindByUserID(userObjID, page, pageSize)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to fetch sessions: %v", err)
	}

	if page == 1 {
		s.cacheRepo.PutSessionList(userID, sessions)
	}
	return s.buildSessionListResponse(sessions, total), http.StatusOK, nil
}

// ListMessages returns the displayed chain of a session: root to tail,
// following the latest-child pointers.
func (s *chatService) ListMessages(userID, sessionID string) (*dtos.MessageListResponse, uint32, error) {
	session, statusCode, err := s.findOwnedSession(userID, sessionID)
	if err != nil {
		return nil, statusCode, err
	}

	store, statusCode, err := s.loadStore(session)
	if err != nil {
		return nil, statusCode, err
	}

	nodes := chat.BuildChain(store)
	messages := make([]dtos.MessageResponse, 0, len(nodes))
	for _, node := range nodes {
		if node.Type == constants.MessageTypeSystem {
			continue
		}
		messages = append(messages, dtos.ToMessageDto(sessionID, node))
	}

	return &dtos.MessageListResponse{
		Messages: messages,
		Total:    int64(len(messages)),
	}, http.StatusOK, nil
}

func (s *chatService) SessionState(sessionID string) constants.ChatState {
	return s.registry.State(sessionID)
}

// loadStore returns the live store for a session, rebuilding it from cache
// or Mongo when the registry has none.
func (s *chatService) loadStore(session *models.ChatSession) (chat.MessageStore, uint32, error) {
	sessionID := session.ID.Hex()
	if store := s.registry.Store(sessionID); store != nil {
		return store, http.StatusOK, nil
	}

	if nodes, ok := s.cacheRepo.GetTranscript(sessionID); ok {
		store := chat.FromTranscript(nodes)
		s.registry.SetStore(sessionID, store)
		return store, http.StatusOK, nil
	}

	nodes, err := s.messageRepo.FindBySession(session.ID)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to fetch messages: %v", err)
	}

	store := chat.FromTranscript(nodes)
	s.registry.SetStore(sessionID, store)
	if len(nodes) > 0 {
		s.cacheRepo.PutTranscript(sessionID, nodes)
	}
	return store, http.StatusOK, nil
}

func (s *chatService) findOwnedSession(userID, sessionID string) (*models.ChatSession, uint32, error) {
	sessionObjID, err := primitive.ObjectIDFromHex(sessionID)
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("invalid session ID format")
	}

	session, err := s.sessionRepo.FindByID(sessionObjID)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to fetch session: %v", err)
	}
	if session == nil {
		return nil, http.StatusNotFound, fmt.Errorf("session not found")
	}
	if session.UserID.Hex() != userID {
		return nil, http.StatusForbidden, fmt.Errorf("session does not belong to user")
	}
	return session, http.StatusOK, nil
}

func (s *chatService) buildSessionResponse(session *models.ChatSession) *dtos.SessionResponse {
	var override *dtos.ProviderOverrideResponse
	if session.Override != nil {
		override = &dtos.ProviderOverrideResponse{
			Provider:    session.Override.Provider,
			Model:       session.Override.Model,
			Temperature: session.Override.Temperature,
		}
	}

	return &dtos.SessionResponse{
		ID:         session.ID.Hex(),
		UserID:     session.UserID.Hex(),
		Title:      session.Title,
		TitleIsSet: session.TitleIsSet,
		Override:   override,
		Settings: dtos.SessionSettingsResponse{
			RetrievalEnabled: session.Settings.RetrievalEnabled,
			AgenticAnswering: session.Settings.AgenticAnswering,
		},
		CreatedAt: session.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: session.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (s *chatService) buildSessionListResponse(sessions []*models.ChatSession, total int64) *dtos.SessionListResponse {
	responses := make([]dtos.SessionResponse, 0, len(sessions))
	for _, session := range sessions {
		responses = append(responses, *s.buildSessionResponse(session))
	}
	return &dtos.SessionListResponse{
		Sessions: responses,
		Total:    total,
	}
}

// generateTitle asks the default model for a short title once the first
// exchange has completed. Failures only leave the placeholder title behind.
func (s *chatService) generateTitle(session *models.ChatSession, userMessage, answer string) {
	client, err := s.clientForSession(session)
	if err != nil {
		log.Printf("ChatService -> generateTitle -> no llm client: %v", err)
		return
	}

	title, err := client.Complete(context.Background(), []llm.Message{
		{Role: "user", Content: userMessage},
		{Role: "assistant", Content: answer},
		{Role: "user", Content: constants.TitlePrompt},
	}, llm.GenerationOptions{})
	if err != nil {
		log.Printf("ChatService -> generateTitle -> err: %v", err)
		return
	}
	if title == "" {
		return
	}

	if err := s.sessionRepo.Rename(session.ID, title, false); err != nil {
		log.Printf("ChatService -> generateTitle -> rename err: %v", err)
		return
	}
	s.cacheRepo.InvalidateSessionList(session.UserID.Hex())
}

// clientForSession resolves the LLM client, honoring the session's provider
// override when one is set.
func (s *chatService) clientForSession(session *models.ChatSession) (llm.Client, error) {
	if session.Override == nil {
		return s.llmManager.GetClient(s.defaultClient)
	}

	override := *session.Override
	utils.DecryptOverrideCredentials(&override)

	if override.APIKey == nil {
		// Override without its own key switches provider on server credentials.
		return s.llmManager.GetClient(override.Provider)
	}

	clientName := fmt.Sprintf("%s:%s", session.ID.Hex(), override.Provider)
	if client, err := s.llmManager.GetClient(clientName); err == nil {
		return client, nil
	}

	temperature := constants.OpenAITemperature
	if override.Temperature != nil {
		temperature = *override.Temperature
	}
	err := s.llmManager.RegisterClient(clientName, llm.Config{
		Provider:            override.Provider,
		Model:               override.Model,
		APIKey:              *override.APIKey,
		MaxCompletionTokens: constants.OpenAIMaxCompletionTokens,
		Temperature:         temperature,
	})
	if err != nil {
		return nil, err
	}
	return s.llmManager.GetClient(clientName)
}
