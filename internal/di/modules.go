package di

import (
	"log"
	"time"

	"conversa-ai/config"
	"conversa-ai/internal/apis/handlers"
	"conversa-ai/internal/constants"
	"conversa-ai/internal/repositories"
	"conversa-ai/internal/services"
	"conversa-ai/internal/utils"
	"conversa-ai/pkg/llm"
	"conversa-ai/pkg/mongodb"
	"conversa-ai/pkg/redis"
	"conversa-ai/pkg/retriever"

	"go.uber.org/dig"
)

var DiContainer *dig.Container

func Initialize() {
	DiContainer = dig.New()

	// Initialize MongoDB
	dbConfig := mongodb.MongoDbConfigModel{
		ConnectionUrl: config.Env.MongoURI,
		DatabaseName:  config.Env.MongoDatabaseName,
	}
	mongodbClient := mongodb.InitializeDatabaseConnection(dbConfig)

	// Initialize Redis
	redisClient, err := redis.RedisClient(config.Env.RedisHost, config.Env.RedisPort, config.Env.RedisUsername, config.Env.RedisPassword)
	if err != nil {
		log.Fatalf("Failed to initialize Redis client: %v", err)
	}

	// Initialize services and repositories
	redisRepo := redis.NewRedisRepositories(redisClient)
	jwtService := utils.NewJWTService(
		config.Env.JWTSecret,
		time.Millisecond*time.Duration(config.Env.JWTExpirationMilliseconds),
	)

	sessionRepo := repositories.NewSessionRepository(mongodbClient)
	messageRepo := repositories.NewMessageRepository(mongodbClient)
	cacheRepo := repositories.NewSessionCacheRepository(redisRepo)

	// Provide all dependencies to the container
	if err := DiContainer.Provide(func() *mongodb.MongoDBClient { return mongodbClient }); err != nil {
		log.Fatalf("Failed to provide MongoDB client: %v", err)
	}

	if err := DiContainer.Provide(func() redis.IRedisRepositories { return redisRepo }); err != nil {
		log.Fatalf("Failed to provide Redis repositories: %v", err)
	}

	if err := DiContainer.Provide(func() utils.JWTService { return jwtService }); err != nil {
		log.Fatalf("Failed to provide JWT service: %v", err)
	}

	if err := DiContainer.Provide(func() repositories.SessionRepository { return sessionRepo }); err != nil {
		log.Fatalf("Failed to provide session repository: %v", err)
	}

	if err := DiContainer.Provide(func() repositories.MessageRepository { return messageRepo }); err != nil {
		log.Fatalf("Failed to provide message repository: %v", err)
	}

	if err := DiContainer.Provide(func() repositories.SessionCacheRepository { return cacheRepo }); err != nil {
		log.Fatalf("Failed to provide session cache repository: %v", err)
	}

	// Retriever client
	if err := DiContainer.Provide(func() retriever.Client {
		return retriever.NewClient(config.Env.RetrieverURL)
	}); err != nil {
		log.Fatalf("Failed to provide retriever client: %v", err)
	}

	// Add LLM Manager
	if err := DiContainer.Provide(func() *llm.Manager {
		manager := llm.NewManager()

		switch config.Env.DefaultLLMClient {
		case constants.OpenAI:
			// Register default OpenAI client
			err := manager.RegisterClient(constants.OpenAI, llm.Config{
				Provider:            constants.OpenAI,
				Model:               config.Env.OpenAIModel,
				APIKey:              config.Env.OpenAIAPIKey,
				MaxCompletionTokens: config.Env.OpenAIMaxCompletionTokens,
				Temperature:         config.Env.OpenAITemperature,
			})
			if err != nil {
				log.Printf("Warning: Failed to register OpenAI client: %v", err)
			}
		case constants.Gemini:
			// Register default Gemini client
			err := manager.RegisterClient(constants.Gemini, llm.Config{
				Provider:            constants.Gemini,
				Model:               config.Env.GeminiModel,
				APIKey:              config.Env.GeminiAPIKey,
				MaxCompletionTokens: config.Env.GeminiMaxCompletionTokens,
				Temperature:         config.Env.GeminiTemperature,
			})
			if err != nil {
				log.Printf("Warning: Failed to register Gemini client: %v", err)
			}
		}
		return manager
	}); err != nil {
		log.Fatalf("Failed to provide LLM manager: %v", err)
	}

	// Chat Service
	if err := DiContainer.Provide(func(
		sessionRepo repositories.SessionRepository,
		messageRepo repositories.MessageRepository,
		cacheRepo repositories.SessionCacheRepository,
		llmManager *llm.Manager,
		retrieverClient retriever.Client,
	) services.ChatService {
		return services.NewChatService(sessionRepo, messageRepo, cacheRepo, llmManager, retrieverClient, config.Env.DefaultLLMClient)
	}); err != nil {
		log.Fatalf("Failed to provide chat service: %v", err)
	}

	// Chat Handler
	if err := DiContainer.Provide(func(
		chatService services.ChatService,
	) *handlers.ChatHandler {
		handler := handlers.NewChatHandler(chatService)
		chatService.SetStreamHandler(handler)
		return handler
	}); err != nil {
		log.Fatalf("Failed to provide chat handler: %v", err)
	}
}

// GetChatHandler retrieves the ChatHandler from the DI container
func GetChatHandler() (*handlers.ChatHandler, error) {
	var handler *handlers.ChatHandler
	err := DiContainer.Invoke(func(h *handlers.ChatHandler) {
		handler = h
	})
	if err != nil {
		return nil, err
	}
	return handler, nil
}
