package routes

import (
	"log"

	"conversa-ai/internal/apis/middlewares"
	"conversa-ai/internal/di"

	"github.com/gin-gonic/gin"
)

func SetupChatRoutes(router *gin.Engine) {
	chatHandler, err := di.GetChatHandler()
	if err != nil {
		log.Fatalf("Failed to get chat handler: %v", err)
	}

	protected := router.Group("/api/sessions")
	protected.Use(middlewares.AuthMiddleware())
	{
		// Session CRUD
		protected.POST("", chatHandler.Create)
		protected.GET("", chatHandler.List)
		protected.GET("/:id", chatHandler.GetByID)
		protected.PATCH("/:id", chatHandler.Update)
		protected.PUT("/:id/rename", chatHandler.Rename)
		protected.DELETE("/:id", chatHandler.Delete)

		// Messages within a session; POST with id "new" starts a fresh
		// session and returns its id in the ack.
		protected.GET("/:id/messages", chatHandler.ListMessages)
		protected.POST("/:id/messages", chatHandler.SendMessage)
		protected.POST("/:id/messages/regenerate", chatHandler.Regenerate)

		// SSE endpoints for streaming
		protected.GET("/:id/stream", chatHandler.StreamSession)
		protected.POST("/:id/stream/cancel", chatHandler.CancelStream)
	}
}
