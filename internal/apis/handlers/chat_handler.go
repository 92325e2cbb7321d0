package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"conversa-ai/internal/apis/dtos"
	"conversa-ai/internal/services"
	"conversa-ai/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ChatHandler struct {
	chatService services.ChatService
	streamMutex sync.RWMutex
	streams     map[string]chan dtos.StreamResponse // key: userID:sessionID:streamID
}

func NewChatHandler(chatService services.ChatService) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		streamMutex: sync.RWMutex{},
		streams:     make(map[string]chan dtos.StreamResponse),
	}
}

// @Summary Create a new session
// @Description Create a new chat session
// @Accept json
// @Produce json
// @Param createSessionRequest body dtos.CreateSessionRequest true "Create session request"
// @Success 200 {object} dtos.Response

func (h *ChatHandler) Create(c *gin.Context) {
	var req dtos.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorMsg := err.Error()
		c.JSON(http.StatusBadRequest, dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	userID := c.GetString("userID")
	response, statusCode, err := h.chatService.Create(userID, &req)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary List sessions
// @Description List all chat sessions
// @Accept json
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param page_size query int false "Page size" default(10)

func (h *ChatHandler) List(c *gin.Context) {
	userID := c.GetString("userID")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	response, statusCode, err := h.chatService.List(userID, page, pageSize)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary Get session by ID
// @Description Get a chat session by its ID
// @Accept json
// @Produce json
// @Param id path string true "Session ID"

func (h *ChatHandler) GetByID(c *gin.Context) {
	userID := c.GetString("userID")
	sessionID := c.Param("id")

	response, statusCode, err := h.chatService.GetByID(userID, sessionID)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary Update a session
// @Description Update a chat session's settings or provider override
// @Accept json
// @Produce json
// @Param id path string true "Session ID"

func (h *ChatHandler) Update(c *gin.Context) {
	var req dtos.UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorMsg := err.Error()
		c.JSON(http.StatusBadRequest, dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	userID := c.GetString("userID")
	sessionID := c.Param("id")

	response, statusCode, err := h.chatService.Update(userID, sessionID, &req)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary Rename a session
// @Description Set a session title chosen by the user
// @Accept json
// @Produce json
// @Param id path string true "Session ID"

func (h *ChatHandler) Rename(c *gin.Context) {
	var req dtos.RenameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorMsg := err.Error()
		c.JSON(http.StatusBadRequest, dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	userID := c.GetString("userID")
	sessionID := c.Param("id")

	statusCode, err := h.chatService.Rename(userID, sessionID, req.Title)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    "Session renamed successfully",
	})
}

// @Summary Delete a session
// @Description Delete a chat session and its messages
// @Accept json
// @Produce json
// @Param id path string true "Session ID"

func (h *ChatHandler) Delete(c *gin.Context) {
	userID := c.GetString("userID")
	sessionID := c.Param("id")

	statusCode, err := h.chatService.Delete(userID, sessionID)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    "Session deleted successfully",
	})
}

// @Summary List messages
// @Description List the displayed message chain for a session
// @Accept json
// @Produce json
// @Param id path string true "Session ID"

func (h *ChatHandler) ListMessages(c *gin.Context) {
	userID := c.GetString("userID")
	sessionID := c.Param("id")

	response, statusCode, err := h.chatService.ListMessages(userID, sessionID)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary Send a message
// @Description Submit a user message; the answer streams over SSE
// @Accept json
// @Produce json
// @Param id path string true "Session ID, or 'new' for a fresh conversation"

func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req dtos.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorMsg := err.Error()
		c.JSON(http.StatusBadRequest, dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}
	if req.StreamID == "" {
		req.StreamID = uuid.NewString()
	}

	userID := c.GetString("userID")
	sessionID := c.Param("id")
	if sessionID == "new" {
		sessionID = ""
	}

	response, statusCode, err := h.chatService.SendMessage(c.Request.Context(), userID, sessionID, req.StreamID, &req)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// @Summary Regenerate an answer
// @Description Replace an assistant answer with a freshly generated one
// @Accept json
// @Produce json
// @Param id path string true "Session ID"

func (h *ChatHandler) Regenerate(c *gin.Context) {
	var req dtos.RegenerateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorMsg := err.Error()
		c.JSON(http.StatusBadRequest, dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}
	if req.StreamID == "" {
		req.StreamID = uuid.NewString()
	}

	userID := c.GetString("userID")
	sessionID := c.Param("id")

	response, statusCode, err := h.chatService.Regenerate(c.Request.Context(), userID, sessionID, req.StreamID, &req)
	if err != nil {
		errorMsg := err.Error()
		c.JSON(int(statusCode), dtos.Response{
			Success: false,
			Error:   &errorMsg,
		})
		return
	}

	c.JSON(int(statusCode), dtos.Response{
		Success: true,
		Data:    response,
	})
}

// HandleStreamEvent implements the StreamHandler interface
func (h *ChatHandler) HandleStreamEvent(userID, sessionID, streamID string, response dtos.StreamResponse) {
	streamKey := fmt.Sprintf("%s:%s:%s", userID, sessionID, streamID)

	h.streamMutex.RLock()
	streamChan, exists := h.streams[streamKey]
	h.streamMutex.RUnlock()

	if !exists {
		log.Printf("No stream found for key: %s", streamKey)
		return
	}

	// Try to send with timeout
	select {
	case streamChan <- response:
	case <-time.After(100 * time.Millisecond):
		log.Printf("Timeout sending event to stream: %s", streamKey)
	}
}

// @Summary Stream session events
// @Description SSE endpoint carrying answer progress for a session
// @Accept json
// @Produce json
// @Param id path string true "Session ID"

// StreamSession handles the SSE endpoint
func (h *ChatHandler) StreamSession(c *gin.Context) {
	userID := c.GetString("userID")
	sessionID := c.Param("id")
	streamID := c.Query("stream_id")

	if streamID == "" {
		c.JSON(http.StatusBadRequest, dtos.Response{
			Success: false,
			Error:   utils.ToStringPtr("stream_id is required"),
		})
		return
	}

	streamKey := fmt.Sprintf("%s:%s:%s", userID, sessionID, streamID)
	log.Printf("Starting stream for key: %s", streamKey)

	// Create buffered channel
	h.streamMutex.Lock()
	streamChan := make(chan dtos.StreamResponse, 100)
	h.streams[streamKey] = streamChan
	h.streamMutex.Unlock()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Transfer-Encoding", "chunked")

	ctx := c.Request.Context()
	heartbeatTicker := time.NewTicker(30 * time.Second)
	defer heartbeatTicker.Stop()

	// Cleanup on exit
	defer func() {
		h.streamMutex.Lock()
		if ch, exists := h.streams[streamKey]; exists {
			close(ch)
			delete(h.streams, streamKey)
			log.Printf("Cleaned up stream for key: %s", streamKey)
		}
		h.streamMutex.Unlock()
	}()

	// Send initial connection event
	data, _ := json.Marshal(dtos.StreamResponse{
		Event: "sse-connected",
		Data:  "Stream established",
	})
	c.Writer.Write([]byte(fmt.Sprintf("data: %s\n\n", data)))
	c.Writer.Flush()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Client disconnected for stream key: %s", streamKey)
			return

		case <-heartbeatTicker.C:
			data, _ := json.Marshal(dtos.StreamResponse{
				Event: "heartbeat",
				Data:  "ping",
			})
			c.Writer.Write([]byte(fmt.Sprintf("data: %s\n\n", data)))
			c.Writer.Flush()

		case msg, ok := <-streamChan:
			if !ok {
				log.Printf("Stream channel closed for key: %s", streamKey)
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Error marshaling message: %v", err)
				continue
			}
			c.Writer.Write([]byte(fmt.Sprintf("data: %s\n\n", data)))
			c.Writer.Flush()
		}
	}
}

// @Summary Cancel stream
// @Description Cancel the currently streaming response
// @Accept json
// @Produce json
// @Param id path string true "Session ID"

// CancelStream cancels the currently streaming response
func (h *ChatHandler) CancelStream(c *gin.Context) {
	userID := c.GetString("userID")
	sessionID := c.Param("id")
	streamID := c.Query("stream_id")

	if streamID == "" {
		c.JSON(http.StatusBadRequest, dtos.Response{
			Success: false,
			Error:   utils.ToStringPtr("stream_id is required"),
		})
		return
	}

	h.chatService.CancelProcessing(userID, sessionID, streamID)

	c.JSON(http.StatusOK, dtos.Response{
		Success: true,
		Data:    "Operation cancelled successfully",
	})
}
