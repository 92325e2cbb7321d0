package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"

	"conversa-ai/internal/apis/dtos"
	"conversa-ai/internal/chat"
	"conversa-ai/internal/constants"
	"conversa-ai/internal/models"
	"conversa-ai/internal/utils"
	"conversa-ai/pkg/llm"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// turnContext carries one submission through its processing goroutine.
type turnContext struct {
	userID    string
	sessionID string
	streamID  string
	session   *models.ChatSession
	consumer  *chat.Consumer
	turn      turnInput
	// replacements maps the regenerated assistant id to the answer it
	// supersedes; nil for plain submissions.
	replacements map[int64]int64
}

// SendMessage accepts a user message and starts answering it. An empty
// sessionID starts a brand new conversation: the session is allocated here
// and all state parked under the unassigned key is rekeyed to it.
func (s *chatService) SendMessage(ctx context.Context, userID, sessionID, streamID string, req *dtos.SendMessageRequest) (*dtos.SendMessageAck, uint32, error) {
	if !s.registry.TryBeginTurn(sessionID) {
		return nil, http.StatusConflict, fmt.Errorf("please wait for the current response to complete")
	}

	// The session is claimed from here on; release it if the submission
	// fails before processing starts. Rekey moves the claim along with the
	// other registry entries, so the current sessionID always owns it.
	launched := false
	defer func() {
		if !launched {
			s.registry.SetState(sessionID, constants.ChatStateInput)
		}
	}()

	var session *models.ChatSession
	if sessionID == chat.UnassignedSession {
		userObjID, err := primitive.ObjectIDFromHex(userID)
		if err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("invalid user ID format")
		}
		session = models.NewChatSession(userObjID, "", nil, models.DefaultSessionSettings())
		if err := s.sessionRepo.Create(session); err != nil {
			return nil, http.StatusInternalServerError, fmt.Errorf("failed to create session: %v", err)
		}
		sessionID = session.ID.Hex()
		s.registry.Rekey(sessionID)
		s.cacheRepo.InvalidateSessionList(userID)
		log.Printf("ChatService -> SendMessage -> allocated session %s", sessionID)
	} else {
		var statusCode uint32
		var err error
		session, statusCode, err = s.findOwnedSession(userID, sessionID)
		if err != nil {
			return nil, statusCode, err
		}
	}

	store, statusCode, err := s.loadStore(session)
	if err != nil {
		return nil, statusCode, err
	}

	// A trailing error turn is dropped before the next submission so the
	// failed exchange never becomes conversation lineage.
	if pruned := chat.PruneTrailingError(store); len(pruned) != len(store) {
		if err := s.messageRepo.DeleteByIDs(session.ID, removedIDs(store, pruned)); err != nil {
			log.Printf("ChatService -> SendMessage -> failed to delete pruned nodes: %v", err)
		}
		s.cacheRepo.InvalidateTranscript(sessionID)
		store = pruned
		s.registry.SetStore(sessionID, store)
	}

	idCount := int64(2)
	if session.Settings.AgenticAnswering {
		idCount = 3
	}
	firstID, err := s.sessionRepo.ReserveMessageIDs(session.ID, idCount)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to reserve message ids: %v", err)
	}
	userMessageID := firstID
	assistantID := firstID + 1
	var agenticID *int64
	if idCount == 3 {
		id := firstID + 2
		agenticID = &id
	}

	historyChain := chat.BuildChain(store)
	var parentID *int64
	if len(historyChain) > 0 {
		tail := historyChain[len(historyChain)-1].MessageID
		parentID = &tail
	}

	client, err := s.clientForSession(session)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("no LLM client available: %v", err)
	}

	tc := turnContext{
		userID:    userID,
		sessionID: sessionID,
		streamID:  streamID,
		session:   session,
		consumer:  chat.NewConsumer(req.Content, parentID, req.Files),
		turn: turnInput{
			Query:              req.Content,
			History:            historyFromChain(historyChain),
			UserMessageID:      userMessageID,
			AssistantMessageID: assistantID,
			AgenticMessageID:   agenticID,
			Provider:           s.providerForSession(session),
			RetrievalEnabled:   session.Settings.RetrievalEnabled,
			Agentic:            session.Settings.AgenticAnswering,
			ForceSearch:        req.ForceSearch,
		},
	}

	// Processing outlives the request; it is cancelled through the registry,
	// not by the caller disconnecting.
	procCtx, cancel := context.WithCancel(context.Background())
	s.registry.SetCancel(sessionID, cancel)
	s.registry.SetRegeneration(sessionID, nil)

	launched = true
	go s.processTurn(procCtx, client, tc)

	return &dtos.SendMessageAck{
		SessionID:          sessionID,
		StreamID:           streamID,
		UserMessageID:      userMessageID,
		AssistantMessageID: assistantID,
	}, http.StatusAccepted, nil
}

// Regenerate replaces one assistant answer with a fresh one. The new answer
// becomes a sibling of the old one and takes over the visible branch; the
// superseded answer is removed.
func (s *chatService) Regenerate(ctx context.Context, userID, sessionID, streamID string, req *dtos.RegenerateMessageRequest) (*dtos.SendMessageAck, uint32, error) {
	if !s.registry.TryBeginTurn(sessionID) {
		return nil, http.StatusConflict, fmt.Errorf("please wait for the current response to complete")
	}

	launched := false
	defer func() {
		if !launched {
			s.registry.SetState(sessionID, constants.ChatStateInput)
		}
	}()

	session, statusCode, err := s.findOwnedSession(userID, sessionID)
	if err != nil {
		return nil, statusCode, err
	}

	store, statusCode, err := s.loadStore(session)
	if err != nil {
		return nil, statusCode, err
	}

	userMsg, ok := store[req.ParentMessageID]
	if !ok || userMsg.Type != constants.MessageTypeUser {
		return nil, http.StatusBadRequest, fmt.Errorf("parent message is not a user message")
	}
	if _, ok := store[req.MessageID]; !ok {
		return nil, http.StatusBadRequest, fmt.Errorf("message to regenerate not found")
	}

	idCount := int64(1)
	if session.Settings.AgenticAnswering {
		idCount = 2
	}
	firstID, err := s.sessionRepo.ReserveMessageIDs(session.ID, idCount)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to reserve message ids: %v", err)
	}
	newAssistantID := firstID
	var agenticID *int64
	if idCount == 2 {
		id := firstID + 1
		agenticID = &id
	}

	// History stops at the user message being re-answered.
	historyChain := chat.BuildChain(store)
	for i, node := range historyChain {
		if node.MessageID == req.ParentMessageID {
			historyChain = historyChain[:i]
			break
		}
	}

	client, err := s.clientForSession(session)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("no LLM client available: %v", err)
	}

	tc := turnContext{
		userID:    userID,
		sessionID: sessionID,
		streamID:  streamID,
		session:   session,
		consumer:  chat.NewConsumer(userMsg.Message, userMsg.ParentMessageID, userMsg.Files),
		turn: turnInput{
			Query:              userMsg.Message,
			History:            historyFromChain(historyChain),
			UserMessageID:      req.ParentMessageID,
			AssistantMessageID: newAssistantID,
			AgenticMessageID:   agenticID,
			Provider:           s.providerForSession(session),
			RetrievalEnabled:   session.Settings.RetrievalEnabled || req.ForceSearch,
			Agentic:            session.Settings.AgenticAnswering,
			ForceSearch:        req.ForceSearch,
		},
		replacements: map[int64]int64{newAssistantID: req.MessageID},
	}

	procCtx, cancel := context.WithCancel(context.Background())
	s.registry.SetCancel(sessionID, cancel)
	s.registry.SetRegeneration(sessionID, &chat.RegenerationRequest{
		MessageID:       req.MessageID,
		ParentMessageID: req.ParentMessageID,
		ForceSearch:     req.ForceSearch,
	})

	launched = true
	go s.processTurn(procCtx, client, tc)

	return &dtos.SendMessageAck{
		SessionID:          sessionID,
		StreamID:           streamID,
		UserMessageID:      req.ParentMessageID,
		AssistantMessageID: newAssistantID,
	}, http.StatusAccepted, nil
}

// CancelProcessing aborts a session's in-flight generation, if any.
func (s *chatService) CancelProcessing(userID, sessionID, streamID string) {
	if !s.registry.Cancel(sessionID) {
		log.Printf("ChatService -> CancelProcessing -> nothing in flight for session %s", sessionID)
	}
}

// processTurn drives one submission: consume the packet stream, fold each
// packet into the draft, publish the rebuilt snapshot, and settle the turn.
func (s *chatService) processTurn(ctx context.Context, client llm.Client, tc turnContext) {
	// This goroutine owns the session until it restores input here: no other
	// submission can pass TryBeginTurn while the state is non-input, so the
	// cleanup never touches another turn's entries.
	defer func() {
		s.registry.ClearCancel(tc.sessionID)
		s.registry.SetRegeneration(tc.sessionID, nil)
		s.registry.SetState(tc.sessionID, constants.ChatStateInput)
	}()

	pipeline := newAnswerPipeline(client, s.retriever)
	packets := pipeline.Run(ctx, tc.turn)

	lastState := constants.ChatStateLoading
	for packet := range packets {
		if ctx.Err() != nil {
			break
		}

		pkt := packet
		if err := tc.consumer.Apply(&pkt); err != nil {
			// Late packets after an abort must not touch the tree.
			if ctx.Err() != nil {
				break
			}
			s.failTurn(tc, err)
			return
		}

		store := chat.Upsert(s.registry.Store(tc.sessionID), tc.consumer.Messages(), chat.UpsertOptions{
			Replacements: tc.replacements,
		})
		s.registry.SetStore(tc.sessionID, store)

		state := tc.consumer.State()
		s.registry.SetState(tc.sessionID, state)
		if state != lastState {
			lastState = state
			s.sendStreamEvent(tc.userID, tc.sessionID, tc.streamID, dtos.StreamResponse{
				Event: "chat-state",
				Data:  state,
			})
		}

		s.sendStreamEvent(tc.userID, tc.sessionID, tc.streamID, dtos.StreamResponse{
			Event: "ai-response-step",
			Data:  s.turnMessagesDto(tc),
		})
	}

	if ctx.Err() != nil {
		s.finishCancelled(tc)
		return
	}
	s.finishCompleted(tc)
}

// failTurn settles a fatally failed submission: the reserved assistant slot
// becomes an error node hanging off the user message.
func (s *chatService) failTurn(tc turnContext, cause error) {
	log.Printf("ChatService -> failTurn -> session %s: %v", tc.sessionID, cause)

	draft := tc.consumer.Draft()
	messages := tc.consumer.Messages()
	userMsg := messages[0]

	errNode := models.NewChatMessage(draft.AssistantMessageID, constants.MessageTypeError, cause.Error(), utils.ToInt64Ptr(userMsg.MessageID))
	var streamErr *chat.StreamError
	if errors.As(cause, &streamErr) {
		errNode.StackTrace = streamErr.StackTrace
	}

	store := chat.Upsert(s.registry.Store(tc.sessionID), []*models.ChatMessage{userMsg, errNode}, chat.UpsertOptions{
		Replacements: tc.replacements,
	})
	s.registry.SetStore(tc.sessionID, store)

	// Identity may never have arrived; placeholder ids are not persisted.
	if userMsg.MessageID > 0 {
		s.persistStore(tc.session, store)
	}

	errorMsg := cause.Error()
	s.sendStreamEvent(tc.userID, tc.sessionID, tc.streamID, dtos.StreamResponse{
		Event: "ai-response-error",
		Data: dtos.Response{
			Success: false,
			Error:   &errorMsg,
		},
	})
}

// finishCancelled settles an aborted submission, keeping whatever content
// had already streamed in.
func (s *chatService) finishCancelled(tc turnContext) {
	draft := tc.consumer.Draft()
	messages := tc.consumer.Messages()

	// A tool call interrupted before its result arrived stays incomplete
	// forever; drop it rather than persist a half-built invocation.
	if draft.ToolCall != nil && len(draft.ToolCall.ToolResult) == 0 {
		messages[1].ToolCall = nil
	}

	store := chat.Upsert(s.registry.Store(tc.sessionID), messages, chat.UpsertOptions{
		Replacements: tc.replacements,
	})
	s.registry.SetStore(tc.sessionID, store)

	if draft.UserMessageID > 0 {
		s.persistStore(tc.session, store)
	}

	s.sendStreamEvent(tc.userID, tc.sessionID, tc.streamID, dtos.StreamResponse{
		Event: "response-cancelled",
	})
}

func (s *chatService) finishCompleted(tc turnContext) {
	store := s.registry.Store(tc.sessionID)
	s.persistStore(tc.session, store)

	if err := s.sessionRepo.MarkOneShotDone(tc.session.ID); err != nil {
		log.Printf("ChatService -> finishCompleted -> mark one shot err: %v", err)
	}

	draft := tc.consumer.Draft()
	answer := draft.Answer
	if draft.FinalMessage != nil {
		answer = *draft.FinalMessage
	}
	if !tc.session.TitleIsSet {
		go s.generateTitle(tc.session, tc.turn.Query, answer)
	}

	s.sendStreamEvent(tc.userID, tc.sessionID, tc.streamID, dtos.StreamResponse{
		Event: "ai-response",
		Data:  s.turnMessagesDto(tc),
	})
}

// persistStore writes every node of the snapshot back to Mongo and refreshes
// the transcript cache. Parent nodes change children/latest pointers during
// a turn, so the whole snapshot is written rather than just the new pair.
func (s *chatService) persistStore(session *models.ChatSession, store chat.MessageStore) {
	nodes := make([]*models.ChatMessage, 0, len(store))
	for _, node := range store {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].MessageID < nodes[j].MessageID })

	if err := s.messageRepo.UpsertNodes(session.ID, nodes); err != nil {
		log.Printf("ChatService -> persistStore -> err: %v", err)
		return
	}
	s.cacheRepo.PutTranscript(session.ID.Hex(), nodes)
}

func (s *chatService) turnMessagesDto(tc turnContext) []dtos.MessageResponse {
	messages := tc.consumer.Messages()
	out := make([]dtos.MessageResponse, 0, len(messages))
	for _, msg := range messages {
		out = append(out, dtos.ToMessageDto(tc.sessionID, msg))
	}
	return out
}

func (s *chatService) providerForSession(session *models.ChatSession) string {
	if session.Override != nil {
		return session.Override.Provider
	}
	return s.defaultClient
}

// historyFromChain converts the displayed chain into LLM conversation
// history. Error nodes and second-level agentic answers are not part of
// what the model sees.
func historyFromChain(nodes []*models.ChatMessage) []llm.Message {
	history := make([]llm.Message, 0, len(nodes))
	for _, node := range nodes {
		switch node.Type {
		case constants.MessageTypeUser:
			history = append(history, llm.Message{Role: "user", Content: node.Message})
		case constants.MessageTypeAssistant:
			if node.Level == 0 {
				history = append(history, llm.Message{Role: "assistant", Content: node.Message})
			}
		}
	}
	return history
}

// removedIDs lists the node ids present in the old snapshot but gone from
// the new one.
func removedIDs(before, after chat.MessageStore) []int64 {
	var removed []int64
	for id := range before {
		if _, ok := after[id]; !ok {
			removed = append(removed, id)
		}
	}
	return removed
}
