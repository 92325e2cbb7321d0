package services

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"conversa-ai/internal/apis/dtos"
	"conversa-ai/internal/chat"
	"conversa-ai/internal/constants"
	"conversa-ai/internal/models"
	"conversa-ai/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[primitive.ObjectID]*models.ChatSession
	renamed  chan string
	oneShot  map[primitive.ObjectID]bool
	// findGate, when set, stalls FindByID until the channel is closed.
	findGate chan struct{}
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		sessions: make(map[primitive.ObjectID]*models.ChatSession),
		renamed:  make(chan string, 4),
		oneShot:  make(map[primitive.ObjectID]bool),
	}
}

func (r *fakeSessionRepo) Create(session *models.ChatSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session
	return nil
}

func (r *fakeSessionRepo) Update(id primitive.ObjectID, session *models.ChatSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = session
	return nil
}

func (r *fakeSessionRepo) Delete(id primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *fakeSessionRepo) FindByID(id primitive.ObjectID) (*models.ChatSession, error) {
	if r.findGate != nil {
		<-r.findGate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id], nil
}

func (r *fakeSessionRepo) FindByUserID(userID primitive.ObjectID, page, pageSize int) ([]*models.ChatSession, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ChatSession
	for _, session := range r.sessions {
		if session.UserID == userID {
			out = append(out, session)
		}
	}
	return out, int64(len(out)), nil
}

func (r *fakeSessionRepo) Rename(id primitive.ObjectID, title string, setByUser bool) error {
	r.mu.Lock()
	if session, ok := r.sessions[id]; ok {
		session.Title = title
		session.TitleIsSet = setByUser
	}
	r.mu.Unlock()
	select {
	case r.renamed <- title:
	default:
	}
	return nil
}

func (r *fakeSessionRepo) MarkOneShotDone(id primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oneShot[id] = true
	return nil
}

func (r *fakeSessionRepo) ReserveMessageIDs(id primitive.ObjectID, count int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return 0, errors.New("session not found")
	}
	session.MessageSeq += count
	return session.MessageSeq - count + 1, nil
}

type fakeMessageRepo struct {
	mu      sync.Mutex
	nodes   map[int64]*models.ChatMessage
	deleted []int64
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{nodes: make(map[int64]*models.ChatMessage)}
}

func (r *fakeMessageRepo) UpsertNode(sessionID primitive.ObjectID, message *models.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[message.MessageID] = message.Clone()
	return nil
}

func (r *fakeMessageRepo) UpsertNodes(sessionID primitive.ObjectID, messages []*models.ChatMessage) error {
	for _, message := range messages {
		if err := r.UpsertNode(sessionID, message); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeMessageRepo) FindBySession(sessionID primitive.ObjectID) ([]*models.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.ChatMessage, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, node.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out, nil
}

func (r *fakeMessageRepo) DeleteByIDs(sessionID primitive.ObjectID, messageIDs []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range messageIDs {
		delete(r.nodes, id)
		r.deleted = append(r.deleted, id)
	}
	return nil
}

func (r *fakeMessageRepo) DeleteBySession(sessionID primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[int64]*models.ChatMessage)
	return nil
}

func (r *fakeMessageRepo) node(id int64) *models.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes[id]
}

func (r *fakeMessageRepo) deletedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]int64(nil), r.deleted...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type fakeCacheRepo struct{}

func (fakeCacheRepo) GetTranscript(string) ([]*models.ChatMessage, bool)  { return nil, false }
func (fakeCacheRepo) PutTranscript(string, []*models.ChatMessage) error   { return nil }
func (fakeCacheRepo) InvalidateTranscript(string) error                   { return nil }
func (fakeCacheRepo) GetSessionList(string) ([]*models.ChatSession, bool) { return nil, false }
func (fakeCacheRepo) PutSessionList(string, []*models.ChatSession) error  { return nil }
func (fakeCacheRepo) InvalidateSessionList(string) error                  { return nil }

type fakeRetriever struct {
	docs []models.Document
	err  error
}

func (f *fakeRetriever) Search(ctx context.Context, query string, limit int) ([]models.Document, error) {
	return f.docs, f.err
}

// fakeLLMClient replays a scripted stream. With hang set it blocks after the
// scripted chunks until the request context is cancelled.
type fakeLLMClient struct {
	chunks       []llm.StreamChunk
	hang         bool
	completeText string
	completeErr  error
}

func (f *fakeLLMClient) StreamChat(ctx context.Context, messages []llm.Message, opts llm.GenerationOptions) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		for _, chunk := range f.chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if f.hang {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (f *fakeLLMClient) Complete(ctx context.Context, messages []llm.Message, opts llm.GenerationOptions) (string, error) {
	return f.completeText, f.completeErr
}

func (f *fakeLLMClient) GetModelInfo() llm.ModelInfo {
	return llm.ModelInfo{Name: "fake", Provider: constants.OpenAI}
}

// eventRecorder stands in for the SSE handler; it records every event and
// signals on progress and terminal events so tests can wait on them.
type eventRecorder struct {
	mu     sync.Mutex
	events []dtos.StreamResponse
	steps  chan struct{}
	done   chan string
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		steps: make(chan struct{}, 64),
		done:  make(chan string, 4),
	}
}

func (r *eventRecorder) HandleStreamEvent(userID, sessionID, streamID string, response dtos.StreamResponse) {
	r.mu.Lock()
	r.events = append(r.events, response)
	r.mu.Unlock()

	switch response.Event {
	case "ai-response-step":
		select {
		case r.steps <- struct{}{}:
		default:
		}
	case "ai-response", "ai-response-error", "response-cancelled":
		select {
		case r.done <- response.Event:
		default:
		}
	}
}

func (r *eventRecorder) waitDone(t *testing.T) string {
	t.Helper()
	select {
	case event := <-r.done:
		return event
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for terminal stream event")
		return ""
	}
}

func (r *eventRecorder) waitSteps(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.steps:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for stream step %d", i+1)
		}
	}
}

type serviceFixture struct {
	svc      *chatService
	sessions *fakeSessionRepo
	messages *fakeMessageRepo
	events   *eventRecorder
}

func newServiceFixture(t *testing.T, client *fakeLLMClient) *serviceFixture {
	t.Helper()

	manager := llm.NewManager()
	manager.SetClient(constants.OpenAI, client)

	sessions := newFakeSessionRepo()
	messages := newFakeMessageRepo()
	events := newEventRecorder()

	svc := NewChatService(sessions, messages, fakeCacheRepo{}, manager, &fakeRetriever{}, constants.OpenAI).(*chatService)
	svc.SetStreamHandler(events)

	return &serviceFixture{
		svc:      svc,
		sessions: sessions,
		messages: messages,
		events:   events,
	}
}

func (f *serviceFixture) seedSession(settings models.SessionSettings, seq int64) *models.ChatSession {
	session := models.NewChatSession(primitive.NewObjectID(), "", nil, settings)
	session.TitleIsSet = true
	session.MessageSeq = seq
	f.sessions.sessions[session.ID] = session
	return session
}

func plainSettings() models.SessionSettings {
	return models.SessionSettings{RetrievalEnabled: false, AgenticAnswering: false}
}

func TestSendMessage_RejectsWhileGenerating(t *testing.T) {
	f := newServiceFixture(t, &fakeLLMClient{})
	session := f.seedSession(plainSettings(), 0)
	sessionID := session.ID.Hex()

	f.svc.registry.SetState(sessionID, constants.ChatStateLoading)

	_, statusCode, err := f.svc.SendMessage(context.Background(), session.UserID.Hex(), sessionID, "stream-1", &dtos.SendMessageRequest{
		Content: "hello",
	})

	require.Error(t, err)
	assert.Equal(t, uint32(http.StatusConflict), statusCode)
}

func TestSendMessage_ConcurrentSubmissionsAcceptOnlyOne(t *testing.T) {
	f := newServiceFixture(t, &fakeLLMClient{
		chunks: []llm.StreamChunk{{Delta: "done", FinishReason: llm.FinishReasonStop}},
	})
	session := f.seedSession(plainSettings(), 0)
	sessionID := session.ID.Hex()

	// Stall session loading so both submissions are in flight at once; the
	// gate must still admit exactly one of them.
	f.sessions.findGate = make(chan struct{})

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _, err := f.svc.SendMessage(context.Background(), session.UserID.Hex(), sessionID, "stream-1", &dtos.SendMessageRequest{
				Content: "hello",
			})
			errs <- err
		}()
	}

	// The loser is rejected before ever touching the repository.
	var first error
	select {
	case first = <-errs:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the rejected submission")
	}
	require.Error(t, first)
	assert.Contains(t, first.Error(), "please wait")

	close(f.sessions.findGate)
	require.NoError(t, <-errs)

	assert.Equal(t, "ai-response", f.events.waitDone(t))
	require.Eventually(t, func() bool {
		return f.svc.registry.State(sessionID) == constants.ChatStateInput
	}, time.Second, 10*time.Millisecond)
}

func TestSendMessage_FailedSubmissionReleasesClaim(t *testing.T) {
	f := newServiceFixture(t, &fakeLLMClient{
		chunks: []llm.StreamChunk{{Delta: "ok", FinishReason: llm.FinishReasonStop}},
	})
	session := f.seedSession(plainSettings(), 0)
	userID := session.UserID.Hex()
	unknownID := primitive.NewObjectID().Hex()

	_, statusCode, err := f.svc.SendMessage(context.Background(), userID, unknownID, "stream-1", &dtos.SendMessageRequest{
		Content: "hello",
	})
	require.Error(t, err)
	assert.Equal(t, uint32(http.StatusNotFound), statusCode)

	// The failed submission must not leave the session claimed.
	assert.Equal(t, constants.ChatStateInput, f.svc.registry.State(unknownID))

	_, statusCode, err = f.svc.SendMessage(context.Background(), userID, session.ID.Hex(), "stream-1", &dtos.SendMessageRequest{
		Content: "hello again",
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(http.StatusAccepted), statusCode)
	f.events.waitDone(t)
}

func TestSendMessage_CompletedTurnPersistsChain(t *testing.T) {
	f := newServiceFixture(t, &fakeLLMClient{
		chunks: []llm.StreamChunk{
			{Delta: "Hello "},
			{Delta: "world", FinishReason: llm.FinishReasonStop},
		},
	})
	session := f.seedSession(plainSettings(), 0)
	sessionID := session.ID.Hex()

	ack, statusCode, err := f.svc.SendMessage(context.Background(), session.UserID.Hex(), sessionID, "stream-1", &dtos.SendMessageRequest{
		Content: "say hello",
	})

	require.NoError(t, err)
	assert.Equal(t, uint32(http.StatusAccepted), statusCode)
	assert.Equal(t, int64(1), ack.UserMessageID)
	assert.Equal(t, int64(2), ack.AssistantMessageID)

	assert.Equal(t, "ai-response", f.events.waitDone(t))

	userNode := f.messages.node(1)
	require.NotNil(t, userNode)
	assert.Equal(t, "say hello", userNode.Message)
	require.NotNil(t, userNode.LatestChildMessageID)
	assert.Equal(t, int64(2), *userNode.LatestChildMessageID)

	assistantNode := f.messages.node(2)
	require.NotNil(t, assistantNode)
	assert.Equal(t, "Hello world", assistantNode.Message)

	require.Eventually(t, func() bool {
		return f.svc.registry.State(sessionID) == constants.ChatStateInput
	}, time.Second, 10*time.Millisecond)

	f.sessions.mu.Lock()
	oneShot := f.sessions.oneShot[session.ID]
	f.sessions.mu.Unlock()
	assert.True(t, oneShot)
}

func TestSendMessage_GeneratesTitleAfterFirstExchange(t *testing.T) {
	f := newServiceFixture(t, &fakeLLMClient{
		chunks:       []llm.StreamChunk{{Delta: "answer", FinishReason: llm.FinishReasonStop}},
		completeText: "Garden Planning",
	})
	session := f.seedSession(plainSettings(), 0)
	session.TitleIsSet = false

	_, _, err := f.svc.SendMessage(context.Background(), session.UserID.Hex(), session.ID.Hex(), "stream-1", &dtos.SendMessageRequest{
		Content: "how do I plan a garden?",
	})
	require.NoError(t, err)
	f.events.waitDone(t)

	select {
	case title := <-f.sessions.renamed:
		assert.Equal(t, "Garden Planning", title)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for auto-generated title")
	}
}

func TestSendMessage_PrunesTrailingErrorTurn(t *testing.T) {
	f := newServiceFixture(t, &fakeLLMClient{
		chunks: []llm.StreamChunk{{Delta: "retry answer", FinishReason: llm.FinishReasonStop}},
	})
	session := f.seedSession(plainSettings(), 2)
	sessionID := session.ID.Hex()

	userMsg := models.NewChatMessage(1, constants.MessageTypeUser, "first try", nil)
	errNode := models.NewChatMessage(2, constants.MessageTypeError, "boom", i64ptrSvc(1))
	store := chat.Upsert(nil, []*models.ChatMessage{userMsg, errNode}, chat.UpsertOptions{})
	f.svc.registry.SetStore(sessionID, store)

	ack, _, err := f.svc.SendMessage(context.Background(), session.UserID.Hex(), sessionID, "stream-1", &dtos.SendMessageRequest{
		Content: "second try",
	})

	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, f.messages.deletedIDs())
	assert.Equal(t, int64(3), ack.UserMessageID)
	assert.Equal(t, int64(4), ack.AssistantMessageID)

	f.events.waitDone(t)

	liveStore := f.svc.registry.Store(sessionID)
	assert.NotContains(t, liveStore, int64(1))
	assert.NotContains(t, liveStore, int64(2))
	require.Contains(t, liveStore, int64(4))
	assert.Equal(t, "retry answer", liveStore[4].Message)
}

func TestSendMessage_FatalStreamErrorBecomesErrorNode(t *testing.T) {
	f := newServiceFixture(t, &fakeLLMClient{
		chunks: []llm.StreamChunk{{Err: errors.New("provider exploded")}},
	})
	session := f.seedSession(plainSettings(), 0)
	sessionID := session.ID.Hex()

	_, _, err := f.svc.SendMessage(context.Background(), session.UserID.Hex(), sessionID, "stream-1", &dtos.SendMessageRequest{
		Content: "hello",
	})
	require.NoError(t, err)

	assert.Equal(t, "ai-response-error", f.events.waitDone(t))

	errNode := f.messages.node(2)
	require.NotNil(t, errNode)
	assert.Equal(t, constants.MessageTypeError, errNode.Type)
	assert.Contains(t, errNode.Message, "provider exploded")
	require.NotNil(t, errNode.ParentMessageID)
	assert.Equal(t, int64(1), *errNode.ParentMessageID)

	require.Eventually(t, func() bool {
		return f.svc.registry.State(sessionID) == constants.ChatStateInput
	}, time.Second, 10*time.Millisecond)
}

func TestRegenerate_ReplacesSupersededAnswer(t *testing.T) {
	f := newServiceFixture(t, &fakeLLMClient{
		chunks: []llm.StreamChunk{{Delta: "better answer", FinishReason: llm.FinishReasonStop}},
	})
	session := f.seedSession(plainSettings(), 2)
	sessionID := session.ID.Hex()

	userMsg := models.NewChatMessage(1, constants.MessageTypeUser, "original question", nil)
	oldAnswer := models.NewChatMessage(2, constants.MessageTypeAssistant, "old answer", i64ptrSvc(1))
	store := chat.Upsert(nil, []*models.ChatMessage{userMsg, oldAnswer}, chat.UpsertOptions{})
	f.svc.registry.SetStore(sessionID, store)

	ack, statusCode, err := f.svc.Regenerate(context.Background(), session.UserID.Hex(), sessionID, "stream-1", &dtos.RegenerateMessageRequest{
		StreamID:        "stream-1",
		MessageID:       2,
		ParentMessageID: 1,
	})

	require.NoError(t, err)
	assert.Equal(t, uint32(http.StatusAccepted), statusCode)
	assert.Equal(t, int64(1), ack.UserMessageID)
	assert.Equal(t, int64(3), ack.AssistantMessageID)

	assert.Equal(t, "ai-response", f.events.waitDone(t))

	liveStore := f.svc.registry.Store(sessionID)
	assert.NotContains(t, liveStore, int64(2))
	require.Contains(t, liveStore, int64(3))
	assert.Equal(t, "better answer", liveStore[3].Message)

	userNode := liveStore[1]
	require.NotNil(t, userNode.LatestChildMessageID)
	assert.Equal(t, int64(3), *userNode.LatestChildMessageID)
}

func TestRegenerate_RejectsNonUserParent(t *testing.T) {
	f := newServiceFixture(t, &fakeLLMClient{})
	session := f.seedSession(plainSettings(), 2)
	sessionID := session.ID.Hex()

	userMsg := models.NewChatMessage(1, constants.MessageTypeUser, "question", nil)
	answer := models.NewChatMessage(2, constants.MessageTypeAssistant, "answer", i64ptrSvc(1))
	store := chat.Upsert(nil, []*models.ChatMessage{userMsg, answer}, chat.UpsertOptions{})
	f.svc.registry.SetStore(sessionID, store)

	_, statusCode, err := f.svc.Regenerate(context.Background(), session.UserID.Hex(), sessionID, "stream-1", &dtos.RegenerateMessageRequest{
		StreamID:        "stream-1",
		MessageID:       1,
		ParentMessageID: 2,
	})

	require.Error(t, err)
	assert.Equal(t, uint32(http.StatusBadRequest), statusCode)
}

func TestCancelProcessing_KeepsPartialAnswer(t *testing.T) {
	f := newServiceFixture(t, &fakeLLMClient{
		chunks: []llm.StreamChunk{{Delta: "Hel"}},
		hang:   true,
	})
	session := f.seedSession(plainSettings(), 0)
	sessionID := session.ID.Hex()

	_, _, err := f.svc.SendMessage(context.Background(), session.UserID.Hex(), sessionID, "stream-1", &dtos.SendMessageRequest{
		Content: "hello",
	})
	require.NoError(t, err)

	// Identity packet, then the first answer piece.
	f.events.waitSteps(t, 2)
	f.svc.CancelProcessing(session.UserID.Hex(), sessionID, "stream-1")

	assert.Equal(t, "response-cancelled", f.events.waitDone(t))

	assistantNode := f.messages.node(2)
	require.NotNil(t, assistantNode)
	assert.Equal(t, "Hel", assistantNode.Message)

	require.Eventually(t, func() bool {
		return f.svc.registry.State(sessionID) == constants.ChatStateInput
	}, time.Second, 10*time.Millisecond)
}

func i64ptrSvc(v int64) *int64 { return &v }
