package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversa-ai/internal/constants"
	"conversa-ai/internal/models"
)

func applyAll(t *testing.T, c *Consumer, raws []string) {
	t.Helper()
	for _, raw := range raws {
		require.NoError(t, c.Apply(decodePacket(t, raw)))
	}
}

func TestConsumer_FirstPacketMustBeIdentity(t *testing.T) {
	c := NewConsumer("hi", nil, nil)
	err := c.Apply(decodePacket(t, `{"answer_piece": "Hel"}`))

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)

	// Until identity arrives the draft keeps the placeholder ids.
	assert.Equal(t, constants.TempUserMessageID, c.Draft().UserMessageID)
	assert.Equal(t, constants.TempAssistantMessageID, c.Draft().AssistantMessageID)
}

func TestConsumer_AccumulatesAnswerPieces(t *testing.T) {
	c := NewConsumer("say hello", i64ptr(4), nil)
	applyAll(t, c, []string{
		`{"user_message_id": 5, "reserved_assistant_message_id": 6}`,
		`{"answer_piece": "Hel"}`,
		`{"answer_piece": "lo"}`,
	})

	messages := c.Messages()
	require.Len(t, messages, 2)

	user, assistant := messages[0], messages[1]
	assert.Equal(t, int64(5), user.MessageID)
	assert.Equal(t, "say hello", user.Message)
	require.NotNil(t, user.ParentMessageID)
	assert.Equal(t, int64(4), *user.ParentMessageID)
	require.NotNil(t, user.LatestChildMessageID)
	assert.Equal(t, int64(6), *user.LatestChildMessageID)

	assert.Equal(t, int64(6), assistant.MessageID)
	assert.Equal(t, constants.MessageTypeAssistant, assistant.Type)
	assert.Equal(t, "Hello", assistant.Message)
	require.NotNil(t, assistant.ParentMessageID)
	assert.Equal(t, int64(5), *assistant.ParentMessageID)
}

func TestConsumer_SameSequenceSameDraft(t *testing.T) {
	raws := []string{
		`{"user_message_id": 5, "reserved_assistant_message_id": 6}`,
		`{"level": 0, "level_question_num": 0, "sub_question": "part one"}`,
		`{"level": 0, "level_question_num": 0, "answer_piece": "first"}`,
		`{"top_documents": [{"document_id": "d1", "semantic_id": "s1", "score": 0.8}]}`,
		`{"answer_piece": "combined"}`,
		`{"level": 0, "level_question_num": 0, "stop_reason": "FINISHED"}`,
		`{"stop_reason": "FINISHED"}`,
	}

	a := NewConsumer("q", nil, nil)
	b := NewConsumer("q", nil, nil)
	applyAll(t, a, raws)
	applyAll(t, b, raws)

	assert.Equal(t, a.Draft(), b.Draft())
}

func TestConsumer_SubQuestionRefinement(t *testing.T) {
	c := NewConsumer("q", nil, nil)
	applyAll(t, c, []string{
		`{"user_message_id": 1, "reserved_assistant_message_id": 2}`,
		`{"level": 0, "level_question_num": 0, "sub_question": "What is "}`,
		`{"level": 0, "level_question_num": 0, "sub_question": "the total?"}`,
		`{"level": 0, "level_question_num": 0, "sub_query": "total revenue"}`,
		`{"level": 0, "level_question_num": 0, "answer_piece": "42"}`,
		`{"level": 0, "level_question_num": 0, "top_documents": [{"document_id": "d9", "semantic_id": "s9", "score": 0.5}]}`,
		`{"level": 0, "level_question_num": 1, "sub_question": "Compared to when?"}`,
	})

	subs := c.Draft().SubQuestions
	require.Len(t, subs, 2)
	assert.Equal(t, "What is the total?", subs[0].Question)
	assert.Equal(t, []string{"total revenue"}, subs[0].SubQueries)
	assert.Equal(t, "42", subs[0].Answer)
	assert.Equal(t, []string{"d9"}, subs[0].DocumentIDs)
	assert.False(t, subs[0].IsStopped)
	assert.Equal(t, "Compared to when?", subs[1].Question)
}

func TestConsumer_ErrorBeforeSubQuestionsFinishIsSoft(t *testing.T) {
	c := NewConsumer("q", nil, nil)
	applyAll(t, c, []string{
		`{"user_message_id": 1, "reserved_assistant_message_id": 2}`,
		`{"level": 0, "level_question_num": 0, "sub_question": "step"}`,
	})

	err := c.Apply(decodePacket(t, `{"error": "retrieval hiccup"}`))
	require.NoError(t, err)
	require.NotNil(t, c.Draft().Error)
	assert.Equal(t, "retrieval hiccup", *c.Draft().Error)

	assistant := c.Messages()[1]
	require.NotNil(t, assistant.Error)
	assert.Equal(t, "retrieval hiccup", *assistant.Error)
}

func TestConsumer_ErrorAfterAllSubQuestionsStoppedIsFatal(t *testing.T) {
	c := NewConsumer("q", nil, nil)
	applyAll(t, c, []string{
		`{"user_message_id": 1, "reserved_assistant_message_id": 2}`,
		`{"level": 0, "level_question_num": 0, "sub_question": "step"}`,
		`{"level": 0, "level_question_num": 0, "stop_reason": "FINISHED"}`,
	})

	err := c.Apply(decodePacket(t, `{"error": "model unavailable", "stack_trace": "trace"}`))

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "model unavailable", streamErr.Message)
	require.NotNil(t, streamErr.StackTrace)
}

// With no sub-questions at all, "every sub-question has stopped" holds
// vacuously, so any error is fatal. Non-agentic turns rely on this.
func TestClassifyError_NoSubQuestionsIsFatal(t *testing.T) {
	c := NewConsumer("q", nil, nil)
	applyAll(t, c, []string{
		`{"user_message_id": 1, "reserved_assistant_message_id": 2}`,
		`{"answer_piece": "partial"}`,
	})

	err := c.Apply(decodePacket(t, `{"error": "model unavailable"}`))

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Nil(t, c.Draft().Error)
}

func TestConsumer_ToolResultEndsToolBuilding(t *testing.T) {
	c := NewConsumer("q", nil, nil)
	applyAll(t, c, []string{
		`{"user_message_id": 1, "reserved_assistant_message_id": 2}`,
	})
	assert.Equal(t, constants.ChatStateStreaming, c.State())

	applyAll(t, c, []string{
		`{"tool_name": "run_sql", "tool_args": {"query": "select 1"}}`,
	})
	assert.Equal(t, constants.ChatStateToolBuilding, c.State())

	applyAll(t, c, []string{
		`{"tool_name": "run_sql", "tool_result": {"rows": 3}}`,
	})
	assert.Equal(t, constants.ChatStateStreaming, c.State())

	tc := c.Draft().ToolCall
	require.NotNil(t, tc)
	assert.Equal(t, "run_sql", tc.ToolName)
	assert.Equal(t, map[string]interface{}{"query": "select 1"}, tc.ToolArgs)
}

func TestConsumer_FinalEnvelopeSupersedesProvisionalValues(t *testing.T) {
	c := NewConsumer("q", nil, nil)
	applyAll(t, c, []string{
		`{"user_message_id": 1, "reserved_assistant_message_id": 2}`,
		`{"answer_piece": "streamed text"}`,
		`{"top_documents": [{"document_id": "d1", "semantic_id": "s1", "score": 0.8}]}`,
		`{"message_id": 2, "message": "final text", "citations": {"1": "d2"}, "rephrased_query": "rewritten",
		  "context_docs": [{"document_id": "d2", "semantic_id": "s2", "score": 0.9}]}`,
	})

	assistant := c.Messages()[1]
	assert.Equal(t, "final text", assistant.Message)
	assert.Equal(t, map[string]string{"1": "d2"}, assistant.Citations)
	require.NotNil(t, assistant.RephrasedQuery)
	assert.Equal(t, "rewritten", *assistant.RephrasedQuery)
	require.Len(t, assistant.Documents, 1)
	assert.Equal(t, "d2", assistant.Documents[0].DocumentID)
}

func TestConsumer_ContextLengthStopSetsCanContinue(t *testing.T) {
	c := NewConsumer("q", nil, nil)
	applyAll(t, c, []string{
		`{"user_message_id": 1, "reserved_assistant_message_id": 2}`,
		`{"answer_piece": "truncated"}`,
		`{"stop_reason": "CONTEXT_LENGTH"}`,
	})

	assert.True(t, c.Draft().CanContinue)
	assert.True(t, c.Messages()[1].CanContinue)
}

func TestConsumer_AgenticTurnAddsSecondLevelMessage(t *testing.T) {
	c := NewConsumer("q", nil, nil)
	applyAll(t, c, []string{
		`{"user_message_id": 1, "reserved_assistant_message_id": 2}`,
		`{"answer_piece": "summary"}`,
		`{"agentic_message_id": 3}`,
		`{"level": 1, "answer_piece": "deeper analysis"}`,
		`{"level": 1, "top_documents": [{"document_id": "d5", "semantic_id": "s5", "score": 0.7}]}`,
	})

	messages := c.Messages()
	require.Len(t, messages, 3)

	assistant, second := messages[1], messages[2]
	assert.Equal(t, "summary", assistant.Message)
	require.NotNil(t, assistant.LatestChildMessageID)
	assert.Equal(t, int64(3), *assistant.LatestChildMessageID)

	assert.Equal(t, int64(3), second.MessageID)
	assert.Equal(t, 1, second.Level)
	assert.Equal(t, "deeper analysis", second.Message)
	require.NotNil(t, second.ParentMessageID)
	assert.Equal(t, int64(2), *second.ParentMessageID)
	require.Len(t, second.Documents, 1)
	assert.Equal(t, "d5", second.Documents[0].DocumentID)
}

func TestConsumer_FilesAccumulate(t *testing.T) {
	c := NewConsumer("q", nil, []models.FileDescriptor{{FileID: "up1", FileType: "document"}})
	applyAll(t, c, []string{
		`{"user_message_id": 1, "reserved_assistant_message_id": 2}`,
		`{"file_ids": [{"id": "gen1", "type": "image"}]}`,
	})

	messages := c.Messages()
	require.Len(t, messages[0].Files, 1)
	assert.Equal(t, "up1", messages[0].Files[0].FileID)
	require.Len(t, messages[1].Files, 1)
	assert.Equal(t, "gen1", messages[1].Files[0].FileID)
}
