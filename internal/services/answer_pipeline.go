package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"conversa-ai/internal/chat"
	"conversa-ai/internal/constants"
	"conversa-ai/internal/models"
	"conversa-ai/internal/utils"
	"conversa-ai/pkg/llm"
	"conversa-ai/pkg/retriever"
)

const (
	retrievalLimit    = 5
	subQuestionLimit  = 3
	subRetrievalLimit = 3
)

// turnInput is everything one submission needs to produce its answer stream.
type turnInput struct {
	Query              string
	History            []llm.Message
	UserMessageID      int64
	AssistantMessageID int64
	AgenticMessageID   *int64
	Provider           string
	RetrievalEnabled   bool
	Agentic            bool
	ForceSearch        bool
}

// answerPipeline turns one submission into the ordered packet sequence the
// stream consumer folds: identity first, then retrieval, decomposition and
// answer content, then the final envelope and stop reason.
type answerPipeline struct {
	client    llm.Client
	retriever retriever.Client
}

func newAnswerPipeline(client llm.Client, retrieverClient retriever.Client) *answerPipeline {
	return &answerPipeline{
		client:    client,
		retriever: retrieverClient,
	}
}

func (p *answerPipeline) Run(ctx context.Context, turn turnInput) <-chan chat.Packet {
	packets := make(chan chat.Packet)
	go func() {
		defer close(packets)
		p.run(ctx, turn, packets)
	}()
	return packets
}

func (p *answerPipeline) run(ctx context.Context, turn turnInput, packets chan<- chat.Packet) {
	if !emit(ctx, packets, chat.Packet{
		Kind:                       chat.KindIdentity,
		UserMessageID:              &turn.UserMessageID,
		ReservedAssistantMessageID: &turn.AssistantMessageID,
	}) {
		return
	}

	var documents []models.Document
	if turn.RetrievalEnabled || turn.ForceSearch {
		docs, err := p.retriever.Search(ctx, turn.Query, retrievalLimit)
		if err != nil {
			log.Printf("AnswerPipeline -> Run -> retrieval err: %v", err)
			if ctx.Err() != nil {
				return
			}
			// Retrieval is best effort; answer without documents.
		} else if len(docs) > 0 {
			documents = docs
			if !emit(ctx, packets, chat.Packet{Kind: chat.KindDocuments, TopDocuments: docs}) {
				return
			}
		}
	}

	var subAnswers []string
	if turn.Agentic {
		var ok bool
		subAnswers, ok = p.runSubQuestions(ctx, turn, packets)
		if !ok {
			return
		}
	}

	answer, finishReason, err := p.streamMainAnswer(ctx, turn, documents, packets)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		emitError(ctx, packets, err)
		return
	}

	if turn.Agentic && turn.AgenticMessageID != nil && len(subAnswers) > 0 {
		if !p.runSynthesis(ctx, turn, subAnswers, answer, packets) {
			return
		}
	}

	envelope := chat.Packet{
		Kind:      chat.KindMessageDetail,
		MessageID: &turn.AssistantMessageID,
	}
	if len(documents) > 0 {
		envelope.ContextDocs = documents
		envelope.Citations = make(map[string]string, len(documents))
		for i, doc := range documents {
			envelope.Citations[strconv.Itoa(i+1)] = doc.DocumentID
		}
	}
	if !emit(ctx, packets, envelope) {
		return
	}

	stopReason := constants.StopReasonFinished
	if finishReason == llm.FinishReasonLength {
		stopReason = constants.StopReasonContextLength
	}
	emit(ctx, packets, chat.Packet{Kind: chat.KindStopReason, StopReason: &stopReason})
}

// runSubQuestions decomposes the query and answers each sub-question with
// its own retrieval pass. Returns the collected answers and whether the
// pipeline should keep going.
func (p *answerPipeline) runSubQuestions(ctx context.Context, turn turnInput, packets chan<- chat.Packet) ([]string, bool) {
	decomposition, err := p.client.Complete(ctx, []llm.Message{
		{Role: "user", Content: turn.Query},
	}, llm.GenerationOptions{
		JSONResponse: true,
		SystemPrompt: constants.DecompositionPrompt,
	})
	if err != nil {
		log.Printf("AnswerPipeline -> runSubQuestions -> decomposition err: %v", err)
		if ctx.Err() != nil {
			return nil, false
		}
		// A failed decomposition degrades to a direct answer.
		return nil, true
	}

	var parsed struct {
		SubQuestions []string `json:"sub_questions"`
	}
	if err := json.Unmarshal([]byte(decomposition), &parsed); err != nil {
		log.Printf("AnswerPipeline -> runSubQuestions -> invalid decomposition: %v", err)
		return nil, true
	}
	if len(parsed.SubQuestions) > subQuestionLimit {
		parsed.SubQuestions = parsed.SubQuestions[:subQuestionLimit]
	}

	level := 0
	answers := make([]string, 0, len(parsed.SubQuestions))
	for num, question := range parsed.SubQuestions {
		questionNum := num
		if !emit(ctx, packets, chat.Packet{
			Kind:             chat.KindSubQuestion,
			Level:            &level,
			LevelQuestionNum: &questionNum,
			SubQuestion:      utils.ToStringPtr(question),
		}) {
			return nil, false
		}

		var docs []models.Document
		if turn.RetrievalEnabled {
			found, err := p.retriever.Search(ctx, question, subRetrievalLimit)
			if err != nil {
				if ctx.Err() != nil {
					return nil, false
				}
				log.Printf("AnswerPipeline -> runSubQuestions -> retrieval err: %v", err)
			} else {
				docs = found
			}
			if !emit(ctx, packets, chat.Packet{
				Kind:             chat.KindSubQuestion,
				Level:            &level,
				LevelQuestionNum: &questionNum,
				SubQuery:         utils.ToStringPtr(question),
				TopDocuments:     docs,
			}) {
				return nil, false
			}
		}

		answer, err := p.client.Complete(ctx, []llm.Message{
			{Role: "user", Content: question},
		}, llm.GenerationOptions{
			SystemPrompt: systemPromptWithDocuments(turn.Provider, docs),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, false
			}
			if !emitError(ctx, packets, fmt.Errorf("sub-question failed: %v", err)) {
				return nil, false
			}
			answer = ""
		}
		if answer != "" {
			if !emit(ctx, packets, chat.Packet{
				Kind:             chat.KindSubQuestion,
				Level:            &level,
				LevelQuestionNum: &questionNum,
				AnswerPiece:      utils.ToStringPtr(answer),
			}) {
				return nil, false
			}
			answers = append(answers, answer)
		}

		if !emit(ctx, packets, chat.Packet{
			Kind:             chat.KindSubQuestion,
			Level:            &level,
			LevelQuestionNum: &questionNum,
			StopReason:       utils.ToStringPtr(constants.StopReasonFinished),
		}) {
			return nil, false
		}
	}

	return answers, true
}

// streamMainAnswer streams the primary answer, forwarding deltas and tool
// call fragments as packets. Returns the accumulated text and the provider
// finish reason.
func (p *answerPipeline) streamMainAnswer(ctx context.Context, turn turnInput, documents []models.Document, packets chan<- chat.Packet) (string, string, error) {
	messages := append(append([]llm.Message{}, turn.History...), llm.Message{
		Role:    "user",
		Content: turn.Query,
	})

	chunks, err := p.client.StreamChat(ctx, messages, llm.GenerationOptions{
		SystemPrompt: systemPromptWithDocuments(turn.Provider, documents),
	})
	if err != nil {
		return "", "", err
	}

	var answer strings.Builder
	var finishReason string
	for chunk := range chunks {
		if chunk.Err != nil {
			return answer.String(), finishReason, chunk.Err
		}
		if chunk.Delta != "" {
			answer.WriteString(chunk.Delta)
			if !emit(ctx, packets, chat.Packet{
				Kind:        chat.KindAnswerPiece,
				AnswerPiece: utils.ToStringPtr(chunk.Delta),
			}) {
				return answer.String(), finishReason, ctx.Err()
			}
		}
		if chunk.ToolName != "" {
			if !emit(ctx, packets, chat.Packet{
				Kind:     chat.KindToolCall,
				ToolName: utils.ToStringPtr(chunk.ToolName),
				ToolArgs: map[string]interface{}{"raw": chunk.ToolArgsDelta},
			}) {
				return answer.String(), finishReason, ctx.Err()
			}
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
	}

	return answer.String(), finishReason, nil
}

// runSynthesis produces the second-level agentic answer that ties the
// sub-question findings together.
func (p *answerPipeline) runSynthesis(ctx context.Context, turn turnInput, subAnswers []string, mainAnswer string, packets chan<- chat.Packet) bool {
	if !emit(ctx, packets, chat.Packet{
		Kind:             chat.KindAgentIdentity,
		AgenticMessageID: turn.AgenticMessageID,
	}) {
		return false
	}

	prompt := fmt.Sprintf(
		"Original question: %s\n\nFindings:\n%s\n\nWrite a deeper analysis that combines these findings.",
		turn.Query, strings.Join(subAnswers, "\n\n"),
	)
	synthesis, err := p.client.Complete(ctx, []llm.Message{
		{Role: "assistant", Content: mainAnswer},
		{Role: "user", Content: prompt},
	}, llm.GenerationOptions{
		SystemPrompt: constants.GetSystemPrompt(turn.Provider),
	})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Printf("AnswerPipeline -> runSynthesis -> err: %v", err)
		return true
	}

	level := 1
	return emit(ctx, packets, chat.Packet{
		Kind:        chat.KindAnswerPiece,
		Level:       &level,
		AnswerPiece: utils.ToStringPtr(synthesis),
	})
}

func systemPromptWithDocuments(provider string, documents []models.Document) string {
	prompt := constants.GetSystemPrompt(provider)
	if len(documents) == 0 {
		return prompt
	}

	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\nReference documents:\n")
	for i, doc := range documents {
		sb.WriteString(fmt.Sprintf("[%d] %s\n", i+1, doc.Blurb))
	}
	return sb.String()
}

func emit(ctx context.Context, packets chan<- chat.Packet, packet chat.Packet) bool {
	select {
	case packets <- packet:
		return true
	case <-ctx.Done():
		return false
	}
}

func emitError(ctx context.Context, packets chan<- chat.Packet, err error) bool {
	return emit(ctx, packets, chat.Packet{
		Kind:  chat.KindError,
		Error: utils.ToStringPtr(err.Error()),
	})
}
