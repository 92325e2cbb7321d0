package constants

const (
	OpenAI = "openai"
	Gemini = "gemini"
)

const (
	OpenAIModel               = "gpt-4o"
	OpenAITemperature         = 0.3
	OpenAIMaxCompletionTokens = 4096
)

const (
	GeminiModel               = "gemini-1.5-pro"
	GeminiTemperature         = 0.3
	GeminiMaxCompletionTokens = 4096
)

// AssistantSystemPrompt is the base system prompt for answer generation.
// Retrieved documents, when present, are appended to it per turn.
const AssistantSystemPrompt = `You are Conversa, a helpful AI assistant. Answer the user's question directly and concisely.
When reference documents are provided, ground your answer in them and cite them with bracketed numbers like [1], [2] that refer to the document order.
If the documents do not contain the answer, say so instead of guessing.`

// TitlePrompt asks the model for a short session title after the first
// completed exchange. The response must be the bare title, no quotes.
const TitlePrompt = `Name this conversation in one short phrase of at most six words.
Respond with the title only: no quotes, no trailing punctuation.`

// DecompositionPrompt asks the model to break a complex question into
// independent sub-questions for agentic answering. The response must be a
// JSON object of the form {"sub_questions": ["...", "..."]} with at most
// three entries; an empty list means the question needs no decomposition.
const DecompositionPrompt = `Decompose the user's question into independent sub-questions that can each be researched on their own.
Respond with JSON: {"sub_questions": ["..."]}. Use at most 3 sub-questions. Respond with {"sub_questions": []} if the question is simple enough to answer directly.`

// GetSystemPrompt returns the answer-generation system prompt for a provider.
// Both providers currently share one prompt; the switch mirrors how provider
// specific prompts are added.
func GetSystemPrompt(provider string) string {
	switch provider {
	case OpenAI:
		return AssistantSystemPrompt
	case Gemini:
		return AssistantSystemPrompt
	}
	return AssistantSystemPrompt
}
