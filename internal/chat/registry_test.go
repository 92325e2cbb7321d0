package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversa-ai/internal/constants"
	"conversa-ai/internal/models"
)

func TestSessionRegistry_StateDefaultsToInput(t *testing.T) {
	registry := NewSessionRegistry()
	assert.Equal(t, constants.ChatStateInput, registry.State("missing"))
}

func TestSessionRegistry_RekeyMovesEverythingAtOnce(t *testing.T) {
	registry := NewSessionRegistry()

	store := Upsert(nil, []*models.ChatMessage{
		models.NewChatMessage(1, constants.MessageTypeUser, "hi", nil),
	}, UpsertOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry.SetState(UnassignedSession, constants.ChatStateStreaming)
	registry.SetStore(UnassignedSession, store)
	registry.SetRegeneration(UnassignedSession, &RegenerationRequest{MessageID: 11, ParentMessageID: 10})
	registry.SetCancel(UnassignedSession, cancel)

	registry.Rekey("abc123")

	assert.Equal(t, constants.ChatStateStreaming, registry.State("abc123"))
	assert.NotNil(t, registry.Store("abc123"))
	require.NotNil(t, registry.Regeneration("abc123"))
	assert.Equal(t, int64(11), registry.Regeneration("abc123").MessageID)

	// Nothing left under the unassigned key.
	assert.Equal(t, constants.ChatStateInput, registry.State(UnassignedSession))
	assert.Nil(t, registry.Store(UnassignedSession))
	assert.Nil(t, registry.Regeneration(UnassignedSession))
	assert.False(t, registry.Cancel(UnassignedSession))

	// The cancel handle moved with the rest.
	assert.True(t, registry.Cancel("abc123"))
	assert.Error(t, ctx.Err())
}

func TestSessionRegistry_TryBeginTurnClaimsExclusively(t *testing.T) {
	registry := NewSessionRegistry()

	assert.True(t, registry.TryBeginTurn("s1"))
	assert.Equal(t, constants.ChatStateLoading, registry.State("s1"))

	// A second claim fails in every non-input state.
	assert.False(t, registry.TryBeginTurn("s1"))
	registry.SetState("s1", constants.ChatStateStreaming)
	assert.False(t, registry.TryBeginTurn("s1"))

	registry.SetState("s1", constants.ChatStateInput)
	assert.True(t, registry.TryBeginTurn("s1"))
}

func TestSessionRegistry_TryBeginTurnOnlyOneWinnerUnderContention(t *testing.T) {
	registry := NewSessionRegistry()

	const attempts = 32
	results := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			results <- registry.TryBeginTurn("s1")
		}()
	}

	won := 0
	for i := 0; i < attempts; i++ {
		if <-results {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestSessionRegistry_RekeyToUnassignedIsNoop(t *testing.T) {
	registry := NewSessionRegistry()
	registry.SetState(UnassignedSession, constants.ChatStateLoading)

	registry.Rekey(UnassignedSession)

	assert.Equal(t, constants.ChatStateLoading, registry.State(UnassignedSession))
}

func TestSessionRegistry_CancelInvokesAndForgets(t *testing.T) {
	registry := NewSessionRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	registry.SetCancel("s1", cancel)

	assert.True(t, registry.Cancel("s1"))
	assert.Error(t, ctx.Err())
	assert.False(t, registry.Cancel("s1"))
}

func TestSessionRegistry_DropForgetsSession(t *testing.T) {
	registry := NewSessionRegistry()
	registry.SetState("s1", constants.ChatStateStreaming)
	registry.SetStore("s1", MessageStore{})
	registry.SetRegeneration("s1", &RegenerationRequest{MessageID: 1})

	registry.Drop("s1")

	assert.Equal(t, constants.ChatStateInput, registry.State("s1"))
	assert.Nil(t, registry.Store("s1"))
	assert.Nil(t, registry.Regeneration("s1"))
}
