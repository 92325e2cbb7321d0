package repositories

import (
	"testing"
	"time"

	"conversa-ai/internal/constants"
	"conversa-ai/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestPersistableNode_LeavesSnapshotNodeUntouched(t *testing.T) {
	parentID := int64(1)
	msg := models.NewChatMessage(2, constants.MessageTypeAssistant, "partial answer", &parentID)
	originalUpdatedAt := msg.UpdatedAt

	time.Sleep(time.Millisecond)
	sessionID := primitive.NewObjectID()
	node := persistableNode(sessionID, msg)

	assert.Equal(t, sessionID, node.SessionID)
	assert.True(t, node.UpdatedAt.After(originalUpdatedAt))

	// The snapshot's node must not pick up persistence metadata.
	assert.Equal(t, primitive.NilObjectID, msg.SessionID)
	assert.Equal(t, originalUpdatedAt, msg.UpdatedAt)

	require.NotSame(t, msg, node)
	node.Message = "mutated"
	assert.Equal(t, "partial answer", msg.Message)
}
