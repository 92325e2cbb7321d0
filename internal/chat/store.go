package chat

import (
	"conversa-ai/internal/constants"
	"conversa-ai/internal/models"
)

// MessageStore maps message id to tree node for one session. Snapshots are
// copy-on-write: Upsert never mutates its input, so a reader holding an old
// snapshot keeps seeing consistent state while a new one is being built.
type MessageStore map[int64]*models.ChatMessage

// UpsertOptions controls a batch insert into a MessageStore.
type UpsertOptions struct {
	// Replacements maps an incoming message id to an existing id that it
	// supersedes. The superseded node is removed before the insert; its
	// parent's child/latest pointers are claimed by the new sibling.
	Replacements map[int64]int64

	// MakeLatestChild points the pre-upsert chain tail's latest-child
	// pointer at the first inserted message, making a freshly streamed
	// answer the visible branch.
	MakeLatestChild bool
}

// Upsert inserts or replaces a small batch of messages and returns the new
// snapshot. If the store is empty, a root system message is synthesized:
// its id is the first message's stated parent, or the system sentinel.
func Upsert(store MessageStore, messages []*models.ChatMessage, opts UpsertOptions) MessageStore {
	if len(messages) == 0 {
		return store
	}

	newStore := make(MessageStore, len(store)+len(messages)+1)
	for id, msg := range store {
		newStore[id] = msg
	}

	if len(store) == 0 {
		rootID := constants.SystemMessageID
		if messages[0].ParentMessageID != nil {
			rootID = *messages[0].ParentMessageID
		}
		firstID := messages[0].MessageID
		root := models.NewChatMessage(rootID, constants.MessageTypeSystem, "", nil)
		root.ChildrenMessageIDs = []int64{firstID}
		root.LatestChildMessageID = &firstID
		newStore[rootID] = root

		first := messages[0].Clone()
		first.ParentMessageID = &rootID
		messages = append([]*models.ChatMessage{first}, messages[1:]...)
	}

	// Chain of the pre-upsert store; MakeLatestChild rewires its tail.
	priorChain := BuildChain(store)

	for _, msg := range messages {
		if oldID, ok := opts.Replacements[msg.MessageID]; ok {
			delete(newStore, oldID)
		}

		_, alreadyPresent := newStore[msg.MessageID]
		if !alreadyPresent && msg.ParentMessageID != nil {
			if parent, ok := newStore[*msg.ParentMessageID]; ok {
				parent = parent.Clone()
				parent.ChildrenMessageIDs = appendUnique(parent.ChildrenMessageIDs, msg.MessageID)
				id := msg.MessageID
				parent.LatestChildMessageID = &id
				newStore[parent.MessageID] = parent
			}
		}

		newStore[msg.MessageID] = msg
	}

	if opts.MakeLatestChild && len(priorChain) > 0 {
		tail := priorChain[len(priorChain)-1]
		headID := messages[0].MessageID
		if node, ok := newStore[tail.MessageID]; ok {
			node = node.Clone()
			node.LatestChildMessageID = &headID
			node.ChildrenMessageIDs = appendUnique(node.ChildrenMessageIDs, headID)
			newStore[node.MessageID] = node
		}
		// Without a stated parent the head would look like a second root.
		if head, ok := newStore[headID]; ok && head.ParentMessageID == nil {
			head = head.Clone()
			parentID := tail.MessageID
			head.ParentMessageID = &parentID
			newStore[headID] = head
		}
	}

	return newStore
}

// BuildChain returns the currently displayed sequence: from the root, follow
// each node's latest-child pointer until it runs out. The walk is bounded by
// the store size so a malformed pointer cycle cannot hang it.
func BuildChain(store MessageStore) []*models.ChatMessage {
	if len(store) == 0 {
		return nil
	}

	root := findRoot(store)
	if root == nil {
		return nil
	}

	chain := make([]*models.ChatMessage, 0, len(store))
	seen := make(map[int64]bool, len(store))
	node := root
	for node != nil && !seen[node.MessageID] && len(chain) <= len(store) {
		seen[node.MessageID] = true
		chain = append(chain, node)
		if node.LatestChildMessageID == nil {
			break
		}
		node = store[*node.LatestChildMessageID]
	}
	return chain
}

// PruneTrailingError removes a trailing error message and its parent from
// the tree, rewiring the grandparent so the next turn's lineage is clean.
// Returns the input store unchanged when the chain does not end in an error.
func PruneTrailingError(store MessageStore) MessageStore {
	chain := BuildChain(store)
	if len(chain) == 0 || chain[len(chain)-1].Type != constants.MessageTypeError {
		return store
	}

	tail := chain[len(chain)-1]
	if tail.ParentMessageID == nil {
		return store
	}
	parent, ok := store[*tail.ParentMessageID]
	if !ok {
		return store
	}

	newStore := make(MessageStore, len(store))
	for id, msg := range store {
		newStore[id] = msg
	}
	delete(newStore, tail.MessageID)
	delete(newStore, parent.MessageID)

	if parent.ParentMessageID != nil {
		if grandparent, ok := newStore[*parent.ParentMessageID]; ok {
			grandparent = grandparent.Clone()
			grandparent.ChildrenMessageIDs = removeID(grandparent.ChildrenMessageIDs, parent.MessageID)
			if grandparent.LatestChildMessageID != nil && *grandparent.LatestChildMessageID == parent.MessageID {
				if n := len(grandparent.ChildrenMessageIDs); n > 0 {
					id := grandparent.ChildrenMessageIDs[n-1]
					grandparent.LatestChildMessageID = &id
				} else {
					grandparent.LatestChildMessageID = nil
				}
			}
			newStore[grandparent.MessageID] = grandparent
		}
	}

	return newStore
}

// FromTranscript rebuilds a store from the persisted, ordered node list of a
// session, e.g. when a client reloads an existing conversation.
func FromTranscript(nodes []*models.ChatMessage) MessageStore {
	store := make(MessageStore, len(nodes))
	for _, node := range nodes {
		store[node.MessageID] = node
	}
	return store
}

func findRoot(store MessageStore) *models.ChatMessage {
	var fallback *models.ChatMessage
	for _, msg := range store {
		if msg.ParentMessageID == nil {
			return msg
		}
		if fallback == nil || msg.MessageID < fallback.MessageID {
			fallback = msg
		}
	}
	return fallback
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeID(ids []int64, id int64) []int64 {
	out := ids[:0:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
