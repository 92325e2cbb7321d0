package chat

import (
	"context"
	"sync"

	"conversa-ai/internal/constants"
)

// UnassignedSession keys state for a conversation whose session id has not
// been allocated yet. Rekey moves everything under it to the real id.
const UnassignedSession = ""

// RegenerationRequest describes a pending request to replace one assistant
// message with a fresh answer.
type RegenerationRequest struct {
	MessageID       int64
	ParentMessageID int64
	ForceSearch     bool
}

// SessionRegistry holds the four session-keyed maps behind chat submission:
// generation state, regeneration state, cancellation handles and message
// stores. Keeping them in one struct with a single Rekey keeps the maps from
// drifting apart when a new session gets its real id.
type SessionRegistry struct {
	mu            sync.RWMutex
	states        map[string]constants.ChatState
	regenerations map[string]*RegenerationRequest
	cancels       map[string]context.CancelFunc
	stores        map[string]MessageStore
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		states:        make(map[string]constants.ChatState),
		regenerations: make(map[string]*RegenerationRequest),
		cancels:       make(map[string]context.CancelFunc),
		stores:        make(map[string]MessageStore),
	}
}

// State returns the generation state for a session, defaulting to input.
func (r *SessionRegistry) State(sessionID string) constants.ChatState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if state, ok := r.states[sessionID]; ok {
		return state
	}
	return constants.ChatStateInput
}

func (r *SessionRegistry) SetState(sessionID string, state constants.ChatState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[sessionID] = state
}

// TryBeginTurn moves a session from input to loading in one lock
// acquisition. Checking State and then calling SetState would let two
// concurrent submissions both pass the gate; this is the only way a
// submission may claim a session.
func (r *SessionRegistry) TryBeginTurn(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.states[sessionID]; ok && state != constants.ChatStateInput {
		return false
	}
	r.states[sessionID] = constants.ChatStateLoading
	return true
}

func (r *SessionRegistry) Store(sessionID string) MessageStore {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stores[sessionID]
}

func (r *SessionRegistry) SetStore(sessionID string, store MessageStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[sessionID] = store
}

func (r *SessionRegistry) Regeneration(sessionID string) *RegenerationRequest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.regenerations[sessionID]
}

func (r *SessionRegistry) SetRegeneration(sessionID string, req *RegenerationRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req == nil {
		delete(r.regenerations, sessionID)
		return
	}
	r.regenerations[sessionID] = req
}

func (r *SessionRegistry) SetCancel(sessionID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[sessionID] = cancel
}

func (r *SessionRegistry) ClearCancel(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, sessionID)
}

// Cancel aborts the in-flight submission of a session, if any. Returns
// whether a submission was actually cancelled.
func (r *SessionRegistry) Cancel(sessionID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[sessionID]
	delete(r.cancels, sessionID)
	r.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}
	return false
}

// Rekey moves every entry held under the unassigned key to the newly
// allocated session id and deletes the unassigned entries, in one step
// across all four maps.
func (r *SessionRegistry) Rekey(sessionID string) {
	if sessionID == UnassignedSession {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.states[UnassignedSession]; ok {
		r.states[sessionID] = state
		delete(r.states, UnassignedSession)
	}
	if regen, ok := r.regenerations[UnassignedSession]; ok {
		r.regenerations[sessionID] = regen
		delete(r.regenerations, UnassignedSession)
	}
	if cancel, ok := r.cancels[UnassignedSession]; ok {
		r.cancels[sessionID] = cancel
		delete(r.cancels, UnassignedSession)
	}
	if store, ok := r.stores[UnassignedSession]; ok {
		r.stores[sessionID] = store
		delete(r.stores, UnassignedSession)
	}
}

// Drop forgets all state for a session, e.g. after it is deleted.
func (r *SessionRegistry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, sessionID)
	delete(r.regenerations, sessionID)
	delete(r.cancels, sessionID)
	delete(r.stores, sessionID)
}
