// Package session tracks live webchat sessions and the conversation each one
// is bound to. Bindings are in-memory only; a restart drops them and the next
// message re-resolves through the identifier index.
package session

import (
	"log/slog"
	"sync"
)

// Registry maps webchat session ids to conversation ids.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]string
	logger   *slog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		bindings: make(map[string]string),
		logger:   log.With(slog.String("service", "session")),
	}
}

// Bind points sessionID at conversationID, replacing any previous binding.
func (r *Registry) Bind(sessionID, conversationID string) {
	if sessionID == "" || conversationID == "" {
		return
	}
	r.mu.Lock()
	r.bindings[sessionID] = conversationID
	r.mu.Unlock()
}

// Lookup returns the conversation bound to sessionID.
func (r *Registry) Lookup(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conversationID, ok := r.bindings[sessionID]
	return conversationID, ok
}

// Release drops the binding for sessionID, if any.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	delete(r.bindings, sessionID)
	r.mu.Unlock()
}

// Redirect rebinds every session pointing at oldConversationID to
// newConversationID. Called after a merge deletes the old conversation so
// live websockets keep working without a reconnect.
func (r *Registry) Redirect(oldConversationID, newConversationID string) int {
	if oldConversationID == "" || newConversationID == "" || oldConversationID == newConversationID {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	moved := 0
	for sessionID, conversationID := range r.bindings {
		if conversationID == oldConversationID {
			r.bindings[sessionID] = newConversationID
			moved++
		}
	}
	if moved > 0 {
		r.logger.Info("sessions redirected after merge",
			slog.String("from", oldConversationID),
			slog.String("to", newConversationID),
			slog.Int("sessions", moved),
		)
	}
	return moved
}

// Len returns the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}
