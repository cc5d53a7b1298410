package conversation

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a conversation id resolves to nothing.
var ErrNotFound = errors.New("conversation not found")

// Store is the document abstraction holding conversations. One document per
// conversation; two lookup paths are required for correctness at scale:
// (identifier type, value) and lastActivity descending.
type Store interface {
	// Create persists a new conversation document.
	Create(ctx context.Context, conv *Conversation) error
	// Get returns the conversation with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Conversation, error)
	// Save persists the full document state of an existing conversation.
	Save(ctx context.Context, conv *Conversation) error
	// Delete removes the given conversations as a single batch.
	Delete(ctx context.Context, ids []string) error
	// FindByIdentifier returns conversations carrying an identifier of type t
	// whose value is any of values (an OR set of lookup keys).
	FindByIdentifier(ctx context.Context, t IdentifierType, values []string) ([]*Conversation, error)
	// FindByMatchKeys returns conversations whose phone identifiers share any
	// of the given cross-channel match keys.
	FindByMatchKeys(ctx context.Context, keys []string) ([]*Conversation, error)
	// ListRecent returns up to limit conversations ordered by lastActivity descending.
	ListRecent(ctx context.Context, limit int) ([]*Conversation, error)
}
