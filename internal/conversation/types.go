// Package conversation defines the conversation document model and its store
// abstraction: one document per end-user conversation holding identifiers,
// messages, an optional running summary, and the response-chain pointer.
package conversation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Channel identifies which inbound channel a conversation or message came from.
type Channel string

const (
	// ChannelNetwork is the persistent messaging network (verified sender addresses).
	ChannelNetwork Channel = "network"
	// ChannelWeb is the browser webchat session (opaque, unverified session ids).
	ChannelWeb Channel = "web"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IdentifierType classifies how an identifier value was observed.
type IdentifierType string

const (
	IdentifierSession         IdentifierType = "session"
	IdentifierPhoneVerified   IdentifierType = "phone_verified"
	IdentifierPhoneUnverified IdentifierType = "phone_unverified"
	IdentifierEmail           IdentifierType = "email"
	IdentifierExternalUser    IdentifierType = "external_user"
)

// DefaultPriority returns the baseline priority for an identifier type.
// The highest-priority identifier is the conversation's canonical identity.
func DefaultPriority(t IdentifierType) int {
	switch t {
	case IdentifierExternalUser:
		return 90
	case IdentifierPhoneVerified:
		return 80
	case IdentifierPhoneUnverified:
		return 50
	case IdentifierEmail:
		return 40
	case IdentifierSession:
		return 10
	default:
		return 0
	}
}

// Identifier is a typed key linking a raw channel observation to a conversation.
// "Verified" means observed directly from the authenticated channel (e.g. a
// network sender address), not cryptographically proven.
type Identifier struct {
	Type       IdentifierType `json:"type"`
	Value      string         `json:"value"`
	MatchKey   string         `json:"match_key,omitempty"`
	Priority   int            `json:"priority"`
	Verified   bool           `json:"verified"`
	AddedAt    time.Time      `json:"added_at"`
	VerifiedAt *time.Time     `json:"verified_at,omitempty"`
}

// Message is one turn of a conversation. Immutable once written; deleted only
// as part of conversation deletion during a merge.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Channel   Channel        `json:"channel"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// DedupeKey identifies a message across retried merges: two messages with the
// same timestamp, role, and content are the same message.
func (m Message) DedupeKey() string {
	return strconv.FormatInt(m.Timestamp.UTC().UnixNano(), 10) + "|" + string(m.Role) + "|" + m.Content
}

// Summary is the running compression of older turns.
type Summary struct {
	Text                    string    `json:"text"`
	CreatedAt               time.Time `json:"created_at"`
	LastSummarizedMessageID string    `json:"last_summarized_message_id"`
	MessageCountAtCreation  int       `json:"message_count_at_creation"`
	ModelUsed               string    `json:"model_used"`
}

// Profile holds the user-info fields adopted during merges.
type Profile struct {
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	ExternalUserID string `json:"external_user_id,omitempty"`
}

// Empty reports whether no profile field is set.
func (p Profile) Empty() bool {
	return p.Name == "" && p.Email == "" && p.ExternalUserID == ""
}

// Conversation is the unit of storage and of mutual exclusion. Messages are in
// insertion order, which is temporal order except transiently during a merge.
type Conversation struct {
	ID                 string       `json:"id"`
	Channel            Channel      `json:"channel"`
	Identifiers        []Identifier `json:"identifiers"`
	Messages           []Message    `json:"messages"`
	Summary            *Summary     `json:"summary,omitempty"`
	Profile            Profile      `json:"profile"`
	ResponseChainToken string       `json:"response_chain_token,omitempty"`
	LastActivity       time.Time    `json:"last_activity"`
	CreatedAt          time.Time    `json:"created_at"`
}

// AddIdentifier merges id into the conversation's identifier set.
// For an existing (type, value) pair, priority only ever increases and
// verification only ever transitions false -> true. Returns true when the set
// changed.
func (c *Conversation) AddIdentifier(id Identifier) bool {
	id.Value = strings.TrimSpace(id.Value)
	if id.Value == "" {
		return false
	}
	if id.Priority == 0 {
		id.Priority = DefaultPriority(id.Type)
	}
	if id.AddedAt.IsZero() {
		id.AddedAt = time.Now().UTC()
	}
	for i := range c.Identifiers {
		existing := &c.Identifiers[i]
		if existing.Type != id.Type || existing.Value != id.Value {
			continue
		}
		changed := false
		if id.Priority > existing.Priority {
			existing.Priority = id.Priority
			changed = true
		}
		if id.Verified && !existing.Verified {
			existing.Verified = true
			now := time.Now().UTC()
			if id.VerifiedAt != nil {
				existing.VerifiedAt = id.VerifiedAt
			} else {
				existing.VerifiedAt = &now
			}
			changed = true
		}
		if existing.MatchKey == "" && id.MatchKey != "" {
			existing.MatchKey = id.MatchKey
			changed = true
		}
		return changed
	}
	if id.Verified && id.VerifiedAt == nil {
		now := time.Now().UTC()
		id.VerifiedAt = &now
	}
	c.Identifiers = append(c.Identifiers, id)
	return true
}

// CanonicalIdentifier returns the highest-priority identifier, used for
// display and search. A conversation always carries at least one identifier.
func (c *Conversation) CanonicalIdentifier() Identifier {
	var best Identifier
	for _, id := range c.Identifiers {
		if id.Priority > best.Priority {
			best = id
		}
	}
	return best
}

// FindIdentifier returns the identifier with the given type and value, if present.
func (c *Conversation) FindIdentifier(t IdentifierType, value string) (Identifier, bool) {
	for _, id := range c.Identifiers {
		if id.Type == t && id.Value == value {
			return id, true
		}
	}
	return Identifier{}, false
}

// AppendMessage appends msg and advances LastActivity.
func (c *Conversation) AppendMessage(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	c.Messages = append(c.Messages, msg)
	if msg.Timestamp.After(c.LastActivity) {
		c.LastActivity = msg.Timestamp
	}
}

// HasMessage reports whether a message with the given id is present.
func (c *Conversation) HasMessage(messageID string) bool {
	if messageID == "" {
		return false
	}
	for _, msg := range c.Messages {
		if msg.ID == messageID {
			return true
		}
	}
	return false
}

// SummaryUsable reports whether the conversation has a summary whose
// lastSummarizedMessageId still references a present message. A merge can
// break the reference; a stale summary must not be trusted for indexing.
func (c *Conversation) SummaryUsable() bool {
	if c.Summary == nil || strings.TrimSpace(c.Summary.Text) == "" {
		return false
	}
	return c.HasMessage(c.Summary.LastSummarizedMessageID)
}

// Validate checks the document invariants that must hold on every persist.
func (c *Conversation) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("conversation id is required")
	}
	if len(c.Identifiers) == 0 {
		return fmt.Errorf("conversation %s has no identifiers", c.ID)
	}
	seen := make(map[string]struct{}, len(c.Identifiers))
	for _, id := range c.Identifiers {
		key := string(id.Type) + "|" + id.Value
		if _, ok := seen[key]; ok {
			return fmt.Errorf("conversation %s has duplicate identifier (%s, %s)", c.ID, id.Type, id.Value)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy, so in-memory stores and tests can hand out
// documents without aliasing the caller's slices.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Identifiers = make([]Identifier, len(c.Identifiers))
	copy(out.Identifiers, c.Identifiers)
	out.Messages = make([]Message, len(c.Messages))
	for i, msg := range c.Messages {
		out.Messages[i] = msg
		if msg.Metadata != nil {
			meta := make(map[string]any, len(msg.Metadata))
			for k, v := range msg.Metadata {
				meta[k] = v
			}
			out.Messages[i].Metadata = meta
		}
	}
	if c.Summary != nil {
		summary := *c.Summary
		out.Summary = &summary
	}
	return &out
}
