package conversation

import (
	"testing"
	"time"
)

func TestAddIdentifierMonotonicPriority(t *testing.T) {
	conv := &Conversation{ID: "c1"}
	conv.AddIdentifier(Identifier{Type: IdentifierPhoneUnverified, Value: "+447911123456"})

	got, _ := conv.FindIdentifier(IdentifierPhoneUnverified, "+447911123456")
	if got.Priority != DefaultPriority(IdentifierPhoneUnverified) {
		t.Fatalf("priority = %d, want default %d", got.Priority, DefaultPriority(IdentifierPhoneUnverified))
	}

	// A re-add with lower priority must not demote.
	changed := conv.AddIdentifier(Identifier{Type: IdentifierPhoneUnverified, Value: "+447911123456", Priority: 5})
	if changed {
		t.Fatal("lower-priority re-add reported a change")
	}
	got, _ = conv.FindIdentifier(IdentifierPhoneUnverified, "+447911123456")
	if got.Priority != DefaultPriority(IdentifierPhoneUnverified) {
		t.Fatalf("priority demoted to %d", got.Priority)
	}

	// A higher priority upgrades.
	if !conv.AddIdentifier(Identifier{Type: IdentifierPhoneUnverified, Value: "+447911123456", Priority: 70}) {
		t.Fatal("higher-priority re-add reported no change")
	}
	got, _ = conv.FindIdentifier(IdentifierPhoneUnverified, "+447911123456")
	if got.Priority != 70 {
		t.Fatalf("priority = %d, want 70", got.Priority)
	}
}

func TestAddIdentifierVerificationNeverRegresses(t *testing.T) {
	conv := &Conversation{ID: "c1"}
	conv.AddIdentifier(Identifier{Type: IdentifierPhoneVerified, Value: "+447911123456", Verified: true})

	conv.AddIdentifier(Identifier{Type: IdentifierPhoneVerified, Value: "+447911123456", Verified: false})
	got, _ := conv.FindIdentifier(IdentifierPhoneVerified, "+447911123456")
	if !got.Verified {
		t.Fatal("verification regressed to false")
	}
	if got.VerifiedAt == nil {
		t.Fatal("VerifiedAt not set on verified identifier")
	}
}

func TestAddIdentifierIgnoresEmptyValue(t *testing.T) {
	conv := &Conversation{ID: "c1"}
	if conv.AddIdentifier(Identifier{Type: IdentifierEmail, Value: "   "}) {
		t.Fatal("blank identifier value was added")
	}
	if len(conv.Identifiers) != 0 {
		t.Fatalf("identifiers = %d, want 0", len(conv.Identifiers))
	}
}

func TestCanonicalIdentifier(t *testing.T) {
	conv := &Conversation{ID: "c1"}
	conv.AddIdentifier(Identifier{Type: IdentifierSession, Value: "sess-1"})
	conv.AddIdentifier(Identifier{Type: IdentifierPhoneVerified, Value: "+447911123456", Verified: true})
	conv.AddIdentifier(Identifier{Type: IdentifierEmail, Value: "a@example.com"})

	canonical := conv.CanonicalIdentifier()
	if canonical.Type != IdentifierPhoneVerified {
		t.Fatalf("canonical type = %s, want phone_verified", canonical.Type)
	}
}

func TestSummaryUsable(t *testing.T) {
	conv := &Conversation{ID: "c1"}
	conv.AppendMessage(Message{ID: "m1", Role: RoleUser, Content: "hi"})

	if conv.SummaryUsable() {
		t.Fatal("no summary reported usable")
	}
	conv.Summary = &Summary{Text: "summary", LastSummarizedMessageID: "m1"}
	if !conv.SummaryUsable() {
		t.Fatal("anchored summary reported unusable")
	}
	// Anchor removed, e.g. after a merge rewrote history.
	conv.Summary.LastSummarizedMessageID = "gone"
	if conv.SummaryUsable() {
		t.Fatal("dangling summary reported usable")
	}
	conv.Summary = &Summary{Text: "   ", LastSummarizedMessageID: "m1"}
	if conv.SummaryUsable() {
		t.Fatal("empty-text summary reported usable")
	}
}

func TestValidate(t *testing.T) {
	conv := &Conversation{ID: "c1"}
	if err := conv.Validate(); err == nil {
		t.Fatal("conversation without identifiers validated")
	}
	conv.AddIdentifier(Identifier{Type: IdentifierSession, Value: "sess-1"})
	if err := conv.Validate(); err != nil {
		t.Fatalf("valid conversation rejected: %v", err)
	}
	conv.Identifiers = append(conv.Identifiers, conv.Identifiers[0])
	if err := conv.Validate(); err == nil {
		t.Fatal("duplicate identifier pair validated")
	}
}

func TestAppendMessageAdvancesActivity(t *testing.T) {
	conv := &Conversation{ID: "c1"}
	earlier := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	later := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	conv.AppendMessage(Message{ID: "m1", Role: RoleUser, Content: "a", Timestamp: later})
	conv.AppendMessage(Message{ID: "m2", Role: RoleUser, Content: "b", Timestamp: earlier})
	if !conv.LastActivity.Equal(later) {
		t.Fatalf("LastActivity = %v, want %v", conv.LastActivity, later)
	}
}

func TestDedupeKey(t *testing.T) {
	ts := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	a := Message{ID: "m1", Role: RoleUser, Content: "hello", Timestamp: ts}
	b := Message{ID: "m2", Role: RoleUser, Content: "hello", Timestamp: ts}
	c := Message{ID: "m3", Role: RoleAssistant, Content: "hello", Timestamp: ts}

	if a.DedupeKey() != b.DedupeKey() {
		t.Fatal("same timestamp/role/content produced different keys")
	}
	if a.DedupeKey() == c.DedupeKey() {
		t.Fatal("different roles produced the same key")
	}
}

func TestCloneIsolation(t *testing.T) {
	conv := &Conversation{ID: "c1"}
	conv.AddIdentifier(Identifier{Type: IdentifierSession, Value: "sess-1"})
	conv.AppendMessage(Message{ID: "m1", Role: RoleUser, Content: "hi", Metadata: map[string]any{"k": "v"}})
	conv.Summary = &Summary{Text: "summary", LastSummarizedMessageID: "m1"}

	clone := conv.Clone()
	clone.Identifiers[0].Value = "other"
	clone.Messages[0].Metadata["k"] = "changed"
	clone.Summary.Text = "changed"

	if conv.Identifiers[0].Value != "sess-1" {
		t.Fatal("clone aliased identifiers")
	}
	if conv.Messages[0].Metadata["k"] != "v" {
		t.Fatal("clone aliased message metadata")
	}
	if conv.Summary.Text != "summary" {
		t.Fatal("clone aliased summary")
	}
}
