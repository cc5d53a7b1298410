package inbound

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/backend"
	"github.com/threadline/threadline/internal/chat"
	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/conversation"
	"github.com/threadline/threadline/internal/merge"
	"github.com/threadline/threadline/internal/phone"
	"github.com/threadline/threadline/internal/session"
	"github.com/threadline/threadline/internal/summary"
	"github.com/threadline/threadline/internal/tools"
)

// scriptedCompleter replays canned responses in order.
type scriptedCompleter struct {
	responses []backend.Response
	errs      []error
	requests  []backend.Request
}

func (s *scriptedCompleter) CreateResponse(ctx context.Context, req backend.Request) (backend.Response, error) {
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return backend.Response{}, s.errs[i]
	}
	if i >= len(s.responses) {
		return backend.Response{}, errors.New("no scripted response left")
	}
	return s.responses[i], nil
}

func (s *scriptedCompleter) Model() string { return "test-model" }

type fixture struct {
	store     *conversation.MemStore
	sessions  *session.Registry
	processor *Processor
	completer *scriptedCompleter
}

func newFixture(t *testing.T, completer *scriptedCompleter) *fixture {
	t.Helper()
	log := slog.Default()
	store := conversation.NewMemStore()
	matcher := phone.NewMatcher(log, config.MatcherConfig{
		MatchSuffixLen: 9,
		CountryCodes:   []string{"44", "1", "353"},
	})
	assembler := chat.NewAssembler(
		config.ContextConfig{RecentMessages: 20, MaxHistoryMessages: 10},
		config.SummaryConfig{Enabled: false},
	)
	registry := tools.NewRegistry(log)
	driver := chat.NewDriver(log, completer, registry)
	generator := summary.NewGenerator(log, completer, config.SummaryConfig{Enabled: false})
	merger := merge.NewEngine(log, store, nil)
	sessions := session.NewRegistry(log)

	processor := NewProcessor(log, store, matcher, assembler, driver, merger, generator, sessions)
	registry.MustRegister(tools.NewRecallTool(processor))
	return &fixture{store: store, sessions: sessions, processor: processor, completer: completer}
}

func reply(id, text string) backend.Response {
	return backend.Response{ID: id, Output: []backend.Item{backend.MessageItem("assistant", text)}}
}

func TestNetworkMessageCreatesConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedCompleter{responses: []backend.Response{reply("resp-1", "hello!")}})

	result, err := f.processor.HandleNetworkMessage(ctx, "+44 7911 123456", "hi")
	require.NoError(t, err)
	require.Equal(t, "hello!", result.Reply)

	conv, err := f.store.Get(ctx, result.ConversationID)
	require.NoError(t, err)
	require.Equal(t, conversation.ChannelNetwork, conv.Channel)
	require.Equal(t, "resp-1", conv.ResponseChainToken)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, conversation.RoleUser, conv.Messages[0].Role)
	require.Equal(t, conversation.RoleAssistant, conv.Messages[1].Role)

	id, ok := conv.FindIdentifier(conversation.IdentifierPhoneVerified, "+447911123456")
	require.True(t, ok)
	require.True(t, id.Verified)
	require.Equal(t, "911123456", id.MatchKey)
}

func TestNetworkMessageReusesConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedCompleter{responses: []backend.Response{
		reply("resp-1", "first"),
		reply("resp-2", "second"),
	}})

	first, err := f.processor.HandleNetworkMessage(ctx, "+447911123456", "one")
	require.NoError(t, err)
	// Same number written differently still lands in the same conversation.
	second, err := f.processor.HandleNetworkMessage(ctx, "07911123456", "two")
	require.NoError(t, err)
	require.Equal(t, first.ConversationID, second.ConversationID)

	conv, err := f.store.Get(ctx, first.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	require.Equal(t, "resp-2", conv.ResponseChainToken)
	// The second request continues the response chain from the first turn.
	require.Equal(t, "resp-1", f.completer.requests[1].PreviousResponseID)
}

func TestWebMessageCreatesSessionConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedCompleter{responses: []backend.Response{reply("resp-1", "hi web")}})

	result, err := f.processor.HandleWebMessage(ctx, "sess-1", "hello")
	require.NoError(t, err)
	require.Equal(t, "hi web", result.Reply)

	bound, ok := f.sessions.Lookup("sess-1")
	require.True(t, ok)
	require.Equal(t, result.ConversationID, bound)

	conv, err := f.store.Get(ctx, result.ConversationID)
	require.NoError(t, err)
	require.Equal(t, conversation.ChannelWeb, conv.Channel)
	_, ok = conv.FindIdentifier(conversation.IdentifierSession, "sess-1")
	require.True(t, ok)
}

func TestRecallMergesAcrossChannels(t *testing.T) {
	ctx := context.Background()
	completer := &scriptedCompleter{responses: []backend.Response{
		reply("net-1", "hello from support"),
		{ID: "web-1", Output: []backend.Item{{
			Type:      backend.ItemTypeFunctionCall,
			CallID:    "call-1",
			Name:      "find_previous_conversation",
			Arguments: `{"phone_number":"07911123456"}`,
		}}},
		reply("web-2", "Welcome back! Last time we talked about your order."),
	}}
	f := newFixture(t, completer)

	// A previous conversation exists on the network channel.
	networkResult, err := f.processor.HandleNetworkMessage(ctx, "+447911123456", "where is my order?")
	require.NoError(t, err)

	// A web user claims the same number in message text.
	webResult, err := f.processor.HandleWebMessage(ctx, "sess-1", "my number is 07911123456")
	require.NoError(t, err)
	require.Contains(t, webResult.Reply, "Welcome back")

	// The network conversation is absorbed into the web one.
	_, err = f.store.Get(ctx, networkResult.ConversationID)
	require.ErrorIs(t, err, conversation.ErrNotFound)

	merged, err := f.store.Get(ctx, webResult.ConversationID)
	require.NoError(t, err)
	// Two network turns + web user turn + web assistant turn.
	require.Len(t, merged.Messages, 4)

	// The claimed number is recorded, but never as verified.
	id, ok := merged.FindIdentifier(conversation.IdentifierPhoneUnverified, "07911123456")
	require.True(t, ok)
	require.False(t, id.Verified)
	// The network-verified identifier survives the merge.
	verified, ok := merged.FindIdentifier(conversation.IdentifierPhoneVerified, "+447911123456")
	require.True(t, ok)
	require.True(t, verified.Verified)

	// The follow-up carried the tool output and a directive to continue.
	followUp := completer.requests[2]
	var sawOutput, sawDirective bool
	for _, item := range followUp.Input {
		if item.Type == backend.ItemTypeFunctionCallOutput && item.CallID == "call-1" {
			sawOutput = true
		}
		if item.Role == "system" && item.Type == backend.ItemTypeMessage {
			sawDirective = true
		}
	}
	require.True(t, sawOutput)
	require.True(t, sawDirective)
}

func TestRecallWithoutMatchStillRecordsNumber(t *testing.T) {
	ctx := context.Background()
	completer := &scriptedCompleter{responses: []backend.Response{
		{ID: "web-1", Output: []backend.Item{{
			Type:      backend.ItemTypeFunctionCall,
			CallID:    "call-1",
			Name:      "find_previous_conversation",
			Arguments: `{"phone_number":"07911123456"}`,
		}}},
		reply("web-2", "I couldn't find an earlier conversation for that number."),
	}}
	f := newFixture(t, completer)

	result, err := f.processor.HandleWebMessage(ctx, "sess-1", "my number is 07911123456")
	require.NoError(t, err)

	conv, err := f.store.Get(ctx, result.ConversationID)
	require.NoError(t, err)
	_, ok := conv.FindIdentifier(conversation.IdentifierPhoneUnverified, "07911123456")
	require.True(t, ok)

	// A later network message from that number resumes this conversation.
	completer.responses = append(completer.responses, reply("net-1", "found you"))
	networkResult, err := f.processor.HandleNetworkMessage(ctx, "+447911123456", "hello again")
	require.NoError(t, err)
	require.Equal(t, result.ConversationID, networkResult.ConversationID)
}

func TestBackendFailureStillPersistsUserMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedCompleter{errs: []error{errors.New("backend down")}})

	result, err := f.processor.HandleNetworkMessage(ctx, "+447911123456", "anyone there?")
	require.NoError(t, err)
	require.NotEmpty(t, result.Reply)

	conv, err := f.store.Get(ctx, result.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, "anyone there?", conv.Messages[0].Content)
	// The chain token never advances on a failed round trip.
	require.Empty(t, conv.ResponseChainToken)
}

func TestNetworkRateLimit(t *testing.T) {
	ctx := context.Background()
	responses := make([]backend.Response, 0, senderBurst)
	for i := 0; i < senderBurst; i++ {
		responses = append(responses, reply("resp", "ok"))
	}
	f := newFixture(t, &scriptedCompleter{responses: responses})

	for i := 0; i < senderBurst; i++ {
		_, err := f.processor.HandleNetworkMessage(ctx, "+447911123456", "burst")
		require.NoError(t, err)
	}
	_, err := f.processor.HandleNetworkMessage(ctx, "+447911123456", "one too many")
	require.ErrorIs(t, err, ErrRateLimited)

	// A different sender is unaffected.
	f.completer.responses = append(f.completer.responses, reply("resp", "ok"))
	_, err = f.processor.HandleNetworkMessage(ctx, "+15551234567", "hello")
	require.NoError(t, err)
}

func TestInvalidInputRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedCompleter{})

	_, err := f.processor.HandleNetworkMessage(ctx, "not a number", "hi")
	require.Error(t, err)
	_, err = f.processor.HandleNetworkMessage(ctx, "+447911123456", "   ")
	require.Error(t, err)
	_, err = f.processor.HandleWebMessage(ctx, "", "hi")
	require.Error(t, err)
}

func TestConcurrentTurnsSameConversationSerialize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedCompleter{responses: []backend.Response{
		reply("resp-1", "one"),
		reply("resp-2", "two"),
		reply("resp-3", "three"),
	}})

	seed, err := f.processor.HandleNetworkMessage(ctx, "+447911123456", "seed")
	require.NoError(t, err)

	// Two turns for the same sender racing each other must not lose either
	// side's appended messages.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.processor.HandleNetworkMessage(ctx, "+447911123456", "concurrent")
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	conv, err := f.store.Get(ctx, seed.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 6)
}

func TestParallelRecallCallsSerialize(t *testing.T) {
	ctx := context.Background()
	completer := &scriptedCompleter{responses: []backend.Response{
		{ID: "web-1", Output: []backend.Item{
			{
				Type:      backend.ItemTypeFunctionCall,
				CallID:    "call-1",
				Name:      "find_previous_conversation",
				Arguments: `{"phone_number":"+447911123456"}`,
			},
			{
				Type:      backend.ItemTypeFunctionCall,
				CallID:    "call-2",
				Name:      "find_previous_conversation",
				Arguments: `{"phone_number":"+15551234567"}`,
			},
		}},
		reply("web-2", "Found both of your earlier conversations."),
	}}
	f := newFixture(t, completer)

	seedConversation := func(id, number, matchKey string) {
		conv := &conversation.Conversation{
			ID:           id,
			Channel:      conversation.ChannelNetwork,
			LastActivity: time.Now().Add(-time.Hour),
		}
		conv.AddIdentifier(conversation.Identifier{
			Type: conversation.IdentifierPhoneVerified, Value: number, MatchKey: matchKey, Verified: true,
		})
		conv.AppendMessage(conversation.Message{
			ID: id + "-m1", Role: conversation.RoleUser, Content: "earlier from " + number,
			Timestamp: time.Now().Add(-time.Hour),
		})
		conv.LastActivity = time.Now().Add(-time.Hour)
		require.NoError(t, f.store.Create(ctx, conv))
	}
	seedConversation("net-a", "+447911123456", "911123456")
	seedConversation("net-b", "+15551234567", "551234567")

	// Both recall calls arrive in one model reply and run as parallel tool
	// goroutines; they must fold both conversations in without clobbering
	// each other's writes.
	result, err := f.processor.HandleWebMessage(ctx, "sess-1", "I've written before from two numbers")
	require.NoError(t, err)

	_, err = f.store.Get(ctx, "net-a")
	require.ErrorIs(t, err, conversation.ErrNotFound)
	_, err = f.store.Get(ctx, "net-b")
	require.ErrorIs(t, err, conversation.ErrNotFound)

	merged, err := f.store.Get(ctx, result.ConversationID)
	require.NoError(t, err)
	// Two absorbed turns plus this turn's user and assistant messages.
	require.Len(t, merged.Messages, 4)
	for _, number := range []string{"+447911123456", "+15551234567"} {
		_, ok := merged.FindIdentifier(conversation.IdentifierPhoneUnverified, number)
		require.True(t, ok, number)
	}
}

func TestLastUserTopicKeepsRunesIntact(t *testing.T) {
	conv := &conversation.Conversation{ID: "c1"}
	conv.AppendMessage(conversation.Message{
		ID: "m1", Role: conversation.RoleUser,
		Content:   strings.Repeat("é", 130),
		Timestamp: time.Now(),
	})

	topic := lastUserTopic([]*conversation.Conversation{conv})
	require.True(t, utf8.ValidString(topic))
	require.Equal(t, strings.Repeat("é", 120), topic)
}

func TestHealDuplicatesFoldsOrphans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedCompleter{})

	primary := &conversation.Conversation{
		ID:           "primary",
		Channel:      conversation.ChannelNetwork,
		LastActivity: time.Now(),
	}
	primary.AddIdentifier(conversation.Identifier{
		Type: conversation.IdentifierPhoneVerified, Value: "+447911123456", MatchKey: "911123456", Verified: true,
	})
	require.NoError(t, f.store.Create(ctx, primary))

	orphan := &conversation.Conversation{
		ID:           "orphan",
		Channel:      conversation.ChannelWeb,
		LastActivity: time.Now().Add(-time.Hour),
	}
	orphan.AddIdentifier(conversation.Identifier{
		Type: conversation.IdentifierPhoneUnverified, Value: "07911123456", MatchKey: "911123456",
	})
	orphan.AppendMessage(conversation.Message{
		ID: "w1", Role: conversation.RoleUser, Content: "stranded turn", Timestamp: time.Now().Add(-time.Hour),
	})
	orphan.LastActivity = time.Now().Add(-time.Hour)
	require.NoError(t, f.store.Create(ctx, orphan))
	f.sessions.Bind("sess-orphan", "orphan")

	absorbed, err := f.processor.HealDuplicates(ctx, "primary")
	require.NoError(t, err)
	require.Equal(t, 1, absorbed)

	_, err = f.store.Get(ctx, "orphan")
	require.ErrorIs(t, err, conversation.ErrNotFound)
	merged, err := f.store.Get(ctx, "primary")
	require.NoError(t, err)
	require.Len(t, merged.Messages, 1)
	require.Equal(t, "stranded turn", merged.Messages[0].Content)

	// The orphan's live session now points at the surviving conversation.
	bound, ok := f.sessions.Lookup("sess-orphan")
	require.True(t, ok)
	require.Equal(t, "primary", bound)

	// Healing an already-clean or vanished conversation is a no-op.
	absorbed, err = f.processor.HealDuplicates(ctx, "primary")
	require.NoError(t, err)
	require.Zero(t, absorbed)
	absorbed, err = f.processor.HealDuplicates(ctx, "orphan")
	require.NoError(t, err)
	require.Zero(t, absorbed)
}

func TestOpportunisticMergeOnLookup(t *testing.T) {
	ctx := context.Background()
	// Two conversations for the same person slipped past earlier merges.
	f := newFixture(t, &scriptedCompleter{responses: []backend.Response{reply("resp-1", "merged")}})

	older := &conversation.Conversation{
		ID:           "older",
		Channel:      conversation.ChannelNetwork,
		LastActivity: time.Now().Add(-time.Hour),
	}
	older.AddIdentifier(conversation.Identifier{
		Type: conversation.IdentifierPhoneVerified, Value: "+447911123456", MatchKey: "911123456", Verified: true,
	})
	older.AppendMessage(conversation.Message{
		ID: "o1", Role: conversation.RoleUser, Content: "old turn", Timestamp: time.Now().Add(-time.Hour),
	})
	older.LastActivity = time.Now().Add(-time.Hour)
	require.NoError(t, f.store.Create(ctx, older))

	newer := &conversation.Conversation{
		ID:           "newer",
		Channel:      conversation.ChannelNetwork,
		LastActivity: time.Now(),
	}
	newer.AddIdentifier(conversation.Identifier{
		Type: conversation.IdentifierPhoneVerified, Value: "07911123456", MatchKey: "911123456", Verified: true,
	})
	require.NoError(t, f.store.Create(ctx, newer))

	result, err := f.processor.HandleNetworkMessage(ctx, "+447911123456", "hello")
	require.NoError(t, err)
	require.Equal(t, "newer", result.ConversationID)

	_, err = f.store.Get(ctx, "older")
	require.ErrorIs(t, err, conversation.ErrNotFound)
	merged, err := f.store.Get(ctx, "newer")
	require.NoError(t, err)
	// The absorbed turn plus this turn's user and assistant messages.
	require.Len(t, merged.Messages, 3)
}
