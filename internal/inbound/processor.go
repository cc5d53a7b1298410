// Package inbound receives user messages from the channels, resolves them to
// a conversation, and runs the model turn. All cross-channel identity work
// (lookup, opportunistic merge, recall-triggered merge) happens here.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/threadline/threadline/internal/chat"
	"github.com/threadline/threadline/internal/conversation"
	"github.com/threadline/threadline/internal/merge"
	"github.com/threadline/threadline/internal/phone"
	"github.com/threadline/threadline/internal/session"
	"github.com/threadline/threadline/internal/summary"
	"github.com/threadline/threadline/internal/tools"
)

// ErrRateLimited is returned when a network sender exceeds the inbound rate.
var ErrRateLimited = errors.New("sender rate limited")

// errResolveRetry signals that the conversation picked by an unlocked lookup
// was absorbed by a concurrent merge before its lock was acquired.
var errResolveRetry = errors.New("conversation resolution raced with a merge")

// resolveAttempts bounds how often a raced resolution is retried.
const resolveAttempts = 3

// Per-sender webhook rate: sustained one message per two seconds, bursts of five.
const (
	senderRate  = rate.Limit(0.5)
	senderBurst = 5
)

// limiterIdle is how long a sender's limiter survives without traffic before
// eviction.
const limiterIdle = 10 * time.Minute

// summaryTimeout bounds the post-turn background summary refresh.
const summaryTimeout = 60 * time.Second

// TurnResult is what a channel handler sends back to the user.
type TurnResult struct {
	ConversationID string
	Reply          string
}

// convLock is a per-conversation mutex with a holder count, so the lock table
// shrinks once the last holder releases.
type convLock struct {
	mu   sync.Mutex
	refs int
}

// inflightTurn tracks the conversation a running turn operates on. Tool calls
// execute in parallel goroutines; mu serializes the ones that mutate the
// conversation.
type inflightTurn struct {
	mu   sync.Mutex
	conv *conversation.Conversation
}

type senderLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Processor resolves inbound messages to conversations and drives turns.
// The per-conversation lock spans resolution (including opportunistic merges)
// through the final persist, so one turn per conversation runs at a time;
// turns on different conversations proceed in parallel.
type Processor struct {
	store     conversation.Store
	matcher   *phone.Matcher
	assembler *chat.Assembler
	driver    *chat.Driver
	merger    *merge.Engine
	summaries *summary.Generator
	sessions  *session.Registry
	logger    *slog.Logger

	mu       sync.Mutex
	locks    map[string]*convLock
	inflight map[string]*inflightTurn
	limiters map[string]*senderLimiter
}

// NewProcessor creates the turn processor.
func NewProcessor(
	log *slog.Logger,
	store conversation.Store,
	matcher *phone.Matcher,
	assembler *chat.Assembler,
	driver *chat.Driver,
	merger *merge.Engine,
	summaries *summary.Generator,
	sessions *session.Registry,
) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		store:     store,
		matcher:   matcher,
		assembler: assembler,
		driver:    driver,
		merger:    merger,
		summaries: summaries,
		sessions:  sessions,
		logger:    log.With(slog.String("service", "inbound")),
		locks:     make(map[string]*convLock),
		inflight:  make(map[string]*inflightTurn),
		limiters:  make(map[string]*senderLimiter),
	}
}

// HandleNetworkMessage processes one webhook message from the messaging
// network. The sender address is channel-verified, so the phone identifier it
// yields is verified and becomes the conversation's canonical identity.
func (p *Processor) HandleNetworkMessage(ctx context.Context, senderPhone, text string) (TurnResult, error) {
	normalized := phone.Normalize(senderPhone)
	if normalized == "" {
		return TurnResult{}, fmt.Errorf("sender phone is required")
	}
	if text = strings.TrimSpace(text); text == "" {
		return TurnResult{}, fmt.Errorf("message text is required")
	}
	if !p.limiterFor(normalized).Allow() {
		return TurnResult{}, fmt.Errorf("%w: %s", ErrRateLimited, normalized)
	}

	for attempt := 0; ; attempt++ {
		conv, unlock, err := p.resolveByPhoneLocked(ctx, normalized)
		if errors.Is(err, errResolveRetry) && attempt < resolveAttempts {
			continue
		}
		if err != nil {
			return TurnResult{}, err
		}
		result, err := p.runTurnLocked(ctx, conv, conversation.ChannelNetwork, "", text)
		unlock()
		return result, err
	}
}

// HandleWebMessage processes one webchat message. The session id is opaque and
// unverified; identity beyond the session only ever arrives through the
// recall tool.
func (p *Processor) HandleWebMessage(ctx context.Context, sessionID, text string) (TurnResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return TurnResult{}, fmt.Errorf("session id is required")
	}
	if text = strings.TrimSpace(text); text == "" {
		return TurnResult{}, fmt.Errorf("message text is required")
	}

	for attempt := 0; ; attempt++ {
		conv, unlock, err := p.resolveBySessionLocked(ctx, sessionID)
		if errors.Is(err, errResolveRetry) && attempt < resolveAttempts {
			continue
		}
		if err != nil {
			return TurnResult{}, err
		}
		p.sessions.Bind(sessionID, conv.ID)
		result, err := p.runTurnLocked(ctx, conv, conversation.ChannelWeb, sessionID, text)
		unlock()
		return result, err
	}
}

// RecallByPhone implements the find_previous_conversation tool: it looks up
// conversations matching the user-provided phone number and folds them into
// the in-flight conversation. The number came from message text, so the
// identifier it leaves behind is unverified. Tool calls in one model reply run
// in parallel; recalls serialize on the turn because they mutate its
// conversation.
func (p *Processor) RecallByPhone(ctx context.Context, conversationID, phoneNumber string) (tools.RecallOutcome, error) {
	normalized := phone.Normalize(phoneNumber)
	if normalized == "" {
		return tools.RecallOutcome{}, fmt.Errorf("phone number %q has no digits", phoneNumber)
	}

	p.mu.Lock()
	turn := p.inflight[conversationID]
	p.mu.Unlock()
	if turn == nil {
		return tools.RecallOutcome{}, fmt.Errorf("no in-flight turn for conversation %s", conversationID)
	}
	turn.mu.Lock()
	defer turn.mu.Unlock()
	primary := turn.conv

	candidates, err := p.findPhoneMatches(ctx, normalized, primary.ID)
	if err != nil {
		return tools.RecallOutcome{}, err
	}

	primary.AddIdentifier(conversation.Identifier{
		Type:     conversation.IdentifierPhoneUnverified,
		Value:    normalized,
		MatchKey: p.matcher.MatchKey(normalized),
	})

	if len(candidates) == 0 {
		// Still persist the new identifier so a later network message from
		// this number lands in the same conversation.
		if err := p.store.Save(ctx, primary); err != nil {
			return tools.RecallOutcome{}, fmt.Errorf("persist recall identifier: %w", err)
		}
		return tools.RecallOutcome{Found: false}, nil
	}

	result, err := p.merger.Merge(ctx, primary, candidates)
	if err != nil {
		return tools.RecallOutcome{}, err
	}
	for _, absorbedID := range result.AbsorbedIDs {
		p.sessions.Redirect(absorbedID, primary.ID)
	}
	return tools.RecallOutcome{
		Found:          true,
		MergedMessages: result.MergedMessageCount,
		LastTopic:      lastUserTopic(candidates),
		ContactName:    primary.Profile.Name,
	}, nil
}

// HealDuplicates re-runs duplicate detection for one conversation outside any
// turn, folding in other conversations that share its phone identifiers. The
// background sweep uses it to repair orphans left behind by a partially failed
// merge. Returns how many conversations were absorbed.
func (p *Processor) HealDuplicates(ctx context.Context, conversationID string) (int, error) {
	unlock := p.lockConversation(conversationID)
	defer unlock()

	conv, err := p.store.Get(ctx, conversationID)
	if errors.Is(err, conversation.ErrNotFound) {
		// Absorbed by an earlier heal in the same sweep.
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{})
	var candidates []*conversation.Conversation
	for _, ident := range conv.Identifiers {
		if ident.Type != conversation.IdentifierPhoneVerified && ident.Type != conversation.IdentifierPhoneUnverified {
			continue
		}
		matches, err := p.findPhoneMatches(ctx, ident.Value, conv.ID)
		if err != nil {
			return 0, err
		}
		for _, match := range matches {
			if _, ok := seen[match.ID]; ok {
				continue
			}
			seen[match.ID] = struct{}{}
			candidates = append(candidates, match)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	result, err := p.merger.Merge(ctx, conv, candidates)
	if err != nil {
		return 0, err
	}
	for _, absorbedID := range result.AbsorbedIDs {
		p.sessions.Redirect(absorbedID, conv.ID)
	}
	return result.MergedCandidateCount, nil
}

// runTurnLocked executes one user turn end to end. The caller holds the
// conversation's lock. The user message is persisted before any model work so
// the conversation is a faithful audit trail even when the backend fails
// mid-turn.
func (p *Processor) runTurnLocked(ctx context.Context, conv *conversation.Conversation, channel conversation.Channel, sessionID, text string) (TurnResult, error) {
	turn := &inflightTurn{conv: conv}
	p.mu.Lock()
	p.inflight[conv.ID] = turn
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, conv.ID)
		p.mu.Unlock()
	}()

	conv.AppendMessage(conversation.Message{
		ID:        uuid.NewString(),
		Role:      conversation.RoleUser,
		Content:   text,
		Timestamp: time.Now().UTC(),
		Channel:   channel,
	})
	if err := p.store.Save(ctx, conv); err != nil {
		return TurnResult{}, fmt.Errorf("persist user message: %w", err)
	}

	assembled, err := p.assembler.Assemble(conv)
	if err != nil {
		return TurnResult{}, err
	}
	outcome := p.driver.Drive(ctx, assembled, tools.ExecContext{
		ConversationID: conv.ID,
		Channel:        channel,
		SessionID:      sessionID,
		Profile:        conv.Profile,
	})

	conv.AppendMessage(conversation.Message{
		ID:        uuid.NewString(),
		Role:      conversation.RoleAssistant,
		Content:   outcome.Reply,
		Timestamp: time.Now().UTC(),
		Channel:   channel,
	})
	conv.ResponseChainToken = outcome.ResponseChainToken
	if err := p.store.Save(ctx, conv); err != nil {
		// The reply is already on its way to the user; losing the persist is
		// worth surfacing but not worth failing the turn.
		p.logger.Error("persist assistant reply failed",
			slog.String("conversation_id", conv.ID),
			slog.Any("error", err),
		)
	}

	if p.summaries != nil && p.summaries.ShouldSummarize(conv) {
		go p.refreshSummary(conv.ID)
	}

	p.logger.Info("turn completed",
		slog.String("conversation_id", conv.ID),
		slog.String("channel", string(channel)),
		slog.Int("tool_calls", len(outcome.ToolExecutions)),
		slog.Bool("fallback", outcome.UsedFallback),
	)
	return TurnResult{ConversationID: conv.ID, Reply: outcome.Reply}, nil
}

// resolveByPhoneLocked finds the conversation for a verified sender address,
// opportunistically merging duplicates the lookup surfaces, or creates one.
// It returns with the conversation's lock held; the caller releases it via
// the returned function. The lookup runs unlocked, so after locking the
// primary is re-read and errResolveRetry reports one that vanished meanwhile.
func (p *Processor) resolveByPhoneLocked(ctx context.Context, normalized string) (*conversation.Conversation, func(), error) {
	matches, err := p.findPhoneMatches(ctx, normalized, "")
	if err != nil {
		return nil, nil, err
	}

	verified := conversation.Identifier{
		Type:     conversation.IdentifierPhoneVerified,
		Value:    normalized,
		MatchKey: p.matcher.MatchKey(normalized),
		Verified: true,
	}

	if len(matches) == 0 {
		conv := &conversation.Conversation{
			ID:           uuid.NewString(),
			Channel:      conversation.ChannelNetwork,
			LastActivity: time.Now().UTC(),
			CreatedAt:    time.Now().UTC(),
		}
		conv.AddIdentifier(verified)
		unlock := p.lockConversation(conv.ID)
		if err := p.store.Create(ctx, conv); err != nil {
			unlock()
			return nil, nil, fmt.Errorf("create conversation: %w", err)
		}
		return conv, unlock, nil
	}

	// Most recently active match wins as primary; the rest are duplicates of
	// the same person that slipped past earlier merges.
	primaryID := matches[0].ID
	unlock := p.lockConversation(primaryID)
	primary, err := p.store.Get(ctx, primaryID)
	if err != nil {
		unlock()
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, nil, errResolveRetry
		}
		return nil, nil, err
	}

	primary.AddIdentifier(verified)
	others, err := p.findPhoneMatches(ctx, normalized, primaryID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	if len(others) > 0 {
		result, err := p.merger.Merge(ctx, primary, others)
		if err != nil {
			unlock()
			return nil, nil, err
		}
		for _, absorbedID := range result.AbsorbedIDs {
			p.sessions.Redirect(absorbedID, primary.ID)
		}
	} else if err := p.store.Save(ctx, primary); err != nil {
		unlock()
		return nil, nil, fmt.Errorf("persist verified identifier: %w", err)
	}
	return primary, unlock, nil
}

// resolveBySessionLocked finds the conversation for a webchat session or
// creates one, returning with its lock held.
func (p *Processor) resolveBySessionLocked(ctx context.Context, sessionID string) (*conversation.Conversation, func(), error) {
	if conversationID, ok := p.sessions.Lookup(sessionID); ok {
		unlock := p.lockConversation(conversationID)
		conv, err := p.store.Get(ctx, conversationID)
		if err == nil {
			return conv, unlock, nil
		}
		unlock()
		if !errors.Is(err, conversation.ErrNotFound) {
			return nil, nil, err
		}
		p.sessions.Release(sessionID)
	}

	matches, err := p.store.FindByIdentifier(ctx, conversation.IdentifierSession, []string{sessionID})
	if err != nil {
		return nil, nil, err
	}
	if len(matches) > 0 {
		conversationID := matches[0].ID
		unlock := p.lockConversation(conversationID)
		conv, err := p.store.Get(ctx, conversationID)
		if err != nil {
			unlock()
			if errors.Is(err, conversation.ErrNotFound) {
				return nil, nil, errResolveRetry
			}
			return nil, nil, err
		}
		return conv, unlock, nil
	}

	conv := &conversation.Conversation{
		ID:           uuid.NewString(),
		Channel:      conversation.ChannelWeb,
		LastActivity: time.Now().UTC(),
		CreatedAt:    time.Now().UTC(),
	}
	conv.AddIdentifier(conversation.Identifier{
		Type:  conversation.IdentifierSession,
		Value: sessionID,
	})
	unlock := p.lockConversation(conv.ID)
	if err := p.store.Create(ctx, conv); err != nil {
		unlock()
		return nil, nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, unlock, nil
}

// findPhoneMatches returns conversations matching the number through exact
// identifier variations or the weak suffix match key, most recent first,
// excluding excludeID.
func (p *Processor) findPhoneMatches(ctx context.Context, normalized, excludeID string) ([]*conversation.Conversation, error) {
	variations := p.matcher.Variations(normalized)
	keys := p.matcher.MatchKeys(normalized)

	var matches []*conversation.Conversation
	seen := make(map[string]struct{})
	collect := func(convs []*conversation.Conversation) {
		for _, conv := range convs {
			if conv.ID == excludeID {
				continue
			}
			if _, ok := seen[conv.ID]; ok {
				continue
			}
			seen[conv.ID] = struct{}{}
			matches = append(matches, conv)
		}
	}

	for _, idType := range []conversation.IdentifierType{
		conversation.IdentifierPhoneVerified,
		conversation.IdentifierPhoneUnverified,
	} {
		convs, err := p.store.FindByIdentifier(ctx, idType, variations)
		if err != nil {
			return nil, fmt.Errorf("phone identifier lookup: %w", err)
		}
		collect(convs)
	}

	convs, err := p.store.FindByMatchKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("match key lookup: %w", err)
	}
	if len(convs) > 0 {
		p.logger.Info("cross-channel match on phone suffix",
			slog.Int("suffix_len", p.matcher.SuffixLen()),
			slog.Int("matches", len(convs)),
		)
	}
	collect(convs)
	return matches, nil
}

// refreshSummary regenerates the conversation summary in the background,
// re-reading the document under the conversation lock so the refresh never
// races a following turn.
func (p *Processor) refreshSummary(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), summaryTimeout)
	defer cancel()

	unlock := p.lockConversation(conversationID)
	defer unlock()

	conv, err := p.store.Get(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, conversation.ErrNotFound) {
			p.logger.Warn("summary refresh load failed",
				slog.String("conversation_id", conversationID),
				slog.Any("error", err),
			)
		}
		return
	}
	if !p.summaries.Refresh(ctx, conv) {
		return
	}
	if err := p.store.Save(ctx, conv); err != nil {
		p.logger.Warn("summary refresh persist failed",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err),
		)
	}
}

// lockConversation acquires the per-conversation mutex and returns its
// release function. Entries are dropped once the last holder releases, so the
// table only tracks conversations with active or queued work.
func (p *Processor) lockConversation(conversationID string) func() {
	p.mu.Lock()
	lock, ok := p.locks[conversationID]
	if !ok {
		lock = &convLock{}
		p.locks[conversationID] = lock
	}
	lock.refs++
	p.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		p.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(p.locks, conversationID)
		}
		p.mu.Unlock()
	}
}

func (p *Processor) limiterFor(sender string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if len(p.limiters) > 1024 {
		for key, entry := range p.limiters {
			if now.Sub(entry.lastSeen) > limiterIdle {
				delete(p.limiters, key)
			}
		}
	}
	entry, ok := p.limiters[sender]
	if !ok {
		entry = &senderLimiter{limiter: rate.NewLimiter(senderRate, senderBurst)}
		p.limiters[sender] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// lastUserTopic pulls the most recent user message text from the absorbed
// conversations to hint the model at what the previous conversation covered.
func lastUserTopic(candidates []*conversation.Conversation) string {
	const topicMax = 120
	var latest conversation.Message
	for _, candidate := range candidates {
		for _, msg := range candidate.Messages {
			if msg.Role == conversation.RoleUser && msg.Timestamp.After(latest.Timestamp) {
				latest = msg
			}
		}
	}
	if latest.Content == "" {
		return ""
	}
	if runes := []rune(latest.Content); len(runes) > topicMax {
		return string(runes[:topicMax])
	}
	return latest.Content
}
