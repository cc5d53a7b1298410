// Package chat turns a stored conversation into completion requests and runs
// the request / tool-execution / follow-up round trip for one user turn.
package chat

import (
	"fmt"
	"strings"

	"github.com/threadline/threadline/internal/backend"
	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/conversation"
)

const defaultInstructions = "You are a helpful assistant for our business. " +
	"Answer from the conversation context and your tools. Use search_knowledge_base " +
	"for questions about the business, and find_previous_conversation when the user " +
	"mentions a phone number they have contacted us from before. Be concise and warm."

// Assembled is one ready-to-send model context for a user turn.
type Assembled struct {
	Instructions       string
	Input              []backend.Item
	PreviousResponseID string
}

// Assembler builds model context from a conversation document.
//
// Window selection: a usable summary stands in for the older history, so the
// request is the summary plus the recent-message window. A summary whose
// anchor message disappeared in a merge is ignored and compensated with the
// same recent window of raw history. With no summary at all the raw window is
// the shorter max-history cut.
type Assembler struct {
	summariesEnabled bool
	recentMessages   int
	maxHistory       int
	instructions     string
}

// NewAssembler creates an Assembler from config.
func NewAssembler(contextCfg config.ContextConfig, summaryCfg config.SummaryConfig) *Assembler {
	recent := contextCfg.RecentMessages
	if recent <= 0 {
		recent = config.DefaultRecentMessages
	}
	maxHistory := contextCfg.MaxHistoryMessages
	if maxHistory <= 0 {
		maxHistory = config.DefaultMaxHistory
	}
	return &Assembler{
		summariesEnabled: summaryCfg.Enabled,
		recentMessages:   recent,
		maxHistory:       maxHistory,
		instructions:     defaultInstructions,
	}
}

// Assemble builds the model context for the latest message of conv, which must
// already be appended (it is persisted before any model work so the turn is
// auditable even when the backend fails). The response-chain token passes
// through untouched; only the driver advances it.
func (a *Assembler) Assemble(conv *conversation.Conversation) (Assembled, error) {
	if len(conv.Messages) == 0 {
		return Assembled{}, fmt.Errorf("conversation %s has no messages to assemble", conv.ID)
	}
	current := conv.Messages[len(conv.Messages)-1]
	history := conv.Messages[:len(conv.Messages)-1]

	var input []backend.Item
	useSummary := a.summariesEnabled && conv.SummaryUsable()
	window := a.maxHistory
	if a.summariesEnabled && conv.Summary != nil {
		// With a summary (even a stale one being ignored) the raw window is
		// the full recent cut; without one the older turns never got
		// compressed, so the shorter cut bounds the request instead.
		window = a.recentMessages
	}
	if useSummary {
		input = append(input, backend.Item{
			Type:    backend.ItemTypeMessage,
			Role:    "system",
			Content: "Summary of the conversation so far:\n" + conv.Summary.Text,
		})
	}
	for _, msg := range tail(history, window) {
		input = append(input, backend.MessageItem(string(msg.Role), msg.Content))
	}
	input = append(input, backend.MessageItem(string(current.Role), current.Content))

	return Assembled{
		Instructions:       a.instructionsFor(conv),
		Input:              input,
		PreviousResponseID: conv.ResponseChainToken,
	}, nil
}

func (a *Assembler) instructionsFor(conv *conversation.Conversation) string {
	if conv.Profile.Empty() {
		return a.instructions
	}
	var b strings.Builder
	b.WriteString(a.instructions)
	b.WriteString("\nKnown about this user:")
	if conv.Profile.Name != "" {
		fmt.Fprintf(&b, " name=%s", conv.Profile.Name)
	}
	if conv.Profile.Email != "" {
		fmt.Fprintf(&b, " email=%s", conv.Profile.Email)
	}
	return b.String()
}

func tail(msgs []conversation.Message, n int) []conversation.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
