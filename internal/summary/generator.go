// Package summary compresses older conversation turns into a bounded running
// summary used by the context assembler.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/threadline/threadline/internal/backend"
	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/conversation"
)

// Generator produces conversation summaries through the completion backend.
// All failures are soft: callers keep the previous summary and move on.
type Generator struct {
	backend     backend.Completer
	enabled     bool
	minMessages int
	maxLength   int
	logger      *slog.Logger
}

// NewGenerator creates a Generator from config.
func NewGenerator(log *slog.Logger, completer backend.Completer, cfg config.SummaryConfig) *Generator {
	if log == nil {
		log = slog.Default()
	}
	minMessages := cfg.MinMessageCount
	if minMessages <= 0 {
		minMessages = config.DefaultSummaryMinCount
	}
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = config.DefaultSummaryMaxChars
	}
	return &Generator{
		backend:     completer,
		enabled:     cfg.Enabled,
		minMessages: minMessages,
		maxLength:   maxLength,
		logger:      log.With(slog.String("service", "summary")),
	}
}

// Enabled reports whether summarization is switched on.
func (g *Generator) Enabled() bool {
	return g.enabled
}

// ShouldSummarize reports whether conv has crossed the message-count threshold.
func (g *Generator) ShouldSummarize(conv *conversation.Conversation) bool {
	return g.enabled && len(conv.Messages) >= g.minMessages
}

// Generate produces a fresh summary for conv. It does not mutate conv; the
// caller decides when to install the result.
func (g *Generator) Generate(ctx context.Context, conv *conversation.Conversation) (*conversation.Summary, error) {
	if len(conv.Messages) == 0 {
		return nil, fmt.Errorf("nothing to summarize")
	}
	lastMessage := conv.Messages[len(conv.Messages)-1]
	if lastMessage.ID == "" {
		return nil, fmt.Errorf("last message has no id")
	}

	resp, err := g.backend.CreateResponse(ctx, backend.Request{
		Instructions: g.instructions(conv),
		Input: []backend.Item{
			backend.MessageItem("user", transcript(conv.Messages)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("summary generation: %w", err)
	}
	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return nil, fmt.Errorf("summary generation returned empty output")
	}
	if runes := []rune(text); len(runes) > g.maxLength {
		text = string(runes[:g.maxLength])
	}
	return &conversation.Summary{
		Text:                    text,
		CreatedAt:               time.Now().UTC(),
		LastSummarizedMessageID: lastMessage.ID,
		MessageCountAtCreation:  len(conv.Messages),
		ModelUsed:               g.backend.Model(),
	}, nil
}

// Refresh generates and installs a new summary on conv, returning true when
// the summary was replaced. Failure leaves the previous summary untouched and
// is logged at warning level, never propagated to the user-facing turn.
func (g *Generator) Refresh(ctx context.Context, conv *conversation.Conversation) bool {
	if !g.ShouldSummarize(conv) {
		return false
	}
	generated, err := g.Generate(ctx, conv)
	if err != nil {
		g.logger.Warn("summary refresh failed, keeping previous summary",
			slog.String("conversation_id", conv.ID),
			slog.Int("message_count", len(conv.Messages)),
			slog.Any("error", err),
		)
		return false
	}
	conv.Summary = generated
	g.logger.Info("summary refreshed",
		slog.String("conversation_id", conv.ID),
		slog.Int("message_count", generated.MessageCountAtCreation),
		slog.Int("summary_chars", len(generated.Text)),
	)
	return true
}

func (g *Generator) instructions(conv *conversation.Conversation) string {
	var b strings.Builder
	b.WriteString("Summarize the conversation below for an assistant that will continue it later. ")
	b.WriteString("Cover: who the user is, the topics discussed, what was resolved, and any open items needed to continue. ")
	fmt.Fprintf(&b, "Keep the summary under %d characters. Respond with the summary only.", g.maxLength)
	if !conv.Profile.Empty() {
		b.WriteString("\nKnown profile:")
		if conv.Profile.Name != "" {
			fmt.Fprintf(&b, " name=%s", conv.Profile.Name)
		}
		if conv.Profile.Email != "" {
			fmt.Fprintf(&b, " email=%s", conv.Profile.Email)
		}
		if conv.Profile.ExternalUserID != "" {
			fmt.Fprintf(&b, " external_user_id=%s", conv.Profile.ExternalUserID)
		}
	}
	return b.String()
}

func transcript(messages []conversation.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", msg.Timestamp.UTC().Format(time.RFC3339), msg.Role, msg.Content)
	}
	return b.String()
}
