package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// maxKnowledgeResults caps how many knowledge articles one lookup may return.
const maxKnowledgeResults = 20

// NewClockTool returns the current_time tool. The optional timezone argument
// is an IANA name; invalid names are a validation-level failure, not a crash.
func NewClockTool() Tool {
	return Tool{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a specific IANA timezone.",
		Schema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"timezone": {
					Type:        "string",
					Description: "IANA timezone name, e.g. Europe/London. Defaults to UTC.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any, exec ExecContext) (Result, error) {
			loc := time.UTC
			if raw, ok := args["timezone"]; ok {
				name := strings.TrimSpace(fmt.Sprint(raw))
				if name != "" {
					parsed, err := time.LoadLocation(name)
					if err != nil {
						return Result{}, fmt.Errorf("unknown timezone %q", name)
					}
					loc = parsed
				}
			}
			now := time.Now().In(loc)
			return Result{Data: map[string]any{
				"time":     now.Format(time.RFC3339),
				"timezone": loc.String(),
				"weekday":  now.Weekday().String(),
			}}, nil
		},
	}
}

// KnowledgeQuery is the disjunctive lookup the knowledge tool issues: any
// non-empty field matches on its own.
type KnowledgeQuery struct {
	Text        string
	Category    string
	Tag         string
	ContentType string
	Limit       int
}

// KnowledgeArticle is one knowledge base entry returned to the model.
type KnowledgeArticle struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
}

// KnowledgeSearcher is implemented by the knowledge base service.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query KnowledgeQuery) ([]KnowledgeArticle, error)
}

// NewKnowledgeTool returns the search_knowledge_base tool.
func NewKnowledgeTool(searcher KnowledgeSearcher) Tool {
	return Tool{
		Name:        "search_knowledge_base",
		Description: "Search the business knowledge base by free text, category, tag, or content type. Any one criterion is enough.",
		Schema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"text":         {Type: "string", Description: "Free-text search over titles and bodies."},
				"category":     {Type: "string", Description: "Exact category name."},
				"tag":          {Type: "string", Description: "Single tag to match."},
				"content_type": {Type: "string", Description: "Content type, e.g. article or faq."},
			},
		},
		Handler: func(ctx context.Context, args map[string]any, exec ExecContext) (Result, error) {
			query := KnowledgeQuery{
				Text:        stringArg(args, "text"),
				Category:    stringArg(args, "category"),
				Tag:         stringArg(args, "tag"),
				ContentType: stringArg(args, "content_type"),
				Limit:       maxKnowledgeResults,
			}
			if query.Text == "" && query.Category == "" && query.Tag == "" && query.ContentType == "" {
				return Result{}, fmt.Errorf("at least one search criterion is required")
			}
			articles, err := searcher.Search(ctx, query)
			if err != nil {
				return Result{}, fmt.Errorf("knowledge lookup failed: %w", err)
			}
			return Result{Data: map[string]any{
				"results": articles,
				"count":   len(articles),
			}}, nil
		},
	}
}

// RecallOutcome reports what a previous-conversation lookup found and merged.
type RecallOutcome struct {
	Found          bool   `json:"found"`
	MergedMessages int    `json:"merged_messages"`
	LastTopic      string `json:"last_topic,omitempty"`
	ContactName    string `json:"contact_name,omitempty"`
}

// Recaller looks up prior conversations by phone number and folds them into
// the current one. Implemented over the merge engine by the turn processor.
type Recaller interface {
	RecallByPhone(ctx context.Context, conversationID, phoneNumber string) (RecallOutcome, error)
}

// NewRecallTool returns the find_previous_conversation tool. It is
// profile-class: a success binds the user's identity to the conversation.
func NewRecallTool(recaller Recaller) Tool {
	return Tool{
		Name:        "find_previous_conversation",
		Description: "Look up the user's previous conversation by phone number and continue it. Use when the user shares a phone number they contacted us from before.",
		Class:       ClassProfile,
		Schema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"phone_number": {Type: "string", Description: "The phone number as the user wrote it."},
			},
			Required: []string{"phone_number"},
		},
		Handler: func(ctx context.Context, args map[string]any, exec ExecContext) (Result, error) {
			phoneNumber := stringArg(args, "phone_number")
			if phoneNumber == "" {
				return Result{}, fmt.Errorf("phone_number is required")
			}
			outcome, err := recaller.RecallByPhone(ctx, exec.ConversationID, phoneNumber)
			if err != nil {
				return Result{}, err
			}
			result := Result{Data: outcome}
			if outcome.Found {
				result.Directives = append(result.Directives,
					"The user's previous conversation has been found and its history is now part of this one. Continue where it left off, referencing what was discussed.")
			}
			return result, nil
		},
	}
}

func stringArg(args map[string]any, key string) string {
	raw, ok := args[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(raw))
}
