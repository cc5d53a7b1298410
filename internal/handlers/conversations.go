package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/threadline/threadline/internal/conversation"
	"github.com/threadline/threadline/internal/summary"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ConversationsHandler serves the JWT-protected admin API for inspecting
// conversations and forcing summary refreshes.
type ConversationsHandler struct {
	store     conversation.Store
	summaries *summary.Generator
	logger    *slog.Logger
}

// ConversationSummaryView is one row of the admin list: enough to scan who
// talked and when, without the message bodies.
type ConversationSummaryView struct {
	ID            string    `json:"id"`
	Channel       string    `json:"channel"`
	CanonicalType string    `json:"canonical_type"`
	CanonicalID   string    `json:"canonical_id"`
	MessageCount  int       `json:"message_count"`
	HasSummary    bool      `json:"has_summary"`
	LastActivity  time.Time `json:"last_activity"`
}

// NewConversationsHandler creates the admin conversations handler.
func NewConversationsHandler(log *slog.Logger, store conversation.Store, summaries *summary.Generator) *ConversationsHandler {
	return &ConversationsHandler{
		store:     store,
		summaries: summaries,
		logger:    log.With(slog.String("handler", "conversations")),
	}
}

// Register mounts the admin conversation routes on the Echo instance.
func (h *ConversationsHandler) Register(e *echo.Echo) {
	e.GET("/api/conversations", h.List)
	e.GET("/api/conversations/:id", h.Get)
	e.POST("/api/conversations/:id/summarize", h.Summarize)
}

// List returns recent conversations, newest activity first. The limit query
// parameter caps the page (default 50, at most 200).
func (h *ConversationsHandler) List(c echo.Context) error {
	limit := defaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = parsed
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	convs, err := h.store.ListRecent(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("conversation list failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list conversations")
	}
	views := make([]ConversationSummaryView, 0, len(convs))
	for _, conv := range convs {
		canonical := conv.CanonicalIdentifier()
		views = append(views, ConversationSummaryView{
			ID:            conv.ID,
			Channel:       string(conv.Channel),
			CanonicalType: string(canonical.Type),
			CanonicalID:   canonical.Value,
			MessageCount:  len(conv.Messages),
			HasSummary:    conv.Summary != nil,
			LastActivity:  conv.LastActivity,
		})
	}
	return c.JSON(http.StatusOK, views)
}

// Get returns the full conversation document.
func (h *ConversationsHandler) Get(c echo.Context) error {
	conv, err := h.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		h.logger.Error("conversation get failed",
			slog.String("conversation_id", c.Param("id")),
			slog.Any("error", err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load conversation")
	}
	return c.JSON(http.StatusOK, conv)
}

// Summarize forces a summary refresh for one conversation, bypassing the
// message-count threshold check only in so far as it reports why nothing
// happened instead of silently succeeding.
func (h *ConversationsHandler) Summarize(c echo.Context) error {
	ctx := c.Request().Context()
	conv, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load conversation")
	}
	if !h.summaries.ShouldSummarize(conv) {
		return echo.NewHTTPError(http.StatusConflict, "conversation below summary threshold or summaries disabled")
	}
	if !h.summaries.Refresh(ctx, conv) {
		return echo.NewHTTPError(http.StatusBadGateway, "summary generation failed")
	}
	if err := h.store.Save(ctx, conv); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to persist summary")
	}
	return c.JSON(http.StatusOK, conv.Summary)
}
