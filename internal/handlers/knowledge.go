package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/threadline/threadline/internal/knowledge"
	"github.com/threadline/threadline/internal/tools"
)

// KnowledgeHandler serves the JWT-protected admin API for managing the
// knowledge base the search_knowledge_base tool reads from.
type KnowledgeHandler struct {
	service *knowledge.Service
	logger  *slog.Logger
}

// CreateArticleRequest is the body for POST /api/knowledge.
type CreateArticleRequest struct {
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	ContentType string   `json:"content_type"`
}

// NewKnowledgeHandler creates the knowledge admin handler.
func NewKnowledgeHandler(log *slog.Logger, service *knowledge.Service) *KnowledgeHandler {
	return &KnowledgeHandler{
		service: service,
		logger:  log.With(slog.String("handler", "knowledge")),
	}
}

// Register mounts the knowledge admin routes on the Echo instance.
func (h *KnowledgeHandler) Register(e *echo.Echo) {
	e.POST("/api/knowledge", h.Create)
	e.GET("/api/knowledge/search", h.Search)
}

// Create inserts one knowledge article.
func (h *KnowledgeHandler) Create(c echo.Context) error {
	var req CreateArticleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Title) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}
	id, err := h.service.Create(c.Request().Context(), tools.KnowledgeArticle{
		Title:       req.Title,
		Body:        req.Body,
		Category:    req.Category,
		Tags:        req.Tags,
		ContentType: req.ContentType,
	})
	if err != nil {
		h.logger.Error("article create failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create article")
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// Search queries the knowledge base with the same disjunctive semantics the
// model tool uses.
func (h *KnowledgeHandler) Search(c echo.Context) error {
	query := tools.KnowledgeQuery{
		Text:        c.QueryParam("text"),
		Category:    c.QueryParam("category"),
		Tag:         c.QueryParam("tag"),
		ContentType: c.QueryParam("content_type"),
	}
	if query.Text == "" && query.Category == "" && query.Tag == "" && query.ContentType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one search criterion is required")
	}
	articles, err := h.service.Search(c.Request().Context(), query)
	if err != nil {
		h.logger.Error("article search failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to search articles")
	}
	return c.JSON(http.StatusOK, articles)
}
