// Package knowledge provides the business knowledge base backing the
// search_knowledge_base tool. Lookup is plain disjunctive filtering; there is
// no relevance scoring here.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/threadline/threadline/internal/tools"
)

// Service stores and queries knowledge articles.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates a knowledge base service.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "knowledge")),
	}
}

// Create inserts one article and returns its id.
func (s *Service) Create(ctx context.Context, article tools.KnowledgeArticle) (string, error) {
	if strings.TrimSpace(article.Title) == "" {
		return "", fmt.Errorf("article title is required")
	}
	id := uuid.NewString()
	contentType := article.ContentType
	if contentType == "" {
		contentType = "article"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO knowledge_articles (id, title, body, category, tags, content_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())`,
		id, article.Title, article.Body, article.Category, article.Tags, contentType,
	)
	if err != nil {
		return "", fmt.Errorf("insert article: %w", err)
	}
	return id, nil
}

// Search returns articles matching any provided criterion, capped at
// query.Limit (the tool enforces 20).
func (s *Service) Search(ctx context.Context, query tools.KnowledgeQuery) ([]tools.KnowledgeArticle, error) {
	limit := query.Limit
	if limit <= 0 || limit > 20 {
		limit = 20
	}

	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if text := strings.TrimSpace(query.Text); text != "" {
		p := arg("%" + text + "%")
		clauses = append(clauses, fmt.Sprintf("(title ILIKE %s OR body ILIKE %s)", p, p))
	}
	if category := strings.TrimSpace(query.Category); category != "" {
		clauses = append(clauses, fmt.Sprintf("category = %s", arg(category)))
	}
	if tag := strings.TrimSpace(query.Tag); tag != "" {
		clauses = append(clauses, fmt.Sprintf("%s = ANY(tags)", arg(tag)))
	}
	if contentType := strings.TrimSpace(query.ContentType); contentType != "" {
		clauses = append(clauses, fmt.Sprintf("content_type = %s", arg(contentType)))
	}
	if len(clauses) == 0 {
		return nil, fmt.Errorf("empty knowledge query")
	}

	sql := fmt.Sprintf(`
		SELECT id, title, body, category, tags, content_type
		FROM knowledge_articles
		WHERE %s
		ORDER BY updated_at DESC
		LIMIT %s`,
		strings.Join(clauses, " OR "), arg(limit),
	)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search articles: %w", err)
	}
	defer rows.Close()

	var out []tools.KnowledgeArticle
	for rows.Next() {
		var article tools.KnowledgeArticle
		if err := rows.Scan(&article.ID, &article.Title, &article.Body, &article.Category, &article.Tags, &article.ContentType); err != nil {
			return nil, err
		}
		out = append(out, article)
	}
	return out, rows.Err()
}

// seedFile is the YAML layout for bootstrap imports.
type seedFile struct {
	Articles []seedArticle `yaml:"articles"`
}

type seedArticle struct {
	Title       string   `yaml:"title"`
	Body        string   `yaml:"body"`
	Category    string   `yaml:"category"`
	Tags        []string `yaml:"tags"`
	ContentType string   `yaml:"content_type"`
}

// ImportSeed loads articles from a YAML file into the knowledge base and
// returns how many were imported. Articles with an existing identical title
// are skipped so re-running the import is harmless.
func (s *Service) ImportSeed(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return 0, fmt.Errorf("parse seed file: %w", err)
	}

	imported := 0
	start := time.Now()
	for _, entry := range seed.Articles {
		if strings.TrimSpace(entry.Title) == "" {
			continue
		}
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM knowledge_articles WHERE title = $1)`, entry.Title,
		).Scan(&exists); err != nil {
			return imported, fmt.Errorf("check existing article: %w", err)
		}
		if exists {
			continue
		}
		_, err := s.Create(ctx, tools.KnowledgeArticle{
			Title:       entry.Title,
			Body:        entry.Body,
			Category:    entry.Category,
			Tags:        entry.Tags,
			ContentType: entry.ContentType,
		})
		if err != nil {
			return imported, err
		}
		imported++
	}
	s.logger.Info("knowledge seed imported",
		slog.Int("imported", imported),
		slog.Int("total", len(seed.Articles)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return imported, nil
}
