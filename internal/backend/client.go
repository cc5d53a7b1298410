// Package backend is the client for the stateful completion backend. A
// response carries an opaque id that a follow-up request passes back as
// previous_response_id, letting the backend treat it as a continuation.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/threadline/threadline/internal/config"
)

// Item types on the request input and response output lists.
const (
	ItemTypeMessage            = "message"
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"
)

// Item is one entry of a request input or response output: a plain role/content
// message, a function-call intent, or a function-call result.
type Item struct {
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// MessageItem builds a plain message item.
func MessageItem(role, content string) Item {
	return Item{Type: ItemTypeMessage, Role: role, Content: content}
}

// ToolSchema declares one callable tool to the backend.
type ToolSchema struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

// Request is one completion request.
type Request struct {
	Model              string       `json:"model"`
	Instructions       string       `json:"instructions,omitempty"`
	Input              []Item       `json:"input"`
	PreviousResponseID string       `json:"previous_response_id,omitempty"`
	Tools              []ToolSchema `json:"tools,omitempty"`
}

// Response is the backend's reply. ID is the response-chain token for the
// next continuation request.
type Response struct {
	ID     string `json:"id"`
	Output []Item `json:"output"`
}

// OutputText concatenates the text of all message items in the output.
func (r Response) OutputText() string {
	var parts []string
	for _, item := range r.Output {
		if item.Type == ItemTypeMessage && strings.TrimSpace(item.Content) != "" {
			parts = append(parts, strings.TrimSpace(item.Content))
		}
	}
	return strings.Join(parts, "\n")
}

// FunctionCalls returns the function-call intents in the output, in order.
func (r Response) FunctionCalls() []Item {
	var calls []Item
	for _, item := range r.Output {
		if item.Type == ItemTypeFunctionCall {
			calls = append(calls, item)
		}
	}
	return calls
}

// Completer is the narrow interface the driver and summary generator depend on.
type Completer interface {
	CreateResponse(ctx context.Context, req Request) (Response, error)
	Model() string
}

// Client talks HTTP to the completion backend. Stateless and safe for
// concurrent use; conversation affinity lives entirely in the chain token.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a backend client from config.
func NewClient(log *slog.Logger, cfg config.BackendConfig) *Client {
	if log == nil {
		log = slog.Default()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      strings.TrimSpace(cfg.Model),
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("service", "backend")),
	}
}

// Model returns the configured model id.
func (c *Client) Model() string {
	return c.model
}

// CreateResponse sends one completion request and parses the reply.
func (c *Client) CreateResponse(ctx context.Context, req Request) (Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	url := c.baseURL + "/responses"
	c.logger.Debug("backend request",
		slog.String("url", url),
		slog.String("previous_response_id", req.PreviousResponseID),
		slog.String("body_prefix", truncate(string(body), 200)),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("backend error",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", truncate(string(respBody), 300)),
		)
		return Response{}, fmt.Errorf("completion backend error: %s", strings.TrimSpace(string(respBody)))
	}

	var parsed Response
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		c.logger.Error("backend response parse failed",
			slog.String("body_prefix", truncate(string(respBody), 300)),
			slog.Any("error", err),
		)
		return Response{}, fmt.Errorf("failed to parse backend response: %w", err)
	}
	return parsed, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
