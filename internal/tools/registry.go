// Package tools provides the registry of model-callable functions and the
// built-in tools. The registry is read-only after startup and safely shared
// across concurrent turns.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/threadline/threadline/internal/backend"
	"github.com/threadline/threadline/internal/conversation"
)

// Class groups tools by the kind of side effect they perform. The driver uses
// it to pick turn fallbacks (a profile-class tool success earns a personalized
// acknowledgement when the model's follow-up comes back empty).
type Class string

const (
	ClassDefault Class = "default"
	ClassProfile Class = "profile"
)

// Error codes on tool error envelopes.
const (
	CodeInvalidArguments = "invalid_arguments"
	CodeToolNotFound     = "tool_not_found"
	CodeExecutionFailed  = "execution_failed"
)

// ExecContext carries per-turn conversation state into tool handlers.
type ExecContext struct {
	ConversationID string
	Channel        conversation.Channel
	SessionID      string
	Profile        conversation.Profile
}

// Result is a successful tool outcome. Directives are continue-the-conversation
// system instructions the driver folds into the follow-up request.
type Result struct {
	Data       any
	Directives []string
}

// Handler executes one tool call. A returned error becomes a structured error
// envelope; it never aborts sibling calls or the turn.
type Handler func(ctx context.Context, args map[string]any, exec ExecContext) (Result, error)

// Tool is one registered capability.
type Tool struct {
	Name        string
	Description string
	Class       Class
	Schema      *jsonschema.Schema
	Handler     Handler
}

// ErrorEnvelope is the structured shape a failed call produces in place of a result.
type ErrorEnvelope struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Execution is the captured outcome of one tool call: exactly one of Result
// or Failure is set.
type Execution struct {
	CallID     string
	Name       string
	Class      Class
	Result     *Result
	Failure    *ErrorEnvelope
	OutputJSON string
}

// Succeeded reports whether the call produced a result.
func (e Execution) Succeeded() bool {
	return e.Failure == nil
}

// Registry holds the registered tools.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	resolved map[string]*jsonschema.Resolved
	order    []string
	logger   *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		tools:    make(map[string]Tool),
		resolved: make(map[string]*jsonschema.Resolved),
		logger:   log.With(slog.String("service", "tools")),
	}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool %s already registered", name)
	}
	if t.Schema != nil {
		resolved, err := t.Schema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("tool %s schema: %w", name, err)
		}
		r.resolved[name] = resolved
	}
	if t.Class == "" {
		t.Class = ClassDefault
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// MustRegister registers a tool and panics on error. Used at startup wiring.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Schemas returns the tool declarations sent to the backend, in registration order.
func (r *Registry) Schemas() []backend.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]backend.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, backend.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema,
		})
	}
	return out
}

// Execute runs one named tool call. Malformed or schema-invalid arguments are
// rejected before execution; a handler error or panic is captured as an error
// envelope. The returned Execution always has OutputJSON set.
func (r *Registry) Execute(ctx context.Context, callID, name, argumentsJSON string, exec ExecContext) Execution {
	record := Execution{CallID: callID, Name: name}

	r.mu.RLock()
	t, ok := r.tools[name]
	resolved := r.resolved[name]
	r.mu.RUnlock()
	if !ok {
		return record.fail(CodeToolNotFound, fmt.Sprintf("unknown tool: %s", name))
	}
	record.Class = t.Class

	args := map[string]any{}
	if strings.TrimSpace(argumentsJSON) != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return record.fail(CodeInvalidArguments, fmt.Sprintf("arguments are not valid JSON: %v", err))
		}
	}
	if resolved != nil {
		if err := resolved.Validate(args); err != nil {
			return record.fail(CodeInvalidArguments, fmt.Sprintf("arguments do not match schema: %v", err))
		}
	}

	result, err := r.run(ctx, t, args, exec)
	if err != nil {
		r.logger.Warn("tool execution failed",
			slog.String("tool", name),
			slog.String("call_id", callID),
			slog.Any("error", err),
		)
		return record.fail(CodeExecutionFailed, err.Error())
	}
	record.Result = &result
	payload, err := json.Marshal(result.Data)
	if err != nil {
		return record.fail(CodeExecutionFailed, fmt.Sprintf("tool result not serializable: %v", err))
	}
	record.OutputJSON = string(payload)
	return record
}

// run isolates handler panics so one misbehaving tool cannot take down the turn.
func (r *Registry) run(ctx context.Context, t Tool, args map[string]any, exec ExecContext) (result Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	return t.Handler(ctx, args, exec)
}

func (e Execution) fail(code, message string) Execution {
	e.Failure = &ErrorEnvelope{Error: true, Message: message, Code: code}
	payload, _ := json.Marshal(e.Failure)
	e.OutputJSON = string(payload)
	return e
}
