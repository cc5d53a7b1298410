package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/threadline/threadline/internal/backend"
	"github.com/threadline/threadline/internal/tools"
)

// Turn fallback replies. The driver never surfaces an error to the user; every
// turn ends with a non-empty assistant reply.
const (
	fallbackReply = "Sorry, I wasn't able to process that just now. Please try again in a moment."
	recallReply   = "I've found your previous conversation and we can pick up right where we left off. What can I help you with?"
)

// continuationPrompt is appended after tool directives so the model produces a
// user-facing reply rather than stopping at the tool results.
const continuationPrompt = "Please continue the conversation based on the tool results above."

// TurnOutcome is the result of driving one user turn.
type TurnOutcome struct {
	Reply              string
	ResponseChainToken string
	ToolExecutions     []tools.Execution
	UsedFallback       bool
}

// Driver runs the model round trip for one turn: initial request, parallel
// tool execution, and at most one follow-up request carrying the results. A
// follow-up that asks for more tools is not chased; its text (or a fallback)
// ends the turn.
type Driver struct {
	backend  backend.Completer
	registry *tools.Registry
	logger   *slog.Logger
}

// NewDriver creates a turn driver.
func NewDriver(log *slog.Logger, completer backend.Completer, registry *tools.Registry) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		backend:  completer,
		registry: registry,
		logger:   log.With(slog.String("service", "chat")),
	}
}

// Drive sends the assembled context and resolves tool calls until the turn has
// a reply. The returned chain token advances only on a completed round trip;
// on failure it keeps the token the turn started with, so the next turn
// continues from the last response the backend actually finished.
func (d *Driver) Drive(ctx context.Context, assembled Assembled, exec tools.ExecContext) TurnOutcome {
	outcome := TurnOutcome{ResponseChainToken: assembled.PreviousResponseID}

	resp, err := d.backend.CreateResponse(ctx, backend.Request{
		Instructions:       assembled.Instructions,
		Input:              assembled.Input,
		PreviousResponseID: assembled.PreviousResponseID,
		Tools:              d.registry.Schemas(),
	})
	if err != nil {
		d.logger.Error("turn request failed",
			slog.String("conversation_id", exec.ConversationID),
			slog.Any("error", err),
		)
		outcome.Reply = fallbackReply
		outcome.UsedFallback = true
		return outcome
	}

	calls := resp.FunctionCalls()
	if len(calls) == 0 {
		outcome.ResponseChainToken = resp.ID
		outcome.Reply = strings.TrimSpace(resp.OutputText())
		if outcome.Reply == "" {
			outcome.Reply = fallbackReply
			outcome.UsedFallback = true
		}
		return outcome
	}

	executions := d.executeAll(ctx, calls, exec)
	outcome.ToolExecutions = executions

	followUp := backend.Request{
		Instructions:       assembled.Instructions,
		Input:              d.followUpInput(assembled.Input, calls, executions),
		PreviousResponseID: resp.ID,
		Tools:              d.registry.Schemas(),
	}
	followResp, err := d.backend.CreateResponse(ctx, followUp)
	if err != nil {
		d.logger.Error("follow-up request failed",
			slog.String("conversation_id", exec.ConversationID),
			slog.Any("error", err),
		)
		outcome.Reply = d.toolFallback(executions)
		outcome.UsedFallback = true
		return outcome
	}

	outcome.ResponseChainToken = followResp.ID
	outcome.Reply = strings.TrimSpace(followResp.OutputText())
	if outcome.Reply == "" {
		outcome.Reply = d.toolFallback(executions)
		outcome.UsedFallback = true
	}
	return outcome
}

// executeAll runs the requested calls concurrently and returns their outcomes
// in the order the model requested them. A failed call yields its error
// envelope; siblings are unaffected.
func (d *Driver) executeAll(ctx context.Context, calls []backend.Item, exec tools.ExecContext) []tools.Execution {
	executions := make([]tools.Execution, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call backend.Item) {
			defer wg.Done()
			executions[i] = d.registry.Execute(ctx, call.CallID, call.Name, call.Arguments, exec)
		}(i, call)
	}
	wg.Wait()
	return executions
}

// followUpInput rebuilds the turn input with each call and its output appended
// in the model's original call order, then any directives the tools raised.
func (d *Driver) followUpInput(original []backend.Item, calls []backend.Item, executions []tools.Execution) []backend.Item {
	input := make([]backend.Item, 0, len(original)+2*len(calls)+2)
	input = append(input, original...)
	var directives []string
	for i, call := range calls {
		input = append(input, backend.Item{
			Type:      backend.ItemTypeFunctionCall,
			CallID:    call.CallID,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
		input = append(input, backend.Item{
			Type:   backend.ItemTypeFunctionCallOutput,
			CallID: call.CallID,
			Output: executions[i].OutputJSON,
		})
		if executions[i].Result != nil {
			directives = append(directives, executions[i].Result.Directives...)
		}
	}
	for _, directive := range directives {
		input = append(input, backend.Item{
			Type:    backend.ItemTypeMessage,
			Role:    "system",
			Content: directive,
		})
	}
	if len(directives) > 0 {
		input = append(input, backend.MessageItem("user", continuationPrompt))
	}
	return input
}

// toolFallback picks the turn's fallback reply when tool calls ran but no
// usable follow-up text came back. A successful profile-class call means the
// user's identity work landed, so the acknowledgement says so instead of
// apologizing.
func (d *Driver) toolFallback(executions []tools.Execution) string {
	for _, execution := range executions {
		if execution.Class == tools.ClassProfile && execution.Succeeded() {
			return recallReply
		}
	}
	return fallbackReply
}
