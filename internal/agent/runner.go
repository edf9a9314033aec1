// Package agent drives bot executions: the provider turn loop with tool
// calls, and the bounded delegation gateway between bots.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/HengWoo/enterprise-bots-sub003/internal/botreg"
	"github.com/HengWoo/enterprise-bots-sub003/internal/capability"
	"github.com/HengWoo/enterprise-bots-sub003/internal/progress"
	"github.com/HengWoo/enterprise-bots-sub003/internal/provider"
	"github.com/HengWoo/enterprise-bots-sub003/internal/tools"
)

// ErrTurnLimit is returned when an execution exhausts its turn budget
// without producing a final answer.
var ErrTurnLimit = fmt.Errorf("turn limit exceeded")

// MilestoneFunc receives milestone kinds as the execution progresses.
type MilestoneFunc func(kind string)

// Runner executes a single bot turn loop against the provider.
type Runner struct {
	provider         provider.LLMProvider
	registry         *tools.Registry
	maxTurns         int
	longRunningAfter time.Duration
}

// NewRunner creates a Runner. maxTurns bounds provider round-trips per
// execution; longRunningAfter is the elapsed time after which a
// long-running milestone fires.
func NewRunner(p provider.LLMProvider, registry *tools.Registry, maxTurns int, longRunningAfter time.Duration) *Runner {
	if maxTurns <= 0 {
		maxTurns = 8
	}
	return &Runner{
		provider:         p,
		registry:         registry,
		maxTurns:         maxTurns,
		longRunningAfter: longRunningAfter,
	}
}

// RunInput is one bot execution request.
type RunInput struct {
	Bot     *botreg.Bot
	History []provider.Message
	Input   string
	Allowed capability.Set
	// Milestone is optional; nil disables progress reporting.
	Milestone MilestoneFunc
}

// Run executes the turn loop and returns the bot's final answer. Tool
// calls outside the allowed set are refused in-band: the provider sees a
// denial result and can recover, but the tool never executes.
func (r *Runner) Run(ctx context.Context, in RunInput) (string, error) {
	if in.Bot == nil {
		return "", fmt.Errorf("run: nil bot")
	}

	messages := make([]provider.Message, 0, len(in.History)+2)
	if in.Bot.Instructions != "" {
		messages = append(messages, provider.Message{Role: "system", Content: in.Bot.Instructions})
	}
	messages = append(messages, in.History...)
	messages = append(messages, provider.Message{Role: "user", Content: in.Input})

	model := in.Bot.Model
	if model == "" {
		model = r.provider.DefaultModel()
	}
	defs := r.toolDefinitions(in.Allowed)

	start := time.Now()
	longRunFired := false
	milestone := func(kind string) {
		if in.Milestone != nil {
			in.Milestone(kind)
		}
	}

	for turn := 0; turn < r.maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("execution aborted: %w", err)
		}
		if !longRunFired && r.longRunningAfter > 0 && time.Since(start) > r.longRunningAfter {
			milestone(progress.KindLongRun)
			longRunFired = true
		}

		resp, err := r.provider.Chat(ctx, &provider.ChatRequest{
			Messages: messages,
			Tools:    defs,
			Model:    model,
		})
		if err != nil {
			return "", fmt.Errorf("provider turn %d: %w", turn+1, err)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result := r.execute(ctx, in, call, milestone)
			messages = append(messages, provider.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	return "", fmt.Errorf("%w after %d turns", ErrTurnLimit, r.maxTurns)
}

// execute runs one tool call with the capability check applied. The check
// fails closed: a denial returns a result the model can read, never a
// silent drop and never an execution.
func (r *Runner) execute(ctx context.Context, in RunInput, call provider.ToolCall, milestone MilestoneFunc) string {
	if !in.Allowed.Contains(call.Name) {
		slog.Warn("Tool call denied by capability gate",
			"bot", in.Bot.ID, "tool", call.Name)
		return fmt.Sprintf("Error: tool %s is not permitted in this context", call.Name)
	}
	milestone(progress.ToolKind(call.Name))
	result, err := r.registry.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		slog.Warn("Tool execution failed", "bot", in.Bot.ID, "tool", call.Name, "error", err)
		return fmt.Sprintf("Error executing %s: %v", call.Name, err)
	}
	return result
}

// toolDefinitions builds provider tool schemas for the allowed set only.
// The provider never learns about tools the context cannot call.
func (r *Runner) toolDefinitions(allowed capability.Set) []provider.ToolDefinition {
	defs := make([]provider.ToolDefinition, 0, len(allowed))
	for _, name := range allowed.Names() {
		tool, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return defs
}
