package tools

import (
	"context"
	"fmt"
	"strings"
)

// DelegateFunc runs a bounded sub-task on a peer bot and returns its answer.
// The function is request-scoped: the pipeline binds it to the current
// request's delegation depth before tool execution starts.
type DelegateFunc func(ctx context.Context, targetBotID, task string) (string, error)

type delegatorKey struct{}

// WithDelegator binds a request-scoped delegate function into the context.
func WithDelegator(ctx context.Context, fn DelegateFunc) context.Context {
	return context.WithValue(ctx, delegatorKey{}, fn)
}

// DelegatorFrom extracts the request-scoped delegate function, if any.
func DelegatorFrom(ctx context.Context) DelegateFunc {
	fn, _ := ctx.Value(delegatorKey{}).(DelegateFunc)
	return fn
}

// ConsultBotTool lets a bot hand a sub-task to a peer bot. The delegation
// gateway enforces the depth bound and the reduced capability set; the tool
// itself is read-only from the invoker's perspective.
type ConsultBotTool struct{}

// NewConsultBotTool creates the consult tool.
func NewConsultBotTool() *ConsultBotTool {
	return &ConsultBotTool{}
}

func (t *ConsultBotTool) Name() string     { return "consult_bot" }
func (t *ConsultBotTool) Tier() int        { return TierReadOnly }
func (t *ConsultBotTool) Delegating() bool { return true }

func (t *ConsultBotTool) Description() string {
	return "Ask a peer bot to handle a sub-task with a restricted tool set. Returns the peer's answer."
}

func (t *ConsultBotTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"bot": map[string]any{
				"type":        "string",
				"description": "ID of the bot to consult",
			},
			"task": map[string]any{
				"type":        "string",
				"description": "The sub-task to hand over, phrased as a complete request",
			},
		},
		"required": []string{"bot", "task"},
	}
}

func (t *ConsultBotTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	target := strings.TrimSpace(GetString(params, "bot", ""))
	task := strings.TrimSpace(GetString(params, "task", ""))
	if target == "" || task == "" {
		return "Error: bot and task are required", nil
	}
	delegate := DelegatorFrom(ctx)
	if delegate == nil {
		return "Error: delegation is not available in this context", nil
	}
	result, err := delegate(ctx, target, task)
	if err != nil {
		return fmt.Sprintf("Consultation with %s failed: %v", target, err), nil
	}
	return result, nil
}
