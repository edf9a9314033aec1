package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/HengWoo/enterprise-bots-sub003/internal/botreg"
	"github.com/HengWoo/enterprise-bots-sub003/internal/capability"
	"github.com/HengWoo/enterprise-bots-sub003/internal/tools"
)

// Delegation failure modes, surfaced to the parent bot as structured
// errors rather than opaque strings.
var (
	ErrDepthExceeded   = fmt.Errorf("delegation depth limit reached")
	ErrConsultDenied   = fmt.Errorf("consultation not permitted")
	ErrUnknownDelegate = fmt.Errorf("unknown delegate bot")
)

// Delegator is the gateway through which one bot consults another. Every
// delegation runs the target bot with a reduced capability set, a fresh
// conversation, and a depth bound checked before any work starts.
type Delegator struct {
	bots     *botreg.Registry
	gate     *capability.Gate
	runner   *Runner
	maxDepth int
}

// NewDelegator creates a Delegator. maxDepth is the number of delegation
// hops permitted below the top-level execution; zero disables delegation.
func NewDelegator(bots *botreg.Registry, gate *capability.Gate, runner *Runner, maxDepth int) *Delegator {
	return &Delegator{bots: bots, gate: gate, runner: runner, maxDepth: maxDepth}
}

// Bind returns a context carrying a delegate function scoped to the given
// parent bot and depth. Tool executions under this context can consult
// peers; each hop re-binds at depth+1 so the bound holds transitively.
func (d *Delegator) Bind(ctx context.Context, parent *botreg.Bot, depth int) context.Context {
	return tools.WithDelegator(ctx, func(ctx context.Context, targetBotID, task string) (string, error) {
		return d.Delegate(ctx, parent, depth, targetBotID, task)
	})
}

// Delegate runs task on the target bot and returns its answer. The checks
// fail closed: any violation aborts before the target executes anything.
func (d *Delegator) Delegate(ctx context.Context, parent *botreg.Bot, depth int, targetBotID, task string) (string, error) {
	if depth >= d.maxDepth {
		return "", fmt.Errorf("%w (max %d)", ErrDepthExceeded, d.maxDepth)
	}
	if parent == nil || !parent.MayConsult(targetBotID) {
		return "", fmt.Errorf("%w: %s", ErrConsultDenied, targetBotID)
	}
	target, ok := d.bots.Get(targetBotID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDelegate, targetBotID)
	}

	allowed, err := d.gate.AllowedTools(target.ID, capability.ContextDelegated)
	if err != nil {
		return "", fmt.Errorf("compute delegated capabilities: %w", err)
	}

	slog.Info("Delegating sub-task",
		"from", parent.ID, "to", target.ID, "depth", depth+1, "tools", len(allowed))
	start := time.Now()

	// The delegate sees only the task text: no parent history, no shared
	// session. Its context carries a re-bound delegator at the next depth.
	childCtx := d.Bind(ctx, target, depth+1)
	answer, err := d.runner.Run(childCtx, RunInput{
		Bot:     target,
		Input:   task,
		Allowed: allowed,
	})
	if err != nil {
		slog.Warn("Delegation failed",
			"from", parent.ID, "to", target.ID, "error", err, "duration", time.Since(start))
		return "", fmt.Errorf("delegate %s: %w", target.ID, err)
	}
	slog.Info("Delegation complete",
		"from", parent.ID, "to", target.ID, "duration", time.Since(start))
	return answer, nil
}
