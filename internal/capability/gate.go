// Package capability computes the set of tools an execution context may
// call. The safe-subset policy for delegated contexts is enforced here, in
// one place, not in each bot's configuration.
package capability

import (
	"fmt"
	"sort"
	"strings"

	"github.com/HengWoo/enterprise-bots-sub003/internal/botreg"
	"github.com/HengWoo/enterprise-bots-sub003/internal/tools"
)

// ContextKind distinguishes a top-level bot execution from a delegated
// subagent execution.
type ContextKind string

const (
	ContextTopLevel  ContextKind = "top-level"
	ContextDelegated ContextKind = "delegated"
)

// Set is an allowed-tool-name set. It is computed once per execution and
// passed as data through the execution; it is never mutated.
type Set map[string]struct{}

// Contains reports membership.
func (s Set) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the members, sorted.
func (s Set) Names() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SubsetOf reports whether every member of s is in other.
func (s Set) SubsetOf(other Set) bool {
	for name := range s {
		if !other.Contains(name) {
			return false
		}
	}
	return true
}

// Gate computes capability sets from the bot registry and the tool registry.
type Gate struct {
	bots     *botreg.Registry
	registry *tools.Registry
}

// NewGate creates a Gate.
func NewGate(bots *botreg.Registry, registry *tools.Registry) *Gate {
	return &Gate{bots: bots, registry: registry}
}

// AllowedTools returns the tool names the given execution context may call.
// Pure and deterministic: the same (bot, kind) always yields the same set.
//
// Top-level: the bot's configured tool list, restricted to registered tools.
// Delegated: the top-level set minus every state-mutating tool. Bounded
// delegation tools survive; an unbounded spawn capability would not.
func (g *Gate) AllowedTools(botID string, kind ContextKind) (Set, error) {
	bot, ok := g.bots.Get(botID)
	if !ok {
		return nil, fmt.Errorf("unknown bot: %s", botID)
	}

	top := Set{}
	for _, name := range bot.Tools {
		name = strings.TrimSpace(name)
		if _, registered := g.registry.Get(name); !registered {
			continue
		}
		top[name] = struct{}{}
	}
	if kind == ContextTopLevel {
		return top, nil
	}

	delegated := Set{}
	for name := range top {
		tool, registered := g.registry.Get(name)
		if !registered {
			continue
		}
		if tools.Mutating(tool) {
			continue
		}
		delegated[name] = struct{}{}
	}
	return delegated, nil
}

// Validate checks the security invariant for every registered bot:
// delegated ⊆ top-level and no mutating tool in any delegated set. Run once
// at startup so a bad registry cannot reach serving.
func (g *Gate) Validate() error {
	for _, id := range g.bots.IDs() {
		top, err := g.AllowedTools(id, ContextTopLevel)
		if err != nil {
			return err
		}
		delegated, err := g.AllowedTools(id, ContextDelegated)
		if err != nil {
			return err
		}
		if !delegated.SubsetOf(top) {
			return fmt.Errorf("bot %s: delegated set is not a subset of top-level", id)
		}
		for name := range delegated {
			tool, ok := g.registry.Get(name)
			if !ok {
				return fmt.Errorf("bot %s: delegated set references unregistered tool %s", id, name)
			}
			if tools.Mutating(tool) {
				return fmt.Errorf("bot %s: mutating tool %s leaked into delegated set", id, name)
			}
		}
	}
	return nil
}
