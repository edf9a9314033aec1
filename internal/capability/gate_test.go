package capability

import (
	"context"
	"testing"

	"github.com/HengWoo/enterprise-bots-sub003/internal/botreg"
	"github.com/HengWoo/enterprise-bots-sub003/internal/config"
	"github.com/HengWoo/enterprise-bots-sub003/internal/tools"
)

type stubTool struct {
	name string
	tier int
}

func (t stubTool) Name() string               { return t.name }
func (t stubTool) Description() string        { return t.name }
func (t stubTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t stubTool) Tier() int                  { return t.tier }
func (t stubTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	return "", nil
}

func newGate(t *testing.T) *Gate {
	t.Helper()
	bots, err := botreg.Load([]config.BotConfig{
		{ID: "support", Tools: []string{"kb_search", "ticket_create", "consult_bot", "unregistered"}},
		{ID: "research", Tools: []string{"kb_search"}},
		{ID: "bare"},
	}, t.TempDir())
	if err != nil {
		t.Fatalf("botreg.Load: %v", err)
	}
	reg := tools.NewRegistry()
	reg.Register(stubTool{name: "kb_search", tier: tools.TierReadOnly})
	reg.Register(stubTool{name: "ticket_create", tier: tools.TierWrite})
	reg.Register(tools.NewConsultBotTool())
	return NewGate(bots, reg)
}

func TestTopLevelSetRestrictedToRegistered(t *testing.T) {
	g := newGate(t)
	top, err := g.AllowedTools("support", ContextTopLevel)
	if err != nil {
		t.Fatalf("AllowedTools: %v", err)
	}
	want := []string{"consult_bot", "kb_search", "ticket_create"}
	got := top.Names()
	if len(got) != len(want) {
		t.Fatalf("top-level set %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("top-level set %v, want %v", got, want)
		}
	}
	if top.Contains("unregistered") {
		t.Error("unregistered tool must not appear in any set")
	}
}

func TestDelegatedSetExcludesMutatingTools(t *testing.T) {
	g := newGate(t)
	delegated, err := g.AllowedTools("support", ContextDelegated)
	if err != nil {
		t.Fatalf("AllowedTools: %v", err)
	}
	if delegated.Contains("ticket_create") {
		t.Error("mutating tool leaked into delegated set")
	}
	if !delegated.Contains("kb_search") {
		t.Error("read-only tool missing from delegated set")
	}
	if !delegated.Contains("consult_bot") {
		t.Error("bounded delegation tool must survive the delegated set")
	}
}

func TestDelegatedSubsetHoldsForEveryBot(t *testing.T) {
	g := newGate(t)
	for _, id := range []string{"support", "research", "bare"} {
		top, err := g.AllowedTools(id, ContextTopLevel)
		if err != nil {
			t.Fatalf("AllowedTools(%s, top): %v", id, err)
		}
		delegated, err := g.AllowedTools(id, ContextDelegated)
		if err != nil {
			t.Fatalf("AllowedTools(%s, delegated): %v", id, err)
		}
		if !delegated.SubsetOf(top) {
			t.Errorf("bot %s: delegated %v not a subset of top-level %v", id, delegated.Names(), top.Names())
		}
	}
}

func TestAllowedToolsIsDeterministic(t *testing.T) {
	g := newGate(t)
	first, err := g.AllowedTools("support", ContextDelegated)
	if err != nil {
		t.Fatalf("AllowedTools: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := g.AllowedTools("support", ContextDelegated)
		if err != nil {
			t.Fatalf("AllowedTools: %v", err)
		}
		if !again.SubsetOf(first) || !first.SubsetOf(again) {
			t.Fatalf("set changed between calls: %v vs %v", first.Names(), again.Names())
		}
	}
}

func TestUnknownBotRejected(t *testing.T) {
	g := newGate(t)
	if _, err := g.AllowedTools("ghost", ContextTopLevel); err == nil {
		t.Fatal("expected error for unknown bot")
	}
}

func TestValidatePassesForCleanRegistry(t *testing.T) {
	g := newGate(t)
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestEmptySetBehavior(t *testing.T) {
	g := newGate(t)
	top, err := g.AllowedTools("bare", ContextTopLevel)
	if err != nil {
		t.Fatalf("AllowedTools: %v", err)
	}
	if len(top) != 0 {
		t.Errorf("bot with no tools must get an empty set, got %v", top.Names())
	}
}
