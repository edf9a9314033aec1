// Package botreg holds the static bot registry: who exists, what persona
// document each bot loads, and which tools it may use at top level.
package botreg

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/HengWoo/enterprise-bots-sub003/internal/config"
)

// Bot is one registered bot. Instructions are opaque configuration loaded
// by document name at registration time.
type Bot struct {
	ID           string
	Name         string
	Instructions string
	Tools        []string
	ConsultAllow []string
	Model        string
}

// Registry is the immutable set of registered bots.
type Registry struct {
	bots map[string]*Bot
}

// Load builds the registry from config, reading each bot's instructions
// document from docsDir. A missing document is tolerated with a warning;
// the bot runs with an empty persona rather than failing startup.
func Load(cfgs []config.BotConfig, docsDir string) (*Registry, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("no bots configured")
	}
	reg := &Registry{bots: make(map[string]*Bot, len(cfgs))}
	for _, bc := range cfgs {
		id := strings.TrimSpace(bc.ID)
		if id == "" {
			return nil, fmt.Errorf("bot with empty id in config")
		}
		if _, dup := reg.bots[id]; dup {
			return nil, fmt.Errorf("duplicate bot id %q", id)
		}
		instructions := ""
		if doc := strings.TrimSpace(bc.InstructionsDoc); doc != "" {
			data, err := os.ReadFile(filepath.Join(docsDir, filepath.Base(doc)))
			if err != nil {
				slog.Warn("Bot instructions document unavailable", "bot", id, "doc", doc, "error", err)
			} else {
				instructions = string(data)
			}
		}
		reg.bots[id] = &Bot{
			ID:           id,
			Name:         strings.TrimSpace(bc.Name),
			Instructions: instructions,
			Tools:        append([]string{}, bc.Tools...),
			ConsultAllow: append([]string{}, bc.ConsultAllow...),
			Model:        strings.TrimSpace(bc.Model),
		}
	}
	return reg, nil
}

// Get returns a bot by ID.
func (r *Registry) Get(id string) (*Bot, bool) {
	bot, ok := r.bots[strings.TrimSpace(id)]
	return bot, ok
}

// IDs returns all registered bot IDs, sorted.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.bots))
	for id := range r.bots {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MayConsult reports whether bot may delegate to target. An empty allow
// list means no delegation targets at all; "*" permits any peer.
func (b *Bot) MayConsult(targetID string) bool {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" || targetID == b.ID {
		return false
	}
	for _, allowed := range b.ConsultAllow {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || strings.EqualFold(allowed, targetID) {
			return true
		}
	}
	return false
}
