// Package session implements the tiered per-conversation session cache.
package session

import (
	"sync"
	"time"
)

// Tier describes how a session was resolved.
type Tier int

const (
	// TierHot means the session was already resident in memory.
	TierHot Tier = iota
	// TierWarm means the session was rehydrated from an on-disk snapshot.
	TierWarm
	// TierCold means no usable state existed and a fresh session was built.
	TierCold
)

// String returns the tier name for logging.
func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return "unknown"
	}
}

// Message is one conversational turn held in a session.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Session is one conversation's resumable execution state for one bot.
// At most one hot instance per (bot, conversation) key exists at a time;
// mutation happens only under the store's per-key lock.
type Session struct {
	BotID          string         `json:"bot_id"`
	ConversationID string         `json:"conversation_id"`
	Messages       []Message      `json:"messages"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActiveAt   time.Time      `json:"last_active_at"`

	// origin is the tier the session was resolved from; write-back uses it
	// to decide whether the snapshot must be (re)written.
	origin Tier

	mu sync.RWMutex
}

// New creates a fresh cold session for the given key.
func New(botID, conversationID string) *Session {
	now := time.Now()
	return &Session{
		BotID:          botID,
		ConversationID: conversationID,
		Messages:       []Message{},
		Metadata:       map[string]any{},
		CreatedAt:      now,
		LastActiveAt:   now,
		origin:         TierCold,
	}
}

// Key returns the composite cache key.
func (s *Session) Key() string {
	return Key(s.BotID, s.ConversationID)
}

// Key builds the composite cache key for a (bot, conversation) pair.
func Key(botID, conversationID string) string {
	return botID + ":" + conversationID
}

// AddMessage appends a conversational turn.
func (s *Session) AddMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
}

// History returns up to maxMessages of the most recent turns.
func (s *Session) History(maxMessages int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if maxMessages <= 0 || len(s.Messages) <= maxMessages {
		out := make([]Message, len(s.Messages))
		copy(out, s.Messages)
		return out
	}
	out := make([]Message, maxMessages)
	copy(out, s.Messages[len(s.Messages)-maxMessages:])
	return out
}

// Touch updates the activity timestamp.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = now
}

// Origin returns the tier this session instance was resolved from.
func (s *Session) Origin() Tier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.origin
}

func (s *Session) setOrigin(t Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.origin = t
}

func (s *Session) lastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastActiveAt
}
