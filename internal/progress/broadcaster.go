// Package progress classifies in-flight agent activity into coarse
// milestones and broadcasts each one at most once per request.
package progress

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Milestone kinds. The vocabulary is deliberately small; activity with no
// mapping simply emits nothing. False or duplicate signals are the failure
// mode to avoid, gaps are fine.
const (
	KindStarted    = "started"
	KindLongRun    = "long-running"
	KindFinalizing = "finalizing"
)

// ToolKind maps a tool name to its milestone kind. Pure function; the same
// tool always produces the same kind.
func ToolKind(toolName string) string {
	switch {
	case strings.Contains(toolName, "search"):
		return "using-tool:search"
	case strings.Contains(toolName, "fetch"):
		return "using-tool:fetch"
	case strings.Contains(toolName, "consult"):
		return "using-tool:delegate"
	default:
		return "using-tool:other"
	}
}

// Text returns the user-facing notification for a milestone kind.
func Text(kind string) string {
	switch kind {
	case KindStarted:
		return "On it…"
	case "using-tool:search":
		return "Searching the knowledge base…"
	case "using-tool:fetch":
		return "Fetching a reference…"
	case "using-tool:delegate":
		return "Consulting a colleague…"
	case "using-tool:other":
		return "Working with tools…"
	case KindLongRun:
		return "Still working on it, this one is taking a while…"
	case KindFinalizing:
		return "Wrapping up…"
	default:
		return ""
	}
}

// Event is one observable milestone transition during a request's execution.
type Event struct {
	RequestID      string    `json:"request_id"`
	BotID          string    `json:"bot_id"`
	ConversationID string    `json:"conversation_id"`
	Kind           string    `json:"kind"`
	Seq            int       `json:"seq"`
	EmittedAt      time.Time `json:"emitted_at"`
}

// Sink receives milestone events out-of-band. Delivery is best-effort: an
// error is logged and the event dropped, never retried.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// MultiSink fans one event out to several sinks.
func MultiSink(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Deliver(ctx context.Context, ev Event) error {
	for _, s := range m {
		if err := s.Deliver(ctx, ev); err != nil {
			slog.Warn("Milestone sink delivery failed", "request_id", ev.RequestID, "kind", ev.Kind, "error", err)
		}
	}
	return nil
}

type stream struct {
	botID          string
	conversationID string
	seq            int
	seen           map[string]bool
}

// Broadcaster debounces milestone emissions per (request, kind) and hands
// them to the sink on a dedicated goroutine. Emit always returns
// immediately; a saturated queue drops the event rather than blocking the
// producing execution.
type Broadcaster struct {
	sink Sink

	mu      sync.Mutex
	streams map[string]*stream

	ch chan Event
}

// NewBroadcaster creates a Broadcaster feeding the given sink.
func NewBroadcaster(sink Sink) *Broadcaster {
	return &Broadcaster{
		sink:    sink,
		streams: make(map[string]*stream),
		ch:      make(chan Event, 256),
	}
}

// Start runs the delivery loop until ctx is cancelled.
// This should be run as a goroutine.
func (b *Broadcaster) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.ch:
			deliverCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := b.sink.Deliver(deliverCtx, ev); err != nil {
				slog.Warn("Milestone delivery failed", "request_id", ev.RequestID, "kind", ev.Kind, "error", err)
			}
			cancel()
		}
	}
}

// Register opens a milestone stream for a request. Must be called before
// Emit; emissions for unregistered requests are dropped.
func (b *Broadcaster) Register(requestID, botID, conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[requestID] = &stream{
		botID:          botID,
		conversationID: conversationID,
		seen:           make(map[string]bool),
	}
}

// Emit records a milestone transition. Idempotent per (request, kind): the
// second and later emissions of a kind are silently ignored. Sequence
// numbers are assigned strictly increasing within the request.
func (b *Broadcaster) Emit(requestID, kind string) {
	if kind == "" {
		return
	}
	b.mu.Lock()
	s, ok := b.streams[requestID]
	if !ok || s.seen[kind] {
		b.mu.Unlock()
		return
	}
	s.seen[kind] = true
	s.seq++
	ev := Event{
		RequestID:      requestID,
		BotID:          s.botID,
		ConversationID: s.conversationID,
		Kind:           kind,
		Seq:            s.seq,
		EmittedAt:      time.Now(),
	}
	b.mu.Unlock()

	select {
	case b.ch <- ev:
	default:
		slog.Warn("Milestone queue full, dropping", "request_id", requestID, "kind", kind)
	}
}

// Finish closes a request's stream and releases its debounce state.
func (b *Broadcaster) Finish(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, requestID)
}
