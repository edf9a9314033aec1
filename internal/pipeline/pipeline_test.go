package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HengWoo/enterprise-bots-sub003/internal/agent"
	"github.com/HengWoo/enterprise-bots-sub003/internal/botreg"
	"github.com/HengWoo/enterprise-bots-sub003/internal/capability"
	"github.com/HengWoo/enterprise-bots-sub003/internal/config"
	"github.com/HengWoo/enterprise-bots-sub003/internal/progress"
	"github.com/HengWoo/enterprise-bots-sub003/internal/provider"
	"github.com/HengWoo/enterprise-bots-sub003/internal/session"
	"github.com/HengWoo/enterprise-bots-sub003/internal/timeline"
	"github.com/HengWoo/enterprise-bots-sub003/internal/tools"
)

// scriptedProvider delegates to a configurable handler.
type scriptedProvider struct {
	mu       sync.Mutex
	handler  func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
	requests []*provider.ChatRequest
}

func (p *scriptedProvider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	handler := p.handler
	p.mu.Unlock()
	return handler(ctx, req)
}

func (p *scriptedProvider) DefaultModel() string { return "fake-model" }

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// recordingDeliverer captures delivered messages and signals each one.
type recordingDeliverer struct {
	mu       sync.Mutex
	messages []string
	failWith error
	signal   chan struct{}
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{signal: make(chan struct{}, 16)}
}

func (d *recordingDeliverer) CreateMessage(ctx context.Context, conversationID, text string) error {
	d.mu.Lock()
	d.messages = append(d.messages, text)
	err := d.failWith
	d.mu.Unlock()
	d.signal <- struct{}{}
	return err
}

func (d *recordingDeliverer) waitForDeliveries(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-d.signal:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.messages...)
}

type fixture struct {
	pipeline  *Pipeline
	provider  *scriptedProvider
	deliverer *recordingDeliverer
	store     *session.Store
	log       *timeline.Service
}

func newFixture(t *testing.T, cfg config.PipelineConfig) *fixture {
	t.Helper()
	if cfg.MaxTurns == 0 {
		cfg.MaxTurns = 4
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.MaxDelegationDepth == 0 {
		cfg.MaxDelegationDepth = 1
	}

	bots, err := botreg.Load([]config.BotConfig{
		{ID: "support", Tools: []string{"echo"}},
	}, t.TempDir())
	if err != nil {
		t.Fatalf("botreg.Load: %v", err)
	}

	reg := tools.NewRegistry()
	reg.Register(&echoTool{})
	gate := capability.NewGate(bots, reg)
	if err := gate.Validate(); err != nil {
		t.Fatalf("gate.Validate: %v", err)
	}

	sp := &scriptedProvider{handler: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{Content: "ok"}, nil
	}}
	runner := agent.NewRunner(sp, reg, cfg.MaxTurns, cfg.LongRunningAfter)
	delegator := agent.NewDelegator(bots, gate, runner, cfg.MaxDelegationDepth)

	store := session.NewStore(session.StoreOptions{Dir: t.TempDir()})
	log, err := timeline.NewService(filepath.Join(t.TempDir(), "requests.db"))
	if err != nil {
		t.Fatalf("timeline.NewService: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	broadcaster := progress.NewBroadcaster(nopSink{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go broadcaster.Start(ctx)

	deliverer := newRecordingDeliverer()
	p := New(cfg, store, bots, gate, runner, delegator, broadcaster, deliverer, log, nil)
	return &fixture{pipeline: p, provider: sp, deliverer: deliverer, store: store, log: log}
}

type nopSink struct{}

func (nopSink) Deliver(ctx context.Context, ev progress.Event) error { return nil }

type echoTool struct{}

func (t *echoTool) Name() string               { return "echo" }
func (t *echoTool) Description() string        { return "Echo" }
func (t *echoTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *echoTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	return tools.GetString(params, "text", ""), nil
}

func event(id, conv, text string) Event {
	return Event{EventID: id, BotID: "support", ConversationID: conv, ActorID: "user-1", Text: text}
}

func TestAcceptAcksBeforeExecutionFinishes(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{})
	f.provider.handler = func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		select {
		case <-time.After(300 * time.Millisecond):
			return &provider.ChatResponse{Content: "slow answer"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	start := time.Now()
	ack, err := f.pipeline.Accept(context.Background(), event("e1", "conv-1", "hi"))
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if ack.Status != "accepted" || ack.RequestID == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if elapsed > 150*time.Millisecond {
		t.Errorf("ack took %s, must not wait for execution", elapsed)
	}

	got := f.deliverer.waitForDeliveries(t, 1)
	if got[0] != "slow answer" {
		t.Errorf("unexpected delivery %q", got[0])
	}
}

func TestDuplicateEventReturnsOriginalRequest(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{})

	first, err := f.pipeline.Accept(context.Background(), event("e1", "conv-1", "hi"))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.deliverer.waitForDeliveries(t, 1)

	second, err := f.pipeline.Accept(context.Background(), event("e1", "conv-1", "hi"))
	if err != nil {
		t.Fatalf("Accept replay: %v", err)
	}
	if second.Status != "duplicate" || second.RequestID != first.RequestID {
		t.Errorf("replay must return the original request: first=%+v second=%+v", first, second)
	}
	if f.provider.requestCount() != 1 {
		t.Errorf("replay must not trigger a second execution, got %d provider calls", f.provider.requestCount())
	}
}

func TestRejectsMalformedAndUnknownBot(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{})

	if _, err := f.pipeline.Accept(context.Background(), Event{BotID: "support"}); !errors.Is(err, ErrBadEvent) {
		t.Errorf("expected ErrBadEvent, got %v", err)
	}
	if _, err := f.pipeline.Accept(context.Background(), event("e1", "conv-1", "hi").withBot("ghost")); !errors.Is(err, ErrUnknownBot) {
		t.Errorf("expected ErrUnknownBot, got %v", err)
	}
}

func (e Event) withBot(id string) Event {
	e.BotID = id
	return e
}

func TestProviderErrorIsDeliveredToUser(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{})
	f.provider.handler = func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return nil, errors.New("upstream 500")
	}

	if _, err := f.pipeline.Accept(context.Background(), event("e1", "conv-1", "hi")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	got := f.deliverer.waitForDeliveries(t, 1)
	if !strings.Contains(got[0], "Sorry") {
		t.Errorf("user must get a readable error, got %q", got[0])
	}

	rec, err := f.log.GetByIdempotencyKey("e1")
	if err != nil || rec == nil {
		t.Fatalf("timeline lookup: %v %v", rec, err)
	}
	if rec.Status != timeline.StatusFailed || rec.Outcome != "error" {
		t.Errorf("expected failed/error, got %s/%s", rec.Status, rec.Outcome)
	}
	if !strings.Contains(rec.ErrorText, "upstream 500") {
		t.Errorf("internal error text not recorded: %q", rec.ErrorText)
	}
}

func TestDeadlineProducesTimeoutOutcome(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{RequestTimeout: 80 * time.Millisecond})
	f.provider.handler = func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if _, err := f.pipeline.Accept(context.Background(), event("e1", "conv-1", "hi")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	got := f.deliverer.waitForDeliveries(t, 1)
	if !strings.Contains(got[0], "too long") {
		t.Errorf("expected timeout message, got %q", got[0])
	}
	rec, _ := f.log.GetByIdempotencyKey("e1")
	if rec.Outcome != "timeout" {
		t.Errorf("expected timeout outcome, got %q", rec.Outcome)
	}
}

func TestSameConversationIsSerialized(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{})

	var concurrent, maxConcurrent atomic.Int64
	f.provider.handler = func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		cur := concurrent.Add(1)
		for {
			prev := maxConcurrent.Load()
			if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		concurrent.Add(-1)
		return &provider.ChatResponse{Content: "ok"}, nil
	}

	for i, id := range []string{"e1", "e2", "e3"} {
		if _, err := f.pipeline.Accept(context.Background(), event(id, "conv-1", "msg")); err != nil {
			t.Fatalf("Accept %d: %v", i, err)
		}
	}
	f.deliverer.waitForDeliveries(t, 3)
	if maxConcurrent.Load() != 1 {
		t.Errorf("same-conversation requests overlapped: max concurrency %d", maxConcurrent.Load())
	}
}

func TestDistinctConversationsRunConcurrently(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{})

	var concurrent, maxConcurrent atomic.Int64
	release := make(chan struct{})
	f.provider.handler = func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		cur := concurrent.Add(1)
		for {
			prev := maxConcurrent.Load()
			if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
				break
			}
		}
		<-release
		concurrent.Add(-1)
		return &provider.ChatResponse{Content: "ok"}, nil
	}

	for i, conv := range []string{"conv-a", "conv-b"} {
		if _, err := f.pipeline.Accept(context.Background(), event("e"+conv, conv, "msg")); err != nil {
			t.Fatalf("Accept %d: %v", i, err)
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for maxConcurrent.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	f.deliverer.waitForDeliveries(t, 2)
	if maxConcurrent.Load() < 2 {
		t.Errorf("distinct conversations did not overlap: max concurrency %d", maxConcurrent.Load())
	}
}

func TestSessionHistoryCarriesAcrossRequests(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{})

	if _, err := f.pipeline.Accept(context.Background(), event("e1", "conv-1", "first message")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.deliverer.waitForDeliveries(t, 1)

	if _, err := f.pipeline.Accept(context.Background(), event("e2", "conv-1", "second message")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.deliverer.waitForDeliveries(t, 1)

	f.provider.mu.Lock()
	second := f.provider.requests[1]
	f.provider.mu.Unlock()

	var sawFirst bool
	for _, m := range second.Messages {
		if m.Role == "user" && m.Content == "first message" {
			sawFirst = true
		}
	}
	if !sawFirst {
		t.Error("second request must carry the first turn in history")
	}
}

func TestDrainWaitsForInFlight(t *testing.T) {
	f := newFixture(t, config.PipelineConfig{})
	f.provider.handler = func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		time.Sleep(100 * time.Millisecond)
		return &provider.ChatResponse{Content: "ok"}, nil
	}

	if _, err := f.pipeline.Accept(context.Background(), event("e1", "conv-1", "hi")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if !f.pipeline.Drain(3 * time.Second) {
		t.Fatal("drain should complete once the request finishes")
	}
	if n := f.pipeline.InFlight(); n != 0 {
		t.Errorf("expected 0 in flight after drain, got %d", n)
	}
}
