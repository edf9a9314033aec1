// Package pipeline turns accepted chat events into bot executions: ack
// immediately, process asynchronously, deliver the result (or a readable
// error) back to the conversation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/HengWoo/enterprise-bots-sub003/internal/agent"
	"github.com/HengWoo/enterprise-bots-sub003/internal/botreg"
	"github.com/HengWoo/enterprise-bots-sub003/internal/capability"
	"github.com/HengWoo/enterprise-bots-sub003/internal/chat"
	"github.com/HengWoo/enterprise-bots-sub003/internal/config"
	"github.com/HengWoo/enterprise-bots-sub003/internal/progress"
	"github.com/HengWoo/enterprise-bots-sub003/internal/provider"
	"github.com/HengWoo/enterprise-bots-sub003/internal/session"
	"github.com/HengWoo/enterprise-bots-sub003/internal/timeline"
	"github.com/HengWoo/enterprise-bots-sub003/internal/trace"
)

// Lifecycle stages, recorded to the trace publisher and logs.
const (
	StageReceived   = "received"
	StageAcked      = "acknowledged"
	StageResolving  = "resolving-session"
	StageExecuting  = "executing"
	StageFinalizing = "finalizing"
	StageDelivered  = "delivered"
	StageErrored    = "errored"
)

// historyLimit bounds how much session history a turn carries.
const historyLimit = 40

// Event is one inbound chat event.
type Event struct {
	EventID        string `json:"event_id"`
	BotID          string `json:"bot_id"`
	ConversationID string `json:"conversation_id"`
	ActorID        string `json:"actor_id"`
	Text           string `json:"text"`
}

// Ack is the immediate response to an accepted event.
type Ack struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// Validation failures returned by Accept.
var (
	ErrUnknownBot = errors.New("unknown bot")
	ErrBadEvent   = errors.New("malformed event")
)

// Pipeline owns asynchronous request processing.
type Pipeline struct {
	cfg         config.PipelineConfig
	store       *session.Store
	bots        *botreg.Registry
	gate        *capability.Gate
	runner      *agent.Runner
	delegator   *agent.Delegator
	broadcaster *progress.Broadcaster
	deliverer   chat.Deliverer
	log         *timeline.Service
	tracer      *trace.Publisher

	wg       sync.WaitGroup
	inflight atomic.Int64
}

// New wires a Pipeline. tracer may be nil.
func New(cfg config.PipelineConfig, store *session.Store, bots *botreg.Registry,
	gate *capability.Gate, runner *agent.Runner, delegator *agent.Delegator,
	broadcaster *progress.Broadcaster, deliverer chat.Deliverer,
	log *timeline.Service, tracer *trace.Publisher) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		store:       store,
		bots:        bots,
		gate:        gate,
		runner:      runner,
		delegator:   delegator,
		broadcaster: broadcaster,
		deliverer:   deliverer,
		log:         log,
		tracer:      tracer,
	}
}

// Accept validates and acknowledges an event, then processes it on a
// background goroutine. It returns as soon as the request is durable:
// execution never delays the ack.
func (p *Pipeline) Accept(ctx context.Context, ev Event) (Ack, error) {
	if strings.TrimSpace(ev.ConversationID) == "" || strings.TrimSpace(ev.Text) == "" {
		return Ack{}, fmt.Errorf("%w: conversation_id and text are required", ErrBadEvent)
	}
	bot, ok := p.bots.Get(ev.BotID)
	if !ok {
		return Ack{}, fmt.Errorf("%w: %s", ErrUnknownBot, ev.BotID)
	}

	// Replays of an already-accepted event return the original request.
	if prior, err := p.log.GetByIdempotencyKey(ev.EventID); err != nil {
		return Ack{}, fmt.Errorf("idempotency lookup: %w", err)
	} else if prior != nil {
		slog.Info("Duplicate event acknowledged", "event_id", ev.EventID, "request_id", prior.RequestID)
		return Ack{RequestID: prior.RequestID, Status: "duplicate"}, nil
	}

	requestID := uuid.NewString()
	now := time.Now()
	err := p.log.CreateRequest(&timeline.Request{
		RequestID:      requestID,
		IdempotencyKey: ev.EventID,
		BotID:          bot.ID,
		ConversationID: ev.ConversationID,
		ActorID:        ev.ActorID,
		ContentIn:      ev.Text,
		ReceivedAt:     now,
		AcknowledgedAt: &now,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("record request: %w", err)
	}
	p.trace(requestID, ev, StageAcked, "", "")

	p.wg.Add(1)
	p.inflight.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inflight.Add(-1)
		p.process(requestID, bot, ev)
	}()

	slog.Info("Request accepted", "request_id", requestID, "bot", bot.ID, "conversation", ev.ConversationID)
	return Ack{RequestID: requestID, Status: "accepted"}, nil
}

// process runs one request end to end. Every exit path delivers something
// to the conversation and records a terminal state.
func (p *Pipeline) process(requestID string, bot *botreg.Bot, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestTimeout)
	defer cancel()

	if err := p.log.UpdateStatus(requestID, timeline.StatusProcessing); err != nil {
		slog.Warn("Request status update failed", "request_id", requestID, "error", err)
	}

	p.broadcaster.Register(requestID, bot.ID, ev.ConversationID)
	defer p.broadcaster.Finish(requestID)

	answer, runErr := p.execute(ctx, requestID, bot, ev)

	p.broadcaster.Emit(requestID, progress.KindFinalizing)
	p.trace(requestID, ev, StageFinalizing, "", "")

	status, outcome := timeline.StatusCompleted, "success"
	reply := answer
	if runErr != nil {
		status = timeline.StatusFailed
		outcome = "error"
		if errors.Is(runErr, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		reply = userFacingError(runErr)
		slog.Error("Request failed", "request_id", requestID, "bot", bot.ID, "outcome", outcome, "error", runErr)
	}
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	if err := p.log.Complete(requestID, status, outcome, reply, errText); err != nil {
		slog.Warn("Request completion record failed", "request_id", requestID, "error", err)
	}

	// Delivery gets its own budget: the execution deadline may already be
	// spent, but the user still gets the timeout message.
	deliverCtx, deliverCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer deliverCancel()
	delivery := timeline.DeliverySent
	if err := p.deliverer.CreateMessage(deliverCtx, ev.ConversationID, reply); err != nil {
		delivery = timeline.DeliveryFailed
		slog.Error("Result delivery failed", "request_id", requestID, "conversation", ev.ConversationID, "error", err)
	}
	if err := p.log.UpdateDelivery(requestID, delivery); err != nil {
		slog.Warn("Delivery record failed", "request_id", requestID, "error", err)
	}

	stage := StageDelivered
	if runErr != nil {
		stage = StageErrored
	}
	p.trace(requestID, ev, stage, outcome, errText)
	slog.Info("Request finished", "request_id", requestID, "outcome", outcome, "delivery", delivery)
}

// execute holds the session-locked portion: resolve, run, write back. The
// per-key lock is held across the whole turn so concurrent requests for
// one conversation apply in arrival order.
func (p *Pipeline) execute(ctx context.Context, requestID string, bot *botreg.Bot, ev Event) (string, error) {
	p.trace(requestID, ev, StageResolving, "", "")
	release, err := p.store.Acquire(ctx, bot.ID, ev.ConversationID)
	if err != nil {
		return "", fmt.Errorf("acquire session: %w", err)
	}
	defer release()

	sess, tier := p.store.Resolve(bot.ID, ev.ConversationID)
	slog.Debug("Session resolved", "request_id", requestID, "tier", tier.String())

	p.broadcaster.Emit(requestID, progress.KindStarted)
	p.trace(requestID, ev, StageExecuting, "", "")

	allowed, err := p.gate.AllowedTools(bot.ID, capability.ContextTopLevel)
	if err != nil {
		return "", fmt.Errorf("compute capabilities: %w", err)
	}

	history := toProviderMessages(sess.History(historyLimit))
	runCtx := p.delegator.Bind(ctx, bot, 0)
	answer, err := p.runner.Run(runCtx, agent.RunInput{
		Bot:       bot,
		History:   history,
		Input:     ev.Text,
		Allowed:   allowed,
		Milestone: func(kind string) { p.broadcaster.Emit(requestID, kind) },
	})
	if err != nil {
		return "", err
	}

	sess.AddMessage("user", ev.Text)
	sess.AddMessage("assistant", answer)
	p.store.WriteBack(sess)
	return answer, nil
}

// InFlight returns the number of requests currently being processed.
func (p *Pipeline) InFlight() int64 {
	return p.inflight.Load()
}

// Drain waits for in-flight requests to finish, up to timeout.
func (p *Pipeline) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		slog.Warn("Drain timeout with requests still in flight", "in_flight", p.InFlight())
		return false
	}
}

func (p *Pipeline) trace(requestID string, ev Event, stage, outcome, detail string) {
	if !p.tracer.Active() {
		return
	}
	p.tracer.Publish(trace.Record{
		RequestID:      requestID,
		BotID:          ev.BotID,
		ConversationID: ev.ConversationID,
		Stage:          stage,
		Outcome:        outcome,
		Detail:         detail,
	})
}

func toProviderMessages(history []session.Message) []provider.Message {
	out := make([]provider.Message, 0, len(history))
	for _, m := range history {
		out = append(out, provider.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// userFacingError maps an execution failure to text safe to show in the
// conversation. Internals stay in the log.
func userFacingError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "Sorry, that took too long and I had to stop. Please try again, or break the request into smaller steps."
	case errors.Is(err, agent.ErrTurnLimit):
		return "Sorry, I couldn't finish that within my working budget. Try narrowing the request."
	default:
		return "Sorry, something went wrong while handling your request. Please try again."
	}
}
