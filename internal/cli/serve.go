package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/HengWoo/enterprise-bots-sub003/internal/agent"
	"github.com/HengWoo/enterprise-bots-sub003/internal/botreg"
	"github.com/HengWoo/enterprise-bots-sub003/internal/capability"
	"github.com/HengWoo/enterprise-bots-sub003/internal/chat"
	"github.com/HengWoo/enterprise-bots-sub003/internal/config"
	"github.com/HengWoo/enterprise-bots-sub003/internal/httpapi"
	"github.com/HengWoo/enterprise-bots-sub003/internal/pipeline"
	"github.com/HengWoo/enterprise-bots-sub003/internal/progress"
	"github.com/HengWoo/enterprise-bots-sub003/internal/provider"
	"github.com/HengWoo/enterprise-bots-sub003/internal/scheduler"
	"github.com/HengWoo/enterprise-bots-sub003/internal/session"
	"github.com/HengWoo/enterprise-bots-sub003/internal/timeline"
	"github.com/HengWoo/enterprise-bots-sub003/internal/tools"
	"github.com/HengWoo/enterprise-bots-sub003/internal/trace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway: intake server, pipeline, session sweeper",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	printHeader("🌐 botgw Gateway")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}

	timeSvc, err := timeline.NewService(cfg.Timeline.Path)
	if err != nil {
		fmt.Printf("Failed to init request log: %v\n", err)
		os.Exit(1)
	}
	defer timeSvc.Close()

	store := session.NewStore(session.StoreOptions{
		Dir:        cfg.Sessions.Dir,
		HotWindow:  cfg.Sessions.HotWindow,
		WarmWindow: cfg.Sessions.WarmWindow,
		Retention:  cfg.Sessions.Retention,
	})
	sweeper := scheduler.New(cfg.Sessions.SweepInterval, store)
	if err := sweeper.Start(); err != nil {
		fmt.Printf("Failed to start session sweeper: %v\n", err)
		os.Exit(1)
	}

	bots, err := botreg.Load(cfg.Bots, cfg.Paths.DocsDir)
	if err != nil {
		fmt.Printf("Bot registry error: %v\n", err)
		os.Exit(1)
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewKBSearchTool(cfg.Paths.DocsDir))
	registry.Register(tools.NewWebFetchTool())
	registry.Register(tools.NewTicketCreateTool(cfg.Paths.Workspace))
	registry.Register(tools.NewNoteAppendTool(cfg.Paths.Workspace))
	registry.Register(tools.NewConsultBotTool())

	gate := capability.NewGate(bots, registry)
	if err := gate.Validate(); err != nil {
		fmt.Printf("Capability validation failed: %v\n", err)
		os.Exit(1)
	}

	prov := provider.NewOpenAIProvider(cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Provider.Model)
	chatClient := chat.NewClient(cfg.Chat.BaseURL, cfg.Chat.BotToken)

	var tracer *trace.Publisher
	if cfg.Trace.Enabled {
		tracer = trace.NewPublisher(cfg.Trace.Brokers, cfg.Trace.Topic)
		if tracer.Active() {
			defer tracer.Close()
			slog.Info("Trace publisher active", "topic", cfg.Trace.Topic)
		}
	}

	runner := agent.NewRunner(prov, registry, cfg.Pipeline.MaxTurns, cfg.Pipeline.LongRunningAfter)
	delegator := agent.NewDelegator(bots, gate, runner, cfg.Pipeline.MaxDelegationDepth)

	sink := progress.MultiSink(
		chatProgressSink{client: chatClient},
		milestoneLogSink{log: timeSvc},
	)
	broadcaster := progress.NewBroadcaster(sink)
	bctx, bcancel := context.WithCancel(context.Background())
	defer bcancel()
	go broadcaster.Start(bctx)

	pipe := pipeline.New(cfg.Pipeline, store, bots, gate, runner, delegator,
		broadcaster, chatClient, timeSvc, tracer)

	srv := httpapi.NewServer(cfg.Gateway, pipe, store)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	fmt.Printf("✅ Gateway running on %s:%d with %d bot(s)\n", cfg.Gateway.Host, cfg.Gateway.Port, len(bots.IDs()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("Intake server failed", "error", err)
		}
	}

	// Stop intake first, then drain executions, then stop the sweeper and
	// snapshot what is still hot.
	if err := srv.Shutdown(10 * time.Second); err != nil {
		slog.Warn("Intake shutdown error", "error", err)
	}
	if !pipe.Drain(cfg.Pipeline.DrainTimeout) {
		slog.Warn("Some requests did not finish before shutdown")
	}
	if err := sweeper.Stop(); err != nil {
		slog.Warn("Sweeper stop error", "error", err)
	}
	store.Sweep()
	fmt.Println("Goodbye.")
}

func setupLogging() {
	level := slog.LevelInfo
	if os.Getenv("BOTGW_DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// chatProgressSink posts milestone text into the conversation.
type chatProgressSink struct {
	client chat.Deliverer
}

func (s chatProgressSink) Deliver(ctx context.Context, ev progress.Event) error {
	text := progress.Text(ev.Kind)
	if text == "" {
		return nil
	}
	return s.client.CreateMessage(ctx, ev.ConversationID, text)
}

// milestoneLogSink records milestones in the request log.
type milestoneLogSink struct {
	log *timeline.Service
}

func (s milestoneLogSink) Deliver(ctx context.Context, ev progress.Event) error {
	return s.log.AddMilestone(ev.RequestID, ev.Kind, ev.Seq, ev.EmittedAt)
}
