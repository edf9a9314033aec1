package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/HengWoo/enterprise-bots-sub003/internal/agent"
	"github.com/HengWoo/enterprise-bots-sub003/internal/botreg"
	"github.com/HengWoo/enterprise-bots-sub003/internal/capability"
	"github.com/HengWoo/enterprise-bots-sub003/internal/config"
	"github.com/HengWoo/enterprise-bots-sub003/internal/provider"
	"github.com/HengWoo/enterprise-bots-sub003/internal/session"
	"github.com/HengWoo/enterprise-bots-sub003/internal/tools"
)

var (
	chatMessage string
	chatBotID   string
	chatConvID  string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Send one message to a bot directly from the CLI",
	Run:   runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "Message to send")
	chatCmd.Flags().StringVarP(&chatBotID, "bot", "b", "", "Bot ID to address")
	chatCmd.Flags().StringVarP(&chatConvID, "conversation", "c", "cli:default", "Conversation ID")
}

func runChat(cmd *cobra.Command, args []string) {
	if chatMessage == "" {
		fmt.Println("Error: --message is required")
		os.Exit(1)
	}

	printHeader("🤖 botgw Chat")
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config warning: %v (using defaults)\n", err)
		cfg = config.DefaultConfig()
	}

	bots, err := botreg.Load(cfg.Bots, cfg.Paths.DocsDir)
	if err != nil {
		fmt.Printf("Bot registry error: %v\n", err)
		os.Exit(1)
	}
	if chatBotID == "" {
		chatBotID = bots.IDs()[0]
	}
	bot, ok := bots.Get(chatBotID)
	if !ok {
		fmt.Printf("Unknown bot: %s\n", chatBotID)
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
	allowed, err := gate.AllowedTools(bot.ID, capability.ContextTopLevel)
	if err != nil {
		fmt.Printf("Capability error: %v\n", err)
		os.Exit(1)
	}

	prov := provider.NewOpenAIProvider(cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Provider.Model)
	runner := agent.NewRunner(prov, registry, cfg.Pipeline.MaxTurns, 0)
	delegator := agent.NewDelegator(bots, gate, runner, cfg.Pipeline.MaxDelegationDepth)

	store := session.NewStore(session.StoreOptions{
		Dir:        cfg.Sessions.Dir,
		HotWindow:  cfg.Sessions.HotWindow,
		WarmWindow: cfg.Sessions.WarmWindow,
		Retention:  cfg.Sessions.Retention,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.RequestTimeout)
	defer cancel()

	release, err := store.Acquire(ctx, bot.ID, chatConvID)
	if err != nil {
		fmt.Printf("Session busy: %v\n", err)
		os.Exit(1)
	}
	defer release()
	sess, tier := store.Resolve(bot.ID, chatConvID)

	fmt.Printf("🤖 %s (%s session)\n", bot.ID, tier)
	fmt.Println("Thinking...")

	history := make([]provider.Message, 0, len(sess.History(40)))
	for _, m := range sess.History(40) {
		history = append(history, provider.Message{Role: m.Role, Content: m.Content})
	}

	answer, err := runner.Run(delegator.Bind(ctx, bot, 0), agent.RunInput{
		Bot:     bot,
		History: history,
		Input:   chatMessage,
		Allowed: allowed,
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	sess.AddMessage("user", chatMessage)
	sess.AddMessage("assistant", answer)
	store.WriteBack(sess)

	fmt.Println()
	fmt.Println(answer)
}
