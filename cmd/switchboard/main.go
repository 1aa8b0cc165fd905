package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"switchboard/internal/approval"
	"switchboard/internal/butler"
	"switchboard/internal/domain"
	"switchboard/internal/education"
	"switchboard/internal/infra/config"
	"switchboard/internal/infra/logger"
	"switchboard/internal/infra/tracer"
	"switchboard/internal/mcp"
	"switchboard/internal/memory"
	"switchboard/internal/messenger"
	"switchboard/internal/messenger/provider"
	"switchboard/internal/route"
	"switchboard/internal/scheduler"
	"switchboard/internal/session"
	"switchboard/internal/store/sqlite"
	"switchboard/internal/switchboard"
	"switchboard/internal/usecase/eventbus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// butlerRuntime holds what run() still needs from one wired butler after
// wireButler returns: its name, the scheduler driving its cron jobs, and
// its approval expiry sweep.
type butlerRuntime struct {
	name      string
	scheduler *scheduler.Scheduler
	sweep     *approval.Sweep
}

func run() error {
	// 1. Config
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	if err := os.MkdirAll(cfg.Daemon.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Shared cross-butler stores (shared.db: entity resolution)
	sharedDB, err := sqlite.Open(filepath.Join(cfg.Daemon.DataDir, "shared.db"), "shared")
	if err != nil {
		return fmt.Errorf("open shared db: %w", err)
	}
	defer sharedDB.Close()

	entities, err := sqlite.NewEntityStore(sharedDB)
	if err != nil {
		return fmt.Errorf("entity store: %w", err)
	}
	resolver := memory.NewResolver(entities, bus, log)

	// 5. Switchboard-level stores (switchboard.db: inbound/outbound ledger
	// and the fleet's own registry, which is cross-butler by nature)
	switchboardDB, err := sqlite.Open(filepath.Join(cfg.Daemon.DataDir, "switchboard.db"), "switchboard")
	if err != nil {
		return fmt.Errorf("open switchboard db: %w", err)
	}
	defer switchboardDB.Close()

	messageInbox, err := sqlite.NewMessageInboxStore(switchboardDB)
	if err != nil {
		return fmt.Errorf("message inbox store: %w", err)
	}
	notifications, err := sqlite.NewNotificationStore(switchboardDB)
	if err != nil {
		return fmt.Errorf("notification store: %w", err)
	}
	butlerStore, err := sqlite.NewButlerRegistryStore(switchboardDB)
	if err != nil {
		return fmt.Errorf("butler registry store: %w", err)
	}

	registry, err := butler.NewRegistry(ctx, butlerStore, log)
	if err != nil {
		return fmt.Errorf("butler registry: %w", err)
	}

	executor := route.NewExecutor(registry, bus, log)

	// 6. Messenger: one Deliverer shared by every registered provider,
	// wired in before the per-butler loop since the "messenger" butler's
	// tools need it.
	deliveryDB, err := sqlite.Open(filepath.Join(cfg.Daemon.DataDir, "messenger.db"), "messenger")
	if err != nil {
		return fmt.Errorf("open messenger db: %w", err)
	}
	defer deliveryDB.Close()

	deliveryStore, err := sqlite.NewDeliveryStore(deliveryDB)
	if err != nil {
		return fmt.Errorf("delivery store: %w", err)
	}
	idempotency := messenger.NewIdempotencyEngine(deliveryStore)
	deliverer := messenger.NewDeliverer(idempotency, log)
	registerProviders(cfg, deliverer, log)

	// 7. Per-butler wiring
	runtimes := make([]*butlerRuntime, 0, len(cfg.Butlers))
	for _, bc := range cfg.Butlers {
		rt, err := wireButler(ctx, bc, cfg, registry, executor, resolver, entities, deliverer, bus, log)
		if err != nil {
			return fmt.Errorf("butler %s: %w", bc.Name, err)
		}
		runtimes = append(runtimes, rt)
	}

	// 8. Switchboard ingest/notify/HTTP surface
	allowlist := switchboard.NewChannelProviderAllowlist(map[string][]string{
		"telegram": {"telegram"},
		"email":    {"email"},
		"slack":    {"slack"},
		"discord":  {"discord"},
	})
	pipeline := switchboard.NewPipeline(messageInbox, registry, executor, allowlist, bus, log)
	switchboardDeliverer := switchboard.NewDeliverer(registry, executor, notifications, bus, log)
	server := switchboard.NewServer(cfg.Daemon.Addr, pipeline, switchboardDeliverer, bus, log)

	// 9. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 10. Start per-butler schedulers and approval sweeps
	for _, rt := range runtimes {
		rt := rt
		go func() {
			if err := rt.scheduler.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error("scheduler stopped", "butler", rt.name, "error", err)
			}
		}()
		go runApprovalSweep(ctx, rt.sweep, log)
		go runRouteRecovery(ctx, executor, rt.name, log)
	}

	// 11. Start switchboard server
	log.Info("switchboard starting",
		"addr", cfg.Daemon.Addr,
		"butlers", len(runtimes),
		"data_dir", cfg.Daemon.DataDir,
	)
	return server.Start(ctx)
}

// wireButler builds one butler's per-schema database, session spawner,
// scheduler, approval gate, and MCP tool registry, then registers it with
// both the cross-butler registry and the route executor.
func wireButler(
	ctx context.Context,
	bc config.ButlerConfig,
	cfg *config.Config,
	registry *butler.Registry,
	executor *route.Executor,
	resolver *memory.Resolver,
	entities *sqlite.EntityStore,
	deliverer *messenger.Deliverer,
	bus domain.EventBus,
	log *slog.Logger,
) (*butlerRuntime, error) {
	blog := log.With("butler", bc.Name)

	db, err := sqlite.Open(filepath.Join(cfg.Daemon.DataDir, bc.Name+".db"), bc.Name)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	approvalStore, err := sqlite.NewApprovalStore(db)
	if err != nil {
		return nil, fmt.Errorf("approval store: %w", err)
	}
	stateStore, err := sqlite.NewStateStore(db)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}
	taskStore, err := sqlite.NewTaskStore(db)
	if err != nil {
		return nil, fmt.Errorf("task store: %w", err)
	}
	sessionStore, err := sqlite.NewSessionStore(db)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	routeInbox, err := sqlite.NewRouteInboxStore(db)
	if err != nil {
		return nil, fmt.Errorf("route inbox store: %w", err)
	}

	spawner := session.New(sessionStore, session.EchoRunner{}, "", blog)
	sched := scheduler.New(taskStore, spawner, bus, blog)
	if err := sched.LoadAndSchedule(ctx); err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}

	contacts := approval.NewContactResolver(entities)
	gate := approval.NewGate(bc.Name, approvalStore, contacts, toApprovalConfig(cfg.Approval), bus, blog)
	sweep := approval.NewSweep(gate, blog)

	mcpRegistry := mcp.NewRegistry(bc.Name, gate)
	mcpRegistry.Register(mcp.NewStateGetTool(stateStore, blog))
	mcpRegistry.Register(mcp.NewStateSetTool(stateStore, blog))
	mcpRegistry.Register(mcp.NewScheduleCreateTool(sched, blog))
	mcpRegistry.Register(mcp.NewScheduleDeleteTool(sched, blog))
	mcpRegistry.Register(mcp.NewScheduleListTool(sched, blog))
	mcpRegistry.Register(mcp.NewRouteExecuteTool(executor, blog))
	mcpRegistry.Register(mcp.NewApproveActionTool(gate, blog))
	mcpRegistry.Register(mcp.NewRejectActionTool(gate, blog))
	mcpRegistry.Register(mcp.NewEntityResolveTool(resolver, blog))
	mcpRegistry.Register(mcp.NewEntityCreateTool(resolver, blog))
	mcpRegistry.Register(mcp.NewEntityMergeTool(resolver, blog))

	for _, module := range bc.Modules {
		switch module {
		case "education":
			educationStore, err := sqlite.NewEducationStore(db)
			if err != nil {
				return nil, fmt.Errorf("education store: %w", err)
			}
			engine := education.NewEngine(educationStore, sched, taskStore, bus, blog)
			mcpRegistry.Register(mcp.NewMindMapNodeCreateTool(educationStore, blog))
			mcpRegistry.Register(mcp.NewCurriculumGenerateTool(engine, blog))
			mcpRegistry.Register(mcp.NewCurriculumReplanTool(engine, blog))
			mcpRegistry.Register(mcp.NewCurriculumNextNodeTool(engine, blog))
			mcpRegistry.Register(mcp.NewSpacedRepetitionRecordResponseTool(engine, blog))
			mcpRegistry.Register(mcp.NewMasteryRecordResponseTool(engine, blog))
			mcpRegistry.Register(mcp.NewMasteryDetectStrugglesTool(engine, blog))
		case "messenger":
			mcpRegistry.Register(mcp.NewNotifyTool(deliverer, blog))
			mcpRegistry.Register(mcp.NewTelegramSendMessageTool(deliverer, blog))
			mcpRegistry.Register(mcp.NewEmailSendMessageTool(deliverer, blog))
		}
	}

	executor.RegisterButler(bc.Name, routeInbox, spawner)
	executor.RegisterButlerTools(bc.Name, mcpRegistry)

	trustedCallers := bc.TrustedRouteCallers
	if len(trustedCallers) == 0 {
		trustedCallers = []string{"switchboard"}
	}
	if err := registry.Register(ctx, domain.ButlerRegistration{
		Name:                bc.Name,
		Modules:             bc.Modules,
		EligibilityState:    domain.EligibilityActive,
		LivenessTTLSeconds:  bc.LivenessTTLSeconds,
		TrustedRouteCallers: trustedCallers,
	}); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	return &butlerRuntime{name: bc.Name, scheduler: sched, sweep: sweep}, nil
}

// toApprovalConfig adapts the daemon's on-disk approval config into the
// gate package's own Config type.
func toApprovalConfig(cfg config.ApprovalConfig) approval.Config {
	gated := make(map[string]approval.GatedToolConfig, len(cfg.GatedTools))
	for name, g := range cfg.GatedTools {
		gated[name] = approval.GatedToolConfig{RiskTier: g.RiskTier, ExpiryHours: g.ExpiryHours}
	}
	return approval.Config{GatedTools: gated, RulePrecedence: cfg.RulePrecedence}
}

// registerProviders builds and registers a messenger Provider for every
// provider credential set in the config.
func registerProviders(cfg *config.Config, deliverer *messenger.Deliverer, log *slog.Logger) {
	if tg := cfg.Messenger.Telegram; tg != nil {
		deliverer.RegisterProvider(provider.NewTelegram(tg.Token))
	}
	if sl := cfg.Messenger.Slack; sl != nil {
		deliverer.RegisterProvider(provider.NewSlack(sl.BotToken))
	}
	if dc := cfg.Messenger.Discord; dc != nil {
		p, err := provider.NewDiscord(dc.BotToken)
		if err != nil {
			log.Error("discord provider disabled", "error", err)
		} else {
			deliverer.RegisterProvider(p)
		}
	}
	if em := cfg.Messenger.Email; em != nil {
		p, err := provider.NewEmail(em.From, em.SMTPHost, em.SMTPUser, em.SMTPPass, em.SMTPPort)
		if err != nil {
			log.Error("email provider disabled", "error", err)
		} else {
			deliverer.RegisterProvider(p)
		}
	}
}

// runApprovalSweep periodically expires pending approvals that have
// outlived their tool's expiry_hours.
func runApprovalSweep(ctx context.Context, sweep *approval.Sweep, log *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := sweep.Run(ctx, now); err != nil {
				log.Error("approval sweep failed", "error", err)
			}
		}
	}
}

// runRouteRecovery periodically replays route_inbox rows left behind by a
// crash: anything still "accepted", or "processing" past the liveness
// bound.
func runRouteRecovery(ctx context.Context, executor *route.Executor, butlerName string, log *slog.Logger) {
	const livenessBound = 2 * time.Minute
	ticker := time.NewTicker(livenessBound)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := executor.RecoverSweep(ctx, butlerName, livenessBound); err != nil {
				log.Error("route recovery sweep failed", "butler", butlerName, "error", err)
			}
		}
	}
}
