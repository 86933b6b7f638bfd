package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/feishugate/internal/agentrt/httpdispatch"
	"github.com/basket/feishugate/internal/announce"
	"github.com/basket/feishugate/internal/bus"
	"github.com/basket/feishugate/internal/config"
	"github.com/basket/feishugate/internal/coordinator"
	"github.com/basket/feishugate/internal/inbound"
	"github.com/basket/feishugate/internal/inflight"
	"github.com/basket/feishugate/internal/otelgw"
	"github.com/basket/feishugate/internal/permcache"
	"github.com/basket/feishugate/internal/provider"
	"github.com/basket/feishugate/internal/providerimpl/telegram"
	"github.com/basket/feishugate/internal/reconcile"
	"github.com/basket/feishugate/internal/sessionstore"
	"github.com/basket/feishugate/internal/statusreactor"
	"github.com/basket/feishugate/internal/statusview"
	"github.com/basket/feishugate/internal/telemetry"
	"github.com/basket/feishugate/internal/toolguard"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

COMMANDS:
  serve                 Run the gateway (provider loop, coordinator, reconciler)
  status                Show live in-flight/queue counts
  doctor [-json]        Run diagnostic checks

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FEISHUGATE_HOME             Data directory (default: ~/.feishugate)
  FEISHUGATE_LOG_LEVEL        Log level override
  FEISHUGATE_AGENT_ENDPOINT   Base URL of the agent runtime
  TELEGRAM_TOKEN               Telegram bot token
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "serve":
		os.Exit(runServeCommand(ctx))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// runServeCommand wires every collaborator and runs the gateway until ctx is
// canceled. It is intentionally the only place in this repo that constructs
// a Coordinator for production use.
func runServeCommand(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	interactive := isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "account_id", cfg.AccountID)

	otelProvider, err := otelgw.Init(ctx, otelgw.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelgw.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.NewWithLogger(logger)

	metricsCollector := otelgw.NewCollector(metrics, eventBus)
	metricsCollector.Start(ctx)
	defer metricsCollector.Stop()

	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token == "" {
		fatalStartup(logger, "E_NO_PROVIDER", fmt.Errorf("channels.telegram is disabled or missing a token"))
	}

	sessionDir := filepath.Join(cfg.StateDir, "sessions")
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		fatalStartup(logger, "E_SESSIONSTORE_OPEN", err)
	}
	store, err := sessionstore.Open(filepath.Join(sessionDir, cfg.AccountID+".db"))
	if err != nil {
		fatalStartup(logger, "E_SESSIONSTORE_OPEN", err)
	}
	defer store.Close()

	inFlightMgr := inflight.NewManager(cfg.StateDir)

	guard := toolguard.New(store, eventBus, logger, toolguard.Options{
		HardMaxChars: cfg.ToolResult.HardMaxChars,
	})

	dispatcher := httpdispatch.New(cfg.AgentEndpoint, logger)

	var coord *coordinator.Coordinator
	handler := func(hctx context.Context, ev provider.InboundEvent) {
		if err := coord.HandleInbound(hctx, ev, time.Now().UnixMilli()); err != nil {
			logger.Error("handle inbound failed", "error", err, "chat_id", ev.ChatID, "message_id", ev.MessageID)
		}
	}
	tgProvider := telegram.New(cfg.AccountID, cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, handler, logger)
	var prov provider.Provider = tgProvider

	gate := inbound.New(cfg.StateDir, prov, eventBus, logger, inbound.Settings{
		Enabled:        cfg.StaleDrop.Enabled,
		Reply:          cfg.StaleDrop.Reply,
		SkewWindowMs:   cfg.StaleDrop.SkewWindowMs,
		RecentIDsLimit: cfg.StaleDrop.RecentIDsLimit,
	})
	reactor := statusreactor.New(prov, logger)
	announceQueue := announce.New(eventBus, logger)

	coord = coordinator.New(coordinator.Dependencies{
		Provider:   prov,
		Dispatcher: dispatcher,
		InFlight:   inFlightMgr,
		Gate:       gate,
		Reactor:    reactor,
		Bus:        eventBus,
		PermCache:  permcache.New(),
		Logger:     logger,
		Policy:     cfg.Policy,
	})

	if err := coord.Reconcile(ctx, cfg.AccountID, time.Duration(cfg.ReconcileMaxAgeHours)*time.Hour); err != nil {
		logger.Error("boot reconcile failed", "error", err)
	}

	scheduler := reconcile.NewScheduler(reconcile.Config{
		Coordinator: coord,
		AccountIDs:  []string{cfg.AccountID},
		Interval:    time.Duration(cfg.ReconcileIntervalMinutes) * time.Minute,
		MaxAge:      time.Duration(cfg.ReconcileMaxAgeHours) * time.Hour,
		Logger:      logger,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	api := &agentAPI{guard: guard, announce: announceQueue, prov: prov, coord: coord, logger: logger}
	apiServer := &http.Server{Addr: cfg.AgentAPIAddr, Handler: api.routes()}
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("agent api server exited", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		apiServer.Shutdown(shutdownCtx)
	}()

	startedAt := time.Now()
	if interactive {
		collector := &statusview.Collector{
			Manager:    inFlightMgr,
			Announce:   announceQueue,
			AccountIDs: []string{cfg.AccountID},
			StartedAt:  startedAt,
		}
		go func() {
			if err := statusview.Run(ctx, collector.Snapshot); err != nil && err != context.Canceled {
				logger.Error("status view exited", "error", err)
			}
		}()
	}

	logger.Info("gateway running", "account_id", cfg.AccountID, "agent_api_addr", cfg.AgentAPIAddr)
	if err := tgProvider.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("provider run exited", "error", err)
		return 1
	}
	logger.Info("gateway stopped")
	return 0
}
