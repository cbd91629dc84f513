package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/apprapid/missionctl/internal/bridge"
	"github.com/apprapid/missionctl/internal/bus"
	"github.com/apprapid/missionctl/internal/config"
	"github.com/apprapid/missionctl/internal/crm"
	"github.com/apprapid/missionctl/internal/gateway"
	otelx "github.com/apprapid/missionctl/internal/otel"
	"github.com/apprapid/missionctl/internal/persistence"
	"github.com/apprapid/missionctl/internal/telemetry"
)

func main() {
	loadDotEnv(".env")

	configPath := flag.String("config", "", "path to config.yaml (default: $MISSIONCTL_HOME/config.yaml)")
	addr := flag.String("addr", "", "override HTTP bind address")
	dbPath := flag.String("db", "", "override sqlite database path")
	logLevel := flag.String("log-level", "", "override log level (debug, info, warn, error)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		cfg config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fatalStartup(nil, err)
	}
	if *addr != "" {
		cfg.HTTP.BindAddr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	// Echo logs to stdout only when attached to a terminal; detached
	// daemons read logs/system.jsonl instead.
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	otelProvider, err := otelx.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelx.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, err)
	}
	defer store.Close()
	if err := store.SeedAgents(ctx); err != nil {
		fatalStartup(logger, err)
	}
	logger.Info("startup phase", "phase", "store_opened", "db", cfg.DBPath)

	var remote bridge.RemoteStore
	if cfg.Bridge.Configured() {
		remote = crm.New(crm.Config{
			BaseURL:    cfg.Bridge.URL,
			ServiceKey: cfg.Bridge.ServiceKey,
		})
		logger.Info("crm bridge configured", "url", cfg.Bridge.URL, "agency_id", cfg.Bridge.AgencyID)
	} else {
		logger.Info("crm bridge not configured, sync disabled")
	}

	bridgeSvc, err := bridge.NewService(bridge.ServiceConfig{
		Store:             store,
		Bus:               eventBus,
		Remote:            remote,
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
		AgencyID:          cfg.Bridge.AgencyID,
		DedupWindow:       time.Duration(cfg.Bridge.DedupWindowSeconds) * time.Second,
		PollInterval:      time.Duration(cfg.Bridge.PollIntervalSeconds) * time.Second,
		PullBatchSize:     cfg.Bridge.PullBatchSize,
		ReconcileSchedule: cfg.Bridge.ReconcileSchedule,
		PushQueueSize:     cfg.Bridge.PushQueueSize,
		PushWorkers:       cfg.Bridge.PushWorkers,
	})
	if err != nil {
		fatalStartup(logger, err)
	}
	bridgeSvc.Run(ctx)
	defer bridgeSvc.Close()

	gw := gateway.New(gateway.Config{
		Store:        store,
		Bus:          eventBus,
		Bridge:       bridgeSvc,
		Logger:       logger,
		AuthToken:    cfg.HTTP.AuthToken,
		AllowOrigins: cfg.HTTP.AllowOrigins,
	})

	server := &http.Server{
		Addr:    cfg.HTTP.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.HTTP.BindAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Live config reload covers the log level only; the -config flag points
	// outside the home dir, so the watcher is skipped in that case.
	if *configPath == "" && *logLevel == "" {
		watcher := config.NewWatcher(cfg.HomeDir, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher failed to start", "error", err)
		} else {
			go func() {
				currentLevel := cfg.LogLevel
				for range watcher.Events() {
					reloaded, err := config.Load()
					if err != nil {
						logger.Warn("config reload failed", "error", err)
						continue
					}
					if reloaded.LogLevel != currentLevel {
						telemetry.SetLevel(closer, reloaded.LogLevel)
						logger.Info("log level updated", "level", reloaded.LogLevel)
						currentLevel = reloaded.LogLevel
					}
					if reloaded.Bridge.URL != cfg.Bridge.URL || reloaded.Bridge.ServiceKey != cfg.Bridge.ServiceKey {
						logger.Info("bridge credentials changed, restart to apply")
					}
				}
			}()
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, err error) {
	if logger != nil {
		logger.Error("startup failure", "error", err)
	} else {
		fmt.Fprintln(os.Stderr, "missionctl: startup failure:", err)
	}
	os.Exit(1)
}

// loadDotEnv reads KEY=VALUE pairs from path into the environment.
// Variables already set in the environment win. A missing file is fine.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
