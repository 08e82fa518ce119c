package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/knightrooks/agenthub/internal/events"
	httpx "github.com/knightrooks/agenthub/internal/http"
	"github.com/knightrooks/agenthub/internal/monitor"
	"github.com/knightrooks/agenthub/internal/ratelimit"
	"github.com/knightrooks/agenthub/internal/registry"
	"github.com/knightrooks/agenthub/internal/service/agent"
	"github.com/knightrooks/agenthub/internal/service/realtime"
	"github.com/knightrooks/agenthub/internal/service/stream"
	"github.com/knightrooks/agenthub/internal/ws"
	"github.com/knightrooks/agenthub/pkg/config"
	"github.com/knightrooks/agenthub/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("agenthub", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := make(map[string]func(context.Context) error)
	sessionLimiter := newLimiter(cfg, "ws:", cfg.RateLimitPerMinute, log, health)
	defer sessionLimiter.Close()
	apiLimiter := newLimiter(cfg, "api:", cfg.APIRateLimit, log, nil)
	defer apiLimiter.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := realtime.NewMetrics(reg)

	bus := events.New(events.Options{
		Source:         cfg.AgentName,
		MaxHistorySize: cfg.EventHistorySize,
		Logger:         log,
		Observer:       metrics,
	})
	hub := ws.NewHub(log)
	streamSvc := stream.New(bus, hub, log)
	streamSvc.Start()
	defer streamSvc.Stop()

	var resources monitor.ResourceSource
	if cfg.ResourceSampling {
		sampler := monitor.NewResourceSampler(log)
		go sampler.Run(ctx, cfg.ResourceSampleEvery)
		resources = sampler
	}
	usage := monitor.NewUsageMonitor(cfg.UsageHistorySize, resources, log)
	latency := monitor.NewLatencyTracker(cfg.LatencyHistorySize, cfg.LatencyRollingWindow, log)
	alerts := monitor.NewAlertManager(monitor.AlertOptions{
		Thresholds: monitor.Thresholds{
			MinRequests:       cfg.Alerts.MinRequests,
			ErrorRateWarning:  cfg.Alerts.ErrorRateWarning,
			ErrorRateCritical: cfg.Alerts.ErrorRateCritical,
			LatencyWarningMS:  cfg.Alerts.LatencyWarningMS,
			LatencyCriticalMS: cfg.Alerts.LatencyCriticalMS,
			CPUWarning:        cfg.Alerts.CPUWarning,
			CPUCritical:       cfg.Alerts.CPUCritical,
			MemoryWarning:     cfg.Alerts.MemoryWarning,
			MemoryCritical:    cfg.Alerts.MemoryCritical,
		},
		HistorySize: cfg.Alerts.HistorySize,
		MaxActive:   cfg.Alerts.MaxActive,
		Logger:      log,
	})

	handler, err := realtime.New(realtime.Options{
		Registry: registry.New(registry.Options{
			MaxConnections: cfg.MaxConnections,
			MaxMessages:    cfg.MaxMessagesPerSession,
		}),
		Limiter:          sessionLimiter,
		Bus:              bus,
		Hub:              hub,
		Controller:       agent.NewTemplate(cfg.AgentName, cfg.AgentCapabilities, ""),
		Usage:            usage,
		Latency:          latency,
		Alerts:           alerts,
		Metrics:          metrics,
		Logger:           log,
		MaxMessageLength: cfg.MaxMessageLength,
		IdleTimeout:      cfg.IdleTimeout,
		PingInterval:     cfg.PingInterval,
	})
	if err != nil {
		log.Error("failed to configure realtime handler", "error", err)
		os.Exit(1)
	}
	go handler.Run(ctx)
	go alerts.Run(ctx, cfg.Alerts.EvaluateEvery, func() monitor.Snapshot {
		return monitor.Collect(usage, latency)
	})

	router, err := httpx.NewRouter(httpx.Options{
		Logger:        log,
		Realtime:      handler,
		Bus:           bus,
		Stream:        streamSvc,
		Usage:         usage,
		Latency:       latency,
		Alerts:        alerts,
		Limiter:       apiLimiter,
		Registerer:    reg,
		Gatherer:      reg,
		OperatorToken: cfg.OperatorToken,
		UserHeader:    cfg.AuthUserHeader,
		Health:        health,
	})
	if err != nil {
		log.Error("failed to configure router", "error", err)
		os.Exit(1)
	}
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("agenthub server starting", "addr", cfg.Addr, "agent", cfg.AgentName, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		handler.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("agenthub server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

type closingLimiter interface {
	ratelimit.Limiter
	Close()
}

// newLimiter prefers the shared Redis window and falls back to process
// memory when Redis is not configured or unreachable.
func newLimiter(cfg config.ServerConfig, prefix string, limit int, log *slog.Logger, health map[string]func(context.Context) error) closingLimiter {
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := ratelimit.NewRedis(ratelimit.RedisOptions{
			Addr:     addr,
			Password: cfg.RateLimitRedisPass,
			DB:       cfg.RateLimitRedisDB,
			Limit:    limit,
			Window:   cfg.RateLimitWindow,
			Prefix:   "agenthub:ratelimit:" + prefix,
		}, log)
		if err == nil {
			if health != nil {
				health["redis"] = redisLimiter.Ping
			}
			return redisLimiter
		}
		log.Warn("redis rate limiter unavailable", "error", err)
	}
	return ratelimit.NewMemory(limit, cfg.RateLimitWindow)
}
