package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agrichat-dispatch/config"
	"agrichat-dispatch/internal/connectivity"
	"agrichat-dispatch/internal/dispatch"
	"agrichat-dispatch/internal/events"
	"agrichat-dispatch/internal/logging"
	"agrichat-dispatch/internal/middleware"
	"agrichat-dispatch/internal/registry"
	"agrichat-dispatch/internal/retry"
	"agrichat-dispatch/internal/tracking"
	"agrichat-dispatch/internal/transport"
	"agrichat-dispatch/internal/web"
)

var (
	configPath  = flag.String("config", "config/example.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version information")
	enableWeb   = flag.Bool("web", false, "Enable observability web interface")
	webPort     = flag.Int("web-port", 8088, "Observability web interface port (default: 8088)")

	// Build-time variables (set via ldflags)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("AgriChat Dispatch\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	// Initial logger, replaced once config is loaded
	logger := logging.Setup(config.LoggingConfig{Level: "info", Format: "text"})
	slog.SetDefault(logger)

	configWatcher, err := config.NewConfigWatcher(*configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create configuration watcher: %v\n", err)
		os.Exit(1)
	}
	defer configWatcher.Close()

	cfg := configWatcher.GetConfig()

	if *enableWeb {
		cfg.Web.Enabled = true
	}
	if *webPort != 8088 {
		cfg.Web.Port = *webPort
	}

	logger = logging.Setup(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("🚀 AgriChat Dispatch 启动中...",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config_file", *configPath,
		"endpoints_count", len(cfg.Endpoints))

	if cfg.Proxy.Enabled {
		logger.Info(fmt.Sprintf("🔗 出站代理已启用: %s", cfg.Proxy.Type))
	} else {
		logger.Info("🔗 代理未启用，将直接连接模型端点")
	}
	if cfg.Auth.Enabled {
		logger.Info("🔐 鉴权已启用，访问需要Bearer Token验证")
	} else {
		logger.Info("🔓 鉴权已禁用，所有请求将直接调度")
		if cfg.Server.Host != "127.0.0.1" && cfg.Server.Host != "localhost" && cfg.Server.Host != "::1" {
			logger.Warn("⚠️  注意：将在非本地地址启动但未启用鉴权，请确保网络环境安全")
		}
	}

	// Event bus
	eventBus := events.NewEventBus(logger)
	if err := eventBus.Start(); err != nil {
		logger.Error(fmt.Sprintf("❌ EventBus启动失败: %v", err))
		os.Exit(1)
	}
	defer func() {
		if err := eventBus.Stop(); err != nil {
			logger.Error(fmt.Sprintf("❌ EventBus关闭失败: %v", err))
		}
	}()

	// Connectivity observer
	observer := connectivity.NewObserver(cfg.Connectivity)
	observer.Start()
	defer observer.Stop()

	// Endpoint health registry
	healthRegistry := registry.NewHealthRegistry()

	// Retry orchestrator, gated on the observer
	orchestrator := retry.NewOrchestrator(observer)

	// Metrics
	metrics := middleware.NewMetrics()
	orchestrator.SetMetricsRecorder(metrics)

	// Usage tracker
	tracker, err := tracking.NewTracker(cfg.Tracking)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ 使用跟踪器初始化失败: %v", err))
		os.Exit(1)
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Error(fmt.Sprintf("❌ 使用跟踪器关闭失败: %v", err))
		}
	}()

	// Outbound transport
	caller, err := transport.NewHTTPCaller(cfg)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ 出站HTTP客户端初始化失败: %v", err))
		os.Exit(1)
	}

	// Dispatch coordinator and front door
	coordinator := dispatch.NewCoordinator(cfg, healthRegistry, caller)
	coordinator.SetTracker(tracker)
	coordinator.SetEventBus(eventBus)

	frontDoor := dispatch.NewFrontDoor(cfg, coordinator, orchestrator)
	frontDoor.SetMetrics(metrics)

	// Bridge connectivity transitions into events and metrics
	bridgeCtx, bridgeCancel := context.WithCancel(context.Background())
	defer bridgeCancel()
	go bridgeConnectivity(bridgeCtx, observer, eventBus, metrics)
	go mirrorEndpointState(bridgeCtx, healthRegistry, metrics)

	// Middleware chain
	loggingMiddleware := middleware.NewLoggingMiddleware(logger)
	loggingMiddleware.SetMetrics(metrics)
	authMiddleware := middleware.NewAuthMiddleware(cfg.Auth.Enabled, cfg.Auth.Token)

	var webServer *web.WebServer

	configWatcher.AddReloadCallback(func(newCfg *config.Config) {
		newLogger := logging.Setup(newCfg.Logging)
		slog.SetDefault(newLogger)
		configWatcher.UpdateLogger(newLogger)

		coordinator.UpdateConfig(newCfg)
		frontDoor.UpdateConfig(newCfg)
		if err := caller.UpdateConfig(newCfg); err != nil {
			newLogger.Error(fmt.Sprintf("❌ 出站HTTP客户端更新失败: %v", err))
		}
		if webServer != nil {
			webServer.UpdateConfig(newCfg)
		}

		eventBus.Publish(events.Event{
			Type:     events.EventConfigChanged,
			Source:   "main",
			Priority: events.PriorityHigh,
			Data:     map[string]interface{}{"config_file": *configPath},
		})
		newLogger.Info("🔄 所有组件已更新为新配置")
	})
	logger.Info("🔄 配置文件自动重载已启用")

	// Front door HTTP server
	mux := http.NewServeMux()
	mux.Handle("/v1/messages", loggingMiddleware.Wrap(authMiddleware.Wrap(frontDoor)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		if err := tracker.HealthCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "tracker unhealthy: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("🌐 HTTP 服务器启动中...",
			"address", server.Addr,
			"endpoints_count", len(cfg.Endpoints))

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Give server a moment to start
	time.Sleep(100 * time.Millisecond)

	select {
	case err := <-serverErr:
		logger.Error(fmt.Sprintf("❌ 服务器启动失败: %v", err))
		os.Exit(1)
	default:
		logger.Info("✅ 服务器启动成功！")
		logger.Info(fmt.Sprintf("📡 调度入口: http://%s/v1/messages", server.Addr))
	}

	if cfg.Web.Enabled {
		webServer = web.NewWebServer(cfg, healthRegistry, observer, coordinator, orchestrator,
			tracker, metrics, eventBus, logger)
		if err := webServer.Start(); err != nil {
			logger.Error(fmt.Sprintf("❌ 观测接口启动失败: %v", err))
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		logger.Error(fmt.Sprintf("❌ 服务器运行时错误: %v", err))
		os.Exit(1)
	case sig := <-interrupt:
		logger.Info(fmt.Sprintf("📡 收到终止信号，开始优雅关闭... - 信号: %v", sig))
	}

	logger.Info("🛑 正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if webServer != nil {
		webServer.Stop(ctx)
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.Error(fmt.Sprintf("❌ 服务器关闭失败: %v", err))
		os.Exit(1)
	}

	logger.Info("✅ 服务器已安全关闭")
}

// mirrorEndpointState periodically copies registry health states into the
// per-endpoint Prometheus gauge.
func mirrorEndpointState(ctx context.Context, reg *registry.HealthRegistry, metrics *middleware.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, rec := range reg.Snapshot() {
				// 冷却到期按healthy上报，与调度视角一致
				metrics.SetEndpointState(rec.ID, float64(reg.StateOf(rec.ID, now)))
			}
		}
	}
}

// bridgeConnectivity mirrors observer transitions into the event bus and
// the Prometheus gauges.
func bridgeConnectivity(ctx context.Context, observer *connectivity.Observer,
	eventBus events.EventBus, metrics *middleware.Metrics) {

	ch := observer.Subscribe()
	defer observer.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			metrics.SetConnectivity(snap.Connected(), snap.AvgLatency)
			eventBus.Publish(events.Event{
				Type:     events.EventConnectivityChanged,
				Source:   "connectivity_observer",
				Priority: events.PriorityHigh,
				Data: map[string]interface{}{
					"state":       snap.State.String(),
					"quality":     snap.Quality.String(),
					"avg_latency": snap.AvgLatency,
				},
			})
		}
	}
}
