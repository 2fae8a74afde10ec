// Package web 提供调度核心的JSON观测接口
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agrichat-dispatch/config"
	"agrichat-dispatch/internal/connectivity"
	"agrichat-dispatch/internal/dispatch"
	"agrichat-dispatch/internal/events"
	"agrichat-dispatch/internal/middleware"
	"agrichat-dispatch/internal/registry"
	"agrichat-dispatch/internal/retry"
	"agrichat-dispatch/internal/tracking"
)

// WebServer exposes registry, connectivity and usage state over HTTP.
type WebServer struct {
	server       *http.Server
	engine       *gin.Engine
	logger       *slog.Logger
	config       *config.Config
	registry     *registry.HealthRegistry
	observer     *connectivity.Observer
	coordinator  *dispatch.Coordinator
	orchestrator *retry.Orchestrator
	tracker      *tracking.Tracker
	metrics      *middleware.Metrics
	eventBus     events.EventBus
	eventLog     *EventLog
	startTime    time.Time
}

// NewWebServer creates the observability server.
func NewWebServer(cfg *config.Config, reg *registry.HealthRegistry, observer *connectivity.Observer,
	coordinator *dispatch.Coordinator, orchestrator *retry.Orchestrator, tracker *tracking.Tracker,
	metrics *middleware.Metrics, eventBus events.EventBus, logger *slog.Logger) *WebServer {

	// release模式减少gin自身的日志输出
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(ginLoggerMiddleware(logger))
	engine.Use(gin.Recovery())

	ws := &WebServer{
		engine:       engine,
		logger:       logger,
		config:       cfg,
		registry:     reg,
		observer:     observer,
		coordinator:  coordinator,
		orchestrator: orchestrator,
		tracker:      tracker,
		metrics:      metrics,
		eventBus:     eventBus,
		eventLog:     NewEventLog(200),
		startTime:    time.Now(),
	}

	if eventBus != nil {
		eventBus.SetSink(ws.eventLog)
	}

	ws.setupRoutes()
	return ws
}

// Start runs the server in the background.
func (ws *WebServer) Start() error {
	addr := fmt.Sprintf("%s:%d", ws.config.Web.Host, ws.config.Web.Port)

	ws.server = &http.Server{
		Addr:         addr,
		Handler:      ws.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  300 * time.Second,
	}

	ws.logger.Info(fmt.Sprintf("🌐 观测接口启动中... - 地址: %s", addr))

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error(fmt.Sprintf("❌ 观测接口启动失败: %v", err))
		}
	}()

	ws.logger.Info(fmt.Sprintf("✅ 观测接口启动成功！访问地址: http://%s", addr))
	return nil
}

// Stop shuts the server down gracefully.
func (ws *WebServer) Stop(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}

	ws.logger.Info("🛑 正在关闭观测接口...")
	err := ws.server.Shutdown(ctx)
	if err != nil {
		ws.logger.Error(fmt.Sprintf("❌ 观测接口关闭失败: %v", err))
	} else {
		ws.logger.Info("✅ 观测接口已安全关闭")
	}
	return err
}

// UpdateConfig swaps in a reloaded configuration.
func (ws *WebServer) UpdateConfig(newConfig *config.Config) {
	ws.config = newConfig
	ws.logger.Info("🔄 观测接口配置已更新")
}

func (ws *WebServer) setupRoutes() {
	if ws.metrics != nil {
		ws.engine.GET("/metrics", gin.WrapH(ws.metrics.Handler()))
	}

	api := ws.engine.Group("/api/v1")
	{
		api.GET("/status", ws.handleStatus)
		api.GET("/endpoints", ws.handleEndpoints)
		api.GET("/connectivity", ws.handleConnectivity)
		api.GET("/retries/active", ws.handleActiveRetries)
		api.POST("/retries/:id/cancel", ws.handleCancelRetry)
		api.GET("/events", ws.handleEvents)
		api.GET("/events/stats", ws.handleEventStats)

		api.POST("/endpoints/:name/reset", ws.handleResetEndpoint)
		api.POST("/endpoints/reset", ws.handleResetAll)

		api.GET("/usage/summary", ws.handleUsageSummary)
		api.GET("/usage/endpoints", ws.handleUsageEndpoints)
		api.GET("/usage/recent", ws.handleUsageRecent)
	}
}

// ginLoggerMiddleware创建gin的日志中间件
func ginLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if status >= 400 {
			logger.Warn(fmt.Sprintf("⚠️ [观测接口] %s %s → %d (%s)", c.Request.Method, path, status, latency))
		} else {
			logger.Debug(fmt.Sprintf("📄 [观测接口] %s %s → %d (%s)", c.Request.Method, path, status, latency))
		}
	}
}
