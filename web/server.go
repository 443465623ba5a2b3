package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coinsync/config"
	"coinsync/database"
	"coinsync/job"
	"coinsync/logger"
	"coinsync/reconcile"
)

// WebServer HTTP 服务
type WebServer struct {
	server  *http.Server
	cfg     *config.Config
	db      database.Database
	orch    *reconcile.Orchestrator
	tracker *job.Tracker
}

// NewWebServer 创建 HTTP 服务
func NewWebServer(cfg *config.Config, db database.Database, orch *reconcile.Orchestrator, tracker *job.Tracker) *WebServer {
	if cfg.Web.GinMode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ws := &WebServer{
		cfg:     cfg,
		db:      db,
		orch:    orch,
		tracker: tracker,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(GinLoggerMiddleware(cfg.System.LogLevel == "debug"))
	ws.setupRoutes(r)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	ws.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  60 * time.Second, // CSV 上传可能较大
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return ws
}

// setupRoutes 设置路由
func (ws *WebServer) setupRoutes(r *gin.Engine) {
	// Prometheus 抓取端点
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/health", ws.health)

		// 业务路由要求上游网关注入的调用者身份
		protected := api.Group("")
		protected.Use(identityMiddleware())
		{
			protected.POST("/sync/exchange", ws.startExchangeSync)
			protected.POST("/import/trades", ws.importTrades)
			protected.POST("/import/cashflows", ws.importCashflows)
			protected.GET("/jobs", ws.listJobs)
			protected.GET("/jobs/:id", ws.getJob)
			protected.POST("/jobs/:id/cancel", ws.cancelJob)
		}
	}
}

// Start 启动 HTTP 服务，ctx 取消后优雅关闭
func (ws *WebServer) Start(ctx context.Context) {
	go func() {
		logger.Info("🌐 HTTP 服务启动在 http://%s", ws.server.Addr)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("❌ HTTP 服务启动失败: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ws.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("❌ HTTP 服务关闭失败: %v", err)
		} else {
			logger.Info("✅ HTTP 服务已关闭")
		}
	}()
}

// identityMiddleware 要求 X-User-ID 请求头（由上游认证网关注入）
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing caller identity"})
			return
		}
		c.Set("userID", userID)
		c.Next()
	}
}

// callerID 取调用者身份
func callerID(c *gin.Context) string {
	return c.GetString("userID")
}
