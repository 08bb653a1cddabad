package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/teslagrant/internal/api/handlers"
	"github.com/langchou/teslagrant/internal/config"
	"github.com/langchou/teslagrant/internal/repository"
	"github.com/langchou/teslagrant/internal/secrets"
	"github.com/langchou/teslagrant/internal/service"
	"github.com/langchou/teslagrant/internal/store"
	"github.com/langchou/teslagrant/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting TeslaGrant", zap.String("port", cfg.ServerPort))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 签名密钥：环境变量缺省时从 Secrets Manager 拉取
	if cfg.SecretKey == "" {
		key, err := secrets.Fetch(ctx, secrets.Options{
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}, cfg.SecretKeyID)
		if err != nil {
			logger.Fatal("Failed to fetch secret key", zap.Error(err))
		}
		cfg.SecretKey = key
		logger.Info("Secret key loaded from Secrets Manager", zap.String("secret_id", cfg.SecretKeyID))
	}

	// 选择持久化后端
	var backend store.Backend
	if cfg.SkipDatabase {
		backend = store.NewMemory(logger)
	} else {
		db, err := repository.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect database", zap.Error(err))
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Info("Database migrated successfully")

		backend = repository.NewGrantRepository(db, cfg.CleanupBatchSize)
	}

	// 创建存储层
	grantStore := store.New(logger, backend, store.Options{
		CacheThreshold: cfg.CacheThreshold,
		CacheTimeout:   cfg.CacheTimeout,
		CacheMiss:      cfg.CacheMiss,
	})

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)

	// 创建状态服务，并把轮询生命周期挂到订阅事件上
	statusService := service.NewStatusService(cfg, logger, grantStore, wsHub)
	wsHub.SetSubscriptionHooks(statusService.StartPolling, statusService.StopPolling)
	go wsHub.Run()

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, cfg, grantStore, statusService, wsHub)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.LoadHTMLGlob("web/templates/*.html")

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
