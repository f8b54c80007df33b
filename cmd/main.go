package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gemini-gateway/core"
	"gemini-gateway/models"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	// 加载 .env（不存在则静默忽略）
	godotenv.Load()

	// 创建日志器
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.JSONFormatter{})
	// 🔇 关闭 Gin Debug 模式输出
	gin.SetMode(gin.ReleaseMode)

	// 加载配置（凭证来源按结构化程度取第一个有效者）
	cfg, err := core.LoadConfig(core.NewNoOpSecretProvider(), log)
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	// 初始化数据库（请求日志与凭证统计）
	db, err := initDatabase(log)
	if err != nil {
		log.Fatal("Failed to initialize database: ", err)
	}

	// 构建凭证池
	pool, err := core.NewCredentialPool(cfg.Credentials, cfg.Strategy, log)
	if err != nil {
		log.Fatal("Failed to create credential pool: ", err)
	}

	// 上游会话适配器 + 调度器 + 编码器
	session := core.NewWebSession(cfg.UpstreamURL, 120*time.Second, log)
	dispatcher := core.NewDispatcher(pool, session, log, cfg.MaxAttempts)
	encoder := core.NewStreamEncoder(pool, log)
	translator := core.NewRequestTranslator()

	asyncLogger := core.NewAsyncRequestLogger(db, log)
	gateway := core.NewGateway(pool, translator, dispatcher, encoder, log, asyncLogger)

	// 创建Gin引擎
	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(log.Writer()))
	engine.Use(corsMiddleware())

	setupRoutes(engine, gateway, log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	// 启动服务器
	go func() {
		log.Infof("Starting Gemini Gateway on port %d (%d credentials)", cfg.Port, pool.Len())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	asyncLogger.Close()
	log.Info("Server exited")
}

// initDatabase 初始化数据库
func initDatabase(log *logrus.Logger) (*gorm.DB, error) {
	// 只在出错时记录 SQL 日志
	db, err := gorm.Open(sqlite.Open("gateway.db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if err := models.InitializeDefaultData(db); err != nil {
		return nil, fmt.Errorf("failed to initialize default data: %w", err)
	}

	log.Info("Database initialized successfully")
	return db, nil
}

// setupRoutes 设置路由
func setupRoutes(engine *gin.Engine, gateway *core.Gateway, log *logrus.Logger) {
	// 公开路由 - 无访问日志
	engine.GET("/", gateway.HandleRoot)
	engine.GET("/health", gateway.HandleHealth)
	engine.GET("/credentials/status", gateway.HandlePoolStatus)

	// OpenAI 兼容接口 - 带限流与错误日志
	api := engine.Group("/v1")
	api.Use(RateLimitMiddleware())
	api.Use(errorLoggerMiddleware(log))
	{
		api.POST("/chat/completions", gateway.HandleChatCompletions)
		api.GET("/chat/ws", gateway.HandleChatWS)
		api.GET("/models", gateway.HandleListModels)
	}
}
