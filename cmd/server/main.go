package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"driftmail/backend/internal/config"
	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/harvester"
	"driftmail/backend/internal/health"
	"driftmail/backend/internal/ingest"
	"driftmail/backend/internal/janitor"
	"driftmail/backend/internal/logger"
	"driftmail/backend/internal/realtime"
	"driftmail/backend/internal/service"
	"driftmail/backend/internal/smtp"
	"driftmail/backend/internal/storage"
	"driftmail/backend/internal/storage/memory"
	redisstore "driftmail/backend/internal/storage/redis"
	sqlstore "driftmail/backend/internal/storage/sql"
	httptransport "driftmail/backend/internal/transport/http"
)

// SMTP 连接限额：并发连接上限与每秒新连接速率
const (
	smtpMaxConns = 100
	smtpMaxRate  = 50
)

// main 启动包含 HTTP API、SMTP 接收与 IMAP 采集的综合服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     "",
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting driftmail server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化存储层
	var store storage.Store
	if cfg.Database.Type != "" {
		store, err = sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}
	defer store.Close()

	// 初始化健康检查
	healthChecker := health.NewHealthChecker(store, log)

	// 可选的 Redis 去重缓存；不可用时直接退化到存储层去重
	var dedup *redisstore.DedupCache
	if cfg.Redis.Enabled {
		redisClient, err := redisstore.New(redisstore.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			log.Warn("redis unavailable, dedup falls back to storage constraint", zap.Error(err))
		} else {
			defer redisClient.Close()
			dedup = redisstore.NewDedupCache(redisClient, cfg.Redis.DedupTTL)
			healthChecker.AddRedisCheck(redisClient)
			log.Info("redis dedup cache enabled", zap.String("address", cfg.Redis.Address))
		}
	}

	// 持久化事件通道：投递管道 -> 实时 Hub
	events := make(chan ingest.Event, cfg.Realtime.EventBuffer)

	// 投递管道与路由
	router := ingest.NewRouter(store)
	pipeline := ingest.NewPipeline(store, router, dedup, events, log)

	// 服务层
	inboxService := service.NewInboxService(store, cfg, log)
	messageService := service.NewMessageService(inboxService, store, log)

	// 实时推送 Hub
	hub := realtime.NewHub(store, cfg.CORS.AllowedOrigins, cfg.Realtime.SubscriberBuffer, log)

	// IMAP 采集器：数据库中的活跃账号优先，环境变量账号兜底
	accounts := loadBackingAccounts(store, cfg, log)
	harvesters := make([]*harvester.Harvester, 0, len(accounts))
	clientFactory := harvester.NewClientFactory(cfg.Harvester.TLS, cfg.Harvester.AuthTimeout)
	for _, account := range accounts {
		h := harvester.New(account, cfg.Harvester, pipeline, clientFactory, log)
		harvesters = append(harvesters, h)
		healthChecker.AddHarvesterCheck(account.Email, h.Connected)
	}

	// HTTP 路由
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	engine := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		InboxService:   inboxService,
		MessageService: messageService,
		Hub:            hub,
		Store:          store,
		Health:         healthChecker.Handler(),
		Logger:         log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// SMTP 服务器
	smtpLimiter := smtp.NewConnectionLimiter(smtpMaxConns, smtpMaxRate)
	smtpBackend := smtp.NewBackend(router, pipeline, smtpLimiter, log)
	smtpServer := smtp.NewServer(cfg.SMTP, smtpBackend)

	// 清理任务
	retentionJanitor := janitor.New(store, log)

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("domain", cfg.SMTP.Domain),
		)
		if err := smtpServer.ListenAndServe(); err != nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 实时推送 Hub goroutine
	group.Go(func() error {
		log.Info("starting realtime hub")
		hub.Run(groupCtx, events)
		return nil
	})

	// 采集器 goroutine（每个上游账号一个）
	for _, h := range harvesters {
		h := h
		group.Go(func() error {
			h.Run(groupCtx)
			return nil
		})
	}

	// 清理任务
	if err := retentionJanitor.Start(); err != nil {
		log.Fatal("failed to start retention janitor", zap.Error(err))
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		retentionJanitor.Stop()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := smtpServer.Close(); err != nil {
			log.Warn("SMTP server close warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// loadBackingAccounts 汇总采集器使用的上游账号。
//
// 数据库中的活跃账号全部启用；环境变量里的兜底账号只在
// 数据库中不存在同名账号时追加。
func loadBackingAccounts(store storage.Store, cfg *config.Config, log *zap.Logger) []*domain.BackingAccount {
	accounts, err := store.ListActiveAccounts()
	if err != nil {
		log.Error("failed to list backing accounts", zap.Error(err))
		accounts = nil
	}

	if cfg.Harvester.AccountEmail != "" {
		exists := false
		for _, account := range accounts {
			if account.Email == cfg.Harvester.AccountEmail {
				exists = true
				break
			}
		}
		if !exists {
			fallback := &domain.BackingAccount{
				ID:          uuid.NewString(),
				Email:       cfg.Harvester.AccountEmail,
				Password:    cfg.Harvester.AccountPassword,
				IMAPHost:    cfg.Harvester.AccountHost,
				IMAPPort:    cfg.Harvester.AccountPort,
				IsActive:    true,
				Description: "configured via environment",
				CreatedAt:   time.Now().UTC(),
			}
			if err := store.SaveAccount(fallback); err != nil {
				log.Warn("failed to persist fallback account, using it in-memory only", zap.Error(err))
			}
			accounts = append(accounts, fallback)
		}
	}

	if len(accounts) == 0 {
		log.Warn("no backing accounts configured, harvester disabled")
	}
	return accounts
}
