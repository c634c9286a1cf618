package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/notifyhub/internal/notify/application"
	"github.com/wyfcoding/notifyhub/internal/notify/infrastructure/directory"
	"github.com/wyfcoding/notifyhub/internal/notify/infrastructure/messaging"
	"github.com/wyfcoding/notifyhub/internal/notify/infrastructure/persistence/mysql"
	"github.com/wyfcoding/notifyhub/internal/notify/infrastructure/subscription"
	"github.com/wyfcoding/notifyhub/internal/notify/interfaces/consumer"
	httphandler "github.com/wyfcoding/notifyhub/internal/notify/interfaces/http"
	"github.com/wyfcoding/notifyhub/pkg/cache"
	"github.com/wyfcoding/notifyhub/pkg/config"
	"github.com/wyfcoding/notifyhub/pkg/db"
	"github.com/wyfcoding/notifyhub/pkg/logger"
	"github.com/wyfcoding/notifyhub/pkg/metrics"
	"github.com/wyfcoding/notifyhub/pkg/middleware"
	"github.com/wyfcoding/notifyhub/pkg/mq"
	"github.com/wyfcoding/notifyhub/pkg/ratelimit"
)

// BootstrapName 服务标识
const BootstrapName = "notifyhub"

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("service bootstrap failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	bootLog := slog.With("module", "bootstrap")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 订阅注册表：启动期编译一次，之后只读复用
	registry, err := subscription.Load(cfg.Subscriptions.File)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	bootLog.Info("subscription registry compiled", "subscriptions", registry.Len())

	m := metrics.New(BootstrapName)

	// 基础设施
	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	if err := database.AutoMigrate(
		&mysql.RecordModel{},
		&messaging.OutboxModel{},
		&directory.UserModel{},
		&directory.ChannelParticipantModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	redisCache, err := cache.New(cache.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxPoolSize:  cfg.Redis.MaxPoolSize,
		ConnTimeout:  cfg.Redis.ConnTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("redis init: %w", err)
	}
	defer redisCache.Close()

	mqConfig := mq.Config{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Kafka.GroupID,
		SessionTimeout: cfg.Kafka.SessionTimeout,
		MaxRetries:     cfg.Kafka.MaxRetries,
		RetryBackoff:   cfg.Kafka.RetryBackoff,
	}
	producer := mq.NewProducer(mqConfig)
	defer producer.Close()

	// 业务组件装配
	repo := mysql.NewRecordRepository(database.DB, cfg.Kafka.RecordInsertedTopic)
	resolver := directory.NewResolver(database.DB, redisCache, time.Duration(cfg.Redis.RecipientCacheTTL)*time.Second)
	publisher := messaging.NewAvailabilityPublisher(producer, cfg.Kafka.AvailabilityTopic)

	materializer := application.NewMaterializer(registry, repo, m, slog.With("module", "materializer"))
	dispatcher := application.NewFanoutDispatcher(resolver, publisher, application.FanoutOptions{
		BatchSize:           cfg.Fanout.BatchSize,
		ResolveMaxRetries:   cfg.Fanout.ResolveMaxRetries,
		RetryInitialBackoff: time.Duration(cfg.Fanout.RetryInitialBackoff) * time.Millisecond,
		RetryMaxBackoff:     time.Duration(cfg.Fanout.RetryMaxBackoff) * time.Millisecond,
	}, m, slog.With("module", "fanout"))
	appService := application.NewNotifyService(materializer, dispatcher, repo)

	dlq := mq.NewDeadLetterQueue(producer, cfg.Kafka.DeadLetterTopic)
	eventHandler := consumer.NewEventHandler(appService, dlq, slog.With("module", "event_consumer"))
	insertedHandler := consumer.NewRecordInsertedHandler(appService, slog.With("module", "record_consumer"))

	relay := messaging.NewRelay(database.DB, producer, messaging.RelayOptions{
		PollInterval: time.Duration(cfg.Fanout.OutboxPollInterval) * time.Millisecond,
		BatchSize:    cfg.Fanout.OutboxBatchSize,
	}, m, slog.With("module", "outbox_relay"))

	eventConsumer := mq.NewConsumer(mqConfig, cfg.Kafka.InboundTopics)
	defer eventConsumer.Close()
	insertedConsumer := mq.NewConsumer(mqConfig, []string{cfg.Kafka.RecordInsertedTopic})
	defer insertedConsumer.Close()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		if err := eventConsumer.Run(ctx, eventHandler.Handle); err != nil {
			bootLog.Error("inbound event consumer stopped", "error", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		if err := insertedConsumer.Run(ctx, insertedHandler.Handle); err != nil {
			bootLog.Error("record-inserted consumer stopped", "error", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		relay.Run(ctx)
	}()

	// HTTP 服务
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      buildRouter(cfg, m, redisCache, appService),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	go func() {
		bootLog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			bootLog.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	bootLog.Info("performing graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		bootLog.Error("http shutdown failed", "error", err)
	}

	wg.Wait()
	return nil
}

func buildRouter(cfg *config.Config, m *metrics.Metrics, redisCache *cache.RedisCache, appService *application.NotifyService) *gin.Engine {
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		middleware.Logging(),
		middleware.Recovery(),
		middleware.Metrics(m),
		middleware.CORS(),
	)

	// 系统路由（不限流）
	sys := router.Group("/sys")
	{
		sys.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":    "UP",
				"service":   BootstrapName,
				"timestamp": time.Now().Unix(),
			})
		})
		sys.GET("/ready", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "READY"})
		})
	}

	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(m.Handler()))
	}

	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewRedisLimiter(redisCache.Client())
		router.Use(middleware.RateLimit(limiter, cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}

	httphandler.NewRecordHandler(appService).RegisterRoutes(router)
	return router
}
