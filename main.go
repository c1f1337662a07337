package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"task-tracker/backend/internal/cache"
	"task-tracker/backend/internal/config"
	"task-tracker/backend/internal/database"
	"task-tracker/backend/internal/logger"
	"task-tracker/backend/internal/mailer"
	"task-tracker/backend/internal/monitoring"
	"task-tracker/backend/internal/notifier"
	"task-tracker/backend/internal/repositories"
	"task-tracker/backend/internal/server"
	"task-tracker/backend/internal/services"
	"task-tracker/backend/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.Setup(cfg.Server.LogLevel)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	a.startBackground(ctx)

	srv := server.New(cfg, a.router)
	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", srv.Addr, "environment", cfg.Server.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	a.stopBackground()
	return nil
}

// app holds everything main wires together so it can be exercised in tests
// without binding a port.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	pool   *database.DatabasePool
	redis  *redis.Client
	router *gin.Engine

	jobQueue *worker.JobQueue
	worker   *worker.Worker

	kafkaProducer *kgo.Client
	kafkaConsumer *worker.KafkaConsumer
	kafkaGroup    *kgo.Client
	consumerDone  chan struct{}
	cancelConsume context.CancelFunc
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	poolConfig := database.DefaultPoolConfig()
	poolConfig.Driver = cfg.Database.Driver
	poolConfig.DSN = cfg.GetDatabaseDSN()
	poolConfig.MaxOpenConns = cfg.Database.MaxOpenConns
	poolConfig.MaxIdleConns = cfg.Database.MaxIdleConns
	poolConfig.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	poolConfig.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime
	poolConfig.LogLevel = database.ParseLogLevel(cfg.Database.LogLevel)

	pool, err := database.NewDatabasePool(poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.pool = pool
	if err := pool.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	health := monitoring.NewHealthChecker(5*time.Second, nil)
	health.Register("database", pool.Health)
	extras := map[string]monitoring.StatsFunc{
		"database": func(*gin.Context) interface{} { return pool.Stats() },
	}

	if cfg.Notifier.Backend == "redis" || cfg.Cache.Enabled {
		a.redis = cache.NewRedisClient(&cache.RedisConfig{
			Addr:         cfg.GetRedisAddr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		health.Register("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}

	n, err := a.buildNotifier(ctx, extras)
	if err != nil {
		return nil, err
	}

	var taskService services.TaskService = services.NewTaskService(repositories.NewTaskRepository(pool.DB))
	if cfg.Cache.Enabled {
		multi := cache.NewMultiLevelCache(
			cache.NewMemoryCache(nil),
			cache.NewRedisCache(a.redis, "task-tracker:"),
			cache.NewCircuitBreaker(nil, nil),
		)
		cached := services.NewCachedTaskService(taskService, multi, cfg.Cache.TaskTTL, cfg.Cache.ListTTL, log)
		extras["cache"] = func(*gin.Context) interface{} { return cached.Stats() }
		taskService = cached
	}

	router, err := server.NewRouter(server.Dependencies{
		TaskService:    taskService,
		Notifier:       n,
		Logger:         log,
		Metrics:        monitoring.NewMetrics(nil),
		Health:         health,
		MetricsExtras:  extras,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PageSize:       cfg.Server.PageSize,
	})
	if err != nil {
		return nil, err
	}
	a.router = router

	ok = true
	return a, nil
}

func (a *app) buildNotifier(ctx context.Context, extras map[string]monitoring.StatsFunc) (notifier.Notifier, error) {
	cfg := a.cfg

	switch cfg.Notifier.Backend {
	case "log":
		return notifier.NewLogNotifier(a.log), nil

	case "kafka":
		producer, err := worker.NewKafkaClient(cfg.Notifier.KafkaBrokers, cfg.Notifier.KafkaTopic, "")
		if err != nil {
			return nil, err
		}
		a.kafkaProducer = producer
		kafkaConfig := worker.KafkaConfig{
			Brokers:  cfg.Notifier.KafkaBrokers,
			Topic:    cfg.Notifier.KafkaTopic,
			Group:    cfg.Notifier.KafkaGroup,
			MaxTries: cfg.Worker.MaxTries,
			Logger:   a.log,
		}

		if cfg.Worker.Enabled {
			group, err := worker.NewKafkaClient(cfg.Notifier.KafkaBrokers, cfg.Notifier.KafkaTopic, cfg.Notifier.KafkaGroup)
			if err != nil {
				return nil, err
			}
			a.kafkaGroup = group
			a.kafkaConsumer = worker.NewKafkaConsumer(group, kafkaConfig, cfg.Worker.RetryBaseDelay, cfg.Worker.JobTimeout)
			a.kafkaConsumer.RegisterHandler(worker.JobTypeEmailNotification, notifier.NewEmailJobHandler(a.mailSender(), cfg.Mail.From))
		}
		return notifier.NewQueueNotifier(worker.NewKafkaQueue(producer, kafkaConfig), a.log), nil

	default:
		a.jobQueue = worker.NewJobQueue(a.redis, cfg.Worker.Queue, &worker.QueueOptions{MaxTries: cfg.Worker.MaxTries})
		extras["queue"] = func(c *gin.Context) interface{} { return a.jobQueue.Stats(c.Request.Context()) }

		if cfg.Worker.Enabled {
			a.worker = worker.NewWorker(worker.WorkerConfig{
				RedisClient:    a.redis,
				Queue:          cfg.Worker.Queue,
				PollInterval:   cfg.Worker.PollInterval,
				JobTimeout:     cfg.Worker.JobTimeout,
				RetryBaseDelay: cfg.Worker.RetryBaseDelay,
				Logger:         a.log,
			})
			a.worker.RegisterHandler(worker.JobTypeEmailNotification, notifier.NewEmailJobHandler(a.mailSender(), cfg.Mail.From))
			if _, err := a.worker.RecoverInFlight(ctx); err != nil {
				a.log.Warn("could not recover in-flight jobs", "error", err)
			}
		}
		return notifier.NewQueueNotifier(a.jobQueue, a.log), nil
	}
}

func (a *app) mailSender() mailer.Sender {
	addr := a.cfg.GetSMTPAddr()
	if addr == "" {
		a.log.Info("SMTP_HOST not set, mail will be logged")
		return mailer.NewLogSender(a.log)
	}
	return mailer.NewSMTPSender(mailer.SMTPConfig{
		Addr:          addr,
		Username:      a.cfg.Mail.Username,
		Password:      a.cfg.Mail.Password,
		RatePerSecond: a.cfg.Mail.RatePerSecond,
		Burst:         a.cfg.Mail.Burst,
	})
}

func (a *app) startBackground(ctx context.Context) {
	if a.worker != nil {
		a.worker.Start(a.cfg.Worker.Concurrency)
	}
	if a.kafkaConsumer != nil {
		consumeCtx, cancel := context.WithCancel(ctx)
		a.cancelConsume = cancel
		a.consumerDone = make(chan struct{})
		go func() {
			defer close(a.consumerDone)
			a.kafkaConsumer.Run(consumeCtx)
		}()
	}
}

func (a *app) stopBackground() {
	if a.worker != nil {
		a.worker.Stop()
		a.worker = nil
	}
	if a.cancelConsume != nil {
		a.cancelConsume()
		<-a.consumerDone
		a.cancelConsume = nil
	}
}

func (a *app) close() {
	a.stopBackground()
	if a.kafkaGroup != nil {
		a.kafkaGroup.CloseAllowingRebalance()
	}
	if a.kafkaProducer != nil {
		a.kafkaProducer.Flush(context.Background())
		a.kafkaProducer.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("failed to close redis client", "error", err)
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.log.Warn("failed to close database", "error", err)
		}
	}
}
