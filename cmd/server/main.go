// Package main - точка входа API-сервера PulsePoint.
//
// Сервер держит живые сессии обучения:
// - REST API для UI (вход, задачи дня, уроки, сердца, достижения)
// - WebSocket-доставка уведомлений
// - Фоновые задачи сессий (восстановление сердец, выселение простаивающих)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pulsepoint/pulsepoint-progress/config"
	"github.com/pulsepoint/pulsepoint-progress/internal/application/eventhandler"
	"github.com/pulsepoint/pulsepoint-progress/internal/application/query"
	"github.com/pulsepoint/pulsepoint-progress/internal/application/session"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
	"github.com/pulsepoint/pulsepoint-progress/internal/infrastructure/messaging"
	"github.com/pulsepoint/pulsepoint-progress/internal/infrastructure/persistence/local"
	"github.com/pulsepoint/pulsepoint-progress/internal/infrastructure/persistence/postgres"
	"github.com/pulsepoint/pulsepoint-progress/internal/infrastructure/persistence/redis"
	"github.com/pulsepoint/pulsepoint-progress/internal/infrastructure/scheduler"
	"github.com/pulsepoint/pulsepoint-progress/internal/infrastructure/scheduler/jobs"
	httpapi "github.com/pulsepoint/pulsepoint-progress/internal/interface/http"
	"github.com/pulsepoint/pulsepoint-progress/internal/interface/http/health"
	"github.com/pulsepoint/pulsepoint-progress/pkg/circuitbreaker"
	"github.com/pulsepoint/pulsepoint-progress/pkg/logger"
	"github.com/pulsepoint/pulsepoint-progress/pkg/retry"
)

// eventBus - общий интерфейс in-memory и Redis шины.
type eventBus interface {
	shared.EventPublisher
	shared.EventSubscriber
	Close() error
	Metrics() *messaging.EventBusMetrics
}

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.App.InstanceID == "" {
		cfg.App.InstanceID = "server-" + uuid.NewString()[:8]
	}
	flags := cfg.Features

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	appLog := logger.New(logger.Options{
		Level:     logger.ParseLevel(cfg.Observability.LogLevel),
		AddCaller: cfg.App.Debug,
	}).With(logger.String("service", cfg.App.Name), logger.String("instance", cfg.App.InstanceID))

	log.Info("starting PulsePoint server",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"instance", cfg.App.InstanceID,
	)

	clock := progression.SystemClock{}
	rules := cfg.Rules
	checker := health.NewChecker(cfg.App.Version)
	stats := map[string]func() any{
		"features": func() any { return flags.Snapshot() },
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ПОДКЛЮЧЕНИЕ К БАЗЕ ДАННЫХ (durable backend)
	// ─────────────────────────────────────────────────────────────────────────
	var durableRepo *postgres.ProgressRepository
	if cfg.Database.Enabled() {
		log.Info("connecting to database...")
		dbConn, err := postgres.NewConnection(ctx, postgresConfig(cfg))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer func() {
			log.Info("closing database connection...")
			dbConn.Close()
		}()

		if cfg.Database.AutoMigrate {
			log.Info("running database migrations...")
			if err := postgres.NewMigrator(dbConn).Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		log.Info("database connection established")

		checker.AddCritical("postgres", health.PingCheck(dbConn))

		durableRepo = postgres.NewProgressRepository(dbConn, rules)
	} else {
		log.Warn("DATABASE_URL not set, every session runs in guest mode")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ИНИЦИАЛИЗАЦИЯ REDIS (опционально)
	// ─────────────────────────────────────────────────────────────────────────
	var redisCache *redis.Cache
	if !cfg.Redis.Disabled {
		log.Info("connecting to Redis...")
		redisCache, err = redis.NewCache(redisConfig(cfg))
		if err != nil {
			log.Warn("failed to connect to Redis, continuing without cache", "error", err)
			redisCache = nil
		} else {
			defer redisCache.Close()
			checker.AddOptional("redis", health.PingCheck(redisCache))
			log.Info("Redis connection established")
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ИНИЦИАЛИЗАЦИЯ EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("initializing event bus...")
	busConfig := messaging.DefaultInMemoryEventBusConfig()
	busConfig.Logger = log

	var bus eventBus
	if redisCache != nil && flags.IsEnabled(config.FeatureRedisEventBus, nil) {
		redisBus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
			Client:         redis.NewPubSubClient(redisCache),
			InstanceID:     cfg.App.InstanceID,
			LocalBusConfig: busConfig,
			Logger:         log,
		})
		if err != nil {
			return fmt.Errorf("failed to start redis event bus: %w", err)
		}
		bus = redisBus
		log.Info("event bus: redis", "instance", cfg.App.InstanceID)
	} else {
		bus = messaging.NewInMemoryEventBus(busConfig)
		log.Info("event bus: in-memory")
	}
	defer func() {
		log.Info("closing event bus...")
		_ = bus.Close()
	}()
	stats["event_bus"] = func() any { return bus.Metrics().Snapshot() }

	// ─────────────────────────────────────────────────────────────────────────
	// 6. УВЕДОМЛЕНИЯ (dispatcher + каналы)
	// ─────────────────────────────────────────────────────────────────────────
	dispatcherConfig := messaging.DefaultDispatcherConfig()
	dispatcherConfig.Logger = log
	dispatcher := messaging.NewDispatcher(dispatcherConfig, messaging.NewLogChannel(log))

	var hub *httpapi.Hub
	if flags.IsEnabled(config.FeatureNotifyWebSocketPush, nil) {
		hub = httpapi.NewHub(cfg.HTTP.AllowedOrigins, log)
		dispatcher.AddChannel(hub)
	}
	dispatcher.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := dispatcher.Stop(stopCtx); err != nil {
			log.Warn("dispatcher stop", "error", err)
		}
	}()
	stats["notifications"] = func() any { return dispatcher.Metrics().Snapshot() }

	var sink progression.NotificationSink
	if flags.IsEnabled(config.FeatureNotifications, nil) {
		sink = messaging.NewFilteredSink(dispatcher, flags.AllowNotification)
	}

	handlerConfig := eventhandler.DefaultConfig()
	handlerConfig.StreakNotifications = flags.IsEnabled(config.FeatureNotifyStreak, nil)
	handlerConfig.HeartNotifications = flags.IsEnabled(config.FeatureNotifyHearts, nil)
	if err := eventhandler.Register(bus, eventhandler.NewHandlers(sink, log, handlerConfig)...); err != nil {
		return fmt.Errorf("failed to register event handlers: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. ХРАНИЛИЩА ПРОГРЕССА
	// ─────────────────────────────────────────────────────────────────────────
	var device *local.DeviceStore
	if flags.IsEnabled(config.FeatureLocalMirror, nil) || cfg.Local.Checkpoints {
		device, err = local.OpenDeviceStore(cfg.Local.DevicePath)
		if err != nil {
			return fmt.Errorf("failed to open device store: %w", err)
		}
		defer device.Close()
		log.Info("device store opened", "path", cfg.Local.DevicePath)
	}

	var mirror *local.DeviceStore
	if flags.IsEnabled(config.FeatureLocalMirror, nil) {
		mirror = device
	}
	localStore := session.NewStore(
		local.NewBackend(mirror, log),
		session.WithPublisher(bus),
		session.WithNotifier(sink),
		session.WithStoreLogger(appLog),
	)

	var durableStore *session.Store
	if durableRepo != nil {
		opts := []session.StoreOption{
			session.WithPolicy(retryPolicy(cfg)),
			session.WithBreaker(session.NewBreaker("durable-progress",
				circuitbreaker.WithFailureThreshold(cfg.Session.BreakerThreshold),
				circuitbreaker.WithCooldown(cfg.Session.BreakerCooldown),
				circuitbreaker.WithOnStateChange(func(name string, from, to circuitbreaker.State) {
					log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
				}),
			)),
			session.WithPublisher(bus),
			session.WithNotifier(sink),
			session.WithWriteTimeout(cfg.Session.WriteTimeout),
			session.WithStoreLogger(appLog),
		}
		if redisCache != nil && flags.IsEnabled(config.FeatureSnapshotCache, nil) {
			opts = append(opts, session.WithCache(redis.NewSnapshotCache(redisCache, cfg.Redis.SnapshotTTL)))
		}
		durableStore = session.NewStore(durableRepo, opts...)
	}

	var checkpoints progression.CheckpointStore
	if cfg.Local.Checkpoints && device != nil {
		checkpoints = device
	}

	registry := session.NewRegistry(cfg.Session.IdleTimeout, appLog)
	manager := session.NewManager(session.ManagerConfig{
		Rules:       rules,
		Durable:     durableStore,
		Local:       localStore,
		Clock:       clock,
		Events:      bus,
		Checkpoints: checkpoints,
		Registry:    registry,
		GuestMode:   flags.IsEnabled(config.FeatureGuestMode, nil),
		Logger:      appLog,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 8. ПЛАНИРОВЩИК (задачи живых сессий)
	// ─────────────────────────────────────────────────────────────────────────
	sched := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger:     log,
		Timezone:   cfg.App.Location,
		InstanceID: cfg.App.InstanceID,
	})
	if cfg.Scheduler.Enabled {
		if err := registerServerJobs(sched, cfg, registry, device, log); err != nil {
			return fmt.Errorf("failed to register jobs: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				log.Warn("scheduler stop", "error", err)
			}
		}()
		stats["scheduler"] = func() any { return sched.Metrics().Snapshot() }
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 9. HTTP СЕРВЕР
	// ─────────────────────────────────────────────────────────────────────────
	server, err := httpapi.NewServer(httpConfig(cfg), httpapi.Dependencies{
		Sessions:   manager,
		Progress:   query.NewGetProgressHandler(durableStore, localStore, rules, clock),
		DailyTasks: query.NewGetDailyTasksHandler(rules, clock),
		Hub:        hub,
		Health:     checker,
		Stats:      stats,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}
	serverErr := server.StartAsync()

	log.Info("PulsePoint server is running",
		"address", httpConfig(cfg).Address(),
		"durable", durableStore != nil,
		"redis", redisCache != nil,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 10. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			log.Error("http server failed", "error", err)
			return err
		}
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("http shutdown", "error", err)
	}
	for _, s := range registry.Sessions() {
		_ = manager.Logout(s.ID())
	}

	log.Info("shutdown completed successfully")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// WIRING
// ══════════════════════════════════════════════════════════════════════════════

func registerServerJobs(sched *scheduler.Scheduler, cfg *config.Config, registry *session.Registry, device *local.DeviceStore, log *slog.Logger) error {
	now := func() time.Time { return time.Now().UTC() }

	if err := sched.Register(jobs.NewHeartTickJob(registry, log), cfg.Scheduler.HeartTickInterval, cfg.Scheduler.JobTimeout); err != nil {
		return err
	}
	if err := sched.Register(jobs.NewEvictIdleSessionsJob(registry, now, log), cfg.Scheduler.EvictIdleInterval, cfg.Scheduler.JobTimeout); err != nil {
		return err
	}

	// Устройство есть только у сервера; durable-история чистится воркером.
	if device != nil {
		purge := jobs.NewPurgeHistoryJob(nil, device, purgeConfig(cfg), now, log)
		if err := sched.Register(purge, cfg.Scheduler.PurgeInterval, cfg.Scheduler.JobTimeout); err != nil {
			return err
		}
	}
	return nil
}

func postgresConfig(cfg *config.Config) postgres.Config {
	pg := postgres.DefaultConfig()
	pg.URL = cfg.Database.URL
	pg.MaxConns = int32(cfg.Database.MaxConns)
	pg.MinConns = int32(cfg.Database.MinConns)
	pg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	pg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
	pg.ConnectTimeout = cfg.Database.ConnectTimeout
	return pg
}

func redisConfig(cfg *config.Config) redis.Config {
	rc := redis.DefaultConfig()
	rc.URL = cfg.Redis.URL
	rc.Host = cfg.Redis.Host
	rc.Port = cfg.Redis.Port
	rc.Password = cfg.Redis.Password
	rc.DB = cfg.Redis.DB
	rc.PoolSize = cfg.Redis.PoolSize
	rc.MinIdleConns = cfg.Redis.MinIdleConns
	rc.DialTimeout = cfg.Redis.DialTimeout
	rc.ReadTimeout = cfg.Redis.ReadTimeout
	rc.WriteTimeout = cfg.Redis.WriteTimeout
	rc.KeyPrefix = cfg.Redis.KeyPrefix
	return rc
}

func httpConfig(cfg *config.Config) httpapi.Config {
	hc := httpapi.DefaultConfig()
	hc.Host = cfg.HTTP.Host
	hc.Port = cfg.HTTP.Port
	hc.ReadTimeout = cfg.HTTP.ReadTimeout
	hc.WriteTimeout = cfg.HTTP.WriteTimeout
	hc.IdleTimeout = cfg.HTTP.IdleTimeout
	hc.MaxBodyBytes = cfg.HTTP.MaxBodyBytes
	hc.AllowedOrigins = cfg.HTTP.AllowedOrigins
	hc.CookieSecret = cfg.HTTP.CookieSecret
	hc.CookieName = cfg.HTTP.CookieName
	hc.CookieSecure = cfg.HTTP.CookieSecure
	hc.CookieMaxAge = cfg.HTTP.CookieMaxAge
	hc.APIKeyHeader = cfg.HTTP.APIKeyHeader
	hc.APIKeys = cfg.HTTP.APIKeys
	hc.EnableMetrics = cfg.HTTP.EnableMetrics
	return hc
}

func purgeConfig(cfg *config.Config) jobs.PurgeConfig {
	pc := jobs.DefaultPurgeConfig()
	pc.TaskHistoryDays = cfg.Scheduler.TaskHistoryDays
	pc.AppliedEventsRetention = time.Duration(cfg.Scheduler.AppliedEventsDays) * 24 * time.Hour
	pc.DeviceKeyRetention = time.Duration(cfg.Scheduler.DeviceKeysDays) * 24 * time.Hour
	return pc
}

func retryPolicy(cfg *config.Config) retry.Policy {
	p := retry.PersistencePolicy()
	p.MaxAttempts = cfg.Session.RetryAttempts
	p.InitialDelay = cfg.Session.RetryInitialDelay
	p.MaxDelay = cfg.Session.RetryMaxDelay
	return p
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// setupLogger настраивает структурированное логирование.
func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Observability.LogLevel)}
	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
	}

	if cfg.Observability.LogFormat == "json" && !cfg.IsDevelopment() {
		// JSON для агрегаторов логов
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)

	return log
}

func slogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
