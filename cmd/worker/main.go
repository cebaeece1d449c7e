// Package main - точка входа фонового воркера PulsePoint.
//
// Воркер обслуживает durable-хранилище:
// - Восстановление сердец пользователей, которые давно не заходили
// - Очистка истории задач и ключей идемпотентности
//
// Несколько воркеров могут работать одновременно: при наличии Redis каждая
// задача выполняется только одним из них.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pulsepoint/pulsepoint-progress/config"
	"github.com/pulsepoint/pulsepoint-progress/internal/infrastructure/persistence/postgres"
	"github.com/pulsepoint/pulsepoint-progress/internal/infrastructure/persistence/redis"
	"github.com/pulsepoint/pulsepoint-progress/internal/infrastructure/scheduler"
	"github.com/pulsepoint/pulsepoint-progress/internal/infrastructure/scheduler/jobs"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	once := flag.Bool("once", false, "run every job once and exit")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, *once); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, once bool) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Database.Enabled() {
		return errors.New("DATABASE_URL is required for the worker")
	}
	if cfg.App.InstanceID == "" {
		cfg.App.InstanceID = "worker-" + uuid.NewString()[:8]
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting PulsePoint worker",
		"env", cfg.App.Environment,
		"instance", cfg.App.InstanceID,
		"timezone", cfg.App.Timezone,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ПОДКЛЮЧЕНИЕ К БАЗЕ ДАННЫХ
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("connecting to database...")
	dbConn, err := postgres.NewConnection(ctx, postgresConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		log.Info("closing database connection...")
		dbConn.Close()
	}()

	// Воркер тоже должен видеть актуальную схему.
	if cfg.Database.AutoMigrate {
		log.Info("checking database migrations...")
		if err := postgres.NewMigrator(dbConn).Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	log.Info("database connection established")

	repo := postgres.NewProgressRepository(dbConn, cfg.Rules)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. REDIS ДЛЯ БЛОКИРОВОК (опционально)
	// ─────────────────────────────────────────────────────────────────────────
	var locker scheduler.Locker
	if !cfg.Redis.Disabled {
		log.Info("connecting to Redis...")
		redisCache, err := redis.NewCache(redisConfig(cfg))
		if err != nil {
			log.Warn("failed to connect to Redis, jobs are not coordinated across workers", "error", err)
		} else {
			defer redisCache.Close()
			locker = redisCache
			log.Info("Redis connection established, job locks enabled")
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ПЛАНИРОВЩИК И ЗАДАЧИ
	// ─────────────────────────────────────────────────────────────────────────
	sched := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger:     log,
		Timezone:   cfg.App.Location,
		Locker:     locker,
		InstanceID: cfg.App.InstanceID,
	})
	sched.OnJobError(func(jobName string, err error) {
		log.Error("job failed", "job", jobName, "error", err)
	})

	now := func() time.Time { return time.Now().UTC() }
	sweep := jobs.NewHeartSweepJob(repo, cfg.Rules.Hearts, now, log)
	purge := jobs.NewPurgeHistoryJob(repo, nil, purgeConfig(cfg), now, log)

	if err := sched.Register(sweep, cfg.Scheduler.HeartSweepInterval, cfg.Scheduler.JobTimeout); err != nil {
		return fmt.Errorf("failed to register %s: %w", sweep.Name(), err)
	}
	if err := sched.Register(purge, cfg.Scheduler.PurgeInterval, cfg.Scheduler.JobTimeout); err != nil {
		return fmt.Errorf("failed to register %s: %w", purge.Name(), err)
	}

	if once {
		return runOnce(ctx, sched, log)
	}

	if !cfg.Scheduler.Enabled {
		log.Warn("scheduler disabled, nothing to do")
		return nil
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	for _, job := range sched.ListJobs() {
		log.Info("job scheduled", "job", job.Name, "every", job.Every.String(), "next_run", job.NextRun)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("PulsePoint worker is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())

	// Stop ждёт завершения текущих задач.
	done := make(chan error, 1)
	go func() { done <- sched.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("scheduler stop", "error", err)
		}
	case <-time.After(cfg.App.ShutdownTimeout):
		log.Warn("shutdown timed out, abandoning running jobs")
	}

	m := sched.Metrics().Snapshot()
	log.Info("shutdown completed successfully",
		"executions", m.TotalExecutions,
		"failures", m.TotalFailures,
	)
	return nil
}

// runOnce выполняет все задачи по одному разу (cron снаружи, ручной запуск).
func runOnce(ctx context.Context, sched *scheduler.Scheduler, log *slog.Logger) error {
	var failed []string
	for _, job := range sched.ListJobs() {
		result, err := sched.RunNow(ctx, job.Name)
		if err != nil {
			return err
		}
		switch {
		case result.Skipped:
			log.Info("job skipped, lock held elsewhere", "job", job.Name)
		case !result.Success:
			failed = append(failed, job.Name)
		default:
			log.Info("job completed", "job", job.Name, "duration", result.Duration.String())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("jobs failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

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
	rc.PoolSize = 2
	rc.MinIdleConns = 0
	rc.DialTimeout = cfg.Redis.DialTimeout
	rc.KeyPrefix = cfg.Redis.KeyPrefix
	return rc
}

func purgeConfig(cfg *config.Config) jobs.PurgeConfig {
	pc := jobs.DefaultPurgeConfig()
	pc.TaskHistoryDays = cfg.Scheduler.TaskHistoryDays
	pc.AppliedEventsRetention = time.Duration(cfg.Scheduler.AppliedEventsDays) * 24 * time.Hour
	pc.DeviceKeyRetention = time.Duration(cfg.Scheduler.DeviceKeysDays) * 24 * time.Hour
	return pc
}

// setupLogger настраивает структурированное логирование.
func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	switch {
	case cfg.App.Debug || strings.EqualFold(cfg.Observability.LogLevel, "debug"):
		opts.Level = slog.LevelDebug
	case strings.EqualFold(cfg.Observability.LogLevel, "warn"):
		opts.Level = slog.LevelWarn
	case strings.EqualFold(cfg.Observability.LogLevel, "error"):
		opts.Level = slog.LevelError
	}

	if cfg.IsProduction() {
		// JSON формат для production (лучше для агрегаторов логов)
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)

	return log
}
