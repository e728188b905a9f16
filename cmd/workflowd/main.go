package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/claims-workflow/internal/api"
	"github.com/yourusername/claims-workflow/internal/dashboard"
	"github.com/yourusername/claims-workflow/internal/events"
	"github.com/yourusername/claims-workflow/internal/oracle"
	"github.com/yourusername/claims-workflow/internal/scheduler"
	"github.com/yourusername/claims-workflow/internal/store"
	"github.com/yourusername/claims-workflow/internal/workflow"
)

const version = "1.0.0"

func main() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting claims workflow engine", "version", version)

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Connect to the database
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		slog.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(ctx, getEnv("DATABASE_DRIVER", store.DriverPostgres), databaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.Migrate(ctx, db); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Unique instance id for lock ownership
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	instanceID := fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:6])

	metrics := workflow.NewMetrics(prometheus.DefaultRegisterer)

	// Outbound events: log + in-process bus, plus NATS when configured
	bus := events.NewBus(getEnvInt("EVENT_HISTORY_SIZE", 1000))
	publishers := events.Multi{events.LogPublisher{}, bus}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsPub, err := events.NewNATSPublisher(events.DefaultNATSConfig(natsURL))
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsPub.Close()
		publishers = append(publishers, natsPub)
		slog.Info("publishing events to NATS", "url", natsURL)
	}

	agg, err := workflow.NewAggregator(store.Sources(db)...)
	if err != nil {
		slog.Error("failed to build aggregator", "error", err)
		os.Exit(1)
	}
	directory := store.NewHandlerStore(db)
	assignments := store.NewAssignmentStore(db)
	overrides := workflow.NewOverrides()
	scorer := workflow.NewScorer(workflow.NewSLATable(cfg.SLAHours), overrides)
	capacity := workflow.NewCapacityTracker(cfg, directory, assignments)

	engineOpts := []workflow.EngineOption{
		workflow.WithPublisher(publishers),
		workflow.WithMetrics(metrics),
	}
	if cfg.OracleURL != "" {
		engineOpts = append(engineOpts, workflow.WithOracle(oracle.NewClient(cfg.OracleURL, cfg.OracleTimeout)))
		slog.Info("scoring oracle enabled", "url", cfg.OracleURL, "timeout", cfg.OracleTimeout)
	}
	engine := workflow.NewEngine(cfg, agg, scorer, capacity, assignments, engineOpts...)
	monitor := workflow.NewMonitor(engine, directory)

	// Scheduler with the configured pool lock
	lockBackend := getEnv("LOCK_BACKEND", "memory")
	locker, closeLocker, err := newLocker(lockBackend, db, instanceID)
	if err != nil {
		slog.Error("failed to create pool lock", "backend", lockBackend, "error", err)
		os.Exit(1)
	}
	defer closeLocker()

	sched := scheduler.New(locker, scheduler.WithObserver(metrics))
	jobs := []scheduler.Job{
		{
			Name:      workflow.JobAutoAssign,
			Schedule:  cfg.AutoAssignSchedule,
			Exclusive: true,
			Run: func(ctx context.Context) (any, error) {
				return engine.Run(ctx, workflow.RunOptions{})
			},
		},
		{
			Name:      workflow.JobSLASweep,
			Schedule:  cfg.SLASweepSchedule,
			Exclusive: true,
			Run: func(ctx context.Context) (any, error) {
				return monitor.Sweep(ctx)
			},
		},
		{
			Name:     workflow.JobDigest,
			Schedule: cfg.DigestSchedule,
			Run: func(ctx context.Context) (any, error) {
				return monitor.Digest(ctx)
			},
		},
	}
	for _, job := range jobs {
		if err := sched.Register(job); err != nil {
			slog.Error("failed to register job", "job", job.Name, "error", err)
			os.Exit(1)
		}
	}

	service := workflow.NewService(engine, monitor, directory, overrides, workflow.WithRunner(sched))

	// HTTP control plane
	if logLevel != slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.NewHandler(service, bus), prometheus.DefaultGatherer, api.Info{
		Version:     version,
		InstanceID:  instanceID,
		LockBackend: lockBackend,
	})
	dashboard.NewHandler(dashboard.NewService(service)).Mount(router)
	httpServer := &http.Server{
		Addr:              ":" + getEnv("HTTP_PORT", "8080"),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("control plane listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			cancel()
		}
	}()

	go func() {
		if err := sched.Start(ctx); err != nil && err != context.Canceled {
			slog.Error("scheduler error", "error", err)
			cancel()
		}
	}()

	// Optionally run one assignment pass right away
	if getEnvBool("RUN_ON_START", false) {
		go func() {
			if _, err := service.TriggerAutoAssign(ctx); err != nil {
				slog.Error("initial assignment pass failed", "error", err)
			}
		}()
	}

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutdown signal received")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second))
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("shutdown complete")
}

// loadConfig reads the optional YAML file and applies env overrides
func loadConfig() (*workflow.Config, error) {
	cfg, err := workflow.LoadConfigFile(os.Getenv("WORKFLOW_CONFIG"))
	if err != nil {
		return nil, err
	}

	cfg.OracleURL = getEnv("ORACLE_URL", cfg.OracleURL)
	cfg.OracleTimeout = getEnvDuration("ORACLE_TIMEOUT", cfg.OracleTimeout)
	cfg.AutoAssignSchedule = getEnv("AUTO_ASSIGN_SCHEDULE", cfg.AutoAssignSchedule)
	cfg.SLASweepSchedule = getEnv("SLA_SWEEP_SCHEDULE", cfg.SLASweepSchedule)
	cfg.DigestSchedule = getEnv("DIGEST_SCHEDULE", cfg.DigestSchedule)
	cfg.AlertCooldown = getEnvDuration("ALERT_COOLDOWN", cfg.AlertCooldown)

	return cfg, cfg.Validate()
}

func newLocker(backend string, db *sql.DB, instanceID string) (scheduler.Locker, func(), error) {
	term := getEnvDuration("LOCK_TERM", 2*time.Minute)

	switch backend {
	case "memory":
		return scheduler.NewMemoryLocker(), func() {}, nil
	case "sql":
		return scheduler.NewSQLLocker(db, instanceID, term), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return scheduler.NewRedisLocker(client, "claims-workflow:", term), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", backend)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
