package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"

	"presence-verifier/bot"
	"presence-verifier/config"
	"presence-verifier/internal/cache"
	"presence-verifier/internal/handlers"
	"presence-verifier/internal/models"
	"presence-verifier/internal/queue"
	"presence-verifier/internal/repository"
	"presence-verifier/internal/services"
)

type healthChecker interface {
	Health(ctx context.Context) error
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Println("Config loaded successfully")

	// Create application context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutdown signal received, initiating graceful shutdown...")
		cancel()
	}()

	checks := map[string]handlers.HealthCheck{}

	store, closeStore := initStore(cfg)
	defer closeStore()
	if hc, ok := store.(healthChecker); ok {
		checks["store"] = hc.Health
	}

	kv, tasks, events, redisClient := initInfrastructure(ctx, cfg)
	if redisClient != nil {
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	engine := services.NewAttendanceEngine(store, cache.NewSessionCache(kv), tasks, events, nil, settingsFrom(cfg))

	// Initialize Telegram Bot
	eventsRouter := queue.NewRouter()
	if b, err := initBot(ctx, cfg, engine); err != nil {
		log.Printf("Warning: Failed to init Telegram Bot: %v", err)
		eventsRouter.Handle(models.MsgSessionFinalized, logFinalized)
		eventsRouter.Handle(models.MsgDeadLettered, logDeadLettered)
	} else {
		engine.WithNotifier(b)
		b.Register(eventsRouter)
	}

	// Pipeline workers
	tasksRouter := queue.NewRouter()
	engine.Register(tasksRouter)

	var workers sync.WaitGroup
	for _, w := range []*queue.Worker{
		{Broker: tasks, Router: tasksRouter, DeadLetters: store, Alerts: events, MaxAttempts: cfg.QueueMaxAttempts, Backoff: cfg.QueueRetryBackoff, Concurrency: cfg.QueueWorkers},
		{Broker: events, Router: eventsRouter, DeadLetters: store, MaxAttempts: cfg.QueueMaxAttempts, Backoff: cfg.QueueRetryBackoff, Concurrency: 1},
	} {
		workers.Add(1)
		go func(w *queue.Worker) {
			defer workers.Done()
			w.Run(ctx)
		}(w)
	}

	sweeps, err := engine.StartSweeps(ctx, services.SweepSchedules{
		Sweep:     cfg.SweepSchedule,
		Reminders: cfg.ReminderSchedule,
	})
	if err != nil {
		log.Fatalf("Failed to schedule sweeps: %v", err)
	}

	// Setup HTTP server
	app := fiber.New(fiber.Config{
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           60 * time.Second,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${locals:requestid} ${status} ${latency} ${method} ${path}\n",
	}))

	handlers.NewAttendanceHandler(engine, tasks).Register(app)
	app.Get("/health", handlers.NewHealthHandler(checks).HandleHealth)

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on %s (store=%s)", cfg.HTTPAddr, cfg.StoreDriver)
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	<-sweeps.Stop().Done()
	workers.Wait()
	_ = tasks.Close()
	_ = events.Close()

	log.Println("Server stopped gracefully")
}

// initStore opens the durable store selected by STORE_DRIVER
func initStore(cfg *config.Config) (repository.Store, func()) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pg, err := repository.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open postgres: %v", err)
		}
		return pg, func() {
			if err := pg.Close(); err != nil {
				log.Printf("Postgres close error: %v", err)
			}
		}
	case config.DriverMemory:
		log.Println("⚠️ Using in-memory store, data is lost on restart")
		return repository.NewMemoryStore(), func() {}
	default:
		return repository.NewPocketBaseStore(cfg.PocketBaseURL, cfg.PocketBaseToken), func() {}
	}
}

// initInfrastructure connects the cache and brokers to Redis, or keeps them in memory
func initInfrastructure(ctx context.Context, cfg *config.Config) (cache.Store, queue.Broker, queue.Broker, *redis.Client) {
	if cfg.RedisURL != "" {
		client, err := cache.OpenRedis(ctx, cfg.RedisURL)
		if err == nil {
			log.Println("✅ Redis connected, cache and queues are shared")
			return cache.NewRedisStore(client), queue.NewRedisBroker(client, "tasks"), queue.NewRedisBroker(client, "events"), client
		}
		log.Printf("⚠️ Redis unavailable, falling back to memory: %v", err)
	}
	return cache.NewMemoryStore(), queue.NewMemoryBroker(1024), queue.NewMemoryBroker(256), nil
}

// initBot initializes the Telegram bot
func initBot(ctx context.Context, cfg *config.Config, query services.AttendanceQuery) (*bot.Bot, error) {
	if cfg.TelegramBotToken == "" {
		return nil, errors.New("TELEGRAM_BOT_TOKEN not set")
	}
	b, err := bot.Init(cfg.TelegramBotToken, query, cfg.AuthorizedChatID, cfg.AppBaseURL)
	if err != nil {
		return nil, err
	}
	b.StartPolling(ctx)

	log.Println("Telegram Bot Initialized")
	return b, nil
}

func settingsFrom(cfg *config.Config) services.Settings {
	s := services.DefaultSettings()
	s.AttendanceThreshold = cfg.AttendanceThreshold
	s.DefaultRoundCount = cfg.DefaultRoundCount
	s.DefaultTolerance = cfg.DefaultTolerance
	s.OverdueAfter = cfg.OverdueAfter
	s.ReminderWindow = cfg.ReminderWindow
	s.MinSignalStrength = cfg.MinSignalStrength
	s.Anomaly.MaxSpeedMps = cfg.MaxSpeedMps
	s.Anomaly.TeleportDistanceMeters = cfg.TeleportDistanceM
	s.Anomaly.TeleportMaxElapsed = cfg.TeleportMaxElapsed
	return s
}

func logFinalized(ctx context.Context, msg queue.Message) error {
	ev, err := queue.Decode[models.SessionFinalizedEvent](msg)
	if err != nil {
		return err
	}
	log.Printf("🏁 [events] session %s finalized with %d outcomes", ev.SessionID, len(ev.Outcomes))
	return nil
}

func logDeadLettered(ctx context.Context, msg queue.Message) error {
	ev, err := queue.Decode[models.DeadLetterMessage](msg)
	if err != nil {
		return err
	}
	log.Printf("☠️ [events] %s %s dead-lettered after %d attempt(s): %s", ev.OriginalMessageType, ev.OriginalMessageID, ev.Attempts, ev.ErrorMessage)
	return nil
}
