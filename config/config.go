package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers
const (
	DriverPocketBase = "pocketbase"
	DriverPostgres   = "postgres"
	DriverMemory     = "memory"
)

type Config struct {
	HTTPAddr    string
	StoreDriver string

	// PocketBase External Server
	PocketBaseURL   string // PocketBase server URL (e.g., http://192.168.100.100:8090)
	PocketBaseToken string // Auth token for API access

	DatabaseURL string
	RedisURL    string // empty keeps cache and queue in memory

	// Telegram Bot
	TelegramBotToken string
	AuthorizedChatID string
	AppBaseURL       string // prefix for deep links in notifications

	// Verification rules
	AttendanceThreshold float64
	DefaultRoundCount   int
	DefaultTolerance    time.Duration
	MinSignalStrength   int
	MaxSpeedMps         float64
	TeleportDistanceM   float64
	TeleportMaxElapsed  time.Duration
	OverdueAfter        time.Duration
	ReminderWindow      time.Duration

	// Queue
	QueueMaxAttempts  int
	QueueRetryBackoff time.Duration
	QueueWorkers      int

	// Cron specs
	SweepSchedule    string
	ReminderSchedule string
}

func LoadConfig() (*Config, error) {
	cwd, _ := os.Getwd()
	log.Printf("Current working directory: %s", cwd)

	err := godotenv.Load()
	if err != nil {
		log.Printf("godotenv.Load() error: %v", err)
	}

	return FromEnv(), nil
}

// FromEnv reads the configuration from the process environment
func FromEnv() *Config {
	// Get PocketBase URL
	pbURL := os.Getenv("POCKETBASE_URL")
	if pbURL == "" {
		pbURL = "http://127.0.0.1:8090"
	}

	driver := strings.ToLower(getEnv("STORE_DRIVER", DriverPocketBase))
	switch driver {
	case DriverPocketBase, DriverPostgres, DriverMemory:
	default:
		log.Printf("⚠️ Unknown STORE_DRIVER %q, using %s", driver, DriverMemory)
		driver = DriverMemory
	}

	return &Config{
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		StoreDriver:         driver,
		PocketBaseURL:       pbURL,
		PocketBaseToken:     os.Getenv("POCKETBASE_TOKEN"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		TelegramBotToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		AuthorizedChatID:    os.Getenv("AUTHORIZED_CHAT_ID"),
		AppBaseURL:          os.Getenv("APP_BASE_URL"),
		AttendanceThreshold: getEnvFloat("ATTENDANCE_THRESHOLD", 75),
		DefaultRoundCount:   getEnvInt("DEFAULT_ROUND_COUNT", 3),
		DefaultTolerance:    time.Duration(getEnvInt("DEFAULT_TOLERANCE_MINUTES", 15)) * time.Minute,
		MinSignalStrength:   getEnvInt("MIN_SIGNAL_STRENGTH", -70),
		MaxSpeedMps:         getEnvFloat("MAX_SPEED_MPS", 55),
		TeleportDistanceM:   getEnvFloat("TELEPORT_DISTANCE_M", 1000),
		TeleportMaxElapsed:  getEnvDuration("TELEPORT_MAX_ELAPSED", 5*time.Second),
		OverdueAfter:        getEnvDuration("OVERDUE_AFTER", 30*time.Minute),
		ReminderWindow:      getEnvDuration("REMINDER_WINDOW", 15*time.Minute),
		QueueMaxAttempts:    getEnvInt("QUEUE_MAX_ATTEMPTS", 5),
		QueueRetryBackoff:   getEnvDuration("QUEUE_RETRY_BACKOFF", 2*time.Second),
		QueueWorkers:        getEnvInt("QUEUE_WORKERS", 4),
		SweepSchedule:       getEnv("SWEEP_SCHEDULE", "@every 1m"),
		ReminderSchedule:    getEnv("REMINDER_SCHEDULE", "@every 1m"),
	}
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Printf("⚠️ Invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		log.Printf("⚠️ Invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90")
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	log.Printf("⚠️ Invalid %s=%q, using %s", key, v, fallback)
	return fallback
}
