package app

import (
	"time"

	"github.com/joho/godotenv"

	"github.com/yungbote/interception-backend/internal/platform/envutil"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

type Config struct {
	HTTPAddr    string
	MetricsAddr string
	Environment string
	Version     string

	// InferenceConfigPath is passed to config.Load; empty means the
	// INTERCEPTION_CONFIG_PATH / ./config lookup.
	InferenceConfigPath string

	DefinitionsPath     string
	DefinitionsWatch    bool
	DefinitionsDebounce time.Duration
	RunsPath            string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	DatabaseURL string
	SQLitePath  string

	JanitorSchedule   string
	JanitorStaleAfter time.Duration

	ShutdownTimeout time.Duration
}

// LoadConfig reads an optional .env and then the environment.
func LoadConfig(log *logger.Logger) Config {
	if err := godotenv.Load(); err == nil {
		log.Info("Loaded .env")
	}
	cfg := Config{
		HTTPAddr:    envutil.String("HTTP_ADDR", ":8080"),
		MetricsAddr: envutil.String("METRICS_ADDR", ""),
		Environment: envutil.String("APP_ENV", "development"),
		Version:     envutil.String("APP_VERSION", "dev"),

		InferenceConfigPath: envutil.String("INTERCEPTION_CONFIG_PATH", ""),

		DefinitionsPath:     envutil.String("DEFINITIONS_PATH", "definitions"),
		DefinitionsWatch:    envutil.Bool("DEFINITIONS_WATCH", false),
		DefinitionsDebounce: envutil.Duration("DEFINITIONS_WATCH_DEBOUNCE", 500*time.Millisecond),
		RunsPath:            envutil.String("RUNS_PATH", "runs"),

		RedisAddr:     envutil.String("REDIS_ADDR", ""),
		RedisPassword: envutil.String("REDIS_PASSWORD", ""),
		RedisDB:       envutil.Int("REDIS_DB", 0),
		RedisChannel:  envutil.String("REDIS_CHANNEL", ""),

		DatabaseURL: envutil.String("DATABASE_URL", ""),
		SQLitePath:  envutil.String("SQLITE_PATH", ""),

		JanitorSchedule:   envutil.String("JANITOR_SCHEDULE", "@every 10m"),
		JanitorStaleAfter: envutil.Duration("JANITOR_STALE_AFTER", time.Hour),

		ShutdownTimeout: envutil.Duration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
	log.Info("Service config loaded",
		"http_addr", cfg.HTTPAddr,
		"definitions", cfg.DefinitionsPath,
		"runs", cfg.RunsPath,
		"redis", cfg.RedisAddr != "",
		"run_index", cfg.DatabaseURL != "" || cfg.SQLitePath != "",
	)
	return cfg
}
