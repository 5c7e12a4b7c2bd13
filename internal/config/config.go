package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the AR service.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Queue       QueueConfig
	Worker      WorkerConfig
	Compiler    CompilerConfig
	Storage     StorageConfig
	Webhook     WebhookConfig
	Viewer      ViewerConfig
	Maintenance MaintenanceConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	LogLevel           string
	CORSAllowedOrigins []string
	RateLimitPerMinute int
	MaxBodyBytes       int64
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional. Without a URL rate limits and the status cache are
// kept in process, per replica.
type RedisConfig struct {
	URL            string
	StatusCacheTTL time.Duration
}

type QueueConfig struct {
	Backend      string
	Name         string
	NATSURL      string
	NATSStream   string
	RetryLimit   int
	RetryDelay   time.Duration
	ExpireIn     time.Duration
	PollInterval time.Duration
}

type WorkerConfig struct {
	Concurrency int
}

type CompilerConfig struct {
	Mode        string
	Command     string
	Args        []string
	Timeout     time.Duration
	MaxParallel int
}

type StorageConfig struct {
	ARStoragePath string
	UploadsPath   string
}

type WebhookConfig struct {
	Enabled    bool
	BackendURL string
	Secret     string
	Timeout    time.Duration
}

type ViewerConfig struct {
	PublicBaseURL string
}

type MaintenanceConfig struct {
	DemoCleanupSchedule string
	ReconcileInterval   time.Duration
	ReconcileAfter      time.Duration
	QueuePurgeSchedule  string
	QueueRetentionDays  int
}

const (
	QueueBackendPostgres = "postgres"
	QueueBackendNATS     = "nats"
	QueueBackendMemory   = "memory"

	CompilerModeExec = "exec"
	CompilerModeDev  = "dev"
)

var validQueueBackends = map[string]bool{
	QueueBackendPostgres: true,
	QueueBackendNATS:     true,
	QueueBackendMemory:   true,
}

var validCompilerModes = map[string]bool{
	CompilerModeExec: true,
	CompilerModeDev:  true,
}

// Load reads configuration from environment variables (and a .env file when
// present) and returns a validated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("PORT", 5001),
			Env:                envString("NODE_ENV", envString("APP_ENV", "development")),
			LogLevel:           envString("LOG_LEVEL", "info"),
			CORSAllowedOrigins: envList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 30),
			MaxBodyBytes:       int64(envInt("MAX_BODY_BYTES", 10<<20)),
		},
		Database: DatabaseConfig{
			URL:             envString("AR_DATABASE_URL", os.Getenv("DATABASE_URL")),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:            os.Getenv("REDIS_URL"),
			StatusCacheTTL: envDuration("STATUS_CACHE_TTL", 10*time.Minute),
		},
		Queue: QueueConfig{
			Backend:      envString("QUEUE_BACKEND", QueueBackendPostgres),
			Name:         envString("QUEUE_NAME", "ar-compile"),
			NATSURL:      os.Getenv("NATS_URL"),
			NATSStream:   envString("NATS_STREAM", "AR_JOBS"),
			RetryLimit:   envInt("QUEUE_RETRY_LIMIT", 3),
			RetryDelay:   envDurationSecs("QUEUE_RETRY_DELAY_SECS", 60*time.Second),
			ExpireIn:     envDurationSecs("QUEUE_EXPIRE_IN_SECS", 600*time.Second),
			PollInterval: envDuration("QUEUE_POLL_INTERVAL", 2*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency: envInt("WORKER_CONCURRENCY", 2),
		},
		Compiler: CompilerConfig{
			Mode:        envString("COMPILER_MODE", CompilerModeExec),
			Command:     os.Getenv("COMPILER_COMMAND"),
			Args:        strings.Fields(os.Getenv("COMPILER_ARGS")),
			Timeout:     envDuration("COMPILER_TIMEOUT", 9*time.Minute),
			MaxParallel: envInt("COMPILER_MAX_PARALLEL", 0),
		},
		Storage: StorageConfig{
			ARStoragePath: envString("AR_STORAGE_PATH", "./storage/ar"),
			UploadsPath:   envString("SHARED_UPLOADS_PATH", "./storage/uploads"),
		},
		Webhook: WebhookConfig{
			Enabled:    envBool("ENABLE_WEBHOOKS", false),
			BackendURL: envString("BACKEND_URL", "http://localhost:5000"),
			Secret:     os.Getenv("BACKEND_WEBHOOK_SECRET"),
			Timeout:    envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Viewer: ViewerConfig{
			PublicBaseURL: strings.TrimRight(
				envString("TUNNEL_URL", envString("FRONTEND_URL", "http://localhost:5000")), "/"),
		},
		Maintenance: MaintenanceConfig{
			DemoCleanupSchedule: envString("DEMO_CLEANUP_SCHEDULE", "0 */6 * * *"),
			ReconcileInterval:   envDuration("RECONCILE_INTERVAL", 5*time.Minute),
			ReconcileAfter:      envDuration("RECONCILE_AFTER", 10*time.Minute),
			QueuePurgeSchedule:  envString("QUEUE_PURGE_SCHEDULE", "30 3 * * *"),
			QueueRetentionDays:  envInt("QUEUE_RETENTION_DAYS", 7),
		},
	}

	if cfg.Compiler.MaxParallel <= 0 {
		cfg.Compiler.MaxParallel = cfg.Worker.Concurrency
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("AR_DATABASE_URL is required")
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if !validQueueBackends[c.Queue.Backend] {
		return fmt.Errorf("QUEUE_BACKEND must be one of postgres, nats, memory; got %q", c.Queue.Backend)
	}
	if c.Queue.Backend == QueueBackendNATS && c.Queue.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required when QUEUE_BACKEND is nats")
	}
	if c.Queue.RetryLimit < 0 {
		return fmt.Errorf("QUEUE_RETRY_LIMIT must be >= 0, got %d", c.Queue.RetryLimit)
	}
	if c.Queue.ExpireIn <= 0 {
		return fmt.Errorf("QUEUE_EXPIRE_IN_SECS must be positive")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.Worker.Concurrency)
	}

	if !validCompilerModes[c.Compiler.Mode] {
		return fmt.Errorf("COMPILER_MODE must be one of exec, dev; got %q", c.Compiler.Mode)
	}
	if c.Compiler.Mode == CompilerModeExec && c.Compiler.Command == "" {
		return fmt.Errorf("COMPILER_COMMAND is required when COMPILER_MODE is exec")
	}
	if c.Compiler.Timeout >= c.Queue.ExpireIn {
		return fmt.Errorf("COMPILER_TIMEOUT (%s) must be shorter than the queue expiry (%s)",
			c.Compiler.Timeout, c.Queue.ExpireIn)
	}

	if c.Maintenance.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.Maintenance.QueueRetentionDays < 1 {
		return fmt.Errorf("QUEUE_RETENTION_DAYS must be >= 1, got %d", c.Maintenance.QueueRetentionDays)
	}

	if c.Webhook.Enabled {
		if !strings.HasPrefix(c.Webhook.BackendURL, "http://") && !strings.HasPrefix(c.Webhook.BackendURL, "https://") {
			return fmt.Errorf("BACKEND_URL must start with http:// or https://, got %q", c.Webhook.BackendURL)
		}
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
