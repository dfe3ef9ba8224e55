package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/makeasinger/jobengine/internal/model"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Progress  ProgressConfig
	Upload    UploadConfig
	Storage   StorageConfig
	R2        R2Config
	Minio     MinioConfig
	Metadata  MetadataConfig
	Postgres  PostgresConfig
	Pipeline  PipelineConfig
	NATS      NATSConfig
	Finalize  FinalizeConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type ZitadelConfig struct {
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	SubmitPerHour int
}

type QueueConfig struct {
	Name      string
	Retention time.Duration
}

// Cleanup policies for job work directories
const (
	CleanupOnSuccess  = "on_success"
	CleanupOnTerminal = "on_terminal"
	CleanupNever      = "never"
)

type WorkerConfig struct {
	Concurrency        int
	PollInterval       time.Duration
	MaxPollInterval    time.Duration
	ShutdownTimeout    time.Duration
	PipelineAttempts   int
	PipelineRetryDelay time.Duration
	WorkDir            string
	Cleanup            string
	StageOrder         []string
}

type ProgressConfig struct {
	WriteAttempts    int
	TerminalAttempts int
	CASAttempts      int
}

type UploadConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	SignedURLTTL time.Duration
	QualityTag   string
}

// Storage backends
const (
	StorageR2    = "r2"
	StorageMinio = "minio"
)

type StorageConfig struct {
	Backend string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

// Metadata backends
const (
	MetadataRedis    = "redis"
	MetadataPostgres = "postgres"
)

type MetadataConfig struct {
	Backend     string
	FFprobePath string
}

type PostgresConfig struct {
	DSN string
}

// Pipeline modes
const (
	PipelineMock = "mock"
	PipelineHTTP = "http"
)

type PipelineConfig struct {
	Mode          string
	ServiceURL    string
	APIKey        string
	PollInterval  time.Duration
	Timeout       time.Duration
	MockStepDelay time.Duration
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

type FinalizeConfig struct {
	Queue    string
	MaxRetry int
}

func Load() (*Config, error) {
	// Local development convenience; a missing .env is not an error
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("MINIO_ACCESS_KEY")
	readSecret("MINIO_SECRET_KEY")
	readSecret("POSTGRES_DSN")
	readSecret("PIPELINE_API_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	return fromViper(v), nil
}

var envBindings = map[string]string{
	"server.port":                 "SERVER_PORT",
	"server.env":                  "SERVER_ENV",
	"server.log_level":            "LOG_LEVEL",
	"server.log_format":           "LOG_FORMAT",
	"redis.addr":                  "REDIS_ADDR",
	"redis.password":              "REDIS_PASSWORD",
	"redis.db":                    "REDIS_DB",
	"jwt.secret":                  "JWT_SECRET",
	"zitadel.client_id":           "ZITADEL_CLIENT_ID",
	"zitadel.issuer":              "ZITADEL_ISSUER",
	"gateway.enabled":             "GATEWAY_ENABLED",
	"ratelimit.submit_per_hour":   "RATELIMIT_SUBMIT_PER_HOUR",
	"queue.name":                  "QUEUE_NAME",
	"queue.retention":             "QUEUE_RETENTION",
	"worker.concurrency":          "WORKER_CONCURRENCY",
	"worker.poll_interval":        "WORKER_POLL_INTERVAL",
	"worker.max_poll_interval":    "WORKER_MAX_POLL_INTERVAL",
	"worker.shutdown_timeout":     "WORKER_SHUTDOWN_TIMEOUT",
	"worker.pipeline_attempts":    "WORKER_PIPELINE_ATTEMPTS",
	"worker.pipeline_retry_delay": "WORKER_PIPELINE_RETRY_DELAY",
	"worker.work_dir":             "WORKER_WORK_DIR",
	"worker.cleanup":              "WORKER_CLEANUP",
	"worker.stage_order":          "WORKER_STAGE_ORDER",
	"progress.write_attempts":     "PROGRESS_WRITE_ATTEMPTS",
	"progress.terminal_attempts":  "PROGRESS_TERMINAL_ATTEMPTS",
	"progress.cas_attempts":       "PROGRESS_CAS_ATTEMPTS",
	"upload.max_attempts":         "UPLOAD_MAX_ATTEMPTS",
	"upload.base_delay":           "UPLOAD_BASE_DELAY",
	"upload.max_delay":            "UPLOAD_MAX_DELAY",
	"upload.signed_url_ttl":       "UPLOAD_SIGNED_URL_TTL",
	"upload.quality_tag":          "UPLOAD_QUALITY_TAG",
	"storage.backend":             "STORAGE_BACKEND",
	"r2.account_id":               "R2_ACCOUNT_ID",
	"r2.access_key_id":            "R2_ACCESS_KEY_ID",
	"r2.secret_access_key":        "R2_SECRET_ACCESS_KEY",
	"r2.bucket_name":              "R2_BUCKET_NAME",
	"r2.public_url":               "R2_PUBLIC_URL",
	"minio.endpoint":              "MINIO_ENDPOINT",
	"minio.access_key":            "MINIO_ACCESS_KEY",
	"minio.secret_key":            "MINIO_SECRET_KEY",
	"minio.bucket":                "MINIO_BUCKET",
	"minio.use_ssl":               "MINIO_USE_SSL",
	"minio.public_url":            "MINIO_PUBLIC_URL",
	"metadata.backend":            "METADATA_BACKEND",
	"metadata.ffprobe_path":       "FFPROBE_PATH",
	"postgres.dsn":                "POSTGRES_DSN",
	"pipeline.mode":               "PIPELINE_MODE",
	"pipeline.service_url":        "PIPELINE_SERVICE_URL",
	"pipeline.api_key":            "PIPELINE_API_KEY",
	"pipeline.poll_interval":      "PIPELINE_POLL_INTERVAL",
	"pipeline.timeout":            "PIPELINE_TIMEOUT",
	"pipeline.mock_step_delay":    "PIPELINE_MOCK_STEP_DELAY",
	"nats.url":                    "NATS_URL",
	"nats.subject_prefix":         "NATS_SUBJECT_PREFIX",
	"finalize.queue":              "FINALIZE_QUEUE",
	"finalize.max_retry":          "FINALIZE_MAX_RETRY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "console")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.submit_per_hour", 20)

	// Queue and job retention
	v.SetDefault("queue.name", "generation")
	v.SetDefault("queue.retention", 7*24*time.Hour)

	// Worker defaults
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.max_poll_interval", 10*time.Second)
	v.SetDefault("worker.shutdown_timeout", 60*time.Second)
	v.SetDefault("worker.pipeline_attempts", 2)
	v.SetDefault("worker.pipeline_retry_delay", 5*time.Second)
	v.SetDefault("worker.work_dir", filepath.Join(os.TempDir(), "jobengine"))
	v.SetDefault("worker.cleanup", CleanupOnTerminal)
	v.SetDefault("worker.stage_order", strings.Join(model.DefaultStageOrder, ","))

	v.SetDefault("progress.write_attempts", 3)
	v.SetDefault("progress.terminal_attempts", 10)
	v.SetDefault("progress.cas_attempts", 16)

	// Upload defaults
	v.SetDefault("upload.max_attempts", 3)
	v.SetDefault("upload.base_delay", time.Second)
	v.SetDefault("upload.max_delay", 30*time.Second)
	v.SetDefault("upload.signed_url_ttl", 24*time.Hour)
	v.SetDefault("upload.quality_tag", "")

	// Storage defaults
	v.SetDefault("storage.backend", StorageR2)
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.access_key", "minioadmin")
	v.SetDefault("minio.secret_key", "minioadmin")
	v.SetDefault("minio.bucket", "videos")
	v.SetDefault("minio.use_ssl", false)

	v.SetDefault("metadata.backend", MetadataRedis)
	v.SetDefault("metadata.ffprobe_path", "ffprobe")

	// Pipeline defaults
	v.SetDefault("pipeline.mode", PipelineMock)
	v.SetDefault("pipeline.service_url", "http://localhost:8090")
	v.SetDefault("pipeline.poll_interval", 3*time.Second)
	v.SetDefault("pipeline.timeout", time.Duration(0))
	v.SetDefault("pipeline.mock_step_delay", 2*time.Second)

	v.SetDefault("nats.subject_prefix", "jobs")

	v.SetDefault("finalize.queue", "finalize")
	v.SetDefault("finalize.max_retry", 25)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			LogFormat: v.GetString("server.log_format"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		Zitadel: ZitadelConfig{
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: v.GetInt("ratelimit.submit_per_hour"),
		},
		Queue: QueueConfig{
			Name:      v.GetString("queue.name"),
			Retention: v.GetDuration("queue.retention"),
		},
		Worker: WorkerConfig{
			Concurrency:        v.GetInt("worker.concurrency"),
			PollInterval:       v.GetDuration("worker.poll_interval"),
			MaxPollInterval:    v.GetDuration("worker.max_poll_interval"),
			ShutdownTimeout:    v.GetDuration("worker.shutdown_timeout"),
			PipelineAttempts:   v.GetInt("worker.pipeline_attempts"),
			PipelineRetryDelay: v.GetDuration("worker.pipeline_retry_delay"),
			WorkDir:            v.GetString("worker.work_dir"),
			Cleanup:            v.GetString("worker.cleanup"),
			StageOrder:         splitList(v.GetString("worker.stage_order")),
		},
		Progress: ProgressConfig{
			WriteAttempts:    v.GetInt("progress.write_attempts"),
			TerminalAttempts: v.GetInt("progress.terminal_attempts"),
			CASAttempts:      v.GetInt("progress.cas_attempts"),
		},
		Upload: UploadConfig{
			MaxAttempts:  v.GetInt("upload.max_attempts"),
			BaseDelay:    v.GetDuration("upload.base_delay"),
			MaxDelay:     v.GetDuration("upload.max_delay"),
			SignedURLTTL: v.GetDuration("upload.signed_url_ttl"),
			QualityTag:   v.GetString("upload.quality_tag"),
		},
		Storage: StorageConfig{
			Backend: v.GetString("storage.backend"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Minio: MinioConfig{
			Endpoint:  v.GetString("minio.endpoint"),
			AccessKey: v.GetString("minio.access_key"),
			SecretKey: v.GetString("minio.secret_key"),
			Bucket:    v.GetString("minio.bucket"),
			UseSSL:    v.GetBool("minio.use_ssl"),
			PublicURL: v.GetString("minio.public_url"),
		},
		Metadata: MetadataConfig{
			Backend:     v.GetString("metadata.backend"),
			FFprobePath: v.GetString("metadata.ffprobe_path"),
		},
		Postgres: PostgresConfig{
			DSN: v.GetString("postgres.dsn"),
		},
		Pipeline: PipelineConfig{
			Mode:          v.GetString("pipeline.mode"),
			ServiceURL:    v.GetString("pipeline.service_url"),
			APIKey:        v.GetString("pipeline.api_key"),
			PollInterval:  v.GetDuration("pipeline.poll_interval"),
			Timeout:       v.GetDuration("pipeline.timeout"),
			MockStepDelay: v.GetDuration("pipeline.mock_step_delay"),
		},
		NATS: NATSConfig{
			URL:           v.GetString("nats.url"),
			SubjectPrefix: v.GetString("nats.subject_prefix"),
		},
		Finalize: FinalizeConfig{
			Queue:    v.GetString("finalize.queue"),
			MaxRetry: v.GetInt("finalize.max_retry"),
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
