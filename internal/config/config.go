package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// FileEnvVar names the optional YAML file consulted before the environment.
// The file is a flat map using the same keys as the environment variables.
const FileEnvVar = "MESHDROP_CONFIG_FILE"

// MaxSignedURLTTL is the longest expiry a SigV4 presigned URL may carry.
const MaxSignedURLTTL = 7 * 24 * time.Hour

// Config aggregates runtime configuration for the meshdrop API.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	MinIO    MinIOConfig
	S3       S3Config
	Postgres PostgresConfig
	Redis    RedisConfig
	Upload   UploadConfig
	Metrics  MetricsConfig
	Tracing  TracingConfig
}

// ServerConfig parameterizes the HTTP server.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Address returns the listen address in host:port form.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Storage and session store drivers.
const (
	StorageDriverMinIO = "minio"
	StorageDriverS3    = "s3"

	SessionDriverPostgres = "postgres"
	SessionDriverRedis    = "redis"
)

// StorageConfig selects the object store and session store backends.
type StorageConfig struct {
	Driver        string
	SessionDriver string
}

// MinIOConfig carries MinIO connection information.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Region          string
	PublicBaseURL   string
}

// S3Config carries AWS S3 (or S3-compatible) connection information.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	PublicBaseURL   string
	PartSize        int64
}

// PostgresConfig contains PostgreSQL connection details.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
}

// DSN returns the PostgreSQL DSN string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// RedisConfig contains Redis connection details.
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

// Address returns the Redis address in host:port form.
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// UploadConfig groups chunked upload settings.
type UploadConfig struct {
	StagingBucket    string
	FinalBucket      string
	SessionTTL       time.Duration
	SignedURLTTL     time.Duration
	MaxChunkSize     int64
	MaxChunks        int
	FetchConcurrency int
	AssemblyTimeout  time.Duration
	AssemblyLockTTL  time.Duration
	CleanupTimeout   time.Duration
	ReaperInterval   time.Duration
	ReaperBatchSize  int
}

// MetricsConfig groups observability settings.
type MetricsConfig struct {
	PrometheusPath string
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	SampleRatio float64
	ServiceName string
}

// Load reads configuration from the optional YAML file and the environment, applying defaults.
func Load() (Config, error) {
	k := koanf.New(".")

	if path := strings.TrimSpace(os.Getenv(FileEnvVar)); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %q: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	src := source{k: k}

	cfg := Config{
		Server: ServerConfig{
			Host:         src.getString("MESHDROP_API_HOST", "0.0.0.0"),
			Port:         src.getInt("MESHDROP_API_PORT", 8080),
			ReadTimeout:  src.getDuration("MESHDROP_API_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: src.getDuration("MESHDROP_API_WRITE_TIMEOUT", 10*time.Minute),
			IdleTimeout:  src.getDuration("MESHDROP_API_IDLE_TIMEOUT", 60*time.Second),
		},
		Storage: StorageConfig{
			Driver:        strings.ToLower(src.getString("STORAGE_DRIVER", StorageDriverMinIO)),
			SessionDriver: strings.ToLower(src.getString("SESSION_STORE_DRIVER", SessionDriverPostgres)),
		},
		MinIO: MinIOConfig{
			Endpoint:        src.getString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKeyID:     src.getString("MINIO_ROOT_USER", "meshdrop"),
			SecretAccessKey: src.getString("MINIO_ROOT_PASSWORD", "change-me-strong-password"),
			UseSSL:          src.getBool("MINIO_USE_SSL", false),
			Region:          src.getString("MINIO_REGION", ""),
			PublicBaseURL:   src.getString("MINIO_PUBLIC_BASE_URL", ""),
		},
		S3: S3Config{
			Region:          src.getString("AWS_REGION", "us-east-1"),
			Endpoint:        src.getString("S3_ENDPOINT", ""),
			AccessKeyID:     src.getString("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: src.getString("AWS_SECRET_ACCESS_KEY", ""),
			UsePathStyle:    src.getBool("S3_USE_PATH_STYLE", false),
			PublicBaseURL:   src.getString("S3_PUBLIC_BASE_URL", ""),
			PartSize:        src.getBytes("S3_PART_SIZE", 8*units.MiB),
		},
		Postgres: PostgresConfig{
			Host:     src.getString("POSTGRES_HOST", "localhost"),
			Port:     src.getInt("POSTGRES_PORT", 5432),
			User:     src.getString("POSTGRES_USER", "meshdrop_app"),
			Password: src.getString("POSTGRES_PASSWORD", "change-me"),
			Database: src.getString("POSTGRES_DB", "meshdrop"),
			SSLMode:  strings.ToLower(src.getString("POSTGRES_SSL_MODE", "disable")),
			MaxConns: src.getInt("POSTGRES_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Host:      src.getString("REDIS_HOST", "localhost"),
			Port:      src.getInt("REDIS_PORT", 6379),
			Password:  src.getString("REDIS_PASSWORD", ""),
			DB:        src.getInt("REDIS_DB", 0),
			PoolSize:  src.getInt("REDIS_POOL_SIZE", 10),
			KeyPrefix: src.getString("REDIS_KEY_PREFIX", "meshdrop:"),
		},
		Upload: loadUploadConfig(src),
		Metrics: MetricsConfig{
			PrometheusPath: src.getString("MESHDROP_METRICS_PATH", "/metrics"),
		},
		Tracing: TracingConfig{
			Enabled:     src.getBool("OTEL_TRACING_ENABLED", false),
			Endpoint:    src.getString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			SampleRatio: src.getFloat("OTEL_TRACES_SAMPLE_RATIO", 1.0),
			ServiceName: src.getString("OTEL_SERVICE_NAME", "meshdrop"),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadUploadConfig(src source) UploadConfig {
	signedTTL := src.getDuration("UPLOAD_SIGNED_URL_TTL", MaxSignedURLTTL)
	if signedTTL <= 0 || signedTTL > MaxSignedURLTTL {
		signedTTL = MaxSignedURLTTL
	}

	concurrency := src.getInt("UPLOAD_FETCH_CONCURRENCY", 4)
	if concurrency < 1 {
		concurrency = 1
	}

	return UploadConfig{
		StagingBucket:    src.getString("UPLOAD_STAGING_BUCKET", "stl-chunks"),
		FinalBucket:      src.getString("UPLOAD_FINAL_BUCKET", "stl-files"),
		SessionTTL:       src.getDuration("UPLOAD_SESSION_TTL", time.Hour),
		SignedURLTTL:     signedTTL,
		MaxChunkSize:     src.getBytes("UPLOAD_MAX_CHUNK_SIZE", 2*units.MiB),
		MaxChunks:        src.getInt("UPLOAD_MAX_CHUNKS", 10000),
		FetchConcurrency: concurrency,
		AssemblyTimeout:  src.getDuration("UPLOAD_ASSEMBLY_TIMEOUT", 10*time.Minute),
		AssemblyLockTTL:  src.getDuration("UPLOAD_ASSEMBLY_LOCK_TTL", 15*time.Minute),
		CleanupTimeout:   src.getDuration("UPLOAD_CLEANUP_TIMEOUT", 2*time.Minute),
		ReaperInterval:   src.getDuration("UPLOAD_REAPER_INTERVAL", 5*time.Minute),
		ReaperBatchSize:  src.getInt("UPLOAD_REAPER_BATCH_SIZE", 100),
	}
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case StorageDriverMinIO, StorageDriverS3:
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", c.Storage.Driver)
	}
	switch c.Storage.SessionDriver {
	case SessionDriverPostgres, SessionDriverRedis:
	default:
		return fmt.Errorf("unsupported SESSION_STORE_DRIVER %q", c.Storage.SessionDriver)
	}
	if c.Upload.StagingBucket == "" || c.Upload.FinalBucket == "" {
		return fmt.Errorf("staging and final buckets must be configured")
	}
	if c.Upload.MaxChunkSize <= 0 {
		return fmt.Errorf("UPLOAD_MAX_CHUNK_SIZE must be positive")
	}
	return nil
}

// source resolves keys loaded into koanf, falling back to defaults when absent or malformed.
type source struct {
	k *koanf.Koanf
}

func (s source) lookup(key string) (string, bool) {
	if !s.k.Exists(key) {
		return "", false
	}
	return s.k.String(key), true
}

func (s source) getString(key, fallback string) string {
	if val, ok := s.lookup(key); ok {
		return val
	}
	return fallback
}

func (s source) getInt(key string, fallback int) int {
	if val, ok := s.lookup(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func (s source) getFloat(key string, fallback float64) float64 {
	if val, ok := s.lookup(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func (s source) getBool(key string, fallback bool) bool {
	if val, ok := s.lookup(key); ok {
		val = strings.ToLower(strings.TrimSpace(val))
		switch val {
		case "1", "true", "t", "yes", "y":
			return true
		case "0", "false", "f", "no", "n":
			return false
		}
	}
	return fallback
}

func (s source) getDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := s.lookup(key); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

// getBytes accepts human sizes such as "2MB" or "512k" (binary multiples).
func (s source) getBytes(key string, fallback int64) int64 {
	if val, ok := s.lookup(key); ok {
		if parsed, err := units.RAMInBytes(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}
