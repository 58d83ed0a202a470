package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config holds the settings of the saga daemon
	Config struct {
		ServiceName string `yaml:"service_name"`
		LogLevel    string `yaml:"log_level"`
		LogFormat   string `yaml:"log_format"`

		// Engine
		MaxConcurrentWorkflows int           `yaml:"max_concurrent_workflows"`
		AdmissionTimeout       time.Duration `yaml:"admission_timeout"`
		DefaultStepTimeout     time.Duration `yaml:"default_step_timeout"`
		ShutdownTimeout        time.Duration `yaml:"shutdown_timeout"`

		// Janitor
		RetentionTTL    time.Duration `yaml:"retention_ttl"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`

		// Stores & Archiving
		Store            StoreConfig `yaml:"store"`
		ArchiveBucketURL string      `yaml:"archive_bucket_url"`
		ArchivePrefix    string      `yaml:"archive_prefix"`
	}

	// StoreConfig selects and addresses the persistence backend
	StoreConfig struct {
		Backend       string `yaml:"backend"`
		DSN           string `yaml:"dsn"`
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
		RedisPrefix   string `yaml:"redis_prefix"`
		MongoURI      string `yaml:"mongo_uri"`
		MongoDatabase string `yaml:"mongo_database"`
	}
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"

	LogFormatJSON = "json"
	LogFormatText = "text"

	EnvPrefix = "SAGAFLOW_"

	DefaultServiceName            = "sagad"
	DefaultMaxConcurrentWorkflows = 1000
	DefaultAdmissionTimeout       = 5 * time.Second
	DefaultStepTimeout            = 30 * time.Second
	DefaultShutdownTimeout        = 10 * time.Second
	DefaultRetentionTTL           = 24 * time.Hour
	DefaultCleanupInterval        = 10 * time.Minute
	DefaultRedisEndpoint          = "localhost:6379"
	DefaultRedisPrefix            = "sagaflow:"
	DefaultMongoDatabase          = "sagaflow"
	DefaultArchivePrefix          = "archive/"

	MaxConcurrentWorkflows = 1_000_000
)

var (
	ErrInvalidConcurrency     = errors.New("max concurrent workflows must be positive")
	ErrInvalidAdmission       = errors.New("admission timeout must not be negative")
	ErrInvalidStepTimeout     = errors.New("default step timeout must be positive")
	ErrInvalidRetention       = errors.New("retention ttl must not be negative")
	ErrInvalidCleanupInterval = errors.New("cleanup interval must not be negative")
	ErrInvalidBackend         = errors.New("invalid store backend")
	ErrMissingDSN             = errors.New("store dsn is required")
	ErrMissingRedisAddr       = errors.New("redis address is required")
	ErrMissingMongoURI        = errors.New("mongo uri is required")
	ErrInvalidLogLevel        = errors.New("invalid log level")
	ErrInvalidLogFormat       = errors.New("invalid log format")
)

var (
	backends   = []string{BackendMemory, BackendSQLite, BackendPostgres, BackendRedis, BackendMongo}
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{LogFormatJSON, LogFormatText}
)

// NewDefaultConfig returns an in-memory configuration suitable for local runs
func NewDefaultConfig() *Config {
	return &Config{
		ServiceName:            DefaultServiceName,
		LogLevel:               "info",
		LogFormat:              LogFormatJSON,
		MaxConcurrentWorkflows: DefaultMaxConcurrentWorkflows,
		AdmissionTimeout:       DefaultAdmissionTimeout,
		DefaultStepTimeout:     DefaultStepTimeout,
		ShutdownTimeout:        DefaultShutdownTimeout,
		RetentionTTL:           DefaultRetentionTTL,
		CleanupInterval:        DefaultCleanupInterval,
		Store: StoreConfig{
			Backend:       BackendMemory,
			RedisAddr:     DefaultRedisEndpoint,
			RedisPrefix:   DefaultRedisPrefix,
			MongoDatabase: DefaultMongoDatabase,
		},
		ArchivePrefix: DefaultArchivePrefix,
	}
}

// LoadFile overlays the YAML document at path onto the configuration.
// Fields missing from the file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv populates configuration values from SAGAFLOW_* environment
// variables. Returns an error if any variable cannot be parsed.
func (c *Config) LoadFromEnv() error {
	loadEnvString("SERVICE_NAME", &c.ServiceName)
	loadEnvString("LOG_LEVEL", &c.LogLevel)
	loadEnvString("LOG_FORMAT", &c.LogFormat)
	loadEnvString("STORE_BACKEND", &c.Store.Backend)
	loadEnvString("STORE_DSN", &c.Store.DSN)
	loadEnvString("REDIS_ADDR", &c.Store.RedisAddr)
	loadEnvString("REDIS_PASSWORD", &c.Store.RedisPassword)
	loadEnvString("REDIS_PREFIX", &c.Store.RedisPrefix)
	loadEnvString("MONGO_URI", &c.Store.MongoURI)
	loadEnvString("MONGO_DATABASE", &c.Store.MongoDatabase)
	loadEnvString("ARCHIVE_BUCKET_URL", &c.ArchiveBucketURL)
	loadEnvString("ARCHIVE_PREFIX", &c.ArchivePrefix)

	if err := loadEnvInt("MAX_CONCURRENT_WORKFLOWS", &c.MaxConcurrentWorkflows, 0, MaxConcurrentWorkflows); err != nil {
		return err
	}
	if err := loadEnvInt("REDIS_DB", &c.Store.RedisDB, -1, 15); err != nil {
		return err
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ADMISSION_TIMEOUT", &c.AdmissionTimeout},
		{"DEFAULT_STEP_TIMEOUT", &c.DefaultStepTimeout},
		{"SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
		{"RETENTION_TTL", &c.RetentionTTL},
		{"CLEANUP_INTERVAL", &c.CleanupInterval},
	}
	for _, d := range durations {
		if err := loadEnvDuration(d.key, d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.MaxConcurrentWorkflows <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidConcurrency, c.MaxConcurrentWorkflows)
	}
	if c.AdmissionTimeout < 0 {
		return ErrInvalidAdmission
	}
	if c.DefaultStepTimeout <= 0 {
		return ErrInvalidStepTimeout
	}
	if c.RetentionTTL < 0 {
		return ErrInvalidRetention
	}
	if c.CleanupInterval < 0 {
		return ErrInvalidCleanupInterval
	}
	if !slices.Contains(logLevels, strings.ToLower(c.LogLevel)) {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
	if !slices.Contains(logFormats, strings.ToLower(c.LogFormat)) {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.LogFormat)
	}
	return c.Store.Validate()
}

// Validate checks that the selected backend has what it needs to connect
func (s *StoreConfig) Validate() error {
	switch s.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres:
		if s.DSN == "" {
			return fmt.Errorf("%w for %s", ErrMissingDSN, s.Backend)
		}
	case BackendRedis:
		if s.RedisAddr == "" {
			return ErrMissingRedisAddr
		}
	case BackendMongo:
		if s.MongoURI == "" {
			return ErrMissingMongoURI
		}
	default:
		return fmt.Errorf("%w: %q (want one of %s)",
			ErrInvalidBackend, s.Backend, strings.Join(backends, ", "))
	}
	return nil
}

func loadEnvString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

// loadEnvInt reads SAGAFLOW_<key>, parses it as an integer and sets *dst if
// the value is in the range (min, max]
func loadEnvInt(key string, dst *int, min, max int) error {
	s := os.Getenv(EnvPrefix + key)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %q", EnvPrefix, key, s)
	}
	if v <= min || v > max {
		return fmt.Errorf("invalid %s%s: %d out of range [%d, %d]",
			EnvPrefix, key, v, min+1, max)
	}
	*dst = v
	return nil
}

func loadEnvDuration(key string, dst *time.Duration) error {
	s := os.Getenv(EnvPrefix + key)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	*dst = d
	return nil
}
