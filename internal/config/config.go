package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMinio    = "minio"
	BackendNone     = "none"
)

type Config struct {
	Addr          string `yaml:"addr"`
	DatabaseURL   string `yaml:"database_url"`
	MigrationsDir string `yaml:"migrations_dir"`
	RedisURL      string `yaml:"redis_url"`

	// CommitBackend is postgres, minio or none; HistoryBackend is postgres,
	// redis or none. "none" keeps everything on the device.
	CommitBackend  string `yaml:"commit_backend"`
	HistoryBackend string `yaml:"history_backend"`

	MinioEndpoint  string `yaml:"minio_endpoint"`
	MinioBucket    string `yaml:"minio_bucket"`
	MinioAccessKey string `yaml:"minio_access_key"`
	MinioSecretKey string `yaml:"minio_secret_key"`
	MinioUseSSL    bool   `yaml:"minio_use_ssl"`

	LocalDataDir  string `yaml:"local_data_dir"`
	LocalInMemory bool   `yaml:"local_in_memory"`
	GitExportDir  string `yaml:"git_export_dir"`

	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	CORSOrigin  string        `yaml:"cors_origin"`
	LogLevel    string        `yaml:"log_level"`
}

// DevTokenSecret signs tokens for local CLI use only. The HTTP server refuses
// to start with it.
const DevTokenSecret = "codeflow-dev-secret"

const minServeSecretLen = 16

func defaults() Config {
	return Config{
		Addr:           ":8787",
		MigrationsDir:  "./db/migrations",
		CommitBackend:  BackendPostgres,
		HistoryBackend: BackendPostgres,
		MinioBucket:    "codeflow-commits",
		LocalDataDir:   "./data/local",
		GitExportDir:   "./data/git",
		TokenSecret:    DevTokenSecret,
		TokenTTL:       24 * time.Hour,
		CORSOrigin:     "*",
		LogLevel:       "info",
	}
}

// Load reads defaults, then the YAML file named by CODEFLOW_CONFIG if set,
// then environment variables. Later sources win.
func Load() (Config, error) {
	cfg := defaults()
	if path := os.Getenv("CODEFLOW_CONFIG"); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.Addr = getenv("CODEFLOW_ADDR", cfg.Addr)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.MigrationsDir = getenv("CODEFLOW_MIGRATIONS_DIR", cfg.MigrationsDir)
	cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)
	cfg.CommitBackend = strings.ToLower(getenv("CODEFLOW_COMMIT_BACKEND", cfg.CommitBackend))
	cfg.HistoryBackend = strings.ToLower(getenv("CODEFLOW_HISTORY_BACKEND", cfg.HistoryBackend))
	cfg.MinioEndpoint = getenv("MINIO_ENDPOINT", cfg.MinioEndpoint)
	cfg.MinioBucket = getenv("MINIO_BUCKET", cfg.MinioBucket)
	cfg.MinioAccessKey = getenv("MINIO_ACCESS_KEY", cfg.MinioAccessKey)
	cfg.MinioSecretKey = getenv("MINIO_SECRET_KEY", cfg.MinioSecretKey)
	cfg.MinioUseSSL = getenvBool("MINIO_USE_SSL", cfg.MinioUseSSL)
	cfg.LocalDataDir = getenv("CODEFLOW_LOCAL_DIR", cfg.LocalDataDir)
	cfg.LocalInMemory = getenvBool("CODEFLOW_LOCAL_IN_MEMORY", cfg.LocalInMemory)
	cfg.GitExportDir = getenv("CODEFLOW_GIT_DIR", cfg.GitExportDir)
	cfg.TokenSecret = getenv("CODEFLOW_TOKEN_SECRET", cfg.TokenSecret)
	cfg.TokenTTL = time.Duration(getenvInt("CODEFLOW_TOKEN_TTL_SECONDS", int(cfg.TokenTTL/time.Second))) * time.Second
	cfg.CORSOrigin = getenv("CODEFLOW_CORS_ORIGIN", cfg.CORSOrigin)
	cfg.LogLevel = getenv("CODEFLOW_LOG_LEVEL", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks backend names and the settings each backend needs. A
// postgres backend without DATABASE_URL is treated as none.
func (c Config) Validate() error {
	switch c.CommitBackend {
	case BackendPostgres, BackendNone:
	case BackendMinio:
		if c.MinioEndpoint == "" {
			return fmt.Errorf("commit backend minio needs MINIO_ENDPOINT")
		}
	default:
		return fmt.Errorf("unknown commit backend %q", c.CommitBackend)
	}
	switch c.HistoryBackend {
	case BackendPostgres, BackendNone:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("history backend redis needs REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown history backend %q", c.HistoryBackend)
	}
	if !c.LocalInMemory && c.LocalDataDir == "" {
		return fmt.Errorf("local data dir is required")
	}
	return nil
}

// ValidateServe adds the checks that only matter when tokens are accepted
// from the network.
func (c Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	switch {
	case c.TokenSecret == DevTokenSecret:
		return fmt.Errorf("CODEFLOW_TOKEN_SECRET must be set to serve; the development secret is public")
	case len(c.TokenSecret) < minServeSecretLen:
		return fmt.Errorf("CODEFLOW_TOKEN_SECRET must be at least %d bytes", minServeSecretLen)
	}
	return nil
}

// UsesPostgres reports whether any backend needs the database.
func (c Config) UsesPostgres() bool {
	if c.DatabaseURL == "" {
		return false
	}
	return c.CommitBackend == BackendPostgres || c.HistoryBackend == BackendPostgres
}

func overlayFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
