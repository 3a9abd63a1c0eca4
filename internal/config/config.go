package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
// It is built once at start-up and never mutated afterwards.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Ingest   IngestConfig
	CORS     CORSConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `validate:"required"`
	Port string `validate:"required,numeric"`
	// WebhookRateLimit is the number of deliveries accepted per source IP
	// per minute. Zero disables limiting.
	WebhookRateLimit int `validate:"gte=0"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string `validate:"required"`
	Port     string `validate:"required"`
	User     string `validate:"required"`
	Password string
	DBName   string `validate:"required"`
	SSLMode  string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL                string `validate:"required"`
	NotificationsQueue string `validate:"required"`
	DedupTTL           time.Duration
}

// StorageConfig holds S3/MinIO configuration for leaf media
type StorageConfig struct {
	Endpoint        string `validate:"required"`
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string `validate:"required"`
	UseSSL          bool
	// PublicBaseURL is prepended to object keys to build fetchable URLs.
	// Empty means path-style endpoint/bucket/key.
	PublicBaseURL string

	CleanupEnabled  bool
	CleanupInterval time.Duration
	CleanupMinAge   time.Duration
}

// IngestConfig holds the inbound email pipeline settings
type IngestConfig struct {
	AllowedDomains []string `validate:"required,min=1,dive,required"`
	UserPrefix     string   `validate:"required"`
	ShortPrefix    string   `validate:"required"`
	PersonPrefix   string   `validate:"required"`

	APIKey          string
	SigningSecret   string
	SignatureMaxAge time.Duration `validate:"gt=0"`
	AllowedIPPrefix []string
	AuthDisabled    bool

	MaxAttachmentSize int64 `validate:"gt=0"`
	MaxEmailSize      int64 `validate:"gt=0"`
	UploadConcurrency int   `validate:"gte=1,lte=32"`

	MilestoneKeywords []string `validate:"required,min=1"`
}

// CORSConfig holds allowed origins for the operational endpoints
type CORSConfig struct {
	AllowedOrigins []string
}

// DefaultMilestoneKeywords lists words and phrases that mark a family milestone.
var DefaultMilestoneKeywords = []string{
	// life events
	"born", "birth", "baby", "pregnant", "engaged", "engagement", "wedding", "married",
	"anniversary", "birthday", "retired", "retirement", "moved", "new home", "new house",
	// achievements
	"first", "graduated", "graduation", "promotion", "promoted", "new job", "award",
	"won", "diploma", "degree", "passed", "milestone",
	// ages
	"years old", "months old", "turned", "turns",
	// family milestones
	"steps", "tooth", "word", "walked", "crawled", "potty",
}

// Load reads configuration from environment variables.
// INGEST_CONFIG_PATH optionally names a YAML file that overrides list settings.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:             getEnv("SERVER_HOST", "0.0.0.0"),
			Port:             getEnv("SERVER_PORT", "8080"),
			WebhookRateLimit: int(getInt64Env("WEBHOOK_RATE_LIMIT", 600)),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "leafmail"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			URL:                getEnv("REDIS_URL", "redis://localhost:6379/0"),
			NotificationsQueue: getEnv("NOTIFICATIONS_QUEUE", "leaf-notifications"),
			DedupTTL:           getDurationEnv("INGEST_DEDUP_TTL", 72*time.Hour),
		},
		Storage: StorageConfig{
			Endpoint:        getEnv("S3_ENDPOINT", "localhost:9000"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			Bucket:          getEnv("S3_BUCKET", "leaf-media"),
			UseSSL:          getBoolEnv("S3_USE_SSL", false),
			PublicBaseURL:   getEnv("S3_PUBLIC_BASE_URL", ""),
			CleanupEnabled:  getBoolEnv("ORPHAN_CLEANUP_ENABLED", true),
			CleanupInterval: getDurationEnv("ORPHAN_CLEANUP_INTERVAL", 24*time.Hour),
			CleanupMinAge:   getDurationEnv("ORPHAN_CLEANUP_MIN_AGE", 7*24*time.Hour),
		},
		Ingest: IngestConfig{
			AllowedDomains:    getListEnv("INGEST_ALLOWED_DOMAINS", nil),
			UserPrefix:        getEnv("INGEST_USER_PREFIX", "user"),
			ShortPrefix:       getEnv("INGEST_SHORT_PREFIX", "u-"),
			PersonPrefix:      getEnv("INGEST_PERSON_PREFIX", "person-"),
			APIKey:            getEnv("INGEST_API_KEY", ""),
			SigningSecret:     getEnv("INGEST_SIGNING_SECRET", ""),
			SignatureMaxAge:   getDurationEnv("INGEST_SIGNATURE_MAX_AGE", 5*time.Minute),
			AllowedIPPrefix:   getListEnv("INGEST_ALLOWED_IP_PREFIXES", nil),
			AuthDisabled:      getBoolEnv("INGEST_AUTH_DISABLED", false),
			MaxAttachmentSize: getInt64Env("INGEST_MAX_ATTACHMENT_SIZE", 10*1024*1024),
			MaxEmailSize:      getInt64Env("INGEST_MAX_EMAIL_SIZE", 25*1024*1024),
			UploadConcurrency: int(getInt64Env("INGEST_UPLOAD_CONCURRENCY", 4)),
			MilestoneKeywords: getListEnv("INGEST_MILESTONE_KEYWORDS", DefaultMilestoneKeywords),
		},
		CORS: CORSConfig{
			AllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
	}

	if path := os.Getenv("INGEST_CONFIG_PATH"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Ingest.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileConfig mirrors the optional YAML overlay.
type fileConfig struct {
	Ingest struct {
		AllowedDomains    []string `yaml:"allowed_domains"`
		UserPrefix        string   `yaml:"user_prefix"`
		ShortPrefix       string   `yaml:"short_prefix"`
		PersonPrefix      string   `yaml:"person_prefix"`
		AllowedIPPrefixes []string `yaml:"allowed_ip_prefixes"`
		MilestoneKeywords []string `yaml:"milestone_keywords"`
	} `yaml:"ingest"`
}

// applyFile overlays non-empty YAML values onto cfg. ${VAR} references are expanded.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return c.applyYAML(data)
}

func (c *Config) applyYAML(data []byte) error {
	var raw fileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &raw); err != nil {
		return fmt.Errorf("parse config YAML: %w", err)
	}

	if len(raw.Ingest.AllowedDomains) > 0 {
		c.Ingest.AllowedDomains = raw.Ingest.AllowedDomains
	}
	if len(raw.Ingest.AllowedIPPrefixes) > 0 {
		c.Ingest.AllowedIPPrefix = raw.Ingest.AllowedIPPrefixes
	}
	if len(raw.Ingest.MilestoneKeywords) > 0 {
		c.Ingest.MilestoneKeywords = raw.Ingest.MilestoneKeywords
	}
	c.Ingest.UserPrefix = firstNonEmpty(raw.Ingest.UserPrefix, c.Ingest.UserPrefix)
	c.Ingest.ShortPrefix = firstNonEmpty(raw.Ingest.ShortPrefix, c.Ingest.ShortPrefix)
	c.Ingest.PersonPrefix = firstNonEmpty(raw.Ingest.PersonPrefix, c.Ingest.PersonPrefix)
	return nil
}

// normalize lower-cases address settings so matching is case-insensitive
func (i *IngestConfig) normalize() {
	for idx, d := range i.AllowedDomains {
		i.AllowedDomains[idx] = strings.ToLower(strings.TrimSpace(d))
	}
	i.UserPrefix = strings.ToLower(i.UserPrefix)
	i.ShortPrefix = strings.ToLower(i.ShortPrefix)
	i.PersonPrefix = strings.ToLower(i.PersonPrefix)
}

// AuthConfigured reports whether at least one webhook authentication method is set up
func (i *IngestConfig) AuthConfigured() bool {
	return i.APIKey != "" || i.SigningSecret != "" || len(i.AllowedIPPrefix) > 0
}

// Validate checks required settings
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.Ingest.AuthConfigured() && !c.Ingest.AuthDisabled {
		return fmt.Errorf("invalid configuration: one of INGEST_API_KEY, INGEST_SIGNING_SECRET or INGEST_ALLOWED_IP_PREFIXES is required")
	}
	return nil
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts Go duration syntax ("90s") or a bare number of minutes
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// getListEnv splits a comma separated value, dropping empty items
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
