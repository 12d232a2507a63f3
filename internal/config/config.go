package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Storage backends: "memory" or "postgres" / "redis"
	MessageStore    string
	PreferenceStore string

	// AWS Services
	AWSRegion      string
	AWSEndpoint    string // local endpoint override (localstack)
	SESFromEmail   string
	SESRatePerSec  float64
	SNSRegion      string // AWS region for SNS (SMS, push, events)
	SMSSenderID    string
	EventsTopicARN string

	// SQS command queue
	CommandQueueURL string

	// User directory
	UserDirectoryURL     string
	UserDirectoryTimeout time.Duration

	// Templates
	TemplatesFile  string
	TemplatesWatch bool

	// Delivery: "log" prints messages, "aws" sends through SES/SNS
	DeliveryMode string

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
	BreakerCallTimeout      time.Duration
	BreakerMonitorInterval  time.Duration

	BatchSize          int
	RateLimitPerMinute int
	MetricsSchedule    string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "courier",
		DBName:    "courier",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		MessageStore:    "memory",
		PreferenceStore: "memory",

		AWSRegion:     "us-east-1",
		SESFromEmail:  "noreply@courier.local",
		SESRatePerSec: 14,

		UserDirectoryTimeout: 5 * time.Second,

		DeliveryMode: "log",

		BreakerFailureThreshold: 5,
		BreakerResetTimeout:     30 * time.Second,
		BreakerCallTimeout:      10 * time.Second,
		BreakerMonitorInterval:  60 * time.Second,

		BatchSize:          100,
		RateLimitPerMinute: 100,
		MetricsSchedule:    "@every 15s",
	}

	if err := intVar(&cfg.Port, "PORT"); err != nil {
		return nil, err
	}
	stringVar(&cfg.LogLevel, "LOG_LEVEL")
	stringVar(&cfg.Env, "ENV")

	// Database config
	stringVar(&cfg.DBHost, "DB_HOST")
	if err := intVar(&cfg.DBPort, "DB_PORT"); err != nil {
		return nil, err
	}
	stringVar(&cfg.DBUser, "DB_USER")
	stringVar(&cfg.DBPassword, "DB_PASSWORD")
	stringVar(&cfg.DBName, "DB_NAME")
	stringVar(&cfg.DBSSLMode, "DB_SSLMODE")

	// Redis config
	stringVar(&cfg.RedisHost, "REDIS_HOST")
	if err := intVar(&cfg.RedisPort, "REDIS_PORT"); err != nil {
		return nil, err
	}
	stringVar(&cfg.RedisPassword, "REDIS_PASSWORD")
	if err := intVar(&cfg.RedisDB, "REDIS_DB"); err != nil {
		return nil, err
	}

	stringVar(&cfg.MessageStore, "MESSAGE_STORE")
	if cfg.MessageStore != "memory" && cfg.MessageStore != "postgres" {
		return nil, fmt.Errorf("invalid MESSAGE_STORE %q: want memory or postgres", cfg.MessageStore)
	}
	stringVar(&cfg.PreferenceStore, "PREFERENCE_STORE")
	if cfg.PreferenceStore != "memory" && cfg.PreferenceStore != "redis" {
		return nil, fmt.Errorf("invalid PREFERENCE_STORE %q: want memory or redis", cfg.PreferenceStore)
	}

	// AWS config
	stringVar(&cfg.AWSRegion, "AWS_REGION")
	stringVar(&cfg.AWSEndpoint, "AWS_ENDPOINT_URL")
	stringVar(&cfg.SESFromEmail, "SES_FROM_EMAIL")
	if v := os.Getenv("SES_RATE_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SES_RATE_PER_SEC: %w", err)
		}
		cfg.SESRatePerSec = f
	}
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}
	stringVar(&cfg.SMSSenderID, "SMS_SENDER_ID")
	stringVar(&cfg.EventsTopicARN, "EVENTS_TOPIC_ARN")
	stringVar(&cfg.CommandQueueURL, "COMMAND_QUEUE_URL")

	stringVar(&cfg.UserDirectoryURL, "USER_DIRECTORY_URL")
	if err := durationVar(&cfg.UserDirectoryTimeout, "USER_DIRECTORY_TIMEOUT"); err != nil {
		return nil, err
	}

	stringVar(&cfg.TemplatesFile, "TEMPLATES_FILE")
	if v := os.Getenv("TEMPLATES_WATCH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TEMPLATES_WATCH: %w", err)
		}
		cfg.TemplatesWatch = b
	}

	stringVar(&cfg.DeliveryMode, "DELIVERY_MODE")
	if cfg.DeliveryMode != "log" && cfg.DeliveryMode != "aws" {
		return nil, fmt.Errorf("invalid DELIVERY_MODE %q: want log or aws", cfg.DeliveryMode)
	}

	// Circuit breaker config
	if err := intVar(&cfg.BreakerFailureThreshold, "BREAKER_FAILURE_THRESHOLD"); err != nil {
		return nil, err
	}
	if err := durationVar(&cfg.BreakerResetTimeout, "BREAKER_RESET_TIMEOUT"); err != nil {
		return nil, err
	}
	if err := durationVar(&cfg.BreakerCallTimeout, "BREAKER_CALL_TIMEOUT"); err != nil {
		return nil, err
	}
	if err := durationVar(&cfg.BreakerMonitorInterval, "BREAKER_MONITOR_INTERVAL"); err != nil {
		return nil, err
	}

	if err := intVar(&cfg.BatchSize, "BATCH_SIZE"); err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("invalid BATCH_SIZE: must be positive")
	}
	if err := intVar(&cfg.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE"); err != nil {
		return nil, err
	}
	stringVar(&cfg.MetricsSchedule, "METRICS_SCHEDULE")

	return cfg, nil
}

func stringVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intVar(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func durationVar(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
