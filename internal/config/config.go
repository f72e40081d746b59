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

	// Redis config. Empty host disables Redis; quotas fall back to
	// database counts and job locks become process-local.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string

	// SQS queue for delivery-exhausted events. Empty URL disables
	// event publishing.
	SQSRegion   string
	SQSQueueURL string

	// Match engine
	MatchInterval   time.Duration
	WindowOverlap   time.Duration
	InitialLookback time.Duration
	MaxListings     int

	// Delivery worker
	DrainInterval time.Duration
	BatchSize     int
	SendTimeout   time.Duration

	// Retry policy
	MaxRetries    int
	RetryBackoff  time.Duration
	SweepInterval time.Duration
	StaleAge      time.Duration

	// Digest
	DigestInterval time.Duration

	// Cleanup
	CleanupInterval time.Duration
	Retention       time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "carwatch",
		DBPassword: "",
		DBName:     "carwatch",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "eu-central-1",
		SESFromEmail: "alerts@carwatch.local",

		MatchInterval:   15 * time.Minute,
		WindowOverlap:   5 * time.Minute,
		InitialLookback: 24 * time.Hour,
		MaxListings:     1000,

		DrainInterval: 30 * time.Second,
		BatchSize:     25,
		SendTimeout:   30 * time.Second,

		MaxRetries:    3,
		RetryBackoff:  5 * time.Minute,
		SweepInterval: 2 * time.Minute,
		StaleAge:      10 * time.Minute,

		DigestInterval: 30 * time.Minute,

		CleanupInterval: 24 * time.Hour,
		Retention:       90 * 24 * time.Hour,
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host, ok := os.LookupEnv("REDIS_HOST"); ok {
		cfg.RedisHost = host
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	// AWS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"PORT", &cfg.Port},
		{"DB_PORT", &cfg.DBPort},
		{"REDIS_PORT", &cfg.RedisPort},
		{"REDIS_DB", &cfg.RedisDB},
		{"MATCH_MAX_LISTINGS", &cfg.MaxListings},
		{"WORKER_BATCH_SIZE", &cfg.BatchSize},
		{"RETRY_MAX_RETRIES", &cfg.MaxRetries},
	}
	for _, v := range ints {
		if raw := os.Getenv(v.env); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", v.env, err)
			}
			*v.dst = n
		}
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"MATCH_INTERVAL", &cfg.MatchInterval},
		{"MATCH_WINDOW_OVERLAP", &cfg.WindowOverlap},
		{"MATCH_INITIAL_LOOKBACK", &cfg.InitialLookback},
		{"WORKER_DRAIN_INTERVAL", &cfg.DrainInterval},
		{"WORKER_SEND_TIMEOUT", &cfg.SendTimeout},
		{"RETRY_BACKOFF", &cfg.RetryBackoff},
		{"RETRY_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"WORKER_STALE_AGE", &cfg.StaleAge},
		{"DIGEST_INTERVAL", &cfg.DigestInterval},
		{"CLEANUP_INTERVAL", &cfg.CleanupInterval},
		{"CLEANUP_RETENTION", &cfg.Retention},
	}
	for _, v := range durations {
		if raw := os.Getenv(v.env); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", v.env, err)
			}
			*v.dst = d
		}
	}

	return cfg, nil
}

// RedisEnabled reports whether Redis is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

// EventsEnabled reports whether the SQS event publisher is configured.
func (c *Config) EventsEnabled() bool {
	return c.SQSQueueURL != ""
}
