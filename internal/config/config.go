package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	RunMigrations bool
	JournalSize   int

	JWTSecret string
	TokenTTL  time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
	TrustProxy     bool

	EventBuffer   int
	LocationsFile string

	DriveSpeedMps float64
	WalkSpeedMps  float64
	PriceWeight   float64

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisChannel:    "campus-share:events",
		KafkaTopic:      "campus-share-events",
		JournalSize:     10000,
		TokenTTL:        24 * time.Hour,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
		EventBuffer:     1024,
		DriveSpeedMps:   8,
		WalkSpeedMps:    1.4,
		PriceWeight:     30,
		LogLevel:        "info",
	}
}

// LoadDotEnv reads path into the environment when it exists. Variables
// already set win over the file.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisChannel, "REDIS_EVENTS_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setIntFromEnv(&cfg.JournalSize, "JOURNAL_SIZE", &errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDurationFromEnv(&cfg.TokenTTL, "TOKEN_TTL", &errs)

	setFloatFromEnv(&cfg.RateLimitRPS, "RATE_LIMIT_RPS", &errs)
	setIntFromEnv(&cfg.RateLimitBurst, "RATE_LIMIT_BURST", &errs)
	cfg.TrustProxy = strings.EqualFold(os.Getenv("TRUST_PROXY"), "true")

	setIntFromEnv(&cfg.EventBuffer, "EVENT_BUFFER", &errs)
	setStringFromEnv(&cfg.LocationsFile, "LOCATIONS_FILE")

	setFloatFromEnv(&cfg.DriveSpeedMps, "DRIVE_SPEED_MPS", &errs)
	setFloatFromEnv(&cfg.WalkSpeedMps, "WALK_SPEED_MPS", &errs)
	setFloatFromEnv(&cfg.PriceWeight, "SUGGEST_PRICE_WEIGHT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.JWTSecret) < 16 {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least 16 characters"))
	}
	if cfg.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_BUFFER must be > 0"))
	}
	if cfg.RateLimitRPS < 0 || cfg.RateLimitBurst < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the Kafka to Redis projection worker.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	KeyPrefix     string
	StatusTTL     time.Duration

	MetricsAddr string
	LogLevel    string
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "campus-share-events",
		KafkaGroup:   "campus-share-projector",
		RedisAddr:    "localhost:6379",
		KeyPrefix:    "campus-share:status:",
		StatusTTL:    7 * 24 * time.Hour,
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.KeyPrefix, "REDIS_KEY_PREFIX")
	setDurationFromEnv(&cfg.StatusTTL, "STATUS_TTL", &errs)

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
