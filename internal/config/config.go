package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Stripe     StripeConfig
	App        AppConfig
	Email      EmailConfig
	Cron       CronConfig
	Auth       AuthConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Database   DatabaseConfig
	Retry      RetryConfig
	RateLimit  RateLimitConfig
	Migrations MigrationConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
}

type AppConfig struct {
	PublicBaseURL      string
	TrainerDecisionTTL time.Duration
	PlaceholderTTL     time.Duration
	DecisionLockTTL    time.Duration
	MembershipProduct  string
	CheckInSecret      string
}

type EmailConfig struct {
	APIKey string
	APIURL string
	From   string
}

type CronConfig struct {
	Secret string
}

type AuthConfig struct {
	OIDCIssuer string
	JWTSecret  string
}

type RedisConfig struct {
	Addr          string
	StatusChannel string
}

type KafkaConfig struct {
	Brokers []string
	Enabled bool
	Topics  TopicConfig
}

type TopicConfig struct {
	BookingEvents    string
	MembershipEvents string
}

type DatabaseConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// RetryConfig bounds the retries of capture and void calls against the payment authority.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

type MigrationConfig struct {
	Dir         string
	AutoMigrate bool
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8084"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			Currency:      strings.ToLower(getEnv("STRIPE_CURRENCY", "eur")),
		},
		App: AppConfig{
			PublicBaseURL:      strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:3000"), "/"),
			TrainerDecisionTTL: time.Duration(getEnvInt("TRAINER_DECISION_TTL_HOURS", 48)) * time.Hour,
			PlaceholderTTL:     time.Duration(getEnvInt("PLACEHOLDER_TTL_MINUTES", 30)) * time.Minute,
			DecisionLockTTL:    time.Duration(getEnvInt("DECISION_LOCK_TTL_SECONDS", 30)) * time.Second,
			MembershipProduct:  getEnv("MEMBERSHIP_PRODUCT_NAME", "Club membership"),
			CheckInSecret:      getEnv("CHECKIN_QR_SECRET", ""),
		},
		Email: EmailConfig{
			APIKey: getEnv("EMAIL_API_KEY", ""),
			APIURL: getEnv("EMAIL_API_URL", "https://api.resend.com/emails"),
			From:   getEnv("EMAIL_FROM", "bookings@example.com"),
		},
		Cron: CronConfig{
			Secret: getEnv("CRON_SECRET", ""),
		},
		Auth: AuthConfig{
			OIDCIssuer: getEnv("OIDC_ISSUER", ""),
			JWTSecret:  getEnv("AUTH_JWT_SECRET", ""),
		},
		Redis: RedisConfig{
			Addr:          getEnv("REDIS_ADDR", "localhost:6379"),
			StatusChannel: getEnv("REDIS_STATUS_CHANNEL", "booking.status"),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				BookingEvents:    getEnv("KAFKA_TOPIC_BOOKING_EVENTS", "booking.events"),
				MembershipEvents: getEnv("KAFKA_TOPIC_MEMBERSHIP_EVENTS", "membership.events"),
			},
		},
		Database: DatabaseConfig{
			DSN:          getEnv("POSTGRES_DSN", ""),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries:    getEnvInt("PAYMENT_RETRY_MAX", 3),
			InitialDelay:  time.Duration(getEnvInt("PAYMENT_RETRY_INITIAL_MS", 200)) * time.Millisecond,
			MaxDelay:      time.Duration(getEnvInt("PAYMENT_RETRY_MAX_DELAY_MS", 2000)) * time.Millisecond,
			BackoffFactor: getEnvFloat("PAYMENT_RETRY_FACTOR", 2),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvFloat("DECISION_RATE_LIMIT_RPS", 1),
			Burst: getEnvInt("DECISION_RATE_LIMIT_BURST", 5),
		},
		Migrations: MigrationConfig{
			Dir:         getEnv("MIGRATIONS_DIR", "./migrations"),
			AutoMigrate: getEnvBool("AUTO_MIGRATE", true),
		},
	}
}

// Validate reports every missing secret at once so a misconfigured deploy fails fast.
func (c *Config) Validate() error {
	var missing []string
	if c.Stripe.SecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if c.Stripe.WebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.Cron.Secret == "" {
		missing = append(missing, "CRON_SECRET")
	}
	if c.Database.DSN == "" {
		missing = append(missing, "POSTGRES_DSN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if !strings.HasPrefix(c.App.PublicBaseURL, "http") {
		return errors.New("PUBLIC_BASE_URL must be an absolute http(s) URL")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
