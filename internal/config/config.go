package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	LedgerMySQL = "mysql"
	LedgerRedis = "redis"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string

	MySQLDSN  string
	RedisAddr string

	// LedgerBackend selects the authoritative inventory counter.
	LedgerBackend string

	KafkaBrokers        []string
	ConfirmationTopic   string
	ReconciliationTopic string

	JWTSecret    string
	WebhookToken string

	PaymentBaseURL     string
	PaymentAccessToken string
	PaymentTimeout     time.Duration

	ResendCooldown        time.Duration
	ReconciliationWorkers int
	ReconciliationQueue   int
	ShutdownTimeout       time.Duration
}

// Load reads the environment, after applying an optional .env file. Variables
// already set in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:            getEnv("GRPC_ADDR", ":50051"),
		MySQLDSN:            getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/ticketsale?parseTime=true"),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		LedgerBackend:       strings.ToLower(getEnv("LEDGER_BACKEND", LedgerMySQL)),
		KafkaBrokers:        splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		ConfirmationTopic:   getEnv("KAFKA_CONFIRMATION_TOPIC", "sale-confirmed"),
		ReconciliationTopic: getEnv("KAFKA_RECONCILIATION_TOPIC", "sale-reconciliation"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		WebhookToken:        os.Getenv("WEBHOOK_TOKEN"),
		PaymentBaseURL:      getEnv("PAYMENT_BASE_URL", "https://api.mercadopago.com"),
		PaymentAccessToken:  os.Getenv("PAYMENT_ACCESS_TOKEN"),
	}

	var err error
	if cfg.PaymentTimeout, err = getDuration("PAYMENT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ResendCooldown, err = getDuration("RESEND_COOLDOWN", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconciliationWorkers, err = getInt("RECONCILIATION_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.ReconciliationQueue, err = getInt("RECONCILIATION_QUEUE_SIZE", 1000); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LedgerBackend != LedgerMySQL && c.LedgerBackend != LedgerRedis {
		return fmt.Errorf("LEDGER_BACKEND must be %q or %q, got %q", LedgerMySQL, LedgerRedis, c.LedgerBackend)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS environment variable is required")
	}
	if c.ReconciliationWorkers <= 0 {
		return fmt.Errorf("RECONCILIATION_WORKERS must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
