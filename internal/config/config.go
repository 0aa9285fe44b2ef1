package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/core-coin/go-core/v2/common"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	ChainModeRelayer = "relayer"
	ChainModeMock    = "mock"
)

type Config struct {
	Development bool
	// InstanceID identifies this process in intent locks and scheduler leases.
	InstanceID string
	// API configuration
	APIPort int

	// Storage configuration
	StoreDriver      string
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string

	// Queue configuration. An empty RedisURL selects the in-process queue.
	RedisURL string

	// Blockchain configuration
	ChainMode            string
	RelayerURL           string
	RelayerToken         string
	BlockchainServiceURL string
	NetworkID            *big.Int
	ChainRateLimit       float64
	ChainTimeout         time.Duration

	// Worker configuration
	WorkerConcurrency int
	PayoutConcurrency int
	LockLease         time.Duration
	MaxAttempts       int
	StuckThreshold    time.Duration
	PayoutMinAmount   string

	// Schedules (cron expressions, minute resolution)
	ReconcileCron     string
	StuckResetCron    string
	RetryCron         string
	MarkPayableCron   string
	PayableHoldPeriod time.Duration

	// SMTP configuration
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPSender   string
	AlertEmail   string

	// Telegram configuration
	TelegramBotToken    string
	TelegramAlertChatID string
}

// PostgresDSN builds the connection string for the gorm postgres driver.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.PostgresHost, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresPort)
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	hostname, _ := os.Hostname()

	cfg := &Config{
		Development: getEnvAsBool("DEVELOPMENT", false),
		InstanceID:  getEnv("INSTANCE_ID", fmt.Sprintf("%s-%d", hostname, os.Getpid())),
		APIPort:     getEnvAsInt("API_PORT", 6533),

		StoreDriver:      getEnv("STORE_DRIVER", StoreDriverPostgres),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDB:       getEnv("POSTGRES_DB", "solvere"),

		RedisURL: getEnv("REDIS_URL", ""),

		ChainMode:            getEnv("CHAIN_MODE", ChainModeRelayer),
		RelayerURL:           getEnv("RELAYER_URL", ""),
		RelayerToken:         getEnv("RELAYER_TOKEN", ""),
		BlockchainServiceURL: getEnv("BLOCKCHAIN_SERVICE_URL", "http://localhost:8545"),
		NetworkID:            getEnvAsBigInt("NETWORK_ID", big.NewInt(1)),
		ChainRateLimit:       getEnvAsFloat("CHAIN_RATE_LIMIT", 10),
		ChainTimeout:         getEnvAsDuration("CHAIN_TIMEOUT", 30*time.Second),

		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 5),
		PayoutConcurrency: getEnvAsInt("PAYOUT_CONCURRENCY", 2),
		LockLease:         getEnvAsDuration("LOCK_LEASE", 5*time.Minute),
		MaxAttempts:       getEnvAsInt("MAX_ATTEMPTS", 5),
		StuckThreshold:    getEnvAsDuration("STUCK_THRESHOLD", 30*time.Minute),
		PayoutMinAmount:   getEnv("PAYOUT_MIN_AMOUNT", "10"),

		ReconcileCron:     getEnv("RECONCILE_CRON", "0 2 * * *"),
		StuckResetCron:    getEnv("STUCK_RESET_CRON", "*/15 * * * *"),
		RetryCron:         getEnv("RETRY_CRON", "*/5 * * * *"),
		MarkPayableCron:   getEnv("MARK_PAYABLE_CRON", "0 1 * * *"),
		PayableHoldPeriod: getEnvAsDuration("PAYABLE_HOLD_PERIOD", 7*24*time.Hour),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPSender:   getEnv("SMTP_SENDER", ""),
		AlertEmail:   getEnv("ALERT_EMAIL", ""),

		TelegramBotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramAlertChatID: getEnv("TELEGRAM_ALERT_CHAT_ID", ""),
	}

	// Address helpers in go-core depend on the default network id.
	common.DefaultNetworkID = common.NetworkID(cfg.NetworkID.Int64())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required")
		}
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required")
		}
	case StoreDriverMemory:
		if !c.Development {
			return fmt.Errorf("STORE_DRIVER=memory is only allowed in development mode")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.ChainMode {
	case ChainModeRelayer:
		if c.RelayerURL == "" {
			return fmt.Errorf("RELAYER_URL is required when CHAIN_MODE=relayer")
		}
		if c.BlockchainServiceURL == "" {
			return fmt.Errorf("BLOCKCHAIN_SERVICE_URL is required when CHAIN_MODE=relayer")
		}
	case ChainModeMock:
		if !c.Development {
			return fmt.Errorf("CHAIN_MODE=mock is only allowed in development mode")
		}
	default:
		return fmt.Errorf("unknown CHAIN_MODE %q", c.ChainMode)
	}

	if c.InstanceID == "" {
		return fmt.Errorf("INSTANCE_ID is required")
	}
	if c.WorkerConcurrency < 1 || c.PayoutConcurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	if c.LockLease <= 0 {
		return fmt.Errorf("LOCK_LEASE must be positive")
	}
	if c.StuckThreshold <= c.LockLease {
		return fmt.Errorf("STUCK_THRESHOLD (%s) must exceed LOCK_LEASE (%s)", c.StuckThreshold, c.LockLease)
	}

	for name, spec := range map[string]string{
		"RECONCILE_CRON":    c.ReconcileCron,
		"STUCK_RESET_CRON":  c.StuckResetCron,
		"RETRY_CRON":        c.RetryCron,
		"MARK_PAYABLE_CRON": c.MarkPayableCron,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, spec, err)
		}
	}

	return nil
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsFloat(name string, defaultValue float64) float64 {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBigInt(name string, defaultValue *big.Int) *big.Int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, ok := new(big.Int).SetString(valueStr, 10); ok {
			return value
		}
	}
	return defaultValue
}
