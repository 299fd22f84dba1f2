/**
 * @description
 * This package handles the configuration management for the ledger service. It uses
 * the Viper library to read configuration from environment variables (and an
 * optional .env file), then sanitises the values so the rest of the service can
 * trust them.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: fee rates and money ceilings.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/coopbank/ledger-service/internal/policy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultRateLimitPrefix = "coopbank:ledger:rate_limit"
	defaultEventsExchange  = "ledger_events"
	defaultBankCode        = "10005"
	defaultBranchCode      = "00001"
)

// Config holds all the configuration variables for the ledger service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// RunMigrations applies the embedded schema on startup.
	RunMigrations      bool `mapstructure:"RUN_MIGRATIONS"`
	DBTxTimeoutSeconds int  `mapstructure:"DB_TX_TIMEOUT_SECONDS"`

	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix   string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RateLimitPerWindow     int    `mapstructure:"RATE_LIMIT_PER_WINDOW"`
	RateLimitWindowSeconds int    `mapstructure:"RATE_LIMIT_WINDOW_SECONDS"`

	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	EventsExchange        string `mapstructure:"EVENTS_EXCHANGE"`
	GatewayEventsExchange string `mapstructure:"GATEWAY_EVENTS_EXCHANGE"`
	GatewayEventQueue     string `mapstructure:"GATEWAY_EVENT_QUEUE"`
	UserEventsExchange    string `mapstructure:"USER_EVENTS_EXCHANGE"`
	UserEventQueue        string `mapstructure:"USER_EVENT_QUEUE"`
	NotifierQueueSize     int    `mapstructure:"NOTIFIER_QUEUE_SIZE"`

	MomoAPIBaseURL        string `mapstructure:"MOMO_API_BASE_URL"`
	MomoAPIKey            string `mapstructure:"MOMO_API_KEY"`
	MomoAPITimeoutSeconds int    `mapstructure:"MOMO_API_TIMEOUT_SECONDS"`

	JWTSecret   string `mapstructure:"JWT_SECRET"`
	JWKSURL     string `mapstructure:"JWKS_URL"`
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer   string `mapstructure:"JWT_ISSUER"`

	TransferFeeRateRaw    string `mapstructure:"TRANSFER_FEE_RATE"`
	DepositFeeRateRaw     string `mapstructure:"DEPOSIT_FEE_RATE"`
	WithdrawalFeeRateRaw  string `mapstructure:"WITHDRAWAL_FEE_RATE"`
	FeeScale              int32  `mapstructure:"FEE_SCALE"`
	HighValueThresholdRaw string `mapstructure:"HIGH_VALUE_THRESHOLD"`
	DailyTransferLimitRaw string `mapstructure:"DAILY_TRANSFER_LIMIT"`
	Timezone              string `mapstructure:"LEDGER_TIMEZONE"`
	FeeAccountIDRaw       string `mapstructure:"FEE_ACCOUNT_ID"`

	BankCode   string `mapstructure:"BANK_CODE"`
	BranchCode string `mapstructure:"BRANCH_CODE"`

	PollSchedule      string `mapstructure:"POLL_SCHEDULE"`
	PollMinAgeSeconds int    `mapstructure:"POLL_MIN_AGE_SECONDS"`
	PollBatchSize     int    `mapstructure:"POLL_BATCH_SIZE"`

	// Parsed from the raw fields above.
	TransferFeeRate    decimal.Decimal `mapstructure:"-"`
	DepositFeeRate     decimal.Decimal `mapstructure:"-"`
	WithdrawalFeeRate  decimal.Decimal `mapstructure:"-"`
	HighValueThreshold decimal.Decimal `mapstructure:"-"`
	DailyTransferLimit decimal.Decimal `mapstructure:"-"`
	Location           *time.Location  `mapstructure:"-"`
	FeeAccountID       *uuid.UUID      `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	defaults := policy.Default()
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RUN_MIGRATIONS", false)
	viper.SetDefault("DB_TX_TIMEOUT_SECONDS", 10)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("RATE_LIMIT_PER_WINDOW", 30)
	viper.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 60)
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("GATEWAY_EVENTS_EXCHANGE", "momo_events")
	viper.SetDefault("GATEWAY_EVENT_QUEUE", "ledger_service.gateway_updates")
	viper.SetDefault("USER_EVENTS_EXCHANGE", "user_events")
	viper.SetDefault("USER_EVENT_QUEUE", "ledger_service.user_created")
	viper.SetDefault("NOTIFIER_QUEUE_SIZE", 1024)
	viper.SetDefault("MOMO_API_TIMEOUT_SECONDS", 15)
	viper.SetDefault("TRANSFER_FEE_RATE", defaults.TransferFeeRate.String())
	viper.SetDefault("DEPOSIT_FEE_RATE", defaults.DepositFeeRate.String())
	viper.SetDefault("WITHDRAWAL_FEE_RATE", defaults.WithdrawalFeeRate.String())
	viper.SetDefault("FEE_SCALE", defaults.FeeScale)
	viper.SetDefault("HIGH_VALUE_THRESHOLD", defaults.HighValueThreshold.String())
	viper.SetDefault("DAILY_TRANSFER_LIMIT", defaults.DailyTransferLimit.String())
	viper.SetDefault("LEDGER_TIMEZONE", "UTC")
	viper.SetDefault("BANK_CODE", defaultBankCode)
	viper.SetDefault("BRANCH_CODE", defaultBranchCode)
	viper.SetDefault("POLL_SCHEDULE", "@every 1m")
	viper.SetDefault("POLL_MIN_AGE_SECONDS", 120)
	viper.SetDefault("POLL_BATCH_SIZE", 100)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL", "DATABASE_URL", "LEDGER_DATABASE_URL")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("DB_TX_TIMEOUT_SECONDS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RATE_LIMIT_PER_WINDOW")
	_ = viper.BindEnv("RATE_LIMIT_WINDOW_SECONDS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("GATEWAY_EVENTS_EXCHANGE")
	_ = viper.BindEnv("GATEWAY_EVENT_QUEUE")
	_ = viper.BindEnv("USER_EVENTS_EXCHANGE")
	_ = viper.BindEnv("USER_EVENT_QUEUE")
	_ = viper.BindEnv("NOTIFIER_QUEUE_SIZE")
	_ = viper.BindEnv("MOMO_API_BASE_URL")
	_ = viper.BindEnv("MOMO_API_KEY")
	_ = viper.BindEnv("MOMO_API_TIMEOUT_SECONDS")
	_ = viper.BindEnv("JWT_SECRET", "JWT_SECRET", "JWT_ACCESS_SECRET")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("TRANSFER_FEE_RATE")
	_ = viper.BindEnv("DEPOSIT_FEE_RATE")
	_ = viper.BindEnv("WITHDRAWAL_FEE_RATE")
	_ = viper.BindEnv("FEE_SCALE")
	_ = viper.BindEnv("HIGH_VALUE_THRESHOLD")
	_ = viper.BindEnv("DAILY_TRANSFER_LIMIT")
	_ = viper.BindEnv("LEDGER_TIMEZONE", "LEDGER_TIMEZONE", "TZ")
	_ = viper.BindEnv("FEE_ACCOUNT_ID")
	_ = viper.BindEnv("BANK_CODE")
	_ = viper.BindEnv("BRANCH_CODE")
	_ = viper.BindEnv("POLL_SCHEDULE")
	_ = viper.BindEnv("POLL_MIN_AGE_SECONDS")
	_ = viper.BindEnv("POLL_BATCH_SIZE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.sanitize(defaults)
	return
}

func (c *Config) sanitize(defaults policy.Policy) {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.MomoAPIBaseURL = strings.TrimSpace(c.MomoAPIBaseURL)
	c.JWTSecret = strings.TrimSpace(c.JWTSecret)
	c.JWKSURL = strings.TrimSpace(c.JWKSURL)

	c.RedisRateLimitPrefix = strings.TrimSpace(c.RedisRateLimitPrefix)
	if c.RedisRateLimitPrefix == "" {
		c.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	if c.RateLimitPerWindow < 0 {
		log.Printf("level=warn component=config msg=\"negative rate limit configured; disabling\" limit=%d", c.RateLimitPerWindow)
		c.RateLimitPerWindow = 0
	}
	if c.RateLimitWindowSeconds <= 0 {
		c.RateLimitWindowSeconds = 60
	}
	if strings.TrimSpace(c.EventsExchange) == "" {
		c.EventsExchange = defaultEventsExchange
	}
	if c.NotifierQueueSize <= 0 {
		c.NotifierQueueSize = 1024
	}
	if c.DBTxTimeoutSeconds <= 0 {
		c.DBTxTimeoutSeconds = 10
	}
	if c.MomoAPITimeoutSeconds <= 0 {
		c.MomoAPITimeoutSeconds = 15
	}
	if c.PollMinAgeSeconds < 0 {
		c.PollMinAgeSeconds = 0
	}
	if c.PollBatchSize <= 0 {
		c.PollBatchSize = 100
	}
	if c.FeeScale < 0 {
		log.Printf("level=warn component=config msg=\"negative fee scale configured; coercing to zero\" fee_scale=%d", c.FeeScale)
		c.FeeScale = 0
	}

	c.TransferFeeRate = parseRate("TRANSFER_FEE_RATE", c.TransferFeeRateRaw, defaults.TransferFeeRate)
	c.DepositFeeRate = parseRate("DEPOSIT_FEE_RATE", c.DepositFeeRateRaw, defaults.DepositFeeRate)
	c.WithdrawalFeeRate = parseRate("WITHDRAWAL_FEE_RATE", c.WithdrawalFeeRateRaw, defaults.WithdrawalFeeRate)
	c.HighValueThreshold = parsePositive("HIGH_VALUE_THRESHOLD", c.HighValueThresholdRaw, defaults.HighValueThreshold)
	c.DailyTransferLimit = parsePositive("DAILY_TRANSFER_LIMIT", c.DailyTransferLimitRaw, defaults.DailyTransferLimit)

	c.Location = time.UTC
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			log.Printf("level=warn component=config msg=\"unknown timezone; using UTC\" timezone=%q err=%v", tz, err)
		} else {
			c.Location = loc
		}
	}

	c.FeeAccountID = nil
	if raw := strings.TrimSpace(c.FeeAccountIDRaw); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			log.Printf("level=warn component=config msg=\"invalid FEE_ACCOUNT_ID; fees stay with the paying side\" value=%q err=%v", raw, err)
		} else {
			c.FeeAccountID = &id
		}
	}

	c.BankCode = strings.TrimSpace(c.BankCode)
	c.BranchCode = strings.TrimSpace(c.BranchCode)
	if err := c.RoutingPrefix().Validate(); err != nil {
		log.Printf("level=warn component=config msg=\"invalid routing prefix; using defaults\" bank_code=%q branch_code=%q err=%v", c.BankCode, c.BranchCode, err)
		c.BankCode, c.BranchCode = defaultBankCode, defaultBranchCode
	}
}

// parseRate reads a fractional fee rate in [0, 1].
func parseRate(key, raw string, fallback decimal.Decimal) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid %s; using default\" value=%q err=%v", key, raw, err)
		return fallback
	}
	if rate.IsNegative() {
		log.Printf("level=warn component=config msg=\"negative %s configured; coercing to zero\" value=%s", key, rate)
		return decimal.Zero
	}
	if rate.GreaterThan(decimal.NewFromInt(1)) {
		log.Printf("level=warn component=config msg=\"%s above 100%%; capping at 1\" value=%s", key, rate)
		return decimal.NewFromInt(1)
	}
	return rate
}

// parsePositive reads a strictly positive money amount.
func parsePositive(key, raw string, fallback decimal.Decimal) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := decimal.NewFromString(raw)
	if err != nil || !value.IsPositive() {
		log.Printf("level=warn component=config msg=\"invalid %s; using default\" value=%q err=%v", key, raw, err)
		return fallback
	}
	return value
}

// Policy assembles the fee and limit policy from the configured values.
func (c Config) Policy() policy.Policy {
	p := policy.Default()
	p.TransferFeeRate = c.TransferFeeRate
	p.DepositFeeRate = c.DepositFeeRate
	p.WithdrawalFeeRate = c.WithdrawalFeeRate
	p.FeeScale = c.FeeScale
	p.HighValueThreshold = c.HighValueThreshold
	p.DailyTransferLimit = c.DailyTransferLimit
	if c.Location != nil {
		p.Location = c.Location
	}
	return p
}

// RoutingPrefix is the bank and branch part of every generated RIB.
func (c Config) RoutingPrefix() domain.RoutingPrefix {
	return domain.RoutingPrefix{BankCode: c.BankCode, BranchCode: c.BranchCode}
}

// RateLimitWindow is the rate limiter window as a duration.
func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}
