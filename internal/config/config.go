/**
 * @description
 * This package handles the configuration management for the order service. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file, then normalizes the values the rest of the service relies on.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	defaultRedisKeyPrefix     = "fnms"
	defaultEventsExchange     = "storefront_events"
	defaultOrderStatusQueue   = "order_service.status_updates"
	defaultPaystackBaseURL    = "https://api.paystack.co"
	defaultSweepSchedule      = "*/15 * * * *"
	defaultVerifyTimeoutSecs  = 10
	defaultSideEffectTimeout  = 15
	defaultOrderRatePerMinute = 10
)

// Config holds all the configuration variables for the order service.
type Config struct {
	ServerPort                   string   `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string   `mapstructure:"DATABASE_URL"`
	RunMigrations                bool     `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                     string   `mapstructure:"REDIS_URL"`
	RedisKeyPrefix               string   `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL                  string   `mapstructure:"RABBITMQ_URL"`
	EventsExchange               string   `mapstructure:"EVENTS_EXCHANGE"`
	OrderStatusQueue             string   `mapstructure:"ORDER_STATUS_QUEUE"`
	JWKSURL                      string   `mapstructure:"JWKS_URL"`
	JWTIssuer                    string   `mapstructure:"JWT_ISSUER"`
	JWTAudience                  string   `mapstructure:"JWT_AUDIENCE"`
	AllowedOrigins               []string `mapstructure:"-"`
	TrustProxyHeaders            bool     `mapstructure:"TRUST_PROXY_HEADERS"`
	PaystackBaseURL              string   `mapstructure:"PAYSTACK_BASE_URL"`
	PaystackSecretKey            string   `mapstructure:"PAYSTACK_SECRET_KEY"`
	PaystackCallbackURL          string   `mapstructure:"PAYSTACK_CALLBACK_URL"`
	PaystackVerifyTimeoutSeconds int      `mapstructure:"PAYSTACK_VERIFY_TIMEOUT_SECONDS"`
	OrderRateLimitPerMinute      int      `mapstructure:"ORDER_RATE_LIMIT_PER_MINUTE"`
	MinTopUpCents                int64    `mapstructure:"MIN_TOP_UP_CENTS"`
	MaxTopUpCents                int64    `mapstructure:"MAX_TOP_UP_CENTS"`
	SideEffectTimeoutSeconds     int      `mapstructure:"SIDE_EFFECT_TIMEOUT_SECONDS"`
	PendingPaymentSweepSchedule  string   `mapstructure:"PENDING_PAYMENT_SWEEP_SCHEDULE"`
	PendingPaymentStaleMinutes   int      `mapstructure:"PENDING_PAYMENT_STALE_MINUTES"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("TRUST_PROXY_HEADERS", false)
	viper.SetDefault("REDIS_KEY_PREFIX", defaultRedisKeyPrefix)
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("ORDER_STATUS_QUEUE", defaultOrderStatusQueue)
	viper.SetDefault("PAYSTACK_BASE_URL", defaultPaystackBaseURL)
	viper.SetDefault("PAYSTACK_VERIFY_TIMEOUT_SECONDS", defaultVerifyTimeoutSecs)
	viper.SetDefault("ORDER_RATE_LIMIT_PER_MINUTE", defaultOrderRatePerMinute)
	viper.SetDefault("MIN_TOP_UP_CENTS", 10000)
	viper.SetDefault("MAX_TOP_UP_CENTS", 10000000)
	viper.SetDefault("SIDE_EFFECT_TIMEOUT_SECONDS", defaultSideEffectTimeout)
	viper.SetDefault("PENDING_PAYMENT_SWEEP_SCHEDULE", defaultSweepSchedule)
	viper.SetDefault("PENDING_PAYMENT_STALE_MINUTES", 60)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("ORDER_STATUS_QUEUE")
	_ = viper.BindEnv("JWKS_URL", "JWKS_URL", "AUTH_JWKS_URL")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("TRUST_PROXY_HEADERS")
	_ = viper.BindEnv("PAYSTACK_BASE_URL")
	_ = viper.BindEnv("PAYSTACK_SECRET_KEY", "PAYSTACK_SECRET_KEY", "PAYSTACK_SECRET")
	_ = viper.BindEnv("PAYSTACK_CALLBACK_URL")
	_ = viper.BindEnv("PAYSTACK_VERIFY_TIMEOUT_SECONDS")
	_ = viper.BindEnv("ORDER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("MIN_TOP_UP_CENTS")
	_ = viper.BindEnv("MIN_TOP_UP")
	_ = viper.BindEnv("MAX_TOP_UP_CENTS")
	_ = viper.BindEnv("MAX_TOP_UP")
	_ = viper.BindEnv("SIDE_EFFECT_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PENDING_PAYMENT_SWEEP_SCHEDULE")
	_ = viper.BindEnv("PENDING_PAYMENT_STALE_MINUTES")

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
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.Trim(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = defaultRedisKeyPrefix
	}
	config.PaystackSecretKey = strings.TrimSpace(config.PaystackSecretKey)
	config.PaystackBaseURL = strings.TrimRight(strings.TrimSpace(config.PaystackBaseURL), "/")
	if config.PaystackBaseURL == "" {
		config.PaystackBaseURL = defaultPaystackBaseURL
	}
	config.AllowedOrigins = splitList(viper.GetString("CORS_ALLOWED_ORIGINS"))

	// Top-up bounds may be given in whole currency units via MIN_TOP_UP / MAX_TOP_UP.
	if cents, ok := wholeUnitsToCents("MIN_TOP_UP"); ok {
		config.MinTopUpCents = cents
	}
	if cents, ok := wholeUnitsToCents("MAX_TOP_UP"); ok {
		config.MaxTopUpCents = cents
	}
	if config.MinTopUpCents <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive minimum top-up; coercing to 1\" min_top_up_cents=%d", config.MinTopUpCents)
		config.MinTopUpCents = 1
	}
	if config.MaxTopUpCents < config.MinTopUpCents {
		log.Printf("level=warn component=config msg=\"maximum top-up below minimum; using minimum\" min_top_up_cents=%d max_top_up_cents=%d", config.MinTopUpCents, config.MaxTopUpCents)
		config.MaxTopUpCents = config.MinTopUpCents
	}

	if config.PaystackVerifyTimeoutSeconds <= 0 {
		config.PaystackVerifyTimeoutSeconds = defaultVerifyTimeoutSecs
	}
	if config.SideEffectTimeoutSeconds <= 0 {
		config.SideEffectTimeoutSeconds = defaultSideEffectTimeout
	}
	if config.OrderRateLimitPerMinute < 0 {
		config.OrderRateLimitPerMinute = 0
	}
	if strings.TrimSpace(config.PendingPaymentSweepSchedule) == "" {
		config.PendingPaymentSweepSchedule = defaultSweepSchedule
	}
	if config.PendingPaymentStaleMinutes <= 0 {
		config.PendingPaymentStaleMinutes = 60
	}

	return
}

func wholeUnitsToCents(key string) (int64, bool) {
	if !viper.IsSet(key) {
		return 0, false
	}
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid %s\" value=%q err=%v", key, raw, err)
		return 0, false
	}
	return int64(math.Round(value * 100)), true
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
