package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Public base URL embedded in QR payloads ({BaseURL}/validate/{reference})
	BaseURL string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Stripe configuration
	StripeSecretKey     string
	StripeWebhookSecret string
	Currency            string
	PremiumPrice        decimal.Decimal

	// MailerSend configuration
	MailerSendAPIKey string
	FromName         string
	FromEmail        string

	// Scan configuration
	FrameInterval  time.Duration
	DocumentScales []float64

	// Timeout configuration
	PaymentTimeout time.Duration
	DraftTTL       time.Duration

	// Rate limiting
	ScanRateLimit  int
	ScanRateWindow time.Duration

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8090"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Stripe
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		Currency:            getEnv("CURRENCY", "usd"),
		PremiumPrice:        getEnvAsDecimal("PREMIUM_PRICE", "25.00"),

		// MailerSend
		MailerSendAPIKey: getEnv("MAILERSEND_API_KEY", ""),
		FromName:         getEnv("MAIL_FROM_NAME", "EventPass"),
		FromEmail:        getEnv("MAIL_FROM_EMAIL", "tickets@eventpass.local"),

		// Scanning
		FrameInterval:  getEnvAsDuration("FRAME_INTERVAL", "100ms"),
		DocumentScales: getEnvAsScales("DOCUMENT_SCALES", "4.0,3.0,2.0"),

		// Timeouts
		PaymentTimeout: getEnvAsDuration("PAYMENT_TIMEOUT", "10m"),
		DraftTTL:       getEnvAsDuration("DRAFT_TTL", "30m"),

		// Rate limiting
		ScanRateLimit:  getEnvAsInt("SCAN_RATE_LIMIT", 30),
		ScanRateWindow: getEnvAsDuration("SCAN_RATE_WINDOW", "1m"),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, fall back to the default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

func getEnvAsDecimal(key string, defaultValue string) decimal.Decimal {
	valueStr := getEnv(key, defaultValue)
	if value, err := decimal.NewFromString(valueStr); err == nil {
		return value
	}
	value, _ := decimal.NewFromString(defaultValue)
	return value
}

// getEnvAsScales parses a comma-separated list of render scale factors.
// Invalid entries are skipped; an empty result falls back to the default.
func getEnvAsScales(key string, defaultValue string) []float64 {
	parse := func(s string) []float64 {
		var scales []float64
		for _, part := range strings.Split(s, ",") {
			if v, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err == nil && v > 0 {
				scales = append(scales, v)
			}
		}
		return scales
	}

	if scales := parse(getEnv(key, "")); len(scales) > 0 {
		return scales
	}
	return parse(defaultValue)
}
