package config // package config loads application configuration from environment variables

import (
	"os" // os provides access to environment variables

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  Nested structs group the settings of one
// component so they can be handed to it whole.
type Config struct {
	Env       string // application environment (e.g. "dev", "prod")
	Port      string // HTTP port to listen on
	DBDriver  string // "mysql" (default) or "sqlite3"
	DBUser    string // database username
	DBPass    string // database password (optional)
	DBHost    string // database host address
	DBPort    string // database port number
	DBName    string // database name
	DBPath    string // sqlite file path when DBDriver is sqlite3
	JWTSecret string // secret used to sign and verify service tokens; required by cmd/server and cmd/token

	StripeSecretKey     string // processor API key
	StripeWebhookSecret string // signing secret for webhook verification
	CheckoutSuccessURL  string // redirect after a successful checkout
	CheckoutCancelURL   string // redirect after an abandoned checkout

	AMQPURL          string // RabbitMQ URL; empty disables queue intake and events
	PaymentQueue     string // queue carrying payment.completed events
	SettlementQueue  string // queue receiving settlement events
	JurisdictionFile string // YAML table of minimum delays; empty uses defaults

	Settlement  SettlementConfig
	Idempotency IdempotencyConfig
	RateLimit   RateLimitConfig
}

// Load reads configuration values from environment variables (and a .env
// file when present) and returns a Config.  Required variables are
// enforced by must() and missing values terminate the process.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		zap.L().Debug("no .env file loaded", zap.Error(err))
	}
	cfg := Config{
		Env:       envStr("APP_ENV", "dev"),
		Port:      envStr("APP_PORT", "8080"),
		DBDriver:  envStr("DB_DRIVER", "mysql"),
		DBPass:    os.Getenv("DB_PASS"),
		DBPath:    envStr("DB_PATH", "settlement.db"),
		JWTSecret: os.Getenv("JWT_SECRET"),

		StripeSecretKey:     must("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutSuccessURL:  envStr("CHECKOUT_SUCCESS_URL", "http://localhost:8080/checkout/success"),
		CheckoutCancelURL:   envStr("CHECKOUT_CANCEL_URL", "http://localhost:8080/checkout/cancel"),

		AMQPURL:          os.Getenv("AMQP_URL"),
		PaymentQueue:     envStr("PAYMENT_QUEUE", "payment.completed"),
		SettlementQueue:  envStr("SETTLEMENT_QUEUE", "settlement.events"),
		JurisdictionFile: os.Getenv("JURISDICTION_FILE"),

		Settlement:  LoadSettlementConfig(),
		Idempotency: LoadIdempotencyConfig(),
		RateLimit:   LoadRateLimitConfig(),
	}
	if cfg.DBDriver == "mysql" {
		cfg.DBUser = must("DB_USER")
		cfg.DBHost = must("DB_HOST")
		cfg.DBPort = must("DB_PORT")
		cfg.DBName = must("DB_NAME")
	}
	return cfg
}

// RequireJWTSecret terminates the process when no token secret is set.
func (c Config) RequireJWTSecret() string {
	if c.JWTSecret == "" {
		zap.L().Fatal("missing required env var", zap.String("key", "JWT_SECRET"))
	}
	return c.JWTSecret
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		zap.L().Fatal("missing required env var", zap.String("key", key))
	}
	return v
}
