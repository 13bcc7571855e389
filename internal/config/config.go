package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config holds every environment-driven setting the relay needs.
type Config struct {
	Port    string
	GinMode string

	DatabaseURL string

	// Connect-stage session auth (external collaborator's cookie).
	JWTJWKSURL string

	// Upstream STT provider.
	UpstreamProviders *ProviderCatalog `yaml:"upstream_providers"`
	UpstreamAPIKeyEnvVar string

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // minutes
	DBConnMaxLifetime int // minutes

	// Write queue
	WriteQueueMaxRetries int

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string

	// Quota
	RateLimitSoftMultiplier float64
}

var AppConfig *Config

// LoadConfig reads .env, environment variables, and the YAML provider
// catalog overlay into AppConfig.
func LoadConfig() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost/voicerelay?sslmode=disable"),

		JWTJWKSURL: getEnvOrDefault("JWT_JWKS_URL", ""),

		UpstreamAPIKeyEnvVar: getEnvOrDefault("UPSTREAM_API_KEY_ENV_VAR", "STT_PROVIDER_API_KEY"),

		StripeSecretKey:     strings.TrimSpace(getEnvOrDefault("STRIPE_SECRET_KEY", "")),
		StripeWebhookSecret: strings.TrimSpace(getEnvOrDefault("STRIPE_WEBHOOK_SECRET", "")),

		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		WriteQueueMaxRetries: getEnvAsInt("WRITE_QUEUE_MAX_RETRIES", 3),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),

		RateLimitSoftMultiplier: getEnvFloat("QUOTA_SOFT_MULTIPLIER", 1.0),
	}

	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	configFile, err := os.Open(configFilePath)
	if err != nil {
		log.Fatalf("Failed to open config file: %v", err)
	}
	defer configFile.Close()

	if err := LoadConfigFile(configFile, AppConfig); err != nil {
		log.Fatalf("Failed to load config file: %v", err)
	}

	if AppConfig.UpstreamProviders == nil || len(AppConfig.UpstreamProviders.Providers) == 0 {
		log.Fatal("upstream provider configuration is empty")
	}

	if AppConfig.StripeSecretKey == "" || AppConfig.StripeWebhookSecret == "" {
		log.Println("Warning: Stripe credentials are missing. Subscription lifecycle ingestion will reject webhooks.")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		log.Printf("Warning: failed to parse %s as int, using default %d", key, defaultValue)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
		log.Printf("Warning: failed to parse %s as float, using default %f", key, defaultValue)
	}
	return defaultValue
}

// LoadConfigFile decodes the YAML provider-catalog overlay into config.
func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)
	return decoder.Decode(config)
}
