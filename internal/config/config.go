package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr          string
	PublicURL           string
	PostgresUser        string
	PostgresPassword    string
	PostgresHost        string
	PostgresPort        string
	PostgresDatabase    string
	PostgresSSLMode     string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	S3Bucket            string
	S3Region            string
	S3Endpoint          string
	S3AccessKey         string
	S3SecretKey         string
	S3PublicBaseURL     string
	ImageSize           int
	SettingsRefresh     time.Duration
	TokenSweepInterval  time.Duration
	IPRateLimit         int
	IPRateLimitWindow   time.Duration
	TrustedProxyHeaders bool
}

func Load() *Config {
	cfg := &Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		PublicURL:           mustGetEnv("PUBLIC_URL"),
		PostgresUser:        getEnv("POSTGRES_USER", "qrfoundry"),
		PostgresPassword:    getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:        getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:        getEnv("POSTGRES_PORT", "5432"),
		PostgresDatabase:    getEnv("POSTGRES_DATABASE", "qrfoundry"),
		PostgresSSLMode:     getEnv("POSTGRES_SSL_MODE", "disable"),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		S3Bucket:            getEnv("S3_BUCKET", "qr-images"),
		S3Region:            getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:          mustGetEnv("S3_ENDPOINT"),
		S3AccessKey:         mustGetEnv("AWS_ACCESS_KEY_ID"),
		S3SecretKey:         mustGetEnv("AWS_SECRET_ACCESS_KEY"),
		S3PublicBaseURL:     getEnv("S3_PUBLIC_BASE_URL", ""),
		ImageSize:           getEnvInt("QR_IMAGE_SIZE", 256),
		SettingsRefresh:     getEnvDuration("SETTINGS_REFRESH", 30*time.Second),
		TokenSweepInterval:  getEnvDuration("TOKEN_SWEEP_INTERVAL", 15*time.Minute),
		IPRateLimit:         getEnvInt("IP_RATE_LIMIT", 100),
		IPRateLimitWindow:   getEnvDuration("IP_RATE_LIMIT_WINDOW", time.Minute),
		TrustedProxyHeaders: getEnvBool("TRUSTED_PROXY_HEADERS", true),
	}

	return cfg
}

func mustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic("Missing required environment variable: " + key)
	}
	return value
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
