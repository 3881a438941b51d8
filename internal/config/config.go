package config

import (
	"os"
	"strconv"
	"time"
)

// Service identity, reported by the status endpoint.
const (
	Name          = "authsvc"
	Version       = "v1"
	CanonicalName = Name + Version
	Description   = "Authentication micro-service"

	TimeFormat = time.RFC3339
)

type Config struct {
	HTTPAddr      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	JWTSecret     string
	JWTIssuer     string
	SessionTTL    time.Duration
	OTPTTL        time.Duration
	OTPClockSkew  time.Duration
}

func Load() Config {
	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		JWTSecret:     getenv("JWT_SECRET", "dev-secret"),
		JWTIssuer:     getenv("JWT_ISSUER", CanonicalName),
		SessionTTL:    getenvDuration("SESSION_TTL", 8*time.Hour),
		OTPTTL:        getenvDuration("OTP_TTL", 5*time.Minute),
		OTPClockSkew:  getenvDuration("OTP_CLOCK_SKEW", time.Minute),
	}
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	if val := os.Getenv(key + "_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}
