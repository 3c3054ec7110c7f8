package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	DefaultBranch         string
	AuthSecret            string
	AccessTokenTTLMinutes int
	AutoCashbook          bool
	ReportCacheTTLSeconds int
}

func Load() Config {
	// Local .env is a dev convenience; missing file is fine.
	_ = godotenv.Load()

	return Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://localhost:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getEnvInt("REDIS_DB", 0),
		DefaultBranch:         getEnv("DEFAULT_BRANCH", "chi-nhanh-1"),
		AuthSecret:            getEnv("AUTH_SECRET", "dev-secret-change-me"),
		AccessTokenTTLMinutes: getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		AutoCashbook:          getEnv("AUTO_CASHBOOK", "true") != "false",
		ReportCacheTTLSeconds: getEnvInt("REPORT_CACHE_TTL_SECONDS", 30),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
