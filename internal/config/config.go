package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	AutoMigrate           bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	DefaultBranchID       string
	AuthSecret            string
	AccessTokenTTLMinutes int
	LogLevel              string
	LogFormat             string
	KafkaBrokers          string
	KafkaAuditTopic       string
	AuthorizeChunkSize    int
	ActiveSessionCacheTTL time.Duration
	SeedAdminPassword     string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	chunkSize, err := strconv.Atoi(getEnv("AUTHORIZE_CHUNK_SIZE", "0"))
	if err != nil || chunkSize < 0 {
		chunkSize = 0
	}
	cacheTTL, err := strconv.Atoi(getEnv("ACTIVE_SESSION_CACHE_TTL_SECONDS", "15"))
	if err != nil || cacheTTL < 1 {
		cacheTTL = 15
	}
	autoMigrate, _ := strconv.ParseBool(getEnv("AUTO_MIGRATE", "false"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AutoMigrate:           autoMigrate,
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		DefaultBranchID:       getEnv("DEFAULT_BRANCH_ID", "main-branch"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(getEnv("LOG_FORMAT", "json")),
		KafkaBrokers:          strings.TrimSpace(os.Getenv("KAFKA_BROKERS")),
		KafkaAuditTopic:       getEnv("KAFKA_AUDIT_TOPIC", "stock.adjustments.applied"),
		AuthorizeChunkSize:    chunkSize,
		ActiveSessionCacheTTL: time.Duration(cacheTTL) * time.Second,
		SeedAdminPassword:     os.Getenv("SEED_ADMIN_PASSWORD"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
