package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	assert.Empty(t, cfg.AuthSecret, "AUTH_SECRET must stay empty when unset")
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "DEFAULT_BRANCH_ID", "LOG_LEVEL", "LOG_FORMAT", "KAFKA_AUDIT_TOPIC",
		"AUTHORIZE_CHUNK_SIZE", "ACTIVE_SESSION_CACHE_TTL_SECONDS", "AUTO_MIGRATE", "ACCESS_TOKEN_TTL_MINUTES",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, "main-branch", cfg.DefaultBranchID)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "stock.adjustments.applied", cfg.KafkaAuditTopic)
	assert.Equal(t, 0, cfg.AuthorizeChunkSize)
	assert.Equal(t, 15*time.Second, cfg.ActiveSessionCacheTTL)
	assert.Equal(t, 480, cfg.AccessTokenTTLMinutes)
	assert.False(t, cfg.AutoMigrate)
}

func TestLoadOverridesAndRejectsBadNumbers(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AUTO_MIGRATE", "true")
	t.Setenv("AUTHORIZE_CHUNK_SIZE", "-4")
	t.Setenv("ACTIVE_SESSION_CACHE_TTL_SECONDS", "nope")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("KAFKA_BROKERS", " kafka-1:9092,kafka-2:9092 ")

	cfg := Load()
	assert.Equal(t, ":9090", cfg.Address())
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, 0, cfg.AuthorizeChunkSize)
	assert.Equal(t, 15*time.Second, cfg.ActiveSessionCacheTTL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "kafka-1:9092,kafka-2:9092", cfg.KafkaBrokers)
}
