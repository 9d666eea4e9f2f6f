package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "access-secret-0123456789")
	t.Setenv("JWT_REFRESH_SECRET", "refresh-secret-9876543210")
	t.Setenv("JWT_EXPIRES_IN", "")
	t.Setenv("JWT_REFRESH_EXPIRES_IN", "")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("KAFKA_BROKER", "")
}

func TestLoad_Defaults(t *testing.T) {
	setValidEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 15*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTTL)
}

func TestLoad_TTLOverrides(t *testing.T) {
	setValidEnv(t)
	t.Setenv("JWT_EXPIRES_IN", "5m")
	t.Setenv("JWT_REFRESH_EXPIRES_IN", "48h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 48*time.Hour, cfg.RefreshTTL)
}

func TestLoad_InvalidTTL(t *testing.T) {
	setValidEnv(t)
	t.Setenv("JWT_EXPIRES_IN", "fifteen minutes")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_SecretPolicy(t *testing.T) {
	t.Run("short access secret", func(t *testing.T) {
		setValidEnv(t)
		t.Setenv("JWT_SECRET", "short")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JWT_SECRET")
	})

	t.Run("short refresh secret", func(t *testing.T) {
		setValidEnv(t)
		t.Setenv("JWT_REFRESH_SECRET", "short")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JWT_REFRESH_SECRET")
	})

	t.Run("identical secrets", func(t *testing.T) {
		setValidEnv(t)
		t.Setenv("JWT_REFRESH_SECRET", "access-secret-0123456789")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must differ")
	})
}
