package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every key for the test; viper ignores empty variables
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "ENVIRONMENT", "ALLOWED_ORIGINS", "JWT_SECRET",
		"REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "REDIS_DB",
		"SIGNALING_BACKEND", "SESSION_TTL", "ICE_SERVERS", "SIGNALING_URL",
		"AUTH_TOKEN", "LOG_LEVEL", "LOG_FILE",
	} {
		t.Setenv(key, "")
	}
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, []string{"http://localhost:*"}, cfg.AllowedOrigins)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, BackendRedis, cfg.SignalingBackend)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}, cfg.ICEServers)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "studyroom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"9000\"\nsignaling_backend: memory\nsession_ttl: 2h\nredis_db: 3\n"), 0o644))
	t.Setenv("PORT", "9100")
	t.Setenv("ALLOWED_ORIGINS", "http://localhost:*, https://studyair.app ,")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Port, "environment wins over the file")
	assert.Equal(t, BackendMemory, cfg.SignalingBackend)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, []string{"http://localhost:*", "https://studyair.app"}, cfg.AllowedOrigins)
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	// godotenv only fills unset variables and writes straight to the process env
	os.Unsetenv("LOG_LEVEL")
	require.NoError(t, os.WriteFile(".env", []byte("LOG_LEVEL=DEBUG\n"), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"SIGNALING_BACKEND": "firestore"}},
		{"non-positive ttl", map[string]string{"SESSION_TTL": "-1s"}},
		{"no ice servers", map[string]string{"ICE_SERVERS": " , "}},
		{"default secret in production", map[string]string{"ENVIRONMENT": "production"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}
