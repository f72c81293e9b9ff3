package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Submission.ChunkSize)
	assert.Equal(t, 3, cfg.Submission.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Submission.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.Submission.AttemptTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.Log.Level)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 10*time.Minute, cfg.Server.FlushTimeout)
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_DSN", "file:research.db")
	t.Setenv("CACHE_DRIVER", "memory")
	t.Setenv("SUBMISSION_CHUNK_SIZE", "10")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SESSION_IDLE_TTL", "45m")
	t.Setenv("FLUSH_TIMEOUT", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Equal(t, 10, cfg.Submission.ChunkSize)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.Log.Level)
	assert.Equal(t, 45*time.Minute, cfg.Cleanup.SessionIdleTTL)
	assert.Equal(t, 90*time.Second, cfg.Server.FlushTimeout)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"SERVER_PORT": "70000"}},
		{"bad driver", map[string]string{"DATABASE_DRIVER": "mysql"}},
		{"empty dsn", map[string]string{"DATABASE_DSN": ""}},
		{"bad cache", map[string]string{"CACHE_DRIVER": "disk"}},
		{"zero chunk", map[string]string{"SUBMISSION_CHUNK_SIZE": "0"}},
		{"zero attempts", map[string]string{"SUBMISSION_MAX_ATTEMPTS": "0"}},
		{"zero flush timeout", map[string]string{"FLUSH_TIMEOUT": "0s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
