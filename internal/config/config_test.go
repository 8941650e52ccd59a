package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REMOTE_BASE_URL", "https://compute.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "api", cfg.ExecutionMode)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, ":9090", cfg.HTTP.MetricsAddr)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "patchwork.db", cfg.Store.Path)
	assert.Equal(t, 30*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.Docker.Timeout)
	assert.Equal(t, time.Second, cfg.Processor.PollInterval)
	assert.Equal(t, 3, cfg.Processor.MaxPollRetries)
	assert.Equal(t, 2*time.Second, cfg.Stream.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 2, cfg.Webhook.Workers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EXECUTION_MODE", "docker")
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DOCKER_IMAGE", "custom-runner:v2")
	t.Setenv("DOCKER_EXTRA_HOSTS", "a.local:10.0.0.1,b.local:10.0.0.2")
	t.Setenv("PROCESSOR_POLL_INTERVAL", "250ms")
	t.Setenv("STREAM_INTERVAL", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "docker", cfg.ExecutionMode)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "custom-runner:v2", cfg.Docker.Image)
	assert.Equal(t, []string{"a.local:10.0.0.1", "b.local:10.0.0.2"}, cfg.Docker.ExtraHosts)
	assert.Equal(t, 250*time.Millisecond, cfg.Processor.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Stream.Interval)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "bad execution mode",
			env:  map[string]string{"EXECUTION_MODE": "teleport"},
		},
		{
			name: "bad store driver",
			env:  map[string]string{"STORE_DRIVER": "postgres", "REMOTE_BASE_URL": "https://x"},
		},
		{
			name: "api mode without base url",
			env:  map[string]string{"EXECUTION_MODE": "api"},
		},
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

func TestValidateSQLiteRequiresPath(t *testing.T) {
	cfg := Config{ExecutionMode: "docker"}
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = ""
	assert.Error(t, cfg.Validate())

	cfg.Store.Path = "jobs.db"
	assert.NoError(t, cfg.Validate())
}

func TestSanitizeClamps(t *testing.T) {
	cfg := Config{}
	cfg.ExecutionMode = " Docker "
	cfg.Store.Driver = "MEMORY"
	cfg.Processor.PollInterval = -1
	cfg.Webhook.Workers = 0
	cfg.Webhook.BufferSize = -5

	cfg.Sanitize()

	assert.Equal(t, "docker", cfg.ExecutionMode)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, time.Second, cfg.Processor.PollInterval)
	assert.Equal(t, 2, cfg.Webhook.Workers)
	assert.Equal(t, 64, cfg.Webhook.BufferSize)
}

func TestSecretFileIndirection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("  sekrit\n"), 0o600))

	t.Setenv("EXECUTION_MODE", "docker")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("REMOTE_TOKEN_FILE", path)
	t.Setenv("WEBHOOK_SIGNING_KEY_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sekrit", cfg.Remote.Token)
	assert.Equal(t, "sekrit", cfg.Webhook.SigningKey)
}

func TestSecretFileDirectValueWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("file-token"), 0o600))

	t.Setenv("REMOTE_BASE_URL", "https://x")
	t.Setenv("REMOTE_TOKEN", "env-token")
	t.Setenv("REMOTE_TOKEN_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Remote.Token)
}

func TestReadSecretFile(t *testing.T) {
	assert.Empty(t, ReadSecretFile(""))
	assert.Empty(t, ReadSecretFile("/does/not/exist"))

	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("value\n"), 0o600))
	assert.Equal(t, "value", ReadSecretFile(path))
}
