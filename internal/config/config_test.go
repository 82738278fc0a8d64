package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Setenv(EnvFile, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 15, cfg.Sweeper.TimeoutMinutes)
	assert.Equal(t, "@every 1m", cfg.Sweeper.Schedule)
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convroute.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
  request_timeout: 5s
store:
  driver: memory
sweeper:
  schedule: "*/5 * * * *"
  timeout_minutes: 30
  auto_escalate: true
redis:
  addr: ""
`), 0o600))

	t.Setenv("ADDR", ":7070")
	t.Setenv("SWEEPER_TIMEOUT_MINUTES", "45")
	t.Setenv(EnvFile, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 45, cfg.Sweeper.TimeoutMinutes)
	assert.True(t, cfg.Sweeper.AutoEscalate)
	assert.Equal(t, "*/5 * * * *", cfg.Sweeper.Schedule)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout())
	// untouched keys keep their defaults
	assert.Equal(t, 5, cfg.Routing.DefaultMaxChats)
}

func TestEmptyRedisEnvDisablesRedis(t *testing.T) {
	t.Setenv(EnvFile, "")
	t.Setenv("REDIS_ADDR", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"driver":   func(c *Config) { c.Store.Driver = "sqlite" },
		"timeout":  func(c *Config) { c.Sweeper.TimeoutMinutes = 0 },
		"schedule": func(c *Config) { c.Sweeper.Schedule = "every minute" },
		"maxchats": func(c *Config) { c.Routing.DefaultMaxChats = 0 },
		"amqp":     func(c *Config) { c.AMQP.URL = "amqp://x"; c.AMQP.Exchange = "" },
		"dburl":    func(c *Config) { c.Database.URL = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, validate(cfg))
		})
	}

	cfg := Default()
	cfg.Store.Driver = "memory"
	cfg.Database.URL = ""
	assert.NoError(t, validate(cfg))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
