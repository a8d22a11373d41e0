package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionString(t *testing.T) {
	cfg := DatabaseConfig{Host: "localhost", Port: 5432, User: "user", Password: "pass", Name: "db", SSLMode: "disable"}
	want := "host=localhost port=5432 user=user password=pass dbname=db sslmode=disable"
	assert.Equal(t, want, cfg.ConnectionString())
}

func TestConnectionString_DefaultsSSLMode(t *testing.T) {
	cfg := DatabaseConfig{Host: "h", Port: 1, User: "u", Password: "p", Name: "d"}
	assert.Contains(t, cfg.ConnectionString(), "sslmode=disable")
}

func TestCacheConfig_Addr(t *testing.T) {
	cfg := CacheConfig{Host: "redis.internal", Port: 6379}
	assert.Equal(t, "redis.internal:6379", cfg.Addr())
}

func TestNewDefaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, 300*time.Second, cfg.Orchestrator.CheckpointInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.example.com")
	t.Setenv("ORCH_MAX_RETRIES", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "db.example.com", cfg.Database.Host)
	assert.Equal(t, 7, cfg.Orchestrator.MaxRetries)
}

func TestLoad_DatabaseURLOverride(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@host/db")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@host/db", cfg.DSN())
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9999\"\n"), 0o644))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestTracingConfig_MergeAttributes(t *testing.T) {
	base := TracingConfig{Attributes: map[string]string{"env": "prod"}}
	merged := base.MergeAttributes(map[string]string{"region": "us"})
	assert.Equal(t, "prod", merged["env"])
	assert.Equal(t, "us", merged["region"])
}
