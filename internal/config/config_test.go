package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/understory/internal/scheduler"
)

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, ".understory/index.db", cfg.DB)
	assert.Equal(t, ".understory/attrs", cfg.AttrsDir)
	assert.Equal(t, "understory.hcl", cfg.Manifest)
	assert.Equal(t, 8, cfg.RecursionLimit)
	assert.Positive(t, cfg.Workers)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, time.Duration(0), cfg.ExpandTimeout)

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, scheduler.FailSoft, p)
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "understory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db: custom.db
workers: 3
recursion_limit: 4
missing_deps: fast
expand_timeout: 2s
log:
  level: debug
  format: json
`), 0o644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "custom.db", cfg.DB)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 4, cfg.RecursionLimit)
	assert.Equal(t, 2*time.Second, cfg.ExpandTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, scheduler.FailFast, p)

	logger, err := cfg.Log.BuildLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("UNDERSTORY_WORKERS", "5")
	t.Setenv("UNDERSTORY_LOG_LEVEL", "warn")
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 2\n"), 0o644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Parallel()
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			DB: "x.db", Workers: 1, RecursionLimit: 1, MaxOutput: 1,
			MissingDeps: "soft", Log: LogConfig{Level: "info", Format: "console"},
		}
	}
	ok := valid()
	require.NoError(t, ok.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"workers", func(c *Config) { c.Workers = 0 }},
		{"recursion limit", func(c *Config) { c.RecursionLimit = 0 }},
		{"max output", func(c *Config) { c.MaxOutput = -1 }},
		{"timeout", func(c *Config) { c.ExpandTimeout = -time.Second }},
		{"db", func(c *Config) { c.DB = "" }},
		{"policy", func(c *Config) { c.MissingDeps = "sometimes" }},
		{"level", func(c *Config) { c.Log.Level = "loud" }},
		{"format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tt.mutate(&c)
			require.Error(t, c.Validate())
		})
	}
}
