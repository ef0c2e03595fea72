package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "chillwatch.db", cfg.Store.Path)
	assert.Equal(t, "data/dataset.csv", cfg.Paths.OutputFile)
	assert.Equal(t, 600, cfg.Run.TimeoutSecs)
	assert.Equal(t, 120, cfg.Run.SourceTimeoutSecs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Contains(t, cfg.Weather.ArchiveURL, "%d")
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := `
store:
  driver: postgres
  database_url: postgres://localhost/chillwatch
clp:
  export_path: /srv/exports/CHILLERS.csv
  min_power_kw: 2.5
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))
	chdir(t, dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/chillwatch", cfg.Store.DatabaseURL)
	assert.Equal(t, "/srv/exports/CHILLERS.csv", cfg.CLP.ExportPath)
	assert.Equal(t, 2.5, cfg.CLP.MinPowerKW)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Defaults still apply for unset sections.
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CHILLWATCH_STORE_PATH", "/tmp/other.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.db", cfg.Store.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"sqlite ok", func(c *Config) {}, false},
		{"sqlite missing path", func(c *Config) { c.Store.Path = "" }, true},
		{"postgres missing url", func(c *Config) { c.Store.Driver = "postgres" }, true},
		{"postgres ok", func(c *Config) {
			c.Store.Driver = "postgres"
			c.Store.DatabaseURL = "postgres://localhost/x"
		}, false},
		{"unknown driver", func(c *Config) { c.Store.Driver = "oracle" }, true},
		{"zero timeout", func(c *Config) { c.Run.TimeoutSecs = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t, t.TempDir())
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
