package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "saga-admin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsNeedDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load("", nil)
	assert.ErrorContains(t, err, "storage.dsn is required")
}

func TestLoadDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "postgres://localhost/test", cfg.Storage.DSN)
	assert.Equal(t, "saga_snapshots", cfg.Storage.Table)
	assert.Equal(t, 30*time.Second, cfg.Storage.Timeout)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := writeConfig(t, `
storage:
  backend: file
  dir: /var/lib/sagas
  timeout: 5s
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, BackendFile, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/sagas", cfg.Storage.Dir)
	assert.Equal(t, 5*time.Second, cfg.Storage.Timeout)
}

func TestLoadPrecedence(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := writeConfig(t, `
storage:
  backend: postgres
  dsn: postgres://file/db
  table: from_file
`)
	t.Setenv("SAGA_STORAGE_TABLE", "from_env")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "from_env", cfg.Storage.Table)
	assert.Equal(t, "postgres://file/db", cfg.Storage.DSN)

	cfg, err = Load(path, map[string]any{"storage.table": "from_flag"})
	require.NoError(t, err)
	assert.Equal(t, "from_flag", cfg.Storage.Table)
}

func TestReadSkipsValidation(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SAGA_STORAGE_TABLE", "orders_saga")

	cfg, err := Read("", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Storage.DSN)
	assert.Equal(t, "orders_saga", cfg.Storage.Table)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.ErrorContains(t, err, "failed to load config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		storage StorageConfig
		wantErr string
	}{
		{"postgres ok", StorageConfig{Backend: BackendPostgres, DSN: "x", Timeout: time.Second}, ""},
		{"file ok", StorageConfig{Backend: BackendFile, Dir: "/tmp", Timeout: time.Second}, ""},
		{"file without dir", StorageConfig{Backend: BackendFile, Timeout: time.Second}, "storage.dir"},
		{"unknown backend", StorageConfig{Backend: "redis", Timeout: time.Second}, "unknown storage backend"},
		{"zero timeout", StorageConfig{Backend: BackendFile, Dir: "/tmp"}, "storage.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Config{Storage: tt.storage}).Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "storage.dsn", envKey("SAGA_STORAGE_DSN"))
	assert.Equal(t, "storage.backend", envKey("SAGA_STORAGE_BACKEND"))
}
