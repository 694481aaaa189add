package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 25, cfg.Query.DefaultLimit)
	assert.Equal(t, 100, cfg.Query.MaxLimit)
	assert.Equal(t, "file", cfg.Metadata.Source)
	assert.Equal(t, "db", cfg.Audit.Sink)
	assert.Equal(t, 4, cfg.Audit.Workers)
	assert.Equal(t, "postgres://postgres:@localhost:5432/workorders?sslmode=disable", cfg.Database.DSN())
}

func TestLoadFrom_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.yaml"), []byte(`
server:
  port: 9000
database:
  driver: sqlite
  name: field_ops
  path: /var/lib/wo
query:
  default_limit: 500
  max_limit: 50
audit:
  sink: redis
`), 0o600))
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("AUDIT_REDIS_KEY", "audit:wo")

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.True(t, cfg.Database.IsSQLite())
	assert.Equal(t, "/var/lib/wo/field_ops.db", cfg.Database.DSN())
	// default clamped to the max
	assert.Equal(t, 50, cfg.Query.DefaultLimit)
	assert.Equal(t, "redis", cfg.Audit.Sink)
	assert.Equal(t, "audit:wo", cfg.Audit.RedisKey)
}

func TestLoadFrom_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"non-positive max limit", map[string]string{"QUERY_MAX_LIMIT": "0"}},
		{"unknown audit sink", map[string]string{"AUDIT_SINK": "kafka"}},
		{"unknown metadata source", map[string]string{"METADATA_SOURCE": "etcd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFrom(t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestDSN_SQLiteMemory(t *testing.T) {
	assert.Equal(t, ":memory:", DatabaseConfig{Driver: "sqlite", Name: ":memory:"}.DSN())
}
