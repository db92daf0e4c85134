package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/routeledger/pkg/archive"
	"github.com/Mindburn-Labs/routeledger/pkg/config"
)

// TestLoad_Defaults verifies that Load returns a runnable configuration
// when no file and no environment variables are given.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ROUTELEDGER_STORE_BACKEND", "")
	t.Setenv("ROUTELEDGER_LOG_LEVEL", "")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, "audit_ledger.json", cfg.Store.Location())
	assert.Equal(t, "local", cfg.Lock.Backend)
	assert.False(t, cfg.Annotator.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Annotator.Timeout)
	assert.Equal(t, archive.SinkTypeFS, cfg.Archive.Type)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routeledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
log:
  level: debug
  format: json
store:
  backend: sqlite
  path: /var/lib/routeledger/ledger.db
lock:
  backend: redis
  ttl: 5s
annotator:
  enabled: true
  model: summarizer-small
  timeout: 3s
archive:
  type: s3
  bucket: ledger-archive
`), 0o600))

	t.Setenv("ROUTELEDGER_ADDR", ":7070")
	t.Setenv("ROUTELEDGER_ANNOTATOR_API_KEY", "secret")
	t.Setenv("ROUTELEDGER_ARCHIVE_PREFIX", "prod/")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr, "environment overrides the file")
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/var/lib/routeledger/ledger.db", cfg.Store.Location())
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, 5*time.Second, cfg.Lock.TTL)
	assert.Equal(t, "routeledger:writer", cfg.Lock.Key, "unset file keys keep defaults")
	assert.True(t, cfg.Annotator.Enabled)
	assert.Equal(t, "secret", cfg.Annotator.APIKey)
	assert.Equal(t, 3*time.Second, cfg.Annotator.Timeout)
	assert.Equal(t, archive.SinkTypeS3, cfg.Archive.Type)
	assert.Equal(t, "prod/", cfg.Archive.Prefix)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"ROUTELEDGER_STORE_BACKEND": "mongo"}},
		{"postgres without dsn", map[string]string{"ROUTELEDGER_STORE_BACKEND": "postgres"}},
		{"redis lock on file store", map[string]string{"ROUTELEDGER_LOCK_BACKEND": "redis"}},
		{"bad bool", map[string]string{"ROUTELEDGER_ANNOTATOR_ENABLED": "sometimes"}},
		{"bad duration", map[string]string{"ROUTELEDGER_ANNOTATOR_TIMEOUT": "soon"}},
		{"bad level", map[string]string{"ROUTELEDGER_LOG_LEVEL": "chatty"}},
		{"bad format", map[string]string{"ROUTELEDGER_LOG_FORMAT": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_PostgresDSNFromEnv(t *testing.T) {
	t.Setenv("ROUTELEDGER_STORE_BACKEND", "postgres")
	t.Setenv("ROUTELEDGER_DATABASE_URL", "postgres://ledger@localhost:5432/ledger?sslmode=disable")
	t.Setenv("ROUTELEDGER_LOCK_BACKEND", "redis")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://ledger@localhost:5432/ledger?sslmode=disable", cfg.Store.Location())
}
