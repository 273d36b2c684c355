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
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Database.Workers)
	assert.Equal(t, 15*time.Second, cfg.Render.Debounce.Std())
	assert.Equal(t, 64*1024, cfg.Transfer.ChunkSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  dsn: /tmp/test.db
  workers: 8
render:
  debounce: 30s
log:
  level: debug
  debug: [coordinator, db-pool]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", cfg.Database.DSN)
	assert.Equal(t, 8, cfg.Database.Workers)
	assert.Equal(t, 30*time.Second, cfg.Render.Debounce.Std())
	assert.Equal(t, []string{"coordinator", "db-pool"}, cfg.Log.Debug)
	// Untouched sections keep their defaults.
	assert.Equal(t, ":5555", cfg.Sockets.Builder)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Transfer.Window = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.DSN = ""
	assert.Error(t, cfg.Validate())

	assert.NoError(t, Default().Validate())
}
