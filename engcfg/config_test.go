package engcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ProfileLite, cfg.Profile)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "./syncstore.db", cfg.SQLite.Path)
	assert.Equal(t, 50, cfg.Paginate.PageSize)
	assert.False(t, cfg.UsesRedis())
	assert.True(t, cfg.IsLite())
}

func TestLoad_File(t *testing.T) {
	path := writeTempYAML(t, `
profile: standard
postgres:
  dsn: "postgres://localhost:5432/syncstore"
server:
  port: 9090
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProfileStandard, cfg.Profile)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost:5432/syncstore", cfg.Postgres.DSN)
	assert.False(t, cfg.IsLite())
}

func TestLoad_MissingConfigFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestValidate_LiteRequiresSQLitePath(t *testing.T) {
	cfg := &Config{Profile: ProfileLite, Server: ServerConfig{Port: 8080, Host: "0.0.0.0"}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite.path")
}

func TestValidate_StandardRequiresPostgresDSN(t *testing.T) {
	cfg := &Config{Profile: ProfileStandard, Server: ServerConfig{Port: 8080, Host: "0.0.0.0"}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres.dsn")
}

func TestValidate_RejectsUnknownProfile(t *testing.T) {
	cfg := &Config{Profile: "bogus", Server: ServerConfig{Port: 8080, Host: "0.0.0.0"}}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsOutOfRangePort(t *testing.T) {
	cfg := &Config{Profile: ProfileLite, SQLite: SQLiteConfig{Path: "x.db"}, Server: ServerConfig{Port: 0, Host: "0.0.0.0"}}
	err := cfg.Validate()
	require.Error(t, err)
}
