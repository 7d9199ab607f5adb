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
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8087, cfg.TACS.IaPort)
	assert.Equal(t, 40000, cfg.TACS.XaPort)
	assert.Equal(t, 10, cfg.TACS.ProxyTimeout)
	assert.Equal(t, "/var/lib/testerman", cfg.Docroot.Path)
	assert.Equal(t, 1, cfg.Jobs.SchedulerInterval)
	assert.Equal(t, "loose", cfg.Jobs.SessionMergeMode)
	assert.Equal(t, "process", cfg.TE.Runtime)
	assert.Equal(t, []string{".py"}, cfg.TE.SourceExtensions)
	assert.Equal(t, "__init__.py", cfg.TE.PackageInit)
	assert.Empty(t, cfg.TE.CheckCommand)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
server:
  port: 9090
tacs:
  iaPort: 9087
  proxyTimeout: 5
docroot:
  path: /tmp/testerman
jobs:
  schedulerInterval: 2
te:
  runtime: docker
  dockerImage: testerman/te:latest
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 9087, cfg.TACS.IaPort)
	assert.Equal(t, 5*time.Second, cfg.TACS.ProxyTimeoutDuration())
	assert.Equal(t, "/tmp/testerman", cfg.Docroot.Path)
	assert.Equal(t, 2*time.Second, cfg.Jobs.SchedulerIntervalDuration())
	assert.Equal(t, "docker", cfg.TE.Runtime)
	assert.Equal(t, "testerman/te:latest", cfg.TE.DockerImage)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("TESTERMAN_SERVER_PORT", "7000")
	t.Setenv("TESTERMAN_NATS_URL", "nats://localhost:4222")
	t.Setenv("TESTERMAN_LOGGING_LEVEL", "warn")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	t.Run("rejects invalid runtime", func(t *testing.T) {
		dir := t.TempDir()
		content := "te:\n  runtime: chroot\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

		_, err := LoadWithPath(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "te.runtime")
	})

	t.Run("rejects invalid port", func(t *testing.T) {
		dir := t.TempDir()
		content := "server:\n  port: 123456\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

		_, err := LoadWithPath(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.port")
	})

	t.Run("rejects invalid session merge mode", func(t *testing.T) {
		dir := t.TempDir()
		content := "jobs:\n  sessionMergeMode: fuzzy\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

		_, err := LoadWithPath(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jobs.sessionMergeMode")
	})

	t.Run("requires host for pgx driver", func(t *testing.T) {
		dir := t.TempDir()
		content := "database:\n  driver: pgx\n  host: \"\"\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

		_, err := LoadWithPath(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.host")
	})

	t.Run("collects multiple errors", func(t *testing.T) {
		dir := t.TempDir()
		content := "server:\n  port: -1\nlogging:\n  level: loud\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

		_, err := LoadWithPath(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.port")
		assert.Contains(t, err.Error(), "logging.level")
	})
}

func TestPostgresDSN(t *testing.T) {
	d := DatabaseConfig{
		Host:     "dbhost",
		Port:     5433,
		User:     "u",
		Password: "p",
		DBName:   "testerman",
		SSLMode:  "disable",
	}
	assert.Equal(t, "host=dbhost port=5433 user=u password=p dbname=testerman sslmode=disable", d.DSN())
}

func TestVariables(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	vars := cfg.Variables()
	assert.Equal(t, 8087, vars["tacs.iaPort"])
	assert.Equal(t, "process", vars["te.runtime"])
	assert.Equal(t, "info", vars["logging.level"])
}
