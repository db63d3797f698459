package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const minimalYAML = `
kv:
  url: redis://localhost:6379/0
database:
  host: localhost
  port: 3306
  username: dialhub
  password: secret
  database: dialhub
auth:
  jwt_secret: test-secret
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dialhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.API.Port)
	require.Equal(t, 50, cfg.Dialer.MaxConcurrentPerWorker)
	require.Equal(t, 45, cfg.Dialer.PreDialLeaseTTLSeconds)
	require.Equal(t, 210, cfg.Dialer.ActiveLeaseTTLSeconds)
	require.Equal(t, 30000, cfg.Dialer.WaitlistAgingMs)
	require.Equal(t, 5, cfg.Dialer.CircuitBreakerThreshold)
	require.Equal(t, 10, cfg.Vendor.TimeoutSeconds)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	content := `
kv:
  url: redis://localhost:6379/0
database:
  host: localhost
  database: dialhub
`
	_, err := Load(writeConfig(t, content))
	require.ErrorContains(t, err, "jwt_secret")
}

func TestLoadValidatesLeaseTTLRanges(t *testing.T) {
	content := minimalYAML + `
dialer:
  pre_dial_lease_ttl_seconds: 10
`
	_, err := Load(writeConfig(t, content))
	require.ErrorContains(t, err, "pre_dial_lease_ttl_seconds")

	content = minimalYAML + `
dialer:
  active_lease_ttl_seconds: 600
`
	_, err = Load(writeConfig(t, content))
	require.ErrorContains(t, err, "active_lease_ttl_seconds")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DIALHUB_DB_PASSWORD", "from-env")
	t.Setenv("DIALHUB_KV_URL", "redis://other:6379/1")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Database.Password)
	require.Equal(t, "redis://other:6379/1", cfg.KV.URL)
}

func TestDSNFormat(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	require.Equal(t,
		"dialhub:secret@tcp(localhost:3306)/dialhub?parseTime=true&charset=utf8mb4",
		cfg.Database.DSN())
}
