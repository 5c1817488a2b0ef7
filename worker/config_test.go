package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/brook"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, v := range []string{"REDIS_URL", "DEFAULT_WORKERS", "WORKERS_FILE", "DRAIN_TIMEOUT", "DEBUG"} {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, 4, cfg.DefaultWorkers)
	assert.Empty(t, cfg.WorkersFile)
	assert.Equal(t, 10*time.Second, cfg.DrainTimeout)
	assert.False(t, cfg.Debug)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://broker:6380/1")
	t.Setenv("DEFAULT_WORKERS", "8")
	t.Setenv("WORKERS_FILE", "/etc/brook/workers.yaml")
	t.Setenv("DRAIN_TIMEOUT", "30s")
	t.Setenv("DEBUG", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "redis://broker:6380/1", cfg.RedisURL)
	assert.Equal(t, 8, cfg.DefaultWorkers)
	assert.Equal(t, "/etc/brook/workers.yaml", cfg.WorkersFile)
	assert.Equal(t, 30*time.Second, cfg.DrainTimeout)
	assert.True(t, cfg.Debug)
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("DEFAULT_WORKERS", "plenty")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "parse environment")
}

func TestLoadRoleWorkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default: 2
roles:
  split-vehicle-report: 8
  gen-direction: 0
`), 0o600))

	rw, err := LoadRoleWorkers(path)
	require.NoError(t, err)
	assert.Equal(t, 2, rw.Default)
	assert.Equal(t, map[string]int{"split-vehicle-report": 8, "gen-direction": 0}, rw.Roles)
}

func TestLoadRoleWorkersErrors(t *testing.T) {
	_, err := LoadRoleWorkers(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read workers file")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("roles: ["), 0o600))
	_, err = LoadRoleWorkers(bad)
	assert.ErrorContains(t, err, "parse workers file")

	negative := filepath.Join(t.TempDir(), "negative.yaml")
	require.NoError(t, os.WriteFile(negative, []byte("roles:\n  gen-direction: -1\n"), 0o600))
	_, err = LoadRoleWorkers(negative)
	assert.ErrorContains(t, err, "negative count")
}

func TestManagerValidation(t *testing.T) {
	_, err := New(nil, Options{})
	assert.ErrorContains(t, err, "plan is required")

	b := brook.New()
	b.Input("ping-report", struct {
		ID string  `brook:"id,id"`
		N  float64 `brook:"n"`
	}{})
	plan, err := b.Compile()
	require.NoError(t, err)
	_, err = New(plan, Options{})
	assert.ErrorContains(t, err, "broker is required")
}

func TestWorkersFor(t *testing.T) {
	m := &Manager{opts: Options{
		DefaultWorkers: 4,
		Workers:        map[string]int{"gen-direction": 2, "out-location-report": 0},
	}}
	assert.Equal(t, 2, m.workersFor("gen-direction"))
	assert.Equal(t, 0, m.workersFor("out-location-report"), "a zero override disables the role")
	assert.Equal(t, 4, m.workersFor("split-vehicle-report"))
}
