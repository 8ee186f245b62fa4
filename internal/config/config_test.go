package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/internal/types"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, types.MetricL2, cfg.VectorMetricDefault)
	require.Equal(t, 256, cfg.StmtCacheSize)
	require.Equal(t, 512, cfg.MutationBufferSize)
	require.False(t, cfg.InMemory)
}

func TestLoadExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"path: /tmp/test.db\n"+
			"in-memory: false\n"+
			"vector-metric-default: cosine\n"+
			"stmt-cache-size: 64\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/test.db", cfg.Path)
	require.Equal(t, types.MetricCosine, cfg.VectorMetricDefault)
	require.Equal(t, 64, cfg.StmtCacheSize)
	// Unset keys keep their defaults.
	require.Equal(t, 512, cfg.MutationBufferSize)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().StmtCacheSize, cfg.StmtCacheSize)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LATTICE_PATH", "/env/store.db")
	t.Setenv("LATTICE_STMT_CACHE_SIZE", "32")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/env/store.db", cfg.Path)
	require.Equal(t, 32, cfg.StmtCacheSize)
}

func TestBadConfigFileSurfacesOpenFailed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\n  not yaml: ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	var le *types.LatticeError
	require.ErrorAs(t, err, &le)
	require.Equal(t, types.KindOpenFailed, le.Kind)
}
