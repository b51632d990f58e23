package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-vcs/strata/pkg/backend"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strata.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
backend: sqlite
path: /var/lib/strata/strata.db
max_staged: 64MB
log_level: none
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, "/var/lib/strata/strata.db", cfg.Path)

	n, err := cfg.StagedBytes()
	require.NoError(t, err)
	assert.EqualValues(t, 64*1024*1024, n)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestStagedBytesDefaultsAndRejects(t *testing.T) {
	cfg := &Config{}
	n, err := cfg.StagedBytes()
	require.NoError(t, err)
	assert.Equal(t, backend.DefaultMaxStagedBytes, n)

	cfg.MaxStaged = "a lot"
	_, err = cfg.StagedBytes()
	require.Error(t, err)
}

func TestOpenMemoryBackend(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{Backend: BackendMemory, LogLevel: "none"}
	b, err := cfg.Open(ctx)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, backend.ClassStrong, b.Consistency())
}

func TestOpenLocalFSBackend(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{Backend: BackendLocalFS, Path: t.TempDir(), LogLevel: "none"}
	b, err := cfg.Open(ctx)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, backend.ClassEventual, b.Consistency())
}

func TestOpenSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		Backend:   BackendSQLite,
		Path:      filepath.Join(t.TempDir(), "strata.db"),
		MaxStaged: "16MB",
		LogLevel:  "none",
	}
	b, err := cfg.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Close())
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := &Config{Backend: "tape"}
	_, err := cfg.Open(context.Background())
	require.Error(t, err)
}
