package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadSyncConfigCreatesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadSyncConfig(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, DefaultSyncConfigName), cfg.Path)

	body := cfg.Body()
	require.Equal(t, defaultDebounceMillis, body.DebounceMillis)
	require.Equal(t, defaultMaxDepth, body.MaxDepth)
	require.True(t, body.IgnoreSymlinks)
	require.NotEmpty(t, body.SyncrID)
	require.Len(t, body.Patterns, 1)
	require.Equal(t, "**/*", body.Patterns[0].Pattern)

	// A second load against the same directory must read back the
	// persisted syncr_id rather than generating a new one.
	reloaded, err := LoadSyncConfig(dir)
	require.NoError(t, err)
	require.Equal(t, body.SyncrID, reloaded.Body().SyncrID)
}

func TestReloadReportsNoChangeWhenFileUntouched(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadSyncConfig(dir)
	require.NoError(t, err)

	changed, err := cfg.Reload()
	require.NoError(t, err)
	require.False(t, changed)
}

func TestReloadDetectsAndAppliesChange(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadSyncConfig(dir)
	require.NoError(t, err)

	body := cfg.Body()
	body.DebounceMillis = 250
	cfg.body = body
	require.NoError(t, cfg.Save())

	// Simulate a second in-memory copy observing the file change.
	other, err := LoadSyncConfig(dir)
	require.NoError(t, err)
	other.body.DebounceMillis = defaultDebounceMillis

	changed, err := other.Reload()
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, uint64(250), other.Body().DebounceMillis)
}

func TestResolveSyncConfigPathAcceptsExplicitFilePath(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(dir, DefaultSyncConfigName)

	resolved, err := resolveSyncConfigPath(explicit)
	require.NoError(t, err)
	require.Equal(t, explicit, resolved)
}
