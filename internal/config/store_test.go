package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sherry-sync/deamon/internal/syncmodel"
)

func TestEnsureLayout_CreatesSubdirs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir)

	require.NoError(t, store.EnsureLayout())

	for _, sub := range []string{LogsDir, HashesDir} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestLoadConfig_CreatesDefaultWhenMissing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.EnsureLayout())

	cfg, err := store.LoadConfig()
	require.NoError(t, err)
	assert.NotNil(t, cfg.Sources)
	assert.NotNil(t, cfg.Watchers)

	_, statErr := os.Stat(filepath.Join(dir, ConfigFile))
	assert.NoError(t, statErr)
}

func TestSaveConfig_ThenLoadConfig_RoundTrips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.EnsureLayout())

	cfg := syncmodel.Config{
		APIURL:    "http://example.test",
		SocketURL: "ws://example.test",
		Sources: map[string]syncmodel.Source{
			"src1": {ID: "src1", Name: "docs"},
		},
		Watchers: []syncmodel.Watcher{{Source: "src1", LocalPath: "/tmp/docs"}},
	}

	require.NoError(t, store.SaveConfig(cfg))

	loaded, err := store.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg.APIURL, loaded.APIURL)
	assert.Equal(t, "docs", loaded.Sources["src1"].Name)
	require.Len(t, loaded.Watchers, 1)
	assert.Equal(t, "/tmp/docs", loaded.Watchers[0].LocalPath)
}

func TestLoadConfig_ParseErrorSurfaces(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.EnsureLayout())

	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("not json"), 0o644))

	_, err := store.LoadConfig()
	assert.Error(t, err)
}

func TestRestoreLastGood_OverwritesBrokenFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.EnsureLayout())

	good := syncmodel.Config{APIURL: "http://good", Sources: map[string]syncmodel.Source{}, Watchers: []syncmodel.Watcher{}}
	goodAuth := syncmodel.Auth{Records: map[string]syncmodel.Credentials{}}

	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("{broken"), 0o644))

	require.NoError(t, store.RestoreLastGood(good, goodAuth))

	reloaded, err := store.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://good", reloaded.APIURL)
}

func TestAtomicWriteFile_NoLeftoverTempFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.txt")

	require.NoError(t, AtomicWriteFile(dest, []byte("hello")))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
