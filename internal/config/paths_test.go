package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDir_FlagValueWins(t *testing.T) {
	t.Setenv(EnvConfigDir, "/env/path")

	dir, err := ResolveDir("/flag/path")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean("/flag/path"), dir)
}

func TestResolveDir_FallsBackToEnvThenHome(t *testing.T) {
	t.Setenv(EnvConfigDir, "/env/path")

	dir, err := ResolveDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean("/env/path"), dir)
}

func TestResolveDir_DefaultsToHomeDotSherry(t *testing.T) {
	t.Setenv(EnvConfigDir, "")

	home := t.TempDir()
	t.Setenv("HOME", home)

	dir, err := ResolveDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, DirName), dir)
}

func TestAPIURL_EnvOverridesDefault(t *testing.T) {
	t.Setenv(EnvAPIURL, "")
	assert.Equal(t, DefaultAPIURL, APIURL())

	t.Setenv(EnvAPIURL, "http://custom")
	assert.Equal(t, "http://custom", APIURL())
}

func TestSocketURL_EnvOverridesDefault(t *testing.T) {
	t.Setenv(EnvSocketURL, "")
	assert.Equal(t, DefaultSocketURL, SocketURL())

	t.Setenv(EnvSocketURL, "ws://custom")
	assert.Equal(t, "ws://custom", SocketURL())
}

func TestHashIndexPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/cfg", HashesDir, "abc.json"), HashIndexPath("/cfg", "abc"))
}

func TestLogFileName_ReplacesPunctuation(t *testing.T) {
	name := LogFileName("2026-07-30T10:20:30+02:00")
	assert.Equal(t, "2026-07-30T10-20-30-02-00.log", name)
}
