package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sherry-sync/deamon/internal/config"
	"github.com/sherry-sync/deamon/internal/hashindex"
	"github.com/sherry-sync/deamon/internal/syncmodel"
)

func newTestRegistry(t *testing.T, cfg syncmodel.Config) *registry {
	t.Helper()

	store := config.NewStore(t.TempDir())
	require.NoError(t, store.EnsureLayout())

	docs := config.NewDocuments(cfg, syncmodel.Auth{})

	return newRegistry(store, docs, nil)
}

func TestRegistry_Resolve_FindsSourceForWatcher(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()

	cfg := syncmodel.Config{
		Sources:  map[string]syncmodel.Source{"src1": {ID: "src1"}},
		Watchers: []syncmodel.Watcher{{Source: "src1", LocalPath: localDir, HashesID: "h1"}},
	}

	reg := newTestRegistry(t, cfg)

	source, idx, base, ok := reg.Resolve("src1")
	require.True(t, ok)
	assert.Equal(t, "src1", source.ID)
	assert.Equal(t, localDir, base)
	assert.NotNil(t, idx)
}

func TestRegistry_Resolve_UnknownSourceReturnsFalse(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, syncmodel.Config{})

	_, _, _, ok := reg.Resolve("missing")
	assert.False(t, ok)
}

func TestRegistry_WatchersForSource_ReturnsAllBound(t *testing.T) {
	t.Parallel()

	dirA, dirB := t.TempDir(), t.TempDir()

	cfg := syncmodel.Config{
		Sources: map[string]syncmodel.Source{"src1": {ID: "src1"}},
		Watchers: []syncmodel.Watcher{
			{Source: "src1", LocalPath: dirA, HashesID: "h1"},
			{Source: "src1", LocalPath: dirB, HashesID: "h2"},
			{Source: "other", LocalPath: t.TempDir(), HashesID: "h3"},
		},
	}

	reg := newTestRegistry(t, cfg)

	watchers := reg.watchersForSource("src1")
	require.Len(t, watchers, 2)
}

func TestRegistry_WatcherForPath_PrefersLongestMatchingRoot(t *testing.T) {
	t.Parallel()

	outer := t.TempDir()
	inner := outer + "/inner"

	cfg := syncmodel.Config{
		Watchers: []syncmodel.Watcher{
			{Source: "outer-src", LocalPath: outer, HashesID: "h1"},
			{Source: "inner-src", LocalPath: inner, HashesID: "h2"},
		},
	}

	reg := newTestRegistry(t, cfg)

	w, ok := reg.watcherForPath(inner + "/file.txt")
	require.True(t, ok)
	assert.Equal(t, "inner-src", w.Source)
}

func TestRegistry_WatcherForPath_OutsideAnyRootReturnsFalse(t *testing.T) {
	t.Parallel()

	cfg := syncmodel.Config{
		Watchers: []syncmodel.Watcher{{Source: "src1", LocalPath: "/watched/root", HashesID: "h1"}},
	}

	reg := newTestRegistry(t, cfg)

	_, ok := reg.watcherForPath("/unrelated/path")
	assert.False(t, ok)
}

func TestRegistry_IndexFor_CachesLoadedIndex(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()
	watcher := syncmodel.Watcher{Source: "src1", LocalPath: localDir, HashesID: "h1"}

	cfg := syncmodel.Config{Watchers: []syncmodel.Watcher{watcher}}
	reg := newTestRegistry(t, cfg)

	idx1, err := reg.indexFor(watcher)
	require.NoError(t, err)

	idx2, err := reg.indexFor(watcher)
	require.NoError(t, err)

	assert.Same(t, idx1, idx2)
}

func TestRegistry_RefreshIndex_ReplacesCachedIndex(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()
	watcher := syncmodel.Watcher{Source: "src1", LocalPath: localDir, HashesID: "h1"}

	cfg := syncmodel.Config{Watchers: []syncmodel.Watcher{watcher}}
	reg := newTestRegistry(t, cfg)

	fresh, err := hashindex.Load(reg.store, watcher)
	require.NoError(t, err)
	fresh.Upsert("a.txt", hashindex.Entry{Hash: "abc"})

	reg.refreshIndex(watcher, fresh)

	loaded, err := reg.indexFor(watcher)
	require.NoError(t, err)
	assert.Same(t, fresh, loaded)

	entry, ok := loaded.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, "abc", entry.Hash)
}
