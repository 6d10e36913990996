package daemon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sherry-sync/deamon/internal/reconcile"
	"github.com/sherry-sync/deamon/internal/syncmodel"
	"github.com/sherry-sync/deamon/internal/transport"
)

type fakePushRemote struct {
	bodies map[string]string
}

func (f *fakePushRemote) FetchListing(ctx context.Context, folderID string) ([]reconcile.RemoteFile, error) {
	return nil, nil
}

func (f *fakePushRemote) Download(ctx context.Context, sherryID, path string) (reconcile.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.bodies[path])), nil
}

func TestPushHandler_FileUpdated_WritesFileAndCommitsIndex(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()

	cfg := syncmodel.Config{
		Sources:  map[string]syncmodel.Source{"src1": {ID: "src1"}},
		Watchers: []syncmodel.Watcher{{Source: "src1", LocalPath: localDir, HashesID: "h1"}},
	}

	reg := newTestRegistry(t, cfg)
	remote := &fakePushRemote{bodies: map[string]string{"a.txt": "hello"}}

	reinitCalls := 0
	h := newPushHandler(reg, remote, func(ctx context.Context) { reinitCalls++ }, slog.Default())

	ev := transport.RemoteEvent{
		Kind:     transport.RemoteFileUpdated,
		SherryID: "src1",
		Path:     "a.txt",
		Hash:     "abc",
		Size:     5,
	}

	h.Handle(context.Background(), ev)

	data, err := os.ReadFile(filepath.Join(localDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, 0, reinitCalls)

	idx, err := reg.indexFor(cfg.Watchers[0])
	require.NoError(t, err)
	entry, ok := idx.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, "abc", entry.Hash)
}

func TestPushHandler_FileDeleted_RemovesFileAndTombstones(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "a.txt"), []byte("x"), 0o644))

	cfg := syncmodel.Config{
		Sources:  map[string]syncmodel.Source{"src1": {ID: "src1"}},
		Watchers: []syncmodel.Watcher{{Source: "src1", LocalPath: localDir, HashesID: "h1"}},
	}

	reg := newTestRegistry(t, cfg)
	remote := &fakePushRemote{}

	h := newPushHandler(reg, remote, func(ctx context.Context) {}, slog.Default())

	ev := transport.RemoteEvent{Kind: transport.RemoteFileDeleted, SherryID: "src1", Path: "a.txt"}
	h.Handle(context.Background(), ev)

	_, statErr := os.Stat(filepath.Join(localDir, "a.txt"))
	assert.True(t, os.IsNotExist(statErr))

	idx, err := reg.indexFor(cfg.Watchers[0])
	require.NoError(t, err)
	entry, ok := idx.Get("a.txt")
	require.True(t, ok)
	assert.True(t, entry.IsTombstone())
}

func TestPushHandler_FolderEvent_TriggersReinitialize(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, syncmodel.Config{})
	remote := &fakePushRemote{}

	calls := 0
	h := newPushHandler(reg, remote, func(ctx context.Context) { calls++ }, slog.Default())

	h.Handle(context.Background(), transport.RemoteEvent{Kind: transport.RemoteFolderCreated})
	assert.Equal(t, 1, calls)

	h.Handle(context.Background(), transport.RemoteEvent{Kind: transport.RemotePermissionRevoked})
	assert.Equal(t, 2, calls)
}

func TestPushHandler_NoWatchersForSource_NoOp(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, syncmodel.Config{})
	remote := &fakePushRemote{bodies: map[string]string{"a.txt": "hi"}}

	h := newPushHandler(reg, remote, func(ctx context.Context) {}, slog.Default())

	// No watcher bound to "unknown-src" — fanOut should simply do nothing.
	h.Handle(context.Background(), transport.RemoteEvent{Kind: transport.RemoteFileUpdated, SherryID: "unknown-src", Path: "a.txt"})
}
