package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sherry-sync/deamon/internal/coalescer"
	"github.com/sherry-sync/deamon/internal/syncmodel"
)

type fakeFsWatcher struct {
	added   []string
	removed []string
	events  chan fsnotify.Event
	errs    chan error
}

func newFakeFsWatcher() *fakeFsWatcher {
	return &fakeFsWatcher{events: make(chan fsnotify.Event, 8), errs: make(chan error, 1)}
}

func (f *fakeFsWatcher) Add(path string) error        { f.added = append(f.added, path); return nil }
func (f *fakeFsWatcher) Remove(path string) error      { f.removed = append(f.removed, path); return nil }
func (f *fakeFsWatcher) Events() <-chan fsnotify.Event { return f.events }
func (f *fakeFsWatcher) Errors() <-chan error          { return f.errs }
func (f *fakeFsWatcher) Close() error                  { return nil }

func TestObserver_Watch_AddsEveryDirectoryRecursively(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))

	fs := newFakeFsWatcher()
	reg := newTestRegistry(t, syncmodel.Config{})
	obs := newObserver(fs, reg, nil, func(ctx context.Context, sourceID string, ev coalescer.RawEvent) {})

	require.NoError(t, obs.Watch(root))

	assert.Contains(t, fs.added, root)
	assert.Contains(t, fs.added, filepath.Join(root, "sub"))
}

func TestObserver_Unwatch_RemovesEveryDirectoryAddedForRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))

	fs := newFakeFsWatcher()
	reg := newTestRegistry(t, syncmodel.Config{})
	obs := newObserver(fs, reg, nil, func(ctx context.Context, sourceID string, ev coalescer.RawEvent) {})

	require.NoError(t, obs.Watch(root))
	require.NoError(t, obs.Unwatch(root))

	assert.ElementsMatch(t, fs.added, fs.removed)
}

func TestObserver_Run_DispatchesTranslatedEventToOwningSource(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	filePath := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0o644))

	cfg := syncmodel.Config{Watchers: []syncmodel.Watcher{{Source: "src1", LocalPath: root, HashesID: "h1"}}}
	reg := newTestRegistry(t, cfg)

	fs := newFakeFsWatcher()

	dispatched := make(chan string, 1)
	obs := newObserver(fs, reg, nil, func(ctx context.Context, sourceID string, ev coalescer.RawEvent) {
		dispatched <- sourceID
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go obs.run(ctx)

	fs.events <- fsnotify.Event{Name: filePath, Op: fsnotify.Write}

	select {
	case sourceID := <-dispatched:
		assert.Equal(t, "src1", sourceID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected dispatch was not observed")
	}
}

func TestObserver_Run_IgnoresEventOutsideAnyWatchedRoot(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, syncmodel.Config{})
	fs := newFakeFsWatcher()

	dispatched := make(chan string, 1)
	obs := newObserver(fs, reg, nil, func(ctx context.Context, sourceID string, ev coalescer.RawEvent) {
		dispatched <- sourceID
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go obs.run(ctx)

	fs.events <- fsnotify.Event{Name: "/unrelated/path", Op: fsnotify.Write}

	select {
	case <-dispatched:
		t.Fatal("no dispatch expected for a path outside any watched root")
	case <-time.After(200 * time.Millisecond):
	}
}
