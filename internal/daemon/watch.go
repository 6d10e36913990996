package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sherry-sync/deamon/internal/coalescer"
)

// observer owns the single OS filesystem watcher and fans its translated
// events out to the scheduler for whichever source the path belongs to. It
// satisfies controller.OSWatches: Watch/Unwatch add or remove a watcher
// root's whole subtree (fsnotify watches are not recursive on their own).
type observer struct {
	fs     coalescer.FsWatcher
	reg    *registry
	logger *slog.Logger

	mu      sync.Mutex
	subdirs map[string][]string // watcher root -> every directory Add()ed for it

	dispatch func(ctx context.Context, sourceID string, ev coalescer.RawEvent)
}

func newObserver(fs coalescer.FsWatcher, reg *registry, logger *slog.Logger, dispatch func(ctx context.Context, sourceID string, ev coalescer.RawEvent)) *observer {
	return &observer{fs: fs, reg: reg, logger: logger, subdirs: map[string][]string{}, dispatch: dispatch}
}

// Watch recursively subscribes every directory under root.
func (o *observer) Watch(root string) error {
	var dirs []string

	err := filepath.Walk(root, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // best-effort: skip entries we can't stat
		}

		if !info.IsDir() {
			return nil
		}

		if addErr := o.fs.Add(p); addErr != nil {
			return addErr
		}

		dirs = append(dirs, p)

		return nil
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.subdirs[root] = dirs
	o.mu.Unlock()

	return nil
}

// Unwatch removes every directory previously Add()ed for root.
func (o *observer) Unwatch(root string) error {
	o.mu.Lock()
	dirs := o.subdirs[root]
	delete(o.subdirs, root)
	o.mu.Unlock()

	var firstErr error

	for _, d := range dirs {
		if err := o.fs.Remove(d); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// run drains the OS watcher's event and error channels until ctx is done,
// translating each fsnotify event and dispatching it to the scheduler for
// the source that owns its path. Newly created directories are recursively
// subscribed so their contents are observed too.
func (o *observer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-o.fs.Events():
			if !ok {
				return
			}

			o.handle(ctx, ev)

		case err, ok := <-o.fs.Errors():
			if !ok {
				return
			}

			o.logger.Warn("daemon: fs watcher error", slog.String("error", err.Error()))
		}
	}
}

func (o *observer) handle(ctx context.Context, ev fsnotify.Event) {
	now := time.Now()

	raw, ok := coalescer.Translate(ev, now)
	if !ok {
		return
	}

	watcher, ok := o.reg.watcherForPath(raw.Paths[0])
	if !ok {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := o.watchNewSubtree(watcher.LocalPath, ev.Name); err != nil {
				o.logger.Warn("daemon: subscribing new directory failed", slog.String("path", ev.Name), slog.String("error", err.Error()))
			}
		}
	}

	o.dispatch(ctx, watcher.Source, raw)
}

// watchNewSubtree recursively subscribes a newly created directory and
// folds the added paths into its owning watcher root's tracked set, so a
// later Unwatch(root) removes them too.
func (o *observer) watchNewSubtree(root, newDir string) error {
	var dirs []string

	err := filepath.Walk(newDir, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr
		}

		if !info.IsDir() {
			return nil
		}

		if addErr := o.fs.Add(p); addErr != nil {
			return addErr
		}

		dirs = append(dirs, p)

		return nil
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.subdirs[root] = append(o.subdirs[root], dirs...)
	o.mu.Unlock()

	return nil
}
