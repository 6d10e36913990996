// Package daemon wires the change-propagation engine's components together
// and owns the process lifetime (section 4.I).
package daemon

import (
	"log/slog"
	"sync"

	"github.com/sherry-sync/deamon/internal/config"
	"github.com/sherry-sync/deamon/internal/hashindex"
	"github.com/sherry-sync/deamon/internal/scheduler"
	"github.com/sherry-sync/deamon/internal/syncmodel"
)

// registry is the live view of watchers/sources/hash-indexes the controller
// maintains through config.Documents. It implements scheduler.Resolver (by
// source id) and the watcher lookups the push-event handler
// needs (by source id).
type registry struct {
	mu      sync.RWMutex
	store   *config.Store
	docs    *config.Documents
	logger  *slog.Logger
	indexes map[string]*hashindex.Index // keyed by HashesID
}

func newRegistry(store *config.Store, docs *config.Documents, logger *slog.Logger) *registry {
	return &registry{store: store, docs: docs, logger: logger, indexes: map[string]*hashindex.Index{}}
}

// indexFor loads (and caches) the hash index for a watcher's HashesID.
func (r *registry) indexFor(watcher syncmodel.Watcher) (*hashindex.Index, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, ok := r.indexes[watcher.HashesID]; ok {
		return idx, nil
	}

	idx, err := hashindex.Load(r.store, watcher)
	if err != nil {
		return nil, err
	}

	r.indexes[watcher.HashesID] = idx

	return idx, nil
}

// Resolve returns, for the scheduler, the source/index/basePath triple of the
// first watcher bound to sourceID. sourceID here is the watcher's bound
// source id, which the scheduler keys its debounce loop on.
func (r *registry) Resolve(sourceID string) (syncmodel.Source, scheduler.HashIndex, string, bool) {
	cfg, _ := r.docs.Snapshot()

	for _, w := range cfg.Watchers {
		if w.Source != sourceID {
			continue
		}

		source, ok := cfg.Sources[w.Source]
		if !ok {
			continue
		}

		idx, err := r.indexFor(w)
		if err != nil {
			r.logger.Error("daemon: loading hash index failed", slog.String("watcher", w.LocalPath), slog.String("error", err.Error()))

			return syncmodel.Source{}, nil, "", false
		}

		return source, idx, w.LocalPath, true
	}

	return syncmodel.Source{}, nil, "", false
}

// watchersForSource returns every live watcher bound to a remote source id,
// used to fan a server push event out to every local directory mirroring it.
func (r *registry) watchersForSource(sourceID string) []syncmodel.Watcher {
	cfg, _ := r.docs.Snapshot()

	var out []syncmodel.Watcher

	for _, w := range cfg.Watchers {
		if w.Source == sourceID {
			out = append(out, w)
		}
	}

	return out
}

// watcherForPath finds the watcher with the innermost root containing path,
// used by the Controller's OSWatches adapter to map a live fsnotify path back
// to its owning source id. Returns ok=false outside any watched root.
func (r *registry) watcherForPath(path string) (syncmodel.Watcher, bool) {
	cfg, _ := r.docs.Snapshot()

	var best syncmodel.Watcher

	found := false

	for _, w := range cfg.Watchers {
		if withinRoot(path, w.LocalPath) && (!found || len(w.LocalPath) > len(best.LocalPath)) {
			best = w
			found = true
		}
	}

	return best, found
}

func withinRoot(path, root string) bool {
	if path == root {
		return true
	}

	if len(path) <= len(root) {
		return false
	}

	return path[:len(root)] == root && (path[len(root)] == '/' || path[len(root)] == '\\')
}

// refreshIndex swaps the cached index for a watcher after a reconciliation
// sweep produced a new one (Reconcile works on a fresh in-memory copy).
func (r *registry) refreshIndex(watcher syncmodel.Watcher, idx *hashindex.Index) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexes[watcher.HashesID] = idx
}
