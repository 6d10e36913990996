// Package hashindex persists, per watcher, a map from normalized local path
// to content hash, mtime, and size — the convergence anchor the scheduler
// and reconciliation sweep diff against.
package hashindex

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/sherry-sync/deamon/internal/config"
	"github.com/sherry-sync/deamon/internal/syncmodel"
)

// Entry is one hash-index record: content hash (empty denotes a tombstone),
// mtime in milliseconds since epoch, and size in bytes.
type Entry struct {
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
	Size      int64  `json:"size"`
}

// IsTombstone reports whether this entry records a known-deleted file.
func (e Entry) IsTombstone() bool { return e.Hash == "" }

// document is the on-disk JSON shape (section 6): {id, sourceId, localPath, hashes}.
type document struct {
	ID        string           `json:"id"`
	SourceID  string           `json:"sourceId"`
	LocalPath string           `json:"localPath"`
	Hashes    map[string]Entry `json:"hashes"`
}

// Index is one watcher's hash index: mutable in memory, persisted as a
// single JSON file per commit. Safe for concurrent read; mutation is
// serialized by the caller (the scheduler processes one source at a time,
// so at most one writer touches a given index concurrently).
type Index struct {
	mu       sync.RWMutex
	id       string
	sourceID string
	basePath string
	configDir string
	entries  map[string]Entry
}

// Load reads a watcher's hash index from disk, creating an empty one (and
// persisting it) if the file does not exist.
func Load(dir *config.Store, watcher syncmodel.Watcher) (*Index, error) {
	path := config.HashIndexPath(dir.Dir(), watcher.HashesID)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("hashindex: reading %s: %w", path, err)
		}

		idx := &Index{
			id:        watcher.HashesID,
			sourceID:  watcher.Source,
			basePath:  watcher.LocalPath,
			configDir: dir.Dir(),
			entries:   map[string]Entry{},
		}

		return idx, idx.Commit()
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("hashindex: parsing %s: %w", path, err)
	}

	if doc.Hashes == nil {
		doc.Hashes = map[string]Entry{}
	}

	return &Index{
		id:        doc.ID,
		sourceID:  doc.SourceID,
		basePath:  doc.LocalPath,
		configDir: dir.Dir(),
		entries:   doc.Hashes,
	}, nil
}

// Recompute walks basePath/**/*, hashes every regular file (skipping
// directories and symlinks), and replaces the in-memory index wholesale. It
// does not persist — call Commit afterward. This matches the original
// implementation's always-full-rehash reconciliation behavior (section 12).
func Recompute(dir *config.Store, id, sourceID, basePath string, logger *slog.Logger) (*Index, error) {
	entries := map[string]Entry{}

	err := filepath.Walk(basePath, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if logger != nil {
				logger.Warn("hashindex: walk error", slog.String("path", p), slog.String("error", walkErr.Error()))
			}

			return nil //nolint:nilerr // best-effort recompute, skip unreadable entries
		}

		if info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		rel, err := filepath.Rel(basePath, p)
		if err != nil {
			return nil //nolint:nilerr
		}

		key := filepath.ToSlash(rel)

		hash, err := HashFile(p)
		if err != nil {
			if logger != nil {
				logger.Warn("hashindex: hashing failed", slog.String("path", p), slog.String("error", err.Error()))
			}

			return nil //nolint:nilerr
		}

		entries[key] = Entry{Hash: hash, Timestamp: info.ModTime().UnixMilli(), Size: info.Size()}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hashindex: recompute walk: %w", err)
	}

	return &Index{id: id, sourceID: sourceID, basePath: basePath, configDir: dir.Dir(), entries: entries}, nil
}

// Commit writes the index to disk as an atomic full rewrite, with hash-index
// keys in sorted order for round-trip stability (invariant I4).
func (idx *Index) Commit() error {
	idx.mu.RLock()

	doc := document{
		ID:        idx.id,
		SourceID:  idx.sourceID,
		LocalPath: idx.basePath,
		Hashes:    idx.entries,
	}

	idx.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("hashindex: encoding %s: %w", idx.id, err)
	}

	if idx.configDir == "" {
		return fmt.Errorf("hashindex: no config directory set for %s", idx.id)
	}

	return config.AtomicWriteFile(config.HashIndexPath(idx.configDir, idx.id), data)
}

// Get returns the entry for a normalized path and whether it exists.
func (idx *Index) Get(path string) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	e, ok := idx.entries[path]

	return e, ok
}

// Upsert records or replaces the entry for path.
func (idx *Index) Upsert(path string, e Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entries[path] = e
}

// Remove deletes the entry for path entirely (used when a tombstone itself
// is confirmed and retired, e.g. after a remote delete is acknowledged).
func (idx *Index) Remove(path string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	delete(idx.entries, path)
}

// Tombstone marks path as a known-deleted file (empty hash, size 0).
func (idx *Index) Tombstone(path string, now int64) {
	idx.Upsert(path, Entry{Hash: "", Timestamp: now, Size: 0})
}

// Entries returns a copy of all entries as a map (no key order), for
// reconciliation diffing.
func (idx *Index) Entries() map[string]Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[string]Entry, len(idx.entries))
	for k, v := range idx.entries {
		out[k] = v
	}

	return out
}

// KeysWithPrefix returns every key whose path starts with prefix, used by
// the coalescer to synthesize deletes for a subtree that vanished. Satisfies
// coalescer.HashIndexKeys.
func (idx *Index) KeysWithPrefix(prefix string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []string

	for k := range idx.entries {
		if k == prefix || strings.HasPrefix(k, prefix+"/") {
			out = append(out, k)
		}
	}

	sort.Strings(out)

	return out
}

// HashFile computes the 64-bit content hash of a regular file, returned as
// a decimal string (the wire format specified for hash-index entries).
// xxhash is used as a fast, non-cryptographic, streaming 64-bit hash —
// content-change detection, not a security claim, is all that is needed
// here (section 4.A).
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return strconv.FormatUint(h.Sum64(), 10), nil
}
