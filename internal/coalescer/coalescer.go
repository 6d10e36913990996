// Package coalescer converts raw, possibly noisy OS file-system
// notifications into a canonical, minimal batch of SyncEvents.
package coalescer

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sherry-sync/deamon/internal/syncmodel"
)

// HashIndexKeys answers prefix queries against a watcher's hash index, used
// to synthesize deletes when a path vanishes out from under the watcher
// (directory removals, or a rename the raw watcher could not pair).
type HashIndexKeys interface {
	KeysWithPrefix(prefix string) []string
}

// Coalescer turns raw batches into canonical SyncEvents for one watcher.
type Coalescer struct {
	logger *slog.Logger
}

// New creates a Coalescer.
func New(logger *slog.Logger) *Coalescer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Coalescer{logger: logger}
}

// Coalesce applies the rewrite rules of section 4.B to a time-sorted batch,
// then expands each surviving raw event into zero or more SyncEvents scoped
// to the given watcher (sourceID, base path). index is consulted only for a
// Remove (or a rename-From left unpaired): it expands into one Deleted event
// per indexed path under the removed one. A Create or Modify whose path no
// longer exists at expansion time yields no event.
func (c *Coalescer) Coalesce(batch []RawEvent, sourceID, base string, index HashIndexKeys) []syncmodel.SyncEvent {
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})

	rewritten := c.rewrite(batch)

	var out []syncmodel.SyncEvent

	for _, ev := range rewritten {
		out = append(out, c.expand(ev, sourceID, base, index)...)
	}

	return out
}

// rewrite applies the single-pass rewrite rules (section 4.B rules 1-4) over
// the sorted batch, producing a reduced batch where From/To pairs became
// Moved markers and save-replace / already-exists patterns were resolved.
func (c *Coalescer) rewrite(batch []RawEvent) []rewritten {
	out := make([]rewritten, 0, len(batch))

	removedAt := map[string]int{} // path -> index in out of its pending Remove

	for i := 0; i < len(batch); i++ {
		ev := batch[i]

		switch ev.Kind {
		case RawModifyNameFrom:
			if i+1 < len(batch) && batch[i+1].Kind == RawModifyNameTo {
				next := batch[i+1]

				// Rule 4: a rename proves the old path still existed after an
				// earlier pending Remove in this batch — drop the Remove.
				if idx, ok := removedAt[ev.Paths[0]]; ok {
					out[idx] = rewritten{kind: rewriteSkip}
					delete(removedAt, ev.Paths[0])
				}

				out = append(out, rewritten{kind: rewriteMoved, from: ev.Paths[0], to: next.Paths[0], ts: next.Timestamp})
				i++

				continue
			}

			if idx, ok := removedAt[ev.Paths[0]]; ok {
				out[idx] = rewritten{kind: rewriteSkip}
				delete(removedAt, ev.Paths[0])
			}
			// Lone From with no paired To — treat as a removal of the old path.
			out = append(out, rewritten{kind: rewriteRemove, path: ev.Paths[0], ts: ev.Timestamp})
		case RawModifyNameTo:
			if idx, ok := removedAt[ev.Paths[0]]; ok {
				out[idx] = rewritten{kind: rewriteSkip}
				delete(removedAt, ev.Paths[0])
			}
			// Lone To with no preceding From — treat as a create at the new path.
			out = append(out, rewritten{kind: rewriteCreate, path: ev.Paths[0], ts: ev.Timestamp})
		case RawModifyNameBoth:
			if idx, ok := removedAt[ev.Paths[0]]; ok {
				out[idx] = rewritten{kind: rewriteSkip}
				delete(removedAt, ev.Paths[0])
			}
			out = append(out, rewritten{kind: rewriteMoved, from: ev.Paths[0], to: ev.Paths[1], ts: ev.Timestamp})
		case RawCreate:
			p := ev.Paths[0]
			if idx, ok := removedAt[p]; ok {
				// Rule 3: Create(p) after an earlier Remove(p) in this batch —
				// editor save-replace pattern. Rewrite as Modify(Data).
				out[idx] = rewritten{kind: rewriteSkip}
				out = append(out, rewritten{kind: rewriteData, path: p, ts: ev.Timestamp})
				delete(removedAt, p)

				continue
			}

			out = append(out, rewritten{kind: rewriteCreate, path: p, ts: ev.Timestamp})
		case RawModifyData:
			// Rule 4: a later Modify for a path that had a pending Remove proves
			// the file still exists — drop the Remove.
			if idx, ok := removedAt[ev.Paths[0]]; ok {
				out[idx] = rewritten{kind: rewriteSkip}
				delete(removedAt, ev.Paths[0])
			}

			out = append(out, rewritten{kind: rewriteData, path: ev.Paths[0], ts: ev.Timestamp})
		case RawRemove:
			removedAt[ev.Paths[0]] = len(out)
			out = append(out, rewritten{kind: rewriteRemove, path: ev.Paths[0], ts: ev.Timestamp})
		}
	}

	final := out[:0]

	for _, r := range out {
		if r.kind != rewriteSkip {
			final = append(final, r)
		}
	}

	return final
}

type rewriteKind int

const (
	rewriteCreate rewriteKind = iota
	rewriteData
	rewriteMoved
	rewriteRemove
	rewriteSkip
)

type rewritten struct {
	kind rewriteKind
	path string
	from string
	to   string
	ts   time.Time
}

// expand turns one rewritten raw event into zero or more SyncEvents,
// resolving directory-vs-file and existence on disk per section 4.B.
func (c *Coalescer) expand(ev rewritten, sourceID, base string, index HashIndexKeys) []syncmodel.SyncEvent {
	now := syncmodel.NowMillis()

	switch ev.kind {
	case rewriteMoved:
		return c.expandMove(ev, sourceID, base, now)
	case rewriteRemove:
		return c.expandRemove(ev.path, sourceID, base, index, now)
	case rewriteCreate:
		return c.expandCreate(ev.path, sourceID, base, now)
	case rewriteData:
		return c.expandData(ev.path, sourceID, base, now)
	default:
		return nil
	}
}

func (c *Coalescer) expandMove(ev rewritten, sourceID, base string, now int64) []syncmodel.SyncEvent {
	info, err := os.Lstat(ev.to)
	if err != nil {
		// Destination vanished again before we processed the batch — treat
		// as a removal of the origin.
		return []syncmodel.SyncEvent{c.newEvent(sourceID, base, syncmodel.EventDeleted, ev.from, ev.from, now)}
	}

	if isSymlink(info) {
		return nil
	}

	e := c.newEvent(sourceID, base, syncmodel.EventMoved, ev.to, ev.from, now)
	if info.IsDir() {
		e.FileType = syncmodel.FileTypeDir
	}

	return []syncmodel.SyncEvent{e}
}

func (c *Coalescer) expandRemove(path, sourceID, base string, index HashIndexKeys, now int64) []syncmodel.SyncEvent {
	if index == nil {
		return []syncmodel.SyncEvent{c.newEvent(sourceID, base, syncmodel.EventDeleted, path, path, now)}
	}

	prefix := toSyncPath(path, base)

	keys := index.KeysWithPrefix(prefix)
	if len(keys) == 0 {
		return []syncmodel.SyncEvent{c.newEvent(sourceID, base, syncmodel.EventDeleted, path, path, now)}
	}

	out := make([]syncmodel.SyncEvent, 0, len(keys))
	for _, k := range keys {
		localPath := filepath.Join(base, filepath.FromSlash(k))
		out = append(out, c.newEvent(sourceID, base, syncmodel.EventDeleted, localPath, localPath, now))
	}

	return out
}

func (c *Coalescer) expandCreate(path, sourceID, base string, now int64) []syncmodel.SyncEvent {
	info, err := os.Lstat(path)
	if err != nil {
		// Already gone by the time we looked — nothing to create.
		return nil
	}

	if isSymlink(info) {
		return nil
	}

	if info.IsDir() {
		return c.expandCreateDir(path, sourceID, base, now)
	}

	return []syncmodel.SyncEvent{c.newEvent(sourceID, base, syncmodel.EventCreated, path, path, now)}
}

func (c *Coalescer) expandCreateDir(dir, sourceID, base string, now int64) []syncmodel.SyncEvent {
	var out []syncmodel.SyncEvent

	err := filepath.Walk(dir, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // best-effort: skip entries we can't stat
		}

		if info.IsDir() || isSymlink(info) {
			return nil
		}

		out = append(out, c.newEvent(sourceID, base, syncmodel.EventCreated, p, p, now))

		return nil
	})
	if err != nil {
		c.logger.Warn("directory scan failed during create expansion", slog.String("dir", dir), slog.String("error", err.Error()))
	}

	return out
}

func (c *Coalescer) expandData(path, sourceID, base string, now int64) []syncmodel.SyncEvent {
	info, err := os.Lstat(path)
	if err != nil {
		return nil
	}

	if isSymlink(info) || info.IsDir() {
		return nil
	}

	return []syncmodel.SyncEvent{c.newEvent(sourceID, base, syncmodel.EventUpdated, path, path, now)}
}

func (c *Coalescer) newEvent(sourceID, base string, kind syncmodel.SyncEventKind, localPath, oldLocalPath string, now int64) syncmodel.SyncEvent {
	return syncmodel.SyncEvent{
		SourceID:     sourceID,
		Base:         base,
		FileType:     syncmodel.FileTypeFile,
		Kind:         kind,
		LocalPath:    normalizePath(localPath),
		OldLocalPath: normalizePath(oldLocalPath),
		SyncPath:     toSyncPath(localPath, base),
		OldSyncPath:  toSyncPath(oldLocalPath, base),
		Timestamp:    now,
	}
}

// toSyncPath computes the forward-slash path of local relative to base, with
// no leading separator.
func toSyncPath(local, base string) string {
	rel, err := filepath.Rel(base, local)
	if err != nil {
		rel = local
	}

	rel = filepath.ToSlash(rel)

	return strings.TrimPrefix(rel, "/")
}

func isSymlink(info os.FileInfo) bool {
	return info.Mode()&os.ModeSymlink != 0
}
