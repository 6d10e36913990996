package coalescer

import (
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"
)

// RawKind is the low-level change kind as delivered by the OS watcher,
// matching the vocabulary the low-level watcher is assumed to produce:
// Create, Modify(Data), Modify(Name(From|To|Both)), Remove.
type RawKind int

const (
	RawCreate RawKind = iota
	RawModifyData
	RawModifyNameFrom
	RawModifyNameTo
	RawModifyNameBoth
	RawRemove
)

// RawEvent is one raw notification. Paths has one entry for every kind
// except RawModifyNameBoth, which carries [from, to].
type RawEvent struct {
	Kind      RawKind
	Paths     []string
	Timestamp time.Time
}

// FsWatcher is the low-level OS file-system watcher, abstracted so the
// coalescer's batch-building logic can be tested without a real inotify
// instance. The concrete implementation wraps fsnotify.
type FsWatcher interface {
	Add(path string) error
	Remove(path string) error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
	Close() error
}

// fsnotifyWatcher adapts *fsnotify.Watcher to the FsWatcher interface.
type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

// NewFsWatcher constructs the default OS-backed FsWatcher.
func NewFsWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWatcher{w: w}, nil
}

func (f *fsnotifyWatcher) Add(path string) error           { return f.w.Add(path) }
func (f *fsnotifyWatcher) Remove(path string) error         { return f.w.Remove(path) }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event    { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error             { return f.w.Errors }
func (f *fsnotifyWatcher) Close() error                     { return f.w.Close() }

// Translate converts one fsnotify.Event into zero or one RawEvent. Chmod-only
// events carry no content change and are dropped. fsnotify reports a rename
// as a bare event on the old path (no paired "to" notification on every
// platform) — Translate always emits RawModifyNameFrom for it; PairRenames
// below recovers the "to" half when the platform does deliver a following
// Create for the new name.
func Translate(ev fsnotify.Event, now time.Time) (RawEvent, bool) {
	switch {
	case ev.Op&fsnotify.Create != 0:
		return RawEvent{Kind: RawCreate, Paths: []string{ev.Name}, Timestamp: now}, true
	case ev.Op&fsnotify.Write != 0:
		return RawEvent{Kind: RawModifyData, Paths: []string{ev.Name}, Timestamp: now}, true
	case ev.Op&fsnotify.Rename != 0:
		return RawEvent{Kind: RawModifyNameFrom, Paths: []string{ev.Name}, Timestamp: now}, true
	case ev.Op&fsnotify.Remove != 0:
		return RawEvent{Kind: RawRemove, Paths: []string{ev.Name}, Timestamp: now}, true
	default:
		// Chmod, or an op with no mapped meaning — drop.
		return RawEvent{}, false
	}
}

// PairRenames scans a time-sorted batch for a RawModifyNameFrom immediately
// followed by a RawCreate and rewrites the pair into
// (RawModifyNameFrom, RawModifyNameTo), matching the adjacency rule 1 of the
// coalescer expects. Platforms that deliver a clean paired rename upstream
// can skip this by never emitting a bare RawCreate right after a From.
func PairRenames(batch []RawEvent, logger *slog.Logger) []RawEvent {
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})

	out := make([]RawEvent, 0, len(batch))

	for i := 0; i < len(batch); i++ {
		cur := batch[i]
		if cur.Kind == RawModifyNameFrom && i+1 < len(batch) {
			next := batch[i+1]
			if next.Kind == RawCreate && next.Paths[0] != cur.Paths[0] {
				if logger != nil {
					logger.Debug("paired rename",
						slog.String("from", cur.Paths[0]),
						slog.String("to", next.Paths[0]),
					)
				}

				out = append(out, RawEvent{
					Kind:      RawModifyNameFrom,
					Paths:     []string{cur.Paths[0]},
					Timestamp: cur.Timestamp,
				})
				out = append(out, RawEvent{
					Kind:      RawModifyNameTo,
					Paths:     []string{next.Paths[0]},
					Timestamp: next.Timestamp,
				})
				i++

				continue
			}
		}

		out = append(out, cur)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	return out
}

// normalizePath collapses a path into forward-slash, multi-slash-free form
// and NFC-normalizes it, so the same file reported with differently composed
// Unicode (common on case-insensitive, NFD-preferring filesystems) hashes and
// compares as one path rather than two.
func normalizePath(p string) string {
	return norm.NFC.String(filepath.ToSlash(filepath.Clean(p)))
}
