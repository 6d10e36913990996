// Package filter screens SyncEvents against a source's policy before they
// reach the transport client (section 4.D).
package filter

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/sherry-sync/deamon/internal/hashindex"
	"github.com/sherry-sync/deamon/internal/syncmodel"
)

// Filter applies one source's policy to a batch of events, dropping those
// that fail and annotating size on the survivors.
type Filter struct {
	logger *slog.Logger

	mu       sync.Mutex
	globsFor map[string]*ignore.GitIgnore // source id -> compiled allowedFileNames patterns
}

// New creates a Filter.
func New(logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Filter{logger: logger, globsFor: map[string]*ignore.GitIgnore{}}
}

// Apply runs every event in batch through the cascade for source, returning
// only the survivors. Events addressing a path outside source's own rules
// (allow_dir, name globs, size limits) are dropped and logged at debug.
func (f *Filter) Apply(batch []syncmodel.SyncEvent, source syncmodel.Source) []syncmodel.SyncEvent {
	out := make([]syncmodel.SyncEvent, 0, len(batch))

	for _, ev := range batch {
		if annotated, ok := f.evaluate(ev, source); ok {
			out = append(out, annotated)
		}
	}

	return out
}

func (f *Filter) evaluate(ev syncmodel.SyncEvent, source syncmodel.Source) (syncmodel.SyncEvent, bool) {
	if !source.AllowDir && strings.Contains(ev.SyncPath, "/") {
		f.logger.Debug("filter: dropped, nested path not allowed",
			slog.String("sync_path", ev.SyncPath), slog.String("source", source.ID))

		return ev, false
	}

	if len(source.AllowedFileNames) > 0 && !f.matchesAnyGlob(source, ev.SyncPath) {
		f.logger.Debug("filter: dropped, no name glob matched",
			slog.String("sync_path", ev.SyncPath), slog.String("source", source.ID))

		return ev, false
	}

	if len(source.AllowedFileTypes) > 0 && ev.FileType == syncmodel.FileTypeFile &&
		!matchesAnyExt(ev.SyncPath, source.AllowedFileTypes) {
		f.logger.Debug("filter: dropped, file type not allowed",
			slog.String("sync_path", ev.SyncPath), slog.String("source", source.ID))

		return ev, false
	}

	if ev.Kind == syncmodel.EventDeleted {
		return ev, true
	}

	info, err := os.Stat(ev.LocalPath)
	if err != nil {
		f.logger.Debug("filter: dropped, stat failed",
			slog.String("path", ev.LocalPath), slog.String("error", err.Error()))

		return ev, false
	}

	limit := source.MaxFileSize
	if info.IsDir() {
		limit = source.MaxDirSize
	}

	if limit > 0 && info.Size() > limit {
		f.logger.Debug("filter: dropped, exceeds size limit",
			slog.String("path", ev.LocalPath), slog.Int64("size", info.Size()), slog.Int64("limit", limit))

		return ev, false
	}

	ev.Size = info.Size()

	if !info.IsDir() {
		hash, err := hashindex.HashFile(ev.LocalPath)
		if err != nil {
			f.logger.Debug("filter: dropped, hashing failed",
				slog.String("path", ev.LocalPath), slog.String("error", err.Error()))

			return ev, false
		}

		ev.Hash = hash
	}

	return ev, true
}

// matchesAnyGlob reports whether syncPath matches any of source's
// allowedFileNames glob patterns. Patterns are compiled once per source
// with go-gitignore, the same glob engine the teacher uses for its own
// .odignore exclusion list, and cached for reuse across events. The match
// runs against the full relative sync path, not just its base name, so a
// pattern can scope a subdirectory (e.g. "docs/*.md").
func (f *Filter) matchesAnyGlob(source syncmodel.Source, syncPath string) bool {
	matcher := f.compiledGlobs(source)
	if matcher == nil {
		return false
	}

	return matcher.MatchesPath(strings.ToLower(syncPath))
}

func (f *Filter) compiledGlobs(source syncmodel.Source) *ignore.GitIgnore {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.globsFor[source.ID]; ok {
		return m
	}

	lines := make([]string, len(source.AllowedFileNames))
	for i, p := range source.AllowedFileNames {
		lines[i] = strings.ToLower(p)
	}

	m := ignore.CompileIgnoreLines(lines...)
	f.globsFor[source.ID] = m

	return m
}

// matchesAnyExt reports whether syncPath's extension (without the leading
// dot, case-insensitive) is present in allowed.
func matchesAnyExt(syncPath string, allowed []string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(syncPath)), ".")

	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == ext {
			return true
		}
	}

	return false
}
