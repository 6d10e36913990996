// Package reconcile implements the bidirectional reconciliation sweep
// (section 4.G): full rehash, remote listing fetch, four-way
// classification, and concurrent execution.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/sherry-sync/deamon/internal/config"
	"github.com/sherry-sync/deamon/internal/hashindex"
	"github.com/sherry-sync/deamon/internal/syncmodel"
)

// RemoteFile is one entry of the remote listing fetched from GET /file/{sherryId}.
type RemoteFile struct {
	SherryID  string
	Path      string
	Hash      string
	Size      int64
	UpdatedAt int64 // ms since epoch
}

// Remote is the transport surface the sweep needs: the listing fetch and a
// streamed file download.
type Remote interface {
	FetchListing(ctx context.Context, folderID string) ([]RemoteFile, error)
	Download(ctx context.Context, sherryID, path string) (ReadCloser, error)
}

// ReadCloser is the minimal streaming surface reconcile consumes from a
// downloaded file body (satisfied by *http.Response.Body).
type ReadCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

// Sender delivers a surviving upload/delete event, mirroring the scheduler's
// transport handshake but without the verify step — reconciliation repairs
// a known-divergent state rather than screening fresh local edits.
type Sender interface {
	Send(ctx context.Context, ev syncmodel.SyncEvent) error
}

// Result reports whether the sweep produced a consistent index. Per-file
// failures are logged but do not themselves make a sweep inconsistent;
// only a failure to obtain the local rehash or the remote listing does.
type Result struct {
	Index *hashindex.Index
	OK    bool
}

// Sweep recomputes the local hash index, fetches the remote listing, and
// reconciles the two, executing downloads/uploads/deletes concurrently.
// The caller commits idx and flips watcher.Complete once OK is true.
func Sweep(
	ctx context.Context,
	dir *config.Store,
	watcher syncmodel.Watcher,
	source syncmodel.Source,
	remote Remote,
	sender Sender,
	logger *slog.Logger,
) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	idx, err := hashindex.Recompute(dir, watcher.HashesID, watcher.Source, watcher.LocalPath, logger)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: local rehash: %w", err)
	}

	remoteFiles, err := remote.FetchListing(ctx, source.ID)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: fetching remote listing: %w", err)
	}

	remoteByPath := make(map[string]RemoteFile, len(remoteFiles))
	for _, rf := range remoteFiles {
		remoteByPath[rf.Path] = rf
	}

	localEntries := idx.Entries()

	paths := map[string]struct{}{}
	for p := range localEntries {
		paths[p] = struct{}{}
	}

	for p := range remoteByPath {
		paths[p] = struct{}{}
	}

	grp, gctx := errgroup.WithContext(ctx)

	for p := range paths {
		p := p

		local, hasLocal := localEntries[p]
		remoteFile, hasRemote := remoteByPath[p]

		grp.Go(func() error {
			reconcileOne(gctx, dir, watcher, source, remote, sender, idx, logger, p, local, hasLocal, remoteFile, hasRemote)

			return nil
		})
	}

	_ = grp.Wait() // reconcileOne never returns an error — every failure is logged and isolated per-file

	return Result{Index: idx, OK: true}, nil
}

func reconcileOne(
	ctx context.Context,
	dir *config.Store,
	watcher syncmodel.Watcher,
	source syncmodel.Source,
	remote Remote,
	sender Sender,
	idx *hashindex.Index,
	logger *slog.Logger,
	path string,
	local hashindex.Entry,
	hasLocal bool,
	remoteFile RemoteFile,
	hasRemote bool,
) {
	now := syncmodel.NowMillis()

	switch {
	case hasLocal && !hasRemote:
		if local.IsTombstone() {
			sendDelete(ctx, sender, idx, watcher, source, path, now, logger)
		} else {
			upload(ctx, sender, idx, watcher, source, path, local, now, logger)
		}

	case !hasLocal && hasRemote:
		download(ctx, dir, remote, idx, watcher, source, path, remoteFile, logger)

	case hasLocal && hasRemote:
		reconcileBoth(ctx, dir, remote, sender, idx, watcher, source, path, local, remoteFile, now, logger)
	}
}

func reconcileBoth(
	ctx context.Context,
	dir *config.Store,
	remote Remote,
	sender Sender,
	idx *hashindex.Index,
	watcher syncmodel.Watcher,
	source syncmodel.Source,
	path string,
	local hashindex.Entry,
	remoteFile RemoteFile,
	now int64,
	logger *slog.Logger,
) {
	if local.Hash == remoteFile.Hash {
		return
	}

	if remoteFile.Hash == "" {
		deleteLocal(dir, watcher, idx, path, now, logger)

		return
	}

	// Last-writer-wins; a tie prefers remote.
	if remoteFile.UpdatedAt >= local.Timestamp {
		download(ctx, dir, remote, idx, watcher, source, path, remoteFile, logger)
	} else {
		upload(ctx, sender, idx, watcher, source, path, local, now, logger)
	}
}

func upload(
	ctx context.Context, sender Sender, idx *hashindex.Index,
	watcher syncmodel.Watcher, source syncmodel.Source, path string, local hashindex.Entry, now int64, logger *slog.Logger,
) {
	ev := syncmodel.SyncEvent{
		SourceID:  source.ID,
		Base:      watcher.LocalPath,
		Kind:      syncmodel.EventCreated,
		LocalPath: filepath.Join(watcher.LocalPath, filepath.FromSlash(path)),
		SyncPath:  path,
		Hash:      local.Hash,
		Size:      local.Size,
		Timestamp: now,
	}

	if err := sender.Send(ctx, ev); err != nil {
		logger.Warn("reconcile: upload failed", slog.String("path", path), slog.String("error", err.Error()))

		return
	}

	idx.Upsert(path, local)

	logger.Info("reconcile: uploaded", slog.String("path", path), slog.String("size", humanize.Bytes(uint64(local.Size))))
}

func sendDelete(
	ctx context.Context, sender Sender, idx *hashindex.Index,
	watcher syncmodel.Watcher, source syncmodel.Source, path string, now int64, logger *slog.Logger,
) {
	ev := syncmodel.SyncEvent{
		SourceID:  source.ID,
		Base:      watcher.LocalPath,
		Kind:      syncmodel.EventDeleted,
		SyncPath:  path,
		Timestamp: now,
	}

	if err := sender.Send(ctx, ev); err != nil {
		logger.Warn("reconcile: delete notification failed", slog.String("path", path), slog.String("error", err.Error()))

		return
	}

	idx.Remove(path)
}

func deleteLocal(dir *config.Store, watcher syncmodel.Watcher, idx *hashindex.Index, path string, now int64, logger *slog.Logger) {
	full := filepath.Join(watcher.LocalPath, filepath.FromSlash(path))

	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		logger.Warn("reconcile: local delete failed", slog.String("path", full), slog.String("error", err.Error()))

		return
	}

	idx.Tombstone(path, now)
}

func download(
	ctx context.Context, dir *config.Store, remote Remote, idx *hashindex.Index,
	watcher syncmodel.Watcher, source syncmodel.Source, path string, remoteFile RemoteFile, logger *slog.Logger,
) {
	body, err := remote.Download(ctx, remoteFile.SherryID, path)
	if err != nil {
		logger.Warn("reconcile: download failed", slog.String("path", path), slog.String("error", err.Error()))

		return
	}
	defer body.Close()

	dest := filepath.Join(watcher.LocalPath, filepath.FromSlash(path))
	if err := WriteStream(dest, body); err != nil {
		logger.Warn("reconcile: writing downloaded file failed", slog.String("path", dest), slog.String("error", err.Error()))

		return
	}

	idx.Upsert(path, hashindex.Entry{Hash: remoteFile.Hash, Timestamp: remoteFile.UpdatedAt, Size: remoteFile.Size})

	logger.Info("reconcile: downloaded", slog.String("path", path), slog.String("size", humanize.Bytes(uint64(remoteFile.Size))))
}

// WriteStream crash-safely writes body to dest: tempfile in the same
// directory, fsync, close, rename — the same guarantee as
// config.AtomicWriteFile, but streamed rather than buffered in memory since
// downloaded files are not size-bounded the way config documents are.
// Exported for the push-event handler, which applies the same
// download-and-write-in-place operation outside a reconciliation sweep.
func WriteStream(dest string, body ReadCloser) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".sherry-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := copyStream(f, body); err != nil {
		f.Close()

		return fmt.Errorf("writing: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("syncing: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing: %w", err)
	}

	if err := os.Rename(tempPath, dest); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}

	succeeded = true

	return nil
}

func copyStream(dst *os.File, src ReadCloser) (int64, error) {
	buf := make([]byte, 32*1024)

	var total int64

	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}

			total += int64(n)
		}

		if err != nil {
			if err == io.EOF {
				return total, nil
			}

			return total, err
		}
	}
}
