package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/sherry-sync/deamon/internal/hashindex"
	"github.com/sherry-sync/deamon/internal/reconcile"
	"github.com/sherry-sync/deamon/internal/transport"
)

// pushHandler applies one decoded server push event to every local watcher
// bound to its source (section 4.F).
type pushHandler struct {
	reg      *registry
	remote   reconcile.Remote
	reinit   func(ctx context.Context)
	logger   *slog.Logger
}

func newPushHandler(reg *registry, remote reconcile.Remote, reinit func(ctx context.Context), logger *slog.Logger) *pushHandler {
	return &pushHandler{reg: reg, remote: remote, reinit: reinit, logger: logger}
}

// Handle dispatches one event. Folder-level and permission events trigger a
// full controller revalidation; file-level events are applied directly to
// every bound watcher's local copy and hash index.
func (h *pushHandler) Handle(ctx context.Context, ev transport.RemoteEvent) {
	switch ev.Kind {
	case transport.RemoteFolderCreated, transport.RemoteFolderUpdated, transport.RemoteFolderDeleted,
		transport.RemotePermissionGranted, transport.RemotePermissionRevoked:
		h.reinit(ctx)

	case transport.RemoteFileCreated, transport.RemoteFileUpdated:
		h.fanOut(ctx, ev, h.applyWrite)

	case transport.RemoteFileDeleted:
		h.fanOut(ctx, ev, h.applyDelete)

	case transport.RemoteFileRenamed:
		// Modeled as a delete of the event's path only; the event carries a
		// single path, and the file is not fetched under any new name (no
		// handler body exists for a rename in any source copy of the
		// original implementation).
		h.fanOut(ctx, ev, h.applyDelete)
	}
}

func (h *pushHandler) fanOut(ctx context.Context, ev transport.RemoteEvent, apply func(ctx context.Context, ev transport.RemoteEvent, idx *hashindex.Index, localPath string) error) {
	watchers := h.reg.watchersForSource(ev.SherryID)

	grp, gctx := errgroup.WithContext(ctx)

	for _, w := range watchers {
		w := w

		grp.Go(func() error {
			idx, err := h.reg.indexFor(w)
			if err != nil {
				h.logger.Error("daemon: loading hash index for push event failed",
					slog.String("watcher", w.LocalPath), slog.String("error", err.Error()))

				return nil
			}

			localPath := filepath.Join(w.LocalPath, filepath.FromSlash(ev.Path))

			if err := apply(gctx, ev, idx, localPath); err != nil {
				h.logger.Warn("daemon: applying push event failed",
					slog.String("path", localPath), slog.String("error", err.Error()))

				return nil
			}

			if err := idx.Commit(); err != nil {
				h.logger.Error("daemon: committing hash index after push event failed",
					slog.String("watcher", w.LocalPath), slog.String("error", err.Error()))
			}

			return nil
		})
	}

	_ = grp.Wait()
}

func (h *pushHandler) applyWrite(ctx context.Context, ev transport.RemoteEvent, idx *hashindex.Index, localPath string) error {
	body, err := h.remote.Download(ctx, ev.SherryID, ev.Path)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := reconcile.WriteStream(localPath, body); err != nil {
		return err
	}

	idx.Upsert(ev.Path, hashindex.Entry{Hash: ev.Hash, Timestamp: ev.UpdatedAt, Size: ev.Size})

	return nil
}

func (h *pushHandler) applyDelete(ctx context.Context, ev transport.RemoteEvent, idx *hashindex.Index, localPath string) error {
	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	idx.Tombstone(ev.Path, ev.UpdatedAt)

	return nil
}
