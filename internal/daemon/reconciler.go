package daemon

import (
	"context"
	"log/slog"

	"github.com/sherry-sync/deamon/internal/config"
	"github.com/sherry-sync/deamon/internal/reconcile"
	"github.com/sherry-sync/deamon/internal/syncmodel"
)

// reconcilerAdapter satisfies controller.Reconciler: it runs one watcher's
// sweep, commits the resulting hash index on success, and publishes the
// fresh index into the registry so the scheduler sees it immediately.
type reconcilerAdapter struct {
	store  *config.Store
	remote reconcile.Remote
	sender reconcile.Sender
	reg    *registry
	logger *slog.Logger
}

func newReconcilerAdapter(store *config.Store, remote reconcile.Remote, sender reconcile.Sender, reg *registry, logger *slog.Logger) *reconcilerAdapter {
	return &reconcilerAdapter{store: store, remote: remote, sender: sender, reg: reg, logger: logger}
}

func (a *reconcilerAdapter) Sweep(ctx context.Context, watcher syncmodel.Watcher, source syncmodel.Source) (bool, error) {
	res, err := reconcile.Sweep(ctx, a.store, watcher, source, a.remote, a.sender, a.logger)
	if err != nil {
		return false, err
	}

	if !res.OK {
		return false, nil
	}

	if err := res.Index.Commit(); err != nil {
		return false, err
	}

	a.reg.refreshIndex(watcher, res.Index)

	return true, nil
}
