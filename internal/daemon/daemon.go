package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sherry-sync/deamon/internal/coalescer"
	"github.com/sherry-sync/deamon/internal/config"
	"github.com/sherry-sync/deamon/internal/controller"
	"github.com/sherry-sync/deamon/internal/filter"
	"github.com/sherry-sync/deamon/internal/scheduler"
	"github.com/sherry-sync/deamon/internal/transport"
)

// httpClientTimeout is the client-wide deadline of the one HTTP client
// shared by every REST call, so it bounds metadata calls, uploads, and
// downloads (including reading the response body) alike.
const httpClientTimeout = 30 * time.Second

// Options configures one daemon run.
type Options struct {
	ConfigDir string
	Silent    bool
	Debug     bool
}

// Daemon owns every long-lived component wired together for one run of the
// change-propagation engine (section 4.I).
type Daemon struct {
	logger    *slog.Logger
	closeLog  func() error
	store     *config.Store
	docs      *config.Documents
	reg       *registry
	controller *controller.Controller
	observer  *observer
	push      *transport.PushChannel
	pushHandler *pushHandler
}

// New resolves the config directory, loads the persisted documents, and
// wires every component: coalescer, filter, scheduler, transport client,
// reconciliation, controller, OS watcher, and push channel. It performs no
// I/O against the network or filesystem watches until Run is called.
func New(opts Options) (*Daemon, error) {
	dir, err := config.ResolveDir(opts.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("daemon: resolving config directory: %w", err)
	}

	logger, closeLog, err := buildLogger(dir, opts.Silent, opts.Debug)
	if err != nil {
		return nil, fmt.Errorf("daemon: configuring logging: %w", err)
	}

	store := config.NewStore(dir)
	if err := store.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("daemon: preparing config directory: %w", err)
	}

	cfg, err := store.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("daemon: loading config: %w", err)
	}

	auth, err := store.LoadAuth()
	if err != nil {
		return nil, fmt.Errorf("daemon: loading auth: %w", err)
	}

	docs := config.NewDocuments(cfg, auth)
	reg := newRegistry(store, docs, logger)

	httpClient := &http.Client{Timeout: httpClientTimeout}
	client := transport.NewClient(cfg.APIURL, httpClient, newDocsTokenSource(docs), logger)
	remoteClient := transport.NewRemoteClient(client)
	eventSender := transport.NewEventSender(client)

	reconciler := newReconcilerAdapter(store, remoteClient, eventSender, reg, logger)
	auther := newAuthAdapter(client)
	folders := newFolderAdapter(client)

	fsWatcher, err := coalescer.NewFsWatcher()
	if err != nil {
		return nil, fmt.Errorf("daemon: creating filesystem watcher: %w", err)
	}

	sched := scheduler.New(logger, coalescer.New(logger), filter.New(logger), eventSender, reg)

	obs := newObserver(fsWatcher, reg, logger, sched.Dispatch)

	push := transport.NewPushChannel(cfg.SocketURL, newDocsTokenLister(docs), logger)

	ctrl := controller.New(store, docs, auther, folders, reconciler, obs, push, logger)

	ph := newPushHandler(reg, remoteClient, func(ctx context.Context) {
		if err := ctrl.Reinitialize(ctx); err != nil {
			logger.Error("daemon: reinitialize after push event failed", slog.String("error", err.Error()))
		}
	}, logger)

	return &Daemon{
		logger:      logger,
		closeLog:    closeLog,
		store:       store,
		docs:        docs,
		reg:         reg,
		controller:  ctrl,
		observer:    obs,
		push:        push,
		pushHandler: ph,
	}, nil
}

// Run performs the initial reconciliation of every watcher, then blocks
// running the OS watch loop, the config directory watch, and the push
// channel concurrently until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	defer func() {
		if d.closeLog != nil {
			_ = d.closeLog()
		}
	}()

	if err := d.controller.Reinitialize(ctx); err != nil {
		return fmt.Errorf("daemon: initial reconciliation: %w", err)
	}

	done := make(chan struct{}, 3)

	go func() {
		d.observer.run(ctx)
		done <- struct{}{}
	}()

	go func() {
		d.push.Run(ctx, d.pushHandler.Handle)
		done <- struct{}{}
	}()

	go func() {
		if err := d.controller.WatchConfigDir(ctx); err != nil {
			d.logger.Error("daemon: config directory watch stopped", slog.String("error", err.Error()))
		}

		done <- struct{}{}
	}()

	<-ctx.Done()
	<-done
	<-done
	<-done

	return nil
}
