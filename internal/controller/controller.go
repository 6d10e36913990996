// Package controller owns the canonical config and auth documents, the
// debounced config-directory watch that feeds them, and apply_update: the
// single place permission, source, and watcher state ever changes
// (section 4.H).
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/sherry-sync/deamon/internal/config"
	"github.com/sherry-sync/deamon/internal/syncmodel"
)

// configDebounce is the quiet window for the config-directory watch
// (section 3: "the config directory itself is watched with a 1000ms debounce").
const configDebounce = 1 * time.Second

// AuthRefresher calls the token-refresh endpoint for one user's credentials.
type AuthRefresher interface {
	Refresh(ctx context.Context, userID string, cred syncmodel.Credentials) (syncmodel.Credentials, error)
}

// FolderFetcher fetches a source's current policy/permissions from the server.
type FolderFetcher interface {
	FetchSource(ctx context.Context, sourceID string) (syncmodel.Source, error)
}

// Reconciler runs one watcher's reconciliation sweep and, on success,
// commits its hash index. The returned bool reports whether the watcher is
// now consistent (complete=true eligible).
type Reconciler interface {
	Sweep(ctx context.Context, watcher syncmodel.Watcher, source syncmodel.Source) (bool, error)
}

// OSWatches is the subscription surface for the filesystem watcher backing
// the coalescer's input.
type OSWatches interface {
	Watch(path string) error
	Unwatch(path string) error
}

// PushReconnector forces the push channel to redial with a fresh token set.
type PushReconnector interface {
	Reconnect()
}

// Controller is the sole writer of the canonical config/auth documents.
type Controller struct {
	store    *config.Store
	docs     *config.Documents
	auth     AuthRefresher
	folders  FolderFetcher
	reconcile Reconciler
	watches  OSWatches
	push     PushReconnector
	logger   *slog.Logger

	watchedPaths map[string]struct{}
}

// New creates a Controller seeded with the documents already held by docs.
func New(
	store *config.Store, docs *config.Documents,
	auth AuthRefresher, folders FolderFetcher, reconcile Reconciler, watches OSWatches, push PushReconnector,
	logger *slog.Logger,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		store: store, docs: docs,
		auth: auth, folders: folders, reconcile: reconcile, watches: watches, push: push,
		logger:       logger,
		watchedPaths: map[string]struct{}{},
	}
}

// Reinitialize unwatches every currently-subscribed path, then runs
// apply_update with an empty "old" document pair and the current documents
// as "new", forcing reconciliation of every watcher regardless of its
// complete flag (section 4.H).
func (c *Controller) Reinitialize(ctx context.Context) error {
	for path := range c.watchedPaths {
		if err := c.watches.Unwatch(path); err != nil {
			c.logger.Debug("controller: unwatch during reinitialize", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	c.watchedPaths = map[string]struct{}{}

	cfg, auth := c.docs.Snapshot()

	return c.ApplyUpdate(ctx, syncmodel.Config{}, syncmodel.Auth{}, cfg, auth, true)
}

// ApplyUpdate is the heart of the controller: auth revalidation, config
// revalidation, watcher actualization, commit, OS watch rewiring, and
// push-channel rewiring, in that order (section 4.H).
func (c *Controller) ApplyUpdate(ctx context.Context, oldCfg syncmodel.Config, oldAuth syncmodel.Auth, newCfg syncmodel.Config, newAuth syncmodel.Auth, isInit bool) error {
	authChanged := c.revalidateAuth(ctx, &newAuth)

	// A user added, removed, updated, or marked expired changes the token
	// set the push channel authenticates with.
	for userID, cred := range newAuth.Records {
		if prev, ok := oldAuth.Records[userID]; !ok || prev != cred {
			authChanged = true
		}
	}

	for userID := range oldAuth.Records {
		if _, ok := newAuth.Records[userID]; !ok {
			authChanged = true
		}
	}

	watcherChange := c.revalidateConfig(ctx, &newCfg, oldCfg, newAuth)

	c.actualizeWatchers(ctx, &newCfg, isInit, watcherChange)

	if err := c.commitIfChanged(newCfg, newAuth, oldCfg, oldAuth); err != nil {
		return err
	}

	if err := c.rewireWatches(watcherChange); err != nil {
		return err
	}

	if authChanged {
		c.push.Reconnect()
	}

	c.docs.Update(newCfg, newAuth)

	return nil
}

// revalidateAuth refreshes any credential nearing expiry, marks failed
// refreshes as expired, and blanks a default user id that no longer points
// to a record. Reports whether any record was refreshed; ApplyUpdate adds
// the comparison against the previous auth document that catches users
// added, removed, or marked expired — together the push-channel rewiring
// trigger.
func (c *Controller) revalidateAuth(ctx context.Context, newAuth *syncmodel.Auth) bool {
	changed := false
	now := time.Now()

	for userID, cred := range newAuth.Records {
		if cred.NeedsRefresh(now) {
			refreshed, err := c.auth.Refresh(ctx, userID, cred)
			if err != nil {
				c.logger.Warn("controller: token refresh failed, marking expired",
					slog.String("user", userID), slog.String("error", err.Error()))

				cred.Expired = true
			} else {
				cred = refreshed
				changed = true
			}

			newAuth.Records[userID] = cred
		}
	}

	if newAuth.Default != "" {
		if _, ok := newAuth.Records[newAuth.Default]; !ok {
			newAuth.Default = ""
		}
	}

	return changed
}

// watcherChangeSet classifies every watcher by index after revalidation, for
// the OS-watch rewiring and actualization passes.
type watcherChangeSet struct {
	valid          map[int]bool // index into newCfg.Watchers, post source-lookup
	needsReconcile map[int]bool
	invalidOrGone  []string // local paths to unwatch
	toWatch        []string // local paths to watch
}

// revalidateConfig invalidates watchers whose user, source, or local path no
// longer exists, refreshes source policy from the server for every source
// referenced by a valid watcher, and drops sources whose lookup fails
// (invalidating their dependent watchers in turn). Every valid watcher that
// is new, changed since oldCfg, or not yet complete is flagged for
// reconciliation.
func (c *Controller) revalidateConfig(ctx context.Context, newCfg *syncmodel.Config, oldCfg syncmodel.Config, newAuth syncmodel.Auth) watcherChangeSet {
	valid := make([]bool, len(newCfg.Watchers))

	for i, w := range newCfg.Watchers {
		_, userOK := newAuth.Records[w.UserID]

		_, sourceOK := newCfg.Sources[w.Source]

		_, statErr := os.Stat(w.LocalPath)

		valid[i] = userOK && sourceOK && statErr == nil

		// A watcher entry added directly to config.json by hand arrives with
		// no hashesId; mint one so it gets its own hash index file.
		if valid[i] && w.HashesID == "" {
			newCfg.Watchers[i].HashesID = uuid.NewString()
		}
	}

	referenced := map[string]bool{}

	for i, w := range newCfg.Watchers {
		if valid[i] {
			referenced[w.Source] = true
		}
	}

	for sourceID := range referenced {
		fresh, err := c.folders.FetchSource(ctx, sourceID)
		if err != nil {
			c.logger.Warn("controller: source lookup failed, invalidating dependents",
				slog.String("source", sourceID), slog.String("error", err.Error()))

			delete(newCfg.Sources, sourceID)

			for i, w := range newCfg.Watchers {
				if w.Source == sourceID {
					valid[i] = false
				}
			}

			continue
		}

		newCfg.Sources[sourceID] = fresh
	}

	oldByPath := make(map[string]syncmodel.Watcher, len(oldCfg.Watchers))
	for _, w := range oldCfg.Watchers {
		oldByPath[w.LocalPath] = w
	}

	set := watcherChangeSet{valid: map[int]bool{}, needsReconcile: map[int]bool{}}

	for i, w := range newCfg.Watchers {
		if !valid[i] {
			set.invalidOrGone = append(set.invalidOrGone, w.LocalPath)

			continue
		}

		set.valid[i] = true
		set.toWatch = append(set.toWatch, w.LocalPath)

		if prev, seen := oldByPath[w.LocalPath]; !w.Complete || !seen || prev != w {
			set.needsReconcile[i] = true
		}
	}

	return set
}

// actualizeWatchers runs Reconciliation for every watcher flagged by
// revalidateConfig (new, updated, or not yet complete) — or every valid
// watcher when isInit forces a full sweep. Invalid watchers (unknown user,
// unknown source, or missing local path) are never reconciled.
func (c *Controller) actualizeWatchers(ctx context.Context, newCfg *syncmodel.Config, isInit bool, set watcherChangeSet) {
	for i := range newCfg.Watchers {
		if !set.valid[i] {
			continue
		}

		if !isInit && !set.needsReconcile[i] {
			continue
		}

		w := newCfg.Watchers[i]

		source, ok := newCfg.Sources[w.Source]
		if !ok {
			continue
		}

		ok, err := c.reconcile.Sweep(ctx, w, source)
		if err != nil {
			c.logger.Error("controller: reconciliation sweep failed",
				slog.String("watcher", w.LocalPath), slog.String("error", err.Error()))

			continue
		}

		newCfg.Watchers[i].Complete = ok
	}
}

func (c *Controller) commitIfChanged(newCfg syncmodel.Config, newAuth syncmodel.Auth, oldCfg syncmodel.Config, oldAuth syncmodel.Auth) error {
	if configsEqual(newCfg, oldCfg) && authsEqual(newAuth, oldAuth) {
		return nil
	}

	if err := c.store.SaveConfig(newCfg); err != nil {
		return fmt.Errorf("controller: persisting config: %w", err)
	}

	if err := c.store.SaveAuth(newAuth); err != nil {
		return fmt.Errorf("controller: persisting auth: %w", err)
	}

	return nil
}

// rewireWatches unwatches invalidated/removed paths (errors tolerated — the
// path may already be gone) and watches new/valid paths (errors propagate).
func (c *Controller) rewireWatches(set watcherChangeSet) error {
	for _, path := range set.invalidOrGone {
		if _, ok := c.watchedPaths[path]; !ok {
			continue
		}

		if err := c.watches.Unwatch(path); err != nil {
			c.logger.Debug("controller: unwatch failed, tolerating", slog.String("path", path), slog.String("error", err.Error()))
		}

		delete(c.watchedPaths, path)
	}

	// Paths whose watcher was removed from config are unwatched as well.
	keep := make(map[string]struct{}, len(set.toWatch))
	for _, path := range set.toWatch {
		keep[path] = struct{}{}
	}

	for path := range c.watchedPaths {
		if _, ok := keep[path]; ok {
			continue
		}

		if err := c.watches.Unwatch(path); err != nil {
			c.logger.Debug("controller: unwatch failed, tolerating", slog.String("path", path), slog.String("error", err.Error()))
		}

		delete(c.watchedPaths, path)
	}

	for _, path := range set.toWatch {
		if _, ok := c.watchedPaths[path]; ok {
			continue
		}

		if err := c.watches.Watch(path); err != nil {
			return fmt.Errorf("controller: watching %s: %w", path, err)
		}

		c.watchedPaths[path] = struct{}{}
	}

	return nil
}

func configsEqual(a, b syncmodel.Config) bool {
	return reflect.DeepEqual(a, b)
}

func authsEqual(a, b syncmodel.Auth) bool {
	return reflect.DeepEqual(a, b)
}
